package quicchan

import (
	"crypto/x509"
	"log/slog"
)

type Hostname string

// Peer is the other end of a connection.
type Peer struct {
	Name Hostname
	Addr string
}

func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(p.Name)),
		slog.String("addr", p.Addr),
	)
}

// HostnameResolver can resolve an hostname from the certificates received
// from a remote peer.
//
// Implementations MUST NOT block, since they are invoked on the
// connection establishment path.
//
// When the resolution fails, they return a human-friendly reason which is
// sent to the peer so it can debug the error. If the reason is empty,
// the peer only receives a `QErrInternal`.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, string, error)

// CommonNameResolver is the default resolver, it uses the Subject Common
// Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, string, error) {
	if len(certs) == 0 {
		return "", "it seems like you haven't provided a client certificate", ErrHostnameResolve
	}
	return Hostname(certs[0].Subject.CommonName), "", nil
}
