// Package quicchan carries fibre channels over QUIC streams: every
// `Open` is a new bidirectional stream, multiplexed on one connection per
// peer.
package quicchan

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/fibre"
)

const (
	defaultUDPBufferSize int    = 1 << 21
	defaultALPN          string = "fibre"
)

// Config of a `Transport`.
type Config struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we divide by 2 the requested `Config.BufferSize` until it
	// fits or fails.
	EnforceBufferSize bool

	// TLSConfig should enable mTLS between the peers.
	TLSConfig *tls.Config

	// BindAddr and BindPort are where the transport listens. A zero port
	// picks any free one.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many channels a peer may
	// keep open at once.
	HintMaxStreams int64

	// HostnameResolver names peers from their certificates.
	HostnameResolver HostnameResolver

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	LogHandler slog.Handler
}

type accepted struct {
	stream quic.Stream
	peer   Peer
}

// Transport both dials peers and accepts their channels.
type Transport struct {
	cfg    *Config
	tls    *tls.Config
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool
	closeCh      chan struct{}
	acceptCh     chan accepted

	connsLock sync.Mutex
	conns     map[string]quic.Connection

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func NewTransport(cfg *Config) (t *Transport, err error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:      cfg,
		tls:      cfg.TLSConfig.Clone(),
		closeCh:  make(chan struct{}),
		acceptCh: make(chan accepted),
		conns:    make(map[string]quic.Connection),
	}
	if len(t.tls.NextProtos) == 0 {
		t.tls.NextProtos = []string{defaultALPN}
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("quicchan: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{Conn: udpLn}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 1000
	}

	ln, err := t.tr.Listen(t.tls, t.quicConfig(hintStreams))
	if err != nil {
		return nil, fmt.Errorf("quicchan: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

func (t *Transport) quicConfig(hintStreams int64) *quic.Config {
	return &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:          false,
		MaxIncomingStreams: hintStreams,
		MaxIdleTimeout:     1 * time.Minute,
		KeepAlivePeriod:    15 * time.Second,
	}
}

// Addr the transport listens on.
func (t *Transport) Addr() net.Addr {
	return t.udpLn.LocalAddr()
}

// Opener returns the `fibre.ChannelOpener` reaching target, a host:port.
func (t *Transport) Opener(target string) *Opener {
	return &Opener{t: t, target: target}
}

// Accept waits for a channel opened by a peer.
func (t *Transport) Accept(ctx context.Context) (rx, tx fibre.Channel, peer Peer, err error) {
	select {
	case <-ctx.Done():
		return nil, nil, Peer{}, ctx.Err()
	case <-t.closeCh:
		return nil, nil, Peer{}, ErrShutdown
	case acc := <-t.acceptCh:
		labels := t.labelsFor(acc.peer)
		t.msink.IncrCounterWithLabels(MetricStreamAcceptCount, 1, labels)
		rx, tx := t.wrap(acc.stream, labels)
		return rx, tx, acc.peer, nil
	}
}

// Shutdown closes every connection and the listener.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	t.connsLock.Lock()
	for _, conn := range t.conns {
		_ = QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	t.conns = make(map[string]quic.Connection)
	t.connsLock.Unlock()

	if t.ln != nil {
		_ = t.ln.Close()
	}
	if t.tr != nil {
		_ = t.tr.Close()
	}
	if t.udpLn != nil {
		_ = t.udpLn.Close()
	}
	return nil
}

func (t *Transport) wrap(stream quic.Stream, labels []metrics.Label) (fibre.Channel, fibre.Channel) {
	labels = append(labels, LabelStreamID.M(fmt.Sprint(stream.StreamID())))
	return &rxChannel{stream: stream, msink: t.msink, labels: labels},
		&txChannel{stream: stream, msink: t.msink, labels: labels}
}

func (t *Transport) labelsFor(peer Peer) []metrics.Label {
	labels := make([]metrics.Label, 0, len(t.cfg.MetricLabels)+2)
	labels = append(labels, t.cfg.MetricLabels...)
	labels = append(labels, LabelPeerAddr.M(peer.Addr))
	if peer.Name != "" {
		labels = append(labels, LabelPeerName.M(string(peer.Name)))
	}
	return labels
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), t.cfg.MetricLabels)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		if _, err := t.handleConn(conn); err != nil {
			t.logger.Debug("refused incoming connection", "error", err)
		}
	}
}

// handleConn names the peer of conn and starts accepting its streams.
func (t *Transport) handleConn(conn quic.Connection) (Peer, error) {
	peer := Peer{Addr: conn.RemoteAddr().String()}
	logger := t.logger.With(LabelPeerAddr.L(peer.Addr))
	labels := t.labelsFor(peer)

	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	name, reason, err := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", "error", err)
		t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1,
			append(labels, fibre.LabelError.M("name_resolution")))
		if reason == "" {
			_ = QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			_ = QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", reason))
		}
		return Peer{}, ErrHostnameResolve
	}
	peer.Name = name

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1, t.labelsFor(peer))
	logger.Debug("connection established", "peer", peer)
	go t.handleStreams(conn, peer)
	return peer, nil
}

func (t *Transport) handleStreams(conn quic.Connection, peer Peer) {
	ctx := conn.Context()
	logger := t.logger.With("peer", peer)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && ctx.Err() == nil {
				logger.Warn("error accepting stream", "error", err)
			}
			return
		}
		logger.Debug("received a stream", LabelStreamID.L(stream.StreamID()))

		select {
		case t.acceptCh <- accepted{stream: stream, peer: peer}:
		case <-t.closeCh:
			stream.CancelRead(StreamCode(fibre.StatusCancelled))
			stream.CancelWrite(StreamCode(fibre.StatusCancelled))
			return
		}
	}
}

// activeCx returns the connection to target, dialing it if needed.
func (t *Transport) activeCx(ctx context.Context, target string) (quic.Connection, error) {
	t.connsLock.Lock()
	conn, ok := t.conns[target]
	t.connsLock.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	conn, err = t.tr.Dial(ctx, addr, t.tls, t.quicConfig(t.cfg.HintMaxStreams))
	if t.gracefulTerm.Load() {
		if err == nil {
			_ = QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricConnErrorCount, 1,
			append(t.labelsFor(Peer{Addr: target}), fibre.LabelError.M("dial")))
		return nil, fmt.Errorf("%w: %w", fibre.ErrHostUnreachable, err)
	}

	if _, err := t.handleConn(conn); err != nil {
		return nil, err
	}

	t.connsLock.Lock()
	if existing, ok := t.conns[target]; ok && existing.Context().Err() == nil {
		// Lost a race with another dial.
		t.connsLock.Unlock()
		_ = conn.CloseWithError(0, "duplicate connection")
		return existing, nil
	}
	t.conns[target] = conn
	t.connsLock.Unlock()
	return conn, nil
}

// Opener opens channels to one peer.
type Opener struct {
	t      *Transport
	target string
}

var _ fibre.ChannelOpener = (*Opener)(nil)

// Open opens a new stream to the peer. mtu is only a hint for QUIC which
// does its own segmentation.
func (o *Opener) Open(ctx context.Context, mtu int) (rx fibre.Channel, tx fibre.Channel, err error) {
	t := o.t
	if t.gracefulTerm.Load() {
		return nil, nil, ErrShutdown
	}
	labels := t.labelsFor(Peer{Addr: o.target})

	conn, err := t.activeCx(ctx, o.target)
	if err != nil {
		return nil, nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricStreamOpenErrorCount, 1,
			append(labels, fibre.LabelError.M("cannot_open_stream")))
		return nil, nil, fmt.Errorf("%w: %w", fibre.ErrHostUnreachable, err)
	}

	t.msink.IncrCounterWithLabels(MetricStreamOpenCount, 1, labels)
	t.logger.Debug("opened channel", LabelPeerAddr.L(o.target), "mtu", mtu, LabelStreamID.L(stream.StreamID()))
	rx, tx = t.wrap(stream, labels)
	return rx, tx, nil
}
