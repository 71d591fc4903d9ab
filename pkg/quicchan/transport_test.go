package quicchan

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/fibre"
	"github.com/raskyld/fibre/pkg/wire"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "self-signed"},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err, "failed to generate CA")
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	require.NoError(t, err, "failed to generate leaf")
	return certDER
}

func tlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		configs = append(configs, &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return configs
}

func logHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func TestTransport(t *testing.T) {
	configs := tlsConfigs(t, "node1", "node2")
	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewTransport(&Config{
		TLSConfig:  configs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: node1Metrics,
		LogHandler: logHandler("node1"),
	})
	require.NoError(t, err, "failed to start node1")
	defer ts1.Shutdown()

	ts2, err := NewTransport(&Config{
		TLSConfig:   configs[1],
		BindAddr:    "127.0.0.1",
		MetricSink:  &metrics.BlackholeSink{},
		LogHandler:  logHandler("node2"),
		DialTimeout: 10 * time.Second,
	})
	require.NoError(t, err, "failed to start node2")
	defer ts2.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("a channel opened by node2 is accepted by node1", func(t *testing.T) {
		served := make(chan Peer, 1)
		go func() {
			rx, tx, peer, err := ts1.Accept(ctx)
			if err != nil {
				close(served)
				return
			}
			served <- peer

			frames, _, err := wire.NewDecoder(rx, 1200).ReadAll(ctx)
			if err != nil {
				_ = tx.Close(fibre.StatusOf(err))
				return
			}
			enc := wire.NewEncoder(tx, 1200)
			for _, f := range frames {
				_ = enc.WriteFrame(ctx, append([]byte("echo: "), f...))
			}
			_ = enc.Close(ctx, fibre.StatusClosed)
		}()

		rx, tx, err := ts2.Opener(ts1.Addr().String()).Open(ctx, 1200)
		require.NoError(t, err)

		enc := wire.NewEncoder(tx, 1200)
		require.NoError(t, enc.WriteFrame(ctx, []byte("hello")))
		require.NoError(t, enc.Close(ctx, fibre.StatusClosed))

		frames, status, err := wire.NewDecoder(rx, 1200).ReadAll(ctx)
		require.NoError(t, err)
		require.Equal(t, fibre.StatusClosed, status)
		require.Equal(t, [][]byte{[]byte("echo: hello")}, frames)

		peer, ok := <-served
		require.True(t, ok)
		require.Equal(t, Hostname("node2"), peer.Name)
	})

	t.Run("an error status resets the stream with its code", func(t *testing.T) {
		got := make(chan error, 1)
		go func() {
			rx, _, _, err := ts1.Accept(ctx)
			if err != nil {
				got <- err
				return
			}
			for {
				if _, err := rx.Read(ctx, 1200); err != nil {
					got <- err
					return
				}
			}
		}()

		_, tx, err := ts2.Opener(ts1.Addr().String()).Open(ctx, 1200)
		require.NoError(t, err)
		_, err = tx.Write(ctx, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, tx.Close(fibre.StatusInvalidArgument))

		select {
		case err := <-got:
			require.ErrorIs(t, err, fibre.ErrInvalidArgument)
		case <-ctx.Done():
			t.Fatal("timed out")
		}
	})
}

func TestStreamCode(t *testing.T) {
	for _, status := range []fibre.Status{
		fibre.StatusOK,
		fibre.StatusClosed,
		fibre.StatusInvalidArgument,
		fibre.StatusHostUnreachable,
	} {
		require.Equal(t, status, StatusOf(StreamCode(status)))
	}
	require.Equal(t, fibre.StatusInternalError, StatusOf(0x1))
}

func TestNewTransportRequiresTLS(t *testing.T) {
	_, err := NewTransport(&Config{})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
