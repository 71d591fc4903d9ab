package wire

import (
	"context"
	"errors"

	"github.com/raskyld/fibre"
	"golang.org/x/sync/errgroup"
)

// Duplex pairs the two directions of a transport.
type Duplex struct {
	Rx fibre.Channel
	Tx fibre.Channel
}

// Splice copies a.Rx to b.Tx and b.Rx to a.Tx until both directions
// ended. The status a source closed with is forwarded to its
// destination.
func Splice(ctx context.Context, a, b Duplex, mtu int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(ctx, a.Rx, b.Tx, mtu) })
	g.Go(func() error { return pump(ctx, b.Rx, a.Tx, mtu) })
	return g.Wait()
}

func pump(ctx context.Context, src, dst fibre.Channel, mtu int) error {
	for {
		buf, err := src.Read(ctx, mtu)
		if err != nil {
			status := closeStatus(err)
			_ = dst.Close(status)
			if status == fibre.StatusClosed {
				return nil
			}
			return err
		}
		for len(buf) > 0 {
			n, err := dst.Write(ctx, buf)
			if err != nil {
				_ = src.Close(closeStatus(err))
				return err
			}
			buf = buf[n:]
		}
	}
}

func closeStatus(err error) fibre.Status {
	switch {
	case errors.Is(err, fibre.ErrClosed):
		return fibre.StatusClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fibre.StatusCancelled
	default:
		return fibre.StatusOf(err)
	}
}
