package fibretest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/raskyld/fibre"
	"github.com/raskyld/fibre/pkg/wire"
)

// Acceptor yields the channels opened by a remote `Engine`. It is
// implemented by `fibre.Pipe`.
type Acceptor interface {
	Accept(ctx context.Context) (rx fibre.Channel, tx fibre.Channel, err error)
}

// Serve answers the calls forwarded by an `Engine` configured with
// `WithTransport`, until ctx is done or acc fails.
func Serve(ctx context.Context, acc Acceptor, mtu int, handlers map[string]Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		rx, tx, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveOne(ctx, rx, tx, mtu, handlers, logger)
	}
}

func serveOne(ctx context.Context, rx, tx fibre.Channel, mtu int, handlers map[string]Handler, logger *slog.Logger) {
	dec := wire.NewDecoder(rx, mtu, wire.WithLog(logger.Handler()))
	enc := wire.NewEncoder(tx, mtu, wire.WithLog(logger.Handler()))

	outputs, status, err := handle(ctx, dec, handlers)
	if err != nil {
		logger.Warn("cannot serve call", fibre.LabelError.L(err))
		status = fibre.StatusOf(err)
	}
	// Unblocks a caller still writing arguments we will not read.
	_ = rx.Close(fibre.StatusCancelled)
	if status == fibre.StatusOK || status == fibre.StatusClosed {
		for _, out := range outputs {
			if err := enc.WriteFrame(ctx, out); err != nil {
				logger.Warn("cannot write output", fibre.LabelError.L(err))
				status = fibre.StatusOf(err)
				break
			}
		}
	}
	if err := enc.Close(ctx, status); err != nil {
		logger.Debug("cannot close channel", fibre.LabelError.L(err))
	}
}

func handle(ctx context.Context, dec *wire.Decoder, handlers map[string]Handler) ([][]byte, fibre.Status, error) {
	name, err := dec.ReadFrame(ctx)
	if errors.Is(err, io.EOF) {
		return nil, fibre.StatusInvalidArgument, nil
	}
	if err != nil {
		return nil, 0, err
	}

	h, ok := handlers[string(name)]
	if !ok {
		return nil, 0, fmt.Errorf("%w: no function %q", fibre.ErrInvalidArgument, name)
	}

	args, status, err := dec.ReadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	if status != fibre.StatusClosed && status != fibre.StatusOK {
		return nil, status, nil
	}
	out, st := h(args)
	return out, st, nil
}
