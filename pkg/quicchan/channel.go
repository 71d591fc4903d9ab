package quicchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/fibre"
)

// rxChannel is the receive half of a QUIC stream.
type rxChannel struct {
	stream  quic.ReceiveStream
	msink   metrics.MetricSink
	labels  []metrics.Label
	reading atomic.Bool
}

func (c *rxChannel) Read(ctx context.Context, maxLen int) ([]byte, error) {
	if !c.reading.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: read already outstanding", fibre.ErrBusy)
	}
	defer c.reading.Store(false)

	// A cancelled context interrupts the read through its deadline.
	_ = c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, max(maxLen, 1))
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.msink.IncrCounterWithLabels(MetricBytesIn, float32(n), c.labels)
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, streamErr(err)
	}
}

func (c *rxChannel) Write(context.Context, []byte) (int, error) {
	return 0, fmt.Errorf("%w: receive only channel", fibre.ErrInvalidArgument)
}

func (c *rxChannel) Close(status fibre.Status) error {
	c.stream.CancelRead(StreamCode(closing(status)))
	return nil
}

// txChannel is the send half of a QUIC stream.
type txChannel struct {
	stream  quic.SendStream
	msink   metrics.MetricSink
	labels  []metrics.Label
	writing atomic.Bool
}

func (c *txChannel) Read(context.Context, int) ([]byte, error) {
	return nil, fmt.Errorf("%w: send only channel", fibre.ErrInvalidArgument)
}

func (c *txChannel) Write(ctx context.Context, b []byte) (int, error) {
	if !c.writing.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("%w: write already outstanding", fibre.ErrBusy)
	}
	defer c.writing.Store(false)

	_ = c.stream.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := c.stream.Write(b)
	if n > 0 {
		c.msink.IncrCounterWithLabels(MetricBytesOut, float32(n), c.labels)
	}
	if err != nil && n == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, streamErr(err)
	}
	return n, nil
}

// Close ends the stream cleanly for a CLOSED status and resets it with
// the matching code otherwise.
func (c *txChannel) Close(status fibre.Status) error {
	status = closing(status)
	if status == fibre.StatusClosed {
		return c.stream.Close()
	}
	c.stream.CancelWrite(StreamCode(status))
	return nil
}

func closing(status fibre.Status) fibre.Status {
	if status == fibre.StatusOK {
		return fibre.StatusClosed
	}
	return status
}

func streamErr(err error) error {
	if errors.Is(err, io.EOF) {
		return fibre.ErrClosed
	}
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		status := StatusOf(serr.ErrorCode)
		if status == fibre.StatusClosed {
			return fibre.ErrClosed
		}
		return fmt.Errorf("%w: %w", status.Err(), err)
	}
	return fmt.Errorf("%w: %w", fibre.ErrHostUnreachable, err)
}
