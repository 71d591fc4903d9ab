package wire

import (
	"context"
	"fmt"

	"github.com/raskyld/fibre"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder writes records on a channel. It is not safe for concurrent use.
type Encoder struct {
	cfg   config
	ch    fibre.Channel
	mtu   int
	buf   []byte
	ended bool
}

func NewEncoder(ch fibre.Channel, mtu int, opts ...Option) *Encoder {
	return &Encoder{
		cfg: newConfig(opts),
		ch:  ch,
		mtu: max(mtu, 1),
	}
}

// WriteFrame writes payload as a whole argument: its data followed by a
// boundary.
func (e *Encoder) WriteFrame(ctx context.Context, payload []byte) error {
	if err := e.appendData(payload); err != nil {
		return err
	}
	e.appendBoundary()
	return e.Flush(ctx)
}

// WriteData writes part of the current argument.
func (e *Encoder) WriteData(ctx context.Context, data []byte) error {
	if err := e.appendData(data); err != nil {
		return err
	}
	return e.Flush(ctx)
}

// WriteBoundary closes the current argument.
func (e *Encoder) WriteBoundary(ctx context.Context) error {
	if e.ended {
		return ErrEnded
	}
	e.appendBoundary()
	return e.Flush(ctx)
}

// Close writes the end record and closes the channel with status.
func (e *Encoder) Close(ctx context.Context, status fibre.Status) error {
	if e.ended {
		return ErrEnded
	}
	e.buf = protowire.AppendTag(e.buf, fieldEnd, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(uint32(status)))
	e.count(1)
	e.ended = true
	if err := e.Flush(ctx); err != nil {
		_ = e.ch.Close(fibre.StatusOf(err))
		return err
	}
	return e.ch.Close(status)
}

// Flush writes everything buffered, however many writes the channel needs.
func (e *Encoder) Flush(ctx context.Context) error {
	for len(e.buf) > 0 {
		n, err := e.ch.Write(ctx, e.buf)
		if err != nil {
			return fmt.Errorf("wire: write: %w", err)
		}
		e.cfg.msink.IncrCounterWithLabels(MetricBytesOut, float32(n), e.cfg.labels)
		e.buf = e.buf[n:]
	}
	e.buf = e.buf[:0]
	return nil
}

func (e *Encoder) appendData(data []byte) error {
	if e.ended {
		return ErrEnded
	}
	for len(data) > 0 {
		n := min(len(data), e.mtu)
		e.buf = protowire.AppendTag(e.buf, fieldData, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, data[:n])
		e.count(1)
		data = data[n:]
	}
	return nil
}

func (e *Encoder) appendBoundary() {
	e.buf = protowire.AppendTag(e.buf, fieldBoundary, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 0)
	e.count(1)
}

func (e *Encoder) count(records int) {
	e.cfg.msink.IncrCounterWithLabels(MetricRecordsOut, float32(records), e.cfg.labels)
}
