package wire

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/raskyld/fibre"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record is one decoded record.
type Record struct {
	Kind   RecordKind
	Data   []byte
	Status fibre.Status
}

// Decoder reads records from a channel. It is not safe for concurrent use.
type Decoder struct {
	cfg    config
	ch     fibre.Channel
	mtu    int
	buf    []byte
	ended  bool
	status fibre.Status
}

func NewDecoder(ch fibre.Channel, mtu int, opts ...Option) *Decoder {
	return &Decoder{
		cfg: newConfig(opts),
		ch:  ch,
		mtu: max(mtu, 1),
	}
}

// Status is the terminal status of the stream, once its end was read.
func (d *Decoder) Status() (fibre.Status, bool) {
	return d.status, d.ended
}

// Next returns the next record, reading from the channel as needed.
func (d *Decoder) Next(ctx context.Context) (Record, error) {
	if d.ended {
		return Record{}, ErrEnded
	}
	for {
		rec, n, err := parse(d.buf)
		switch {
		case err == nil:
			d.buf = d.buf[n:]
			d.cfg.msink.IncrCounterWithLabels(MetricRecordsIn, 1, d.cfg.labels)
			if rec.Kind == KindEnd {
				d.ended = true
				d.status = rec.Status
			}
			return rec, nil
		case !errors.Is(err, io.ErrUnexpectedEOF):
			d.cfg.msink.IncrCounterWithLabels(MetricMalformed, 1, d.cfg.labels)
			d.cfg.logger.Warn("malformed record on channel", "error", err)
			_ = d.ch.Close(fibre.StatusProtocolError)
			return Record{}, err
		}

		more, err := d.ch.Read(ctx, d.mtu)
		if err != nil {
			if errors.Is(err, fibre.ErrClosed) {
				return Record{}, fmt.Errorf("%w: %w", ErrTruncated, err)
			}
			return Record{}, err
		}
		d.cfg.msink.IncrCounterWithLabels(MetricBytesIn, float32(len(more)), d.cfg.labels)
		d.buf = append(d.buf, more...)
	}
}

// ReadFrame returns the next whole argument. At the end of the stream it
// returns `io.EOF` for a normal end and the error of the status otherwise.
func (d *Decoder) ReadFrame(ctx context.Context) ([]byte, error) {
	var payload []byte
	for {
		rec, err := d.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch rec.Kind {
		case KindData:
			payload = append(payload, rec.Data...)
		case KindBoundary:
			if payload == nil {
				payload = []byte{}
			}
			return payload, nil
		case KindEnd:
			if len(payload) > 0 {
				return nil, fmt.Errorf("%w: stream ended inside an argument", ErrMalformed)
			}
			if rec.Status == fibre.StatusOK || rec.Status == fibre.StatusClosed {
				return nil, io.EOF
			}
			return nil, rec.Status.Err()
		}
	}
}

// ReadAll reads every argument up to the end of the stream.
func (d *Decoder) ReadAll(ctx context.Context) ([][]byte, fibre.Status, error) {
	var frames [][]byte
	for {
		frame, err := d.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return frames, d.status, nil
		}
		if err != nil {
			var serr *fibre.StatusError
			if errors.As(err, &serr) {
				return frames, serr.Status, nil
			}
			return frames, fibre.StatusOf(err), err
		}
		frames = append(frames, frame)
	}
}

func parse(b []byte) (Record, int, error) {
	if len(b) == 0 {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Record{}, 0, tagError(n)
	}
	rest := b[n:]

	switch {
	case num == fieldData && typ == protowire.BytesType:
		length, m := protowire.ConsumeVarint(rest)
		if m < 0 {
			return Record{}, 0, tagError(m)
		}
		if length > maxRecordSize {
			return Record{}, 0, fmt.Errorf("%w: %d bytes record", ErrMalformed, length)
		}
		data, m := protowire.ConsumeBytes(rest)
		if m < 0 {
			return Record{}, 0, tagError(m)
		}
		return Record{Kind: KindData, Data: append([]byte(nil), data...)}, n + m, nil

	case num == fieldBoundary && typ == protowire.VarintType:
		_, m := protowire.ConsumeVarint(rest)
		if m < 0 {
			return Record{}, 0, tagError(m)
		}
		return Record{Kind: KindBoundary}, n + m, nil

	case num == fieldEnd && typ == protowire.VarintType:
		v, m := protowire.ConsumeVarint(rest)
		if m < 0 {
			return Record{}, 0, tagError(m)
		}
		return Record{Kind: KindEnd, Status: fibre.Status(int32(uint32(v)))}, n + m, nil

	default:
		return Record{}, 0, fmt.Errorf("%w: field %d of type %d", ErrMalformed, num, typ)
	}
}

// tagError keeps truncation distinguishable so the caller reads more.
func tagError(n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
