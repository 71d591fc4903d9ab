// Package wire moves chunk streams across a `fibre.Channel`.
//
// A stream is a sequence of protobuf-encoded records:
//
//   - field 1, bytes: a piece of the current argument. Arguments longer than
//     the MTU are split over many records.
//   - field 2, varint: the boundary closing the current argument.
//   - field 3, varint: the end of the stream, carrying its terminal status.
//
// This mirrors the data chunks and frame boundaries exchanged with the
// engine through shared memory.
package wire

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldData     protowire.Number = 1
	fieldBoundary protowire.Number = 2
	fieldEnd      protowire.Number = 3

	// maxRecordSize bounds what a decoder accepts from its peer.
	maxRecordSize = 1 << 24
)

var (
	ErrMalformed = errors.New("wire: malformed record")
	ErrTruncated = errors.New("wire: stream ended without an end record")
	ErrEnded     = errors.New("wire: stream already ended")
)

var (
	MetricBytesOut   = []string{"fibre", "wire", "bytes", "out"}
	MetricBytesIn    = []string{"fibre", "wire", "bytes", "in"}
	MetricRecordsOut = []string{"fibre", "wire", "records", "out", "count"}
	MetricRecordsIn  = []string{"fibre", "wire", "records", "in", "count"}
	MetricMalformed  = []string{"fibre", "wire", "malformed", "count"}
)

// RecordKind tells what a record carries.
type RecordKind int

const (
	KindData RecordKind = iota
	KindBoundary
	KindEnd
)

func (k RecordKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindBoundary:
		return "boundary"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

type config struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newConfig(opts []Option) config {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg
}

// Option of an `Encoder` or a `Decoder`.
type Option func(*config)

func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		if handler != nil {
			c.logger = slog.New(handler)
		}
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = ms
	}
}

// WithMetricLabels adds static labels to every metric, typically the
// name of the peer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.labels = labels
	}
}
