package gossip

import (
	"errors"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	ErrInvalidCfg     = errors.New("gossip: invalid configuration")
	ErrAdvertTooLarge = errors.New("gossip: advert does not fit in node metadata")
	ErrBadAdvert      = errors.New("gossip: malformed advert")
	ErrNodeClosed     = errors.New("gossip: node is shut down")
)

type config struct {
	mlCfg         *memberlist.Config
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	listeners     []Listener
	updateTimeout time.Duration
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which interface the gossip protocol binds. A zero
// port picks any free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return errors.New("port out of range")
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithName specifies the name the node is known by. For a well-behaving
// cluster, the name MUST be unique.
func WithName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node
// and by memberlist.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still speaks the armon flavour.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithListener registers l to be told about peers coming and going.
func WithListener(l Listener) Option {
	return func(c *config) error {
		if l == nil {
			return errors.New("nil listener")
		}
		c.listeners = append(c.listeners, l)
		return nil
	}
}

// WithUpdateTimeout bounds how long `Node.Advertise` waits for the new
// advert to be broadcast.
func WithUpdateTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.updateTimeout = timeout
		return nil
	}
}
