package fibre

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultDepthBudget      = 1
	defaultTaskBufferSize   = 10
	defaultTaskGrowthFactor = 5
	defaultMemorySize       = 64 * 1024
)

// CompatibleVersion is the engine version this runtime speaks. Only
// major.minor are compared on attach.
var CompatibleVersion = Version{Major: 0, Minor: 3}

type config struct {
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	depthBudget      int
	taskBufferSize   int
	taskGrowthFactor int
	memorySize       int
	version          Version
	hostRoot         any
}

func defaultConfig() config {
	return config{
		depthBudget:      defaultDepthBudget,
		taskBufferSize:   defaultTaskBufferSize,
		taskGrowthFactor: defaultTaskGrowthFactor,
		memorySize:       defaultMemorySize,
		version:          CompatibleVersion,
	}
}

// Option to pass to `Attach`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the runtime. A nil sink discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the runtime.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithDepthBudget bounds how many nested mappings the encoder expands when
// handing host values to the engine, whatever depth the engine asks for.
// Deeper mappings are rejected.
func WithDepthBudget(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("depth budget must be positive, got %d", depth)
		}
		c.depthBudget = depth
		return nil
	}
}

// WithTaskBufferSize sets how many tasks the pending buffer holds before
// it grows for the first time.
func WithTaskBufferSize(slots int) Option {
	return func(c *config) error {
		if slots <= 0 {
			slots = defaultTaskBufferSize
		}
		c.taskBufferSize = slots
		return nil
	}
}

// WithTaskGrowthFactor controls by how much the pending buffer is
// multiplied when exhausted.
func WithTaskGrowthFactor(factor int) Option {
	return func(c *config) error {
		if factor < 2 {
			return fmt.Errorf("growth factor must be at least 2, got %d", factor)
		}
		c.taskGrowthFactor = factor
		return nil
	}
}

// WithMemorySize sets the initial size of the memory shared with the
// engine. It grows on demand.
func WithMemorySize(bytes int) Option {
	return func(c *config) error {
		if bytes <= 0 {
			bytes = defaultMemorySize
		}
		c.memorySize = bytes
		return nil
	}
}

// WithExpectedVersion overrides the engine version the runtime accepts.
func WithExpectedVersion(v Version) Option {
	return func(c *config) error {
		c.version = v
		return nil
	}
}

// WithHostRoot sets the value the engine reaches through the reserved
// host handle 0, usually a struct exposing what the peer may call back.
func WithHostRoot(root any) Option {
	return func(c *config) error {
		c.hostRoot = root
		return nil
	}
}
