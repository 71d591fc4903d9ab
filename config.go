package fibre

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-metrics"
)

// Config is the file form of the options accepted by `Attach`. Fields left
// out of the file keep their defaults.
type Config struct {
	LogLevel         string            `toml:"log_level"`
	MetricLabels     map[string]string `toml:"metric_labels"`
	DepthBudget      int               `toml:"depth_budget"`
	TaskBufferSize   int               `toml:"task_buffer_size"`
	TaskGrowthFactor int               `toml:"task_growth_factor"`
	MemorySize       int               `toml:"memory_size"`
	ExpectedVersion  string            `toml:"expected_version"`

	defined map[string]bool
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg.withMeta(meta)
}

// ParseConfig decodes a TOML document.
func ParseConfig(data string) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withMeta(meta)
}

func (cfg Config) withMeta(meta toml.MetaData) (*Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidCfg, undecoded)
	}
	cfg.defined = make(map[string]bool)
	for _, key := range meta.Keys() {
		if len(key) > 0 {
			cfg.defined[key[0]] = true
		}
	}
	return &cfg, nil
}

func (cfg *Config) isDefined(key string) bool {
	return cfg.defined[key]
}

// Options converts the configuration to options for `Attach`.
func (cfg *Config) Options() ([]Option, error) {
	var opts []Option

	if cfg.isDefined("log_level") {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
			return nil, fmt.Errorf("%w: log_level: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	if len(cfg.MetricLabels) > 0 {
		names := make([]string, 0, len(cfg.MetricLabels))
		for name := range cfg.MetricLabels {
			names = append(names, name)
		}
		sort.Strings(names)
		labels := make([]metrics.Label, 0, len(names))
		for _, name := range names {
			labels = append(labels, metrics.Label{Name: name, Value: cfg.MetricLabels[name]})
		}
		opts = append(opts, WithMetricLabels(labels))
	}

	if cfg.isDefined("depth_budget") {
		opts = append(opts, WithDepthBudget(cfg.DepthBudget))
	}
	if cfg.isDefined("task_buffer_size") {
		opts = append(opts, WithTaskBufferSize(cfg.TaskBufferSize))
	}
	if cfg.isDefined("task_growth_factor") {
		opts = append(opts, WithTaskGrowthFactor(cfg.TaskGrowthFactor))
	}
	if cfg.isDefined("memory_size") {
		opts = append(opts, WithMemorySize(cfg.MemorySize))
	}

	if cfg.isDefined("expected_version") {
		v, err := ParseVersion(cfg.ExpectedVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: expected_version: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithExpectedVersion(v))
	}

	return opts, nil
}

// ParseVersion reads "major.minor" or "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return v, fmt.Errorf("malformed version %q", s)
	}
	fields := []*uint16{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		if _, err := fmt.Sscanf(part, "%d", fields[i]); err != nil {
			return Version{}, fmt.Errorf("malformed version %q: %w", s, err)
		}
	}
	return v, nil
}
