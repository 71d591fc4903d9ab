package fibre

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("every key maps to an option", func(t *testing.T) {
		cfg, err := ParseConfig(`
log_level = "debug"
depth_budget = 3
task_buffer_size = 4
task_growth_factor = 2
memory_size = 4096
expected_version = "0.3"

[metric_labels]
site = "lab"
bench = "b2"
`)
		require.NoError(t, err)
		require.Equal(t, 3, cfg.DepthBudget)
		require.Equal(t, map[string]string{"site": "lab", "bench": "b2"}, cfg.MetricLabels)

		opts, err := cfg.Options()
		require.NoError(t, err)
		require.Len(t, opts, 7)

		c := defaultConfig()
		for _, opt := range opts {
			require.NoError(t, opt(&c))
		}
		require.NotNil(t, c.logHandler)
		require.Equal(t, 3, c.depthBudget)
		require.Equal(t, 4, c.taskBufferSize)
		require.Equal(t, 2, c.taskGrowthFactor)
		require.Equal(t, 4096, c.memorySize)
		require.Equal(t, Version{Major: 0, Minor: 3}, c.version)
		require.Equal(t, "bench", c.metricLabels[0].Name)
		require.Equal(t, "site", c.metricLabels[1].Name)
	})

	t.Run("missing keys keep their defaults", func(t *testing.T) {
		cfg, err := ParseConfig(`depth_budget = 0`)
		require.NoError(t, err)
		opts, err := cfg.Options()
		require.NoError(t, err)

		c := defaultConfig()
		for _, opt := range opts {
			require.NoError(t, opt(&c))
		}
		require.Zero(t, c.depthBudget)
		require.Equal(t, defaultTaskBufferSize, c.taskBufferSize)
		require.Equal(t, CompatibleVersion, c.version)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := ParseConfig(`depth = 2`)
		require.ErrorIs(t, err, ErrInvalidCfg)
	})

	t.Run("bad values are rejected", func(t *testing.T) {
		cfg, err := ParseConfig(`log_level = "loud"`)
		require.NoError(t, err)
		_, err = cfg.Options()
		require.ErrorIs(t, err, ErrInvalidCfg)

		cfg, err = ParseConfig(`expected_version = "three"`)
		require.NoError(t, err)
		_, err = cfg.Options()
		require.ErrorIs(t, err, ErrInvalidCfg)
	})

	t.Run("from a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fibre.toml")
		require.NoError(t, os.WriteFile(path, []byte("memory_size = 1024\n"), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, 1024, cfg.MemorySize)

		_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		require.Error(t, err)
	})
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	require.Equal(t, Version{Major: 1, Minor: 2, Patch: 3}, v)

	v, err = ParseVersion(" 0.3 ")
	require.NoError(t, err)
	require.Equal(t, Version{Major: 0, Minor: 3}, v)

	for _, bad := range []string{"1", "1.2.3.4", "a.b", ""} {
		_, err := ParseVersion(bad)
		require.Error(t, err, bad)
	}
}
