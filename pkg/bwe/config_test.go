package bwe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(10_000), cfg.MinBitrate)
	assert.Equal(t, int64(300_000), cfg.StartBitrate)
	assert.Equal(t, 2.5, cfg.PacingMultiplier)
	assert.Equal(t, 2*time.Second, cfg.MaxQueueLength)
	assert.Equal(t, 10*time.Second, cfg.FeedbackHistoryWindow)
	assert.Equal(t, 5*time.Millisecond, cfg.BurstTime)
	assert.True(t, cfg.ProbingEnabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"trendline filter", func(c *Config) { c.DelayFilter = "trendline" }, true},
		{"empty filter means kalman", func(c *Config) { c.DelayFilter = "" }, true},
		{"zero min", func(c *Config) { c.MinBitrate = 0 }, false},
		{"negative padding", func(c *Config) { c.PaddingBitrate = -1 }, false},
		{"min above max", func(c *Config) { c.MaxBitrate = 5_000 }, false},
		{"start above max", func(c *Config) { c.StartBitrate = 2_000_000_000 }, false},
		{"pacing multiplier below one", func(c *Config) { c.PacingMultiplier = 0.9 }, false},
		{"no history", func(c *Config) { c.MaxHistoryPackets = 0 }, false},
		{"zero burst time", func(c *Config) { c.BurstTime = 0 }, false},
		{"negative queue length", func(c *Config) { c.MaxQueueLength = -time.Second }, false},
		{"unknown filter", func(c *Config) { c.DelayFilter = "median" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
min_bitrate: 100000
start_bitrate: 500000
max_bitrate: 2000000
max_queue_length: 1500ms
burst_time: 10ms
probing_enabled: false
delay_filter: trendline
`))
	require.NoError(t, err)

	assert.Equal(t, int64(100_000), cfg.MinBitrate)
	assert.Equal(t, int64(500_000), cfg.StartBitrate)
	assert.Equal(t, int64(2_000_000), cfg.MaxBitrate)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxQueueLength)
	assert.Equal(t, 10*time.Millisecond, cfg.BurstTime)
	assert.False(t, cfg.ProbingEnabled)
	assert.Equal(t, "trendline", cfg.DelayFilter)
	// untouched fields keep their defaults
	assert.Equal(t, 2.5, cfg.PacingMultiplier)
	assert.Equal(t, 25*time.Millisecond, cfg.ProcessInterval)

	est := cfg.delayEstimatorConfig()
	assert.Equal(t, FilterTrendline, est.FilterType)
	assert.Equal(t, 10*time.Millisecond, est.BurstThreshold)
	assert.Equal(t, int64(500_000), est.RateControllerConfig.InitialBitrate)
	assert.False(t, cfg.probeControllerConfig().Enabled)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "min_bitrate: [1"},
		{"bad duration", "burst_time: soon"},
		{"invalid values", "min_bitrate: 5000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gcc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("padding_bitrate: 64000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64_000), cfg.PaddingBitrate)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestParseFilterType(t *testing.T) {
	for name, want := range map[string]FilterType{"": FilterKalman, "kalman": FilterKalman, "trendline": FilterTrendline} {
		got, err := ParseFilterType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseFilterType("Kalman")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
