package bwe

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures a Controller. Durations are written as Go duration
// strings in YAML ("5ms", "2s").
type Config struct {
	MinBitrate   int64 `yaml:"min_bitrate"`
	StartBitrate int64 `yaml:"start_bitrate"`
	MaxBitrate   int64 `yaml:"max_bitrate"`

	// PacingMultiplier scales the target into the media budget fill rate.
	PacingMultiplier float64 `yaml:"pacing_multiplier"`

	// MaxQueueLength is the expected queue time above which the queue is
	// reported full and the published target drops to zero.
	MaxQueueLength time.Duration `yaml:"max_queue_length"`

	FeedbackHistoryWindow time.Duration `yaml:"feedback_history_window"`
	MaxHistoryPackets     int           `yaml:"max_history_packets"`

	// BurstTime is the send-time window packets are grouped in.
	BurstTime time.Duration `yaml:"burst_time"`

	ProbingEnabled     bool `yaml:"probing_enabled"`
	PeriodicALRProbing bool `yaml:"periodic_alr_probing"`

	PaddingBitrate int64 `yaml:"padding_bitrate"`

	// DelayFilter is "kalman" or "trendline".
	DelayFilter string `yaml:"delay_filter"`

	ProcessInterval     time.Duration `yaml:"process_interval"`
	PacerTick           time.Duration `yaml:"pacer_tick"`
	StreamTimeout       time.Duration `yaml:"stream_timeout"`
	DelayUpdateInterval time.Duration `yaml:"delay_update_interval"`
	StaleFeedback       time.Duration `yaml:"stale_feedback"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MinBitrate:            10_000,
		StartBitrate:          300_000,
		MaxBitrate:            1_000_000_000,
		PacingMultiplier:      2.5,
		MaxQueueLength:        2 * time.Second,
		FeedbackHistoryWindow: 10 * time.Second,
		MaxHistoryPackets:     8000,
		BurstTime:             DefaultBurstThreshold,
		ProbingEnabled:        true,
		PeriodicALRProbing:    true,
		DelayFilter:           FilterKalman.String(),
		ProcessInterval:       25 * time.Millisecond,
		PacerTick:             5 * time.Millisecond,
		StreamTimeout:         2 * time.Second,
		DelayUpdateInterval:   100 * time.Millisecond,
		StaleFeedback:         DefaultStaleFeedbackAge,
	}
}

// Validate checks the configuration and returns an error wrapping
// ErrInvalidConfig describing the first problem found.
func (c Config) Validate() error {
	switch {
	case c.MinBitrate <= 0:
		return fmt.Errorf("%w: min_bitrate must be positive, got %d", ErrInvalidConfig, c.MinBitrate)
	case c.StartBitrate < 0 || c.MaxBitrate < 0 || c.PaddingBitrate < 0:
		return fmt.Errorf("%w: bitrates must not be negative", ErrInvalidConfig)
	case c.MinBitrate > c.MaxBitrate:
		return fmt.Errorf("%w: min_bitrate %d above max_bitrate %d", ErrInvalidConfig, c.MinBitrate, c.MaxBitrate)
	case c.StartBitrate < c.MinBitrate || c.StartBitrate > c.MaxBitrate:
		return fmt.Errorf("%w: start_bitrate %d outside [%d, %d]", ErrInvalidConfig, c.StartBitrate, c.MinBitrate, c.MaxBitrate)
	case c.PacingMultiplier < 1:
		return fmt.Errorf("%w: pacing_multiplier must be at least 1, got %g", ErrInvalidConfig, c.PacingMultiplier)
	case c.MaxHistoryPackets <= 0:
		return fmt.Errorf("%w: max_history_packets must be positive", ErrInvalidConfig)
	}

	for name, d := range map[string]time.Duration{
		"max_queue_length":        c.MaxQueueLength,
		"feedback_history_window": c.FeedbackHistoryWindow,
		"burst_time":              c.BurstTime,
		"process_interval":        c.ProcessInterval,
		"pacer_tick":              c.PacerTick,
		"stream_timeout":          c.StreamTimeout,
		"delay_update_interval":   c.DelayUpdateInterval,
		"stale_feedback":          c.StaleFeedback,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, d)
		}
	}

	if _, err := ParseFilterType(c.DelayFilter); err != nil {
		return err
	}
	return nil
}

// ParseFilterType maps a configuration name to a FilterType.
func ParseFilterType(name string) (FilterType, error) {
	switch name {
	case "", "kalman":
		return FilterKalman, nil
	case "trendline":
		return FilterTrendline, nil
	default:
		return 0, fmt.Errorf("%w: unknown delay_filter %q", ErrInvalidConfig, name)
	}
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) delayEstimatorConfig() DelayEstimatorConfig {
	cfg := DefaultDelayEstimatorConfig()
	cfg.FilterType, _ = ParseFilterType(c.DelayFilter)
	cfg.BurstThreshold = c.BurstTime
	cfg.UpdateInterval = c.DelayUpdateInterval
	cfg.StreamTimeout = c.StreamTimeout
	cfg.RateControllerConfig.MinBitrate = c.MinBitrate
	cfg.RateControllerConfig.MaxBitrate = c.MaxBitrate
	cfg.RateControllerConfig.InitialBitrate = c.StartBitrate
	return cfg
}

func (c Config) lossControllerConfig() LossControllerConfig {
	cfg := DefaultLossControllerConfig()
	cfg.MinBitrate = c.MinBitrate
	cfg.MaxBitrate = c.MaxBitrate
	cfg.InitialBitrate = c.StartBitrate
	return cfg
}

func (c Config) probeControllerConfig() ProbeControllerConfig {
	cfg := DefaultProbeControllerConfig()
	cfg.Enabled = c.ProbingEnabled
	cfg.PeriodicALRProbing = c.PeriodicALRProbing
	return cfg
}

func (c Config) pacerConfig() PacerConfig {
	cfg := DefaultPacerConfig()
	cfg.PaceMultiplier = c.PacingMultiplier
	cfg.Tick = c.PacerTick
	return cfg
}

func (c Config) historyConfig() SendTimeHistoryConfig {
	return SendTimeHistoryConfig{
		Window:     c.FeedbackHistoryWindow,
		MaxPackets: c.MaxHistoryPackets,
	}
}
