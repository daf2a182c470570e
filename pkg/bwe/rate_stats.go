package bwe

import (
	"time"

	"github.com/gammazero/deque"
)

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the duration of the sliding window for rate calculation.
	// Default: 1 second.
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns default configuration for rate statistics.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{
		WindowSize: time.Second,
	}
}

// rateSample represents a single byte count measurement at a point in time.
type rateSample struct {
	timestamp time.Time
	bytes     int64
}

// RateStats tracks a bitrate over a sliding time window. The delay-based
// estimator feeds it acknowledged packets keyed by arrival time; the
// controller feeds it sent bytes keyed by send time.
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(packetSize, arrivalTime)
//	if rate, ok := r.Rate(now); ok {
//	    fmt.Printf("Current rate: %d bps\n", rate)
//	}
type RateStats struct {
	windowSize time.Duration
	samples    deque.Deque[rateSample]
	totalBytes int64
	newest     time.Time
}

// NewRateStats creates a new rate statistics tracker with the given configuration.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &RateStats{windowSize: windowSize}
}

// Update adds a new byte count sample at the given time.
//
// Samples that have expired beyond the sliding window are dropped. Samples
// older than the newest one are accepted and counted; they expire with the
// window like the rest.
func (r *RateStats) Update(bytes int64, now time.Time) {
	r.removeExpired(now)
	r.samples.PushBack(rateSample{timestamp: now, bytes: bytes})
	r.totalBytes += bytes
	if now.After(r.newest) {
		r.newest = now
	}
}

// Rate returns the current bitrate in bits per second.
// Returns (0, false) if fewer than two samples are in the window or they
// span less than 1 ms.
func (r *RateStats) Rate(now time.Time) (bitsPerSec int64, ok bool) {
	r.removeExpired(now)

	if r.samples.Len() < 2 {
		return 0, false
	}

	elapsed := r.newest.Sub(r.samples.Front().timestamp)
	if elapsed < time.Millisecond {
		return 0, false
	}

	return int64(float64(r.totalBytes*8) / elapsed.Seconds()), true
}

// Reset clears all samples and accumulated state.
func (r *RateStats) Reset() {
	r.samples.Clear()
	r.totalBytes = 0
	r.newest = time.Time{}
}

// removeExpired removes all samples older than windowSize from now.
func (r *RateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)
	for r.samples.Len() > 0 && r.samples.Front().timestamp.Before(cutoff) {
		r.totalBytes -= r.samples.PopFront().bytes
	}
}
