package bwe

import (
	"math"
	"time"
)

// StateChangeCallback is called when bandwidth usage state changes.
// The callback receives the previous state and the new state.
type StateChangeCallback func(old, new BandwidthUsage)

// OveruseConfig contains configuration parameters for the overuse detector.
// These parameters control the adaptive threshold behavior and overuse detection timing.
type OveruseConfig struct {
	// InitialThreshold is the initial value for the adaptive threshold in milliseconds.
	// Default: 12.5 ms
	InitialThreshold float64

	// MinThreshold is the minimum allowed threshold value in milliseconds.
	// Default: 6.0 ms
	MinThreshold float64

	// MaxThreshold is the maximum allowed threshold value in milliseconds.
	// Default: 600.0 ms
	MaxThreshold float64

	// Ku is the threshold increase gain per millisecond of elapsed time,
	// used when the modified offset exceeds the threshold.
	// Default: 0.0187
	Ku float64

	// Kd is the threshold decrease gain per millisecond of elapsed time,
	// used when the modified offset is within the threshold.
	// Default: 0.039
	Kd float64

	// OveruseTimeThresh is the minimum duration the estimate must exceed
	// the threshold before signaling overuse. This prevents false positives
	// from transient delay spikes.
	// Default: 10ms
	OveruseTimeThresh time.Duration

	// OveruseCountThresh is the number of samples above the threshold
	// required before signaling overuse.
	// Default: 1
	OveruseCountThresh int

	// MaxAdaptOffset disables threshold adaptation for samples further than
	// this above the threshold, so that sudden spikes do not inflate it.
	// Default: 15 ms
	MaxAdaptOffset float64
}

// DefaultOveruseConfig returns an OveruseConfig with default values.
func DefaultOveruseConfig() OveruseConfig {
	return OveruseConfig{
		InitialThreshold:   12.5,
		MinThreshold:       6.0,
		MaxThreshold:       600.0,
		Ku:                 0.0187,
		Kd:                 0.039,
		OveruseTimeThresh:  10 * time.Millisecond,
		OveruseCountThresh: 1,
		MaxAdaptOffset:     15,
	}
}

const (
	// minNumDeltas caps the sample count multiplier of the modified offset.
	minNumDeltas = 60

	// maxThresholdTimeDelta caps the elapsed time used for one threshold step.
	maxThresholdTimeDelta = 100 * time.Millisecond
)

// OveruseDetector determines network congestion state by comparing filtered
// delay offset estimates against an adaptive threshold. It implements:
//   - Adaptive threshold using asymmetric K_u/K_d gains
//   - Sustained overuse requirement (time and sample count) before signaling
//   - Signal suppression when the offset is shrinking
//   - State change callbacks for application notification
type OveruseDetector struct {
	config         OveruseConfig
	threshold      float64
	lastUpdateTime time.Time
	timeOverUsing  time.Duration // -1 when not in the overuse region
	overuseCounter int
	prevOffset     float64
	hypothesis     BandwidthUsage
	callback       StateChangeCallback
}

// NewOveruseDetector creates a new OveruseDetector with the given configuration.
func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	def := DefaultOveruseConfig()
	if config.InitialThreshold <= 0 {
		config.InitialThreshold = def.InitialThreshold
	}
	if config.MinThreshold <= 0 {
		config.MinThreshold = def.MinThreshold
	}
	if config.MaxThreshold <= 0 {
		config.MaxThreshold = def.MaxThreshold
	}
	if config.Ku <= 0 {
		config.Ku = def.Ku
	}
	if config.Kd <= 0 {
		config.Kd = def.Kd
	}
	if config.OveruseTimeThresh <= 0 {
		config.OveruseTimeThresh = def.OveruseTimeThresh
	}
	if config.OveruseCountThresh <= 0 {
		config.OveruseCountThresh = def.OveruseCountThresh
	}
	if config.MaxAdaptOffset <= 0 {
		config.MaxAdaptOffset = def.MaxAdaptOffset
	}
	return &OveruseDetector{
		config:        config,
		threshold:     config.InitialThreshold,
		timeOverUsing: -1,
		hypothesis:    BwNormal,
	}
}

// SetCallback registers a callback function that will be invoked whenever
// the bandwidth usage state changes. Pass nil to disable callbacks.
func (d *OveruseDetector) SetCallback(cb StateChangeCallback) {
	d.callback = cb
}

// Detect processes a filtered delay offset and returns the current
// bandwidth usage state.
//
// offset comes from the Kalman or trendline filter, sendDelta is the send
// time distance of the group pair that produced it, numDeltas is the
// filter's sample count and now is the arrival time of the group.
//
// The modified offset min(numDeltas, 60)*offset is compared against the
// adaptive threshold. Overuse is signalled once the modified offset has
// stayed above the threshold for OveruseTimeThresh and OveruseCountThresh
// samples, and only while the offset is not shrinking.
func (d *OveruseDetector) Detect(offset float64, sendDelta time.Duration, numDeltas int, now time.Time) BandwidthUsage {
	if numDeltas < 2 {
		return BwNormal
	}
	old := d.hypothesis

	modified := float64(min(numDeltas, minNumDeltas)) * offset
	switch {
	case modified > d.threshold:
		if d.timeOverUsing < 0 {
			// assume the first sample is halfway through the region
			d.timeOverUsing = sendDelta / 2
		} else {
			d.timeOverUsing += sendDelta
		}
		d.overuseCounter++
		if d.timeOverUsing >= d.config.OveruseTimeThresh && d.overuseCounter >= d.config.OveruseCountThresh {
			if offset >= d.prevOffset {
				d.timeOverUsing = 0
				d.overuseCounter = 0
				d.hypothesis = BwOverusing
			}
		}
	case modified < -d.threshold:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwUnderusing
	default:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwNormal
	}
	d.prevOffset = offset

	d.updateThreshold(modified, now)

	if d.hypothesis != old && d.callback != nil {
		d.callback(old, d.hypothesis)
	}
	return d.hypothesis
}

// updateThreshold moves the threshold towards |modified| at a rate of
// Ku or Kd per millisecond.
func (d *OveruseDetector) updateThreshold(modified float64, now time.Time) {
	if d.lastUpdateTime.IsZero() {
		d.lastUpdateTime = now
	}
	abs := math.Abs(modified)
	if abs > d.threshold+d.config.MaxAdaptOffset {
		d.lastUpdateTime = now
		return
	}

	k := d.config.Kd
	if abs >= d.threshold {
		k = d.config.Ku
	}
	elapsed := min(now.Sub(d.lastUpdateTime), maxThresholdTimeDelta)
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedMs := float64(elapsed) / float64(time.Millisecond)

	d.threshold += k * (abs - d.threshold) * elapsedMs
	d.threshold = max(d.config.MinThreshold, min(d.config.MaxThreshold, d.threshold))
	d.lastUpdateTime = now
}

// State returns the current bandwidth usage state without processing a new estimate.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// Threshold returns the current adaptive threshold value.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// Reset resets the detector to its initial state.
// The configuration and callback are preserved.
func (d *OveruseDetector) Reset() {
	d.threshold = d.config.InitialThreshold
	d.hypothesis = BwNormal
	d.timeOverUsing = -1
	d.overuseCounter = 0
	d.prevOffset = 0
	d.lastUpdateTime = time.Time{}
}
