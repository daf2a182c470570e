package bwe

import "time"

// TrendlineConfig contains configuration parameters for the trendline estimator.
// The trendline estimator uses linear regression over a sliding window of samples
// to estimate the delay trend, providing an alternative to Kalman filtering.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression window.
	// A larger window provides more stability but slower response.
	// Default: 20 samples.
	WindowSize int

	// SmoothingCoef is the exponential smoothing coefficient for accumulated delay.
	// Higher values (closer to 1.0) give more weight to history.
	// Default: 0.9
	SmoothingCoef float64

	// ThresholdGain is the multiplier for slope output.
	// Scales the output to match the overuse detector's expected input range.
	// Default: 4.0
	ThresholdGain float64
}

// DefaultTrendlineConfig returns the default configuration for the trendline estimator.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

// sample represents a single delay sample in the trendline history.
type sample struct {
	arrivalTimeMs float64 // Arrival time in ms since estimator start
	smoothedDelay float64 // Smoothed accumulated delay at this point
}

// TrendlineEstimator estimates delay trends using linear regression over a
// sliding window of samples.
//
// The estimator:
//  1. Accumulates the group delay variation into a one-way delay curve
//  2. Applies exponential smoothing to the accumulated delay
//  3. Maintains a sliding window of (time, smoothed_delay) samples
//  4. Outputs the regression slope scaled by the threshold gain
type TrendlineEstimator struct {
	config           TrendlineConfig
	history          []sample
	accumulatedDelay float64
	smoothedDelay    float64
	numDeltas        int
	firstArrival     time.Time
	trend            float64
}

// NewTrendlineEstimator creates a new trendline estimator with the given configuration.
// If WindowSize is less than 2, it defaults to 20.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	if config.WindowSize < 2 {
		config.WindowSize = 20
	}
	if config.SmoothingCoef <= 0 || config.SmoothingCoef >= 1 {
		config.SmoothingCoef = 0.9
	}
	if config.ThresholdGain <= 0 {
		config.ThresholdGain = 4.0
	}

	return &TrendlineEstimator{
		config:  config,
		history: make([]sample, 0, config.WindowSize+1),
	}
}

// Update processes a new group delay variation (arrival delta minus send
// delta, in ms) and returns the gained trend.
//
// The returned value is positive when delays are increasing (congestion
// building) and negative when delays are decreasing (queue draining). Until
// the window is full the previous trend is returned.
func (t *TrendlineEstimator) Update(arrivalTime time.Time, delayVariationMs float64) float64 {
	if t.firstArrival.IsZero() {
		t.firstArrival = arrivalTime
	}
	t.numDeltas++
	if t.numDeltas > kalmanDeltaCounterMax {
		t.numDeltas = kalmanDeltaCounterMax
	}

	arrivalMs := float64(arrivalTime.Sub(t.firstArrival).Microseconds()) / 1000.0

	t.accumulatedDelay += delayVariationMs
	t.smoothedDelay = t.config.SmoothingCoef*t.smoothedDelay + (1-t.config.SmoothingCoef)*t.accumulatedDelay

	t.history = append(t.history, sample{arrivalMs, t.smoothedDelay})
	if len(t.history) > t.config.WindowSize {
		t.history = t.history[1:]
	}

	if len(t.history) == t.config.WindowSize {
		if slope, ok := t.linearFitSlope(); ok {
			t.trend = slope
		}
	}

	return t.trend * t.config.ThresholdGain
}

// linearFitSlope computes the slope of the best-fit line through the sample history
// using ordinary least squares linear regression.
func (t *TrendlineEstimator) linearFitSlope() (float64, bool) {
	n := len(t.history)
	if n < 2 {
		return 0, false
	}

	var sumX, sumY float64
	for _, s := range t.history {
		sumX += s.arrivalTimeMs
		sumY += s.smoothedDelay
	}
	avgX := sumX / float64(n)
	avgY := sumY / float64(n)

	var num, denom float64
	for _, s := range t.history {
		dx := s.arrivalTimeMs - avgX
		num += dx * (s.smoothedDelay - avgY)
		denom += dx * dx
	}
	if denom == 0 {
		return 0, false
	}
	return num / denom, true
}

// NumDeltas returns the number of samples seen, capped at 1000.
func (t *TrendlineEstimator) NumDeltas() int {
	return t.numDeltas
}

// Reset clears the estimator state, allowing it to be reused.
// This should be called when switching streams or after a long pause.
func (t *TrendlineEstimator) Reset() {
	t.history = t.history[:0]
	t.accumulatedDelay = 0
	t.smoothedDelay = 0
	t.numDeltas = 0
	t.firstArrival = time.Time{}
	t.trend = 0
}
