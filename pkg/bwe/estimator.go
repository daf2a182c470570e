package bwe

import (
	"sync"
	"time"

	"github.com/pion/logging"
)

// FilterType specifies which delay filter to use in the delay estimator.
type FilterType int

const (
	// FilterKalman uses the size-aware Kalman offset estimator.
	FilterKalman FilterType = iota

	// FilterTrendline uses linear regression trendline estimation.
	FilterTrendline
)

// String returns the configuration name of the filter.
func (f FilterType) String() string {
	switch f {
	case FilterKalman:
		return "kalman"
	case FilterTrendline:
		return "trendline"
	default:
		return "unknown"
	}
}

// DelayEstimatorConfig holds configuration for the delay-based bandwidth estimator.
type DelayEstimatorConfig struct {
	// FilterType specifies which delay filter to use.
	FilterType FilterType

	// BurstThreshold is the send-time window for grouping packets.
	// Default: 5 ms
	BurstThreshold time.Duration

	// UpdateInterval is the cadence of estimate updates outside overuse.
	// Default: 100 ms
	UpdateInterval time.Duration

	// StreamTimeout resets the grouping and filter state when no packet
	// arrived for this long.
	// Default: 2 s
	StreamTimeout time.Duration

	// KalmanConfig is used if FilterType == FilterKalman.
	KalmanConfig KalmanConfig

	// TrendlineConfig is used if FilterType == FilterTrendline.
	TrendlineConfig TrendlineConfig

	// OveruseConfig configures the overuse detector behavior.
	OveruseConfig OveruseConfig

	// RateControllerConfig configures the AIMD rate controller.
	RateControllerConfig RateControllerConfig

	// RateStatsConfig configures the acknowledged bitrate window.
	RateStatsConfig RateStatsConfig
}

// DefaultDelayEstimatorConfig returns the default configuration for the delay estimator.
func DefaultDelayEstimatorConfig() DelayEstimatorConfig {
	return DelayEstimatorConfig{
		FilterType:           FilterKalman,
		BurstThreshold:       DefaultBurstThreshold,
		UpdateInterval:       100 * time.Millisecond,
		StreamTimeout:        2 * time.Second,
		KalmanConfig:         DefaultKalmanConfig(),
		TrendlineConfig:      DefaultTrendlineConfig(),
		OveruseConfig:        DefaultOveruseConfig(),
		RateControllerConfig: DefaultRateControllerConfig(),
		RateStatsConfig:      DefaultRateStatsConfig(),
	}
}

// delayFilter abstracts the Kalman and trendline filters.
type delayFilter interface {
	// Update processes one group delta and returns the filtered offset.
	Update(d InterArrivalDelta, arrival time.Time, state BandwidthUsage) float64

	// NumDeltas returns the number of samples seen so far.
	NumDeltas() int

	// Reset clears the filter state to initial conditions.
	Reset()
}

type kalmanAdapter struct {
	filter *KalmanFilter
}

func (k *kalmanAdapter) Update(d InterArrivalDelta, _ time.Time, state BandwidthUsage) float64 {
	return k.filter.Update(durationMs(d.ArrivalDelta), durationMs(d.SendDelta), d.SizeDelta, state)
}

func (k *kalmanAdapter) NumDeltas() int { return k.filter.NumDeltas() }

func (k *kalmanAdapter) Reset() { k.filter.Reset() }

type trendlineAdapter struct {
	estimator *TrendlineEstimator
}

func (t *trendlineAdapter) Update(d InterArrivalDelta, arrival time.Time, _ BandwidthUsage) float64 {
	return t.estimator.Update(arrival, durationMs(d.ArrivalDelta-d.SendDelta))
}

func (t *trendlineAdapter) NumDeltas() int { return t.estimator.NumDeltas() }

func (t *trendlineAdapter) Reset() { t.estimator.Reset() }

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// DelayBasedResult is the outcome of one feedback vector.
type DelayBasedResult struct {
	// Updated is set when Target carries a fresh estimate.
	Updated bool

	// Target is the delay-based bitrate in bits per second.
	Target int64

	// Probe is set when Target was taken from a probe result.
	Probe bool
}

// DelayEstimator is the delay-based bandwidth estimator. It combines:
//   - InterArrivalCalculator for send-time grouping
//   - Kalman or trendline filter for the one-way delay offset
//   - OveruseDetector for congestion state detection
//   - RateStats for the acknowledged bitrate
//   - RateController for AIMD-based rate control
//
// Feedback vectors are fed from the network goroutine; the accessors may
// be called from anywhere.
type DelayEstimator struct {
	config DelayEstimatorConfig
	log    logging.LeveledLogger

	mu           sync.Mutex
	interarrival *InterArrivalCalculator
	filter       delayFilter
	detector     *OveruseDetector
	ackedRate    *RateStats
	rateControl  *RateController

	lastSeen   time.Time
	lastUpdate time.Time
	acked      int64
}

// NewDelayEstimator creates a new DelayEstimator with the given configuration.
// If loggerFactory is nil, the pion default logger factory is used.
func NewDelayEstimator(config DelayEstimatorConfig, loggerFactory logging.LoggerFactory) *DelayEstimator {
	def := DefaultDelayEstimatorConfig()
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = def.UpdateInterval
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = def.StreamTimeout
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	var filter delayFilter
	switch config.FilterType {
	case FilterTrendline:
		filter = &trendlineAdapter{estimator: NewTrendlineEstimator(config.TrendlineConfig)}
	default:
		filter = &kalmanAdapter{filter: NewKalmanFilter(config.KalmanConfig)}
	}

	e := &DelayEstimator{
		config:       config,
		log:          loggerFactory.NewLogger("gcc_delay"),
		interarrival: NewInterArrivalCalculator(config.BurstThreshold),
		filter:       filter,
		detector:     NewOveruseDetector(config.OveruseConfig),
		ackedRate:    NewRateStats(config.RateStatsConfig),
		rateControl:  NewRateController(config.RateControllerConfig),
	}
	e.detector.SetCallback(func(old, new BandwidthUsage) {
		e.log.Debugf("bandwidth usage %s -> %s (threshold %.2f)", old, new, e.detector.Threshold())
	})
	return e
}

// IncomingPacketFeedbackVector processes a sorted feedback vector and
// returns the delay-based target.
//
// probeBitrate is the result of a completed probe cluster, or 0. It is
// accepted unless the detector signals overuse. Outside overuse and probes
// the estimate is refreshed at most every UpdateInterval; a transition into
// overuse updates immediately, and further decreases follow once per
// reduction interval.
func (e *DelayEstimator) IncomingPacketFeedbackVector(feedback []PacketFeedback, probeBitrate int64, now time.Time) DelayBasedResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(feedback) == 0 && probeBitrate <= 0 {
		return DelayBasedResult{}
	}

	prevState := e.detector.State()
	for i := range feedback {
		e.incomingPacket(&feedback[i], now)
	}

	if rate, ok := e.ackedRate.Rate(e.lastSeen); ok {
		e.acked = rate
	} else {
		e.acked = 0
	}
	return e.maybeUpdate(prevState, probeBitrate, now)
}

func (e *DelayEstimator) incomingPacket(p *PacketFeedback, now time.Time) {
	if !e.lastSeen.IsZero() && p.ArrivalTime.Sub(e.lastSeen) > e.config.StreamTimeout {
		e.log.Debugf("no packets for %v, resetting delay state", p.ArrivalTime.Sub(e.lastSeen))
		e.interarrival.Reset()
		e.filter.Reset()
		e.detector.Reset()
	}
	if p.ArrivalTime.After(e.lastSeen) {
		e.lastSeen = p.ArrivalTime
	}

	e.ackedRate.Update(int64(p.SizeBytes), p.ArrivalTime)

	delta, ok := e.interarrival.ComputeDeltas(p.SendTime, p.ArrivalTime, now, p.SizeBytes)
	if !ok {
		return
	}
	offset := e.filter.Update(delta, p.ArrivalTime, e.detector.State())
	e.detector.Detect(offset, delta.SendDelta, e.filter.NumDeltas(), p.ArrivalTime)
}

func (e *DelayEstimator) maybeUpdate(prevState BandwidthUsage, probeBitrate int64, now time.Time) DelayBasedResult {
	var result DelayBasedResult
	state := e.detector.State()

	switch {
	case state == BwOverusing:
		if e.acked > 0 {
			if prevState != BwOverusing || e.rateControl.TimeToReduceFurther(now, e.acked) {
				result.Target = e.rateControl.Update(BwOverusing, e.acked, now)
				result.Updated = true
			}
		} else if e.rateControl.InitialTimeToReduceFurther(now) {
			// overusing before any acknowledged bitrate; halve
			e.rateControl.SetEstimate(e.rateControl.Estimate()/2, now)
			result.Target = e.rateControl.Estimate()
			result.Updated = true
		}

	case probeBitrate > 0:
		e.rateControl.SetEstimate(probeBitrate, now)
		result.Target = e.rateControl.Estimate()
		result.Updated = true
		result.Probe = true
		e.log.Debugf("accepted probe result %d bps", probeBitrate)

	case e.lastUpdate.IsZero() || now.Sub(e.lastUpdate) >= e.config.UpdateInterval:
		result.Target = e.rateControl.Update(state, e.acked, now)
		result.Updated = true
	}

	if result.Updated {
		e.lastUpdate = now
	}
	return result
}

// OnRTTUpdate sets the round-trip time used to bound the additive increase
// and the reduction interval.
func (e *DelayEstimator) OnRTTUpdate(avg, _ time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateControl.SetRTT(avg)
}

// SetBounds updates the [min, max] clamp of the estimate.
func (e *DelayEstimator) SetBounds(minBitrate, maxBitrate int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateControl.SetBounds(minBitrate, maxBitrate)
}

// SetStartBitrate overrides the current estimate.
func (e *DelayEstimator) SetStartBitrate(bitrate int64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateControl.SetEstimate(bitrate, now)
}

// Estimate returns the current delay-based bitrate.
func (e *DelayEstimator) Estimate() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateControl.Estimate()
}

// State returns the current bandwidth usage state.
func (e *DelayEstimator) State() BandwidthUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.State()
}

// RateControlState returns the current AIMD state.
func (e *DelayEstimator) RateControlState() RateControlState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateControl.State()
}

// AcknowledgedBitrate returns the acknowledged bitrate measured from the
// last feedback vector, or 0 if unknown.
func (e *DelayEstimator) AcknowledgedBitrate() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked
}

// Threshold returns the overuse detector's adaptive threshold.
func (e *DelayEstimator) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.Threshold()
}

// ExpectedBandwidthPeriod returns the time the estimator expects to need
// to recover from its last decrease.
func (e *DelayEstimator) ExpectedBandwidthPeriod() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateControl.ExpectedBandwidthPeriod()
}

// Reset resets all components to their initial state.
func (e *DelayEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interarrival.Reset()
	e.filter.Reset()
	e.detector.Reset()
	e.ackedRate.Reset()
	e.rateControl.Reset()
	e.lastSeen = time.Time{}
	e.lastUpdate = time.Time{}
	e.acked = 0
}
