package bwe

import (
	"math"
	"time"
)

// RateControlState represents the AIMD state machine state.
type RateControlState int

const (
	// RateHold indicates the rate should be maintained (no change).
	// This is the initial state and the state entered after every decrease.
	RateHold RateControlState = iota
	// RateIncrease indicates the rate can grow.
	RateIncrease
	// RateDecrease indicates congestion detected - apply multiplicative decrease.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RateControllerConfig configures the AIMD rate controller.
type RateControllerConfig struct {
	// MinBitrate is the minimum allowed bitrate in bits per second.
	// Default: 10,000 (10 kbps)
	MinBitrate int64

	// MaxBitrate is the maximum allowed bitrate in bits per second.
	// Default: 1,000,000,000 (1 Gbps)
	MaxBitrate int64

	// InitialBitrate is the starting bitrate estimate in bits per second.
	// Default: 300,000 (300 kbps)
	InitialBitrate int64

	// Beta is the multiplicative decrease factor applied during congestion.
	// On overuse, new_rate = beta * incoming_rate
	// Default: 0.85 (15% reduction)
	Beta float64

	// IncreaseFactor is the multiplicative increase per second far from
	// the link capacity.
	// Default: 1.08
	IncreaseFactor float64

	// MaxIncomingRatio caps increases at this multiple of the acknowledged
	// bitrate.
	// Default: 1.5
	MaxIncomingRatio float64
}

// DefaultRateControllerConfig returns the default configuration for the rate controller.
func DefaultRateControllerConfig() RateControllerConfig {
	return RateControllerConfig{
		MinBitrate:       10_000,
		MaxBitrate:       1_000_000_000,
		InitialBitrate:   300_000,
		Beta:             0.85,
		IncreaseFactor:   1.08,
		MaxIncomingRatio: 1.5,
	}
}

const (
	defaultRTT = 200 * time.Millisecond

	minReductionInterval = 10 * time.Millisecond
	maxReductionInterval = 200 * time.Millisecond

	// overuse estimator response time added to the RTT for additive increase
	detectorResponseTime = 100 * time.Millisecond

	minAdditiveIncrease   = 4000.0
	nearMaxPacketSize     = 1200
	nearMaxFrameInterval  = time.Second / 30
	minMultiplicativeStep = 1000

	minExpectedBandwidthPeriod     = 2 * time.Second
	defaultExpectedBandwidthPeriod = 3 * time.Second
	maxExpectedBandwidthPeriod     = 50 * time.Second
)

// linkCapacity tracks an EWMA of the acknowledged bitrate observed at each
// decrease, the "average max bitrate", together with its normalized variance.
type linkCapacity struct {
	estimateKbps  float64
	hasEstimate   bool
	deviationKbps float64
}

func newLinkCapacity() linkCapacity {
	return linkCapacity{deviationKbps: 0.4}
}

func (l *linkCapacity) upperBound() float64 {
	if !l.hasEstimate {
		return math.Inf(1)
	}
	return (l.estimateKbps + 3*l.deviationEstimateKbps()) * 1000
}

func (l *linkCapacity) lowerBound() float64 {
	if !l.hasEstimate {
		return 0
	}
	return math.Max(0, l.estimateKbps-3*l.deviationEstimateKbps()) * 1000
}

func (l *linkCapacity) reset() {
	l.hasEstimate = false
	l.estimateKbps = 0
}

func (l *linkCapacity) onOveruseDetected(ackedBps int64) {
	l.update(float64(ackedBps)/1000, 0.05)
}

func (l *linkCapacity) update(sampleKbps, alpha float64) {
	if !l.hasEstimate {
		l.estimateKbps = sampleKbps
		l.hasEstimate = true
	} else {
		l.estimateKbps = (1-alpha)*l.estimateKbps + alpha*sampleKbps
	}
	norm := math.Max(l.estimateKbps, 1)
	errKbps := l.estimateKbps - sampleKbps
	l.deviationKbps = (1-alpha)*l.deviationKbps + alpha*errKbps*errKbps/norm
	l.deviationKbps = math.Max(0.4, math.Min(2.5, l.deviationKbps))
}

func (l *linkCapacity) deviationEstimateKbps() float64 {
	return math.Sqrt(l.deviationKbps * l.estimateKbps)
}

// RateController implements AIMD (Additive Increase Multiplicative Decrease)
// rate control.
//
// State transitions:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | Increase
//	Underusing | Hold     | Hold     | Hold
//
// A decrease always leaves the controller in Hold until the next Normal
// signal. While increasing, the rate grows multiplicatively (1.08 per
// second) until a link capacity is known, then additively by roughly half
// a packet per response time while it stays near that capacity.
//
// The multiplicative decrease uses the measured incoming rate, not the
// current estimate, so the controller tracks what the sender actually
// manages to push through.
type RateController struct {
	config RateControllerConfig
	state  RateControlState

	currentRate    int64
	latestIncoming int64

	capacity linkCapacity
	rtt      time.Duration

	lastChange   time.Time
	lastDecrease time.Time
	lastCut      int64 // bits per second removed by the last decrease, -1 if none
}

// NewRateController creates a new rate controller with the given configuration.
func NewRateController(config RateControllerConfig) *RateController {
	def := DefaultRateControllerConfig()
	if config.MinBitrate <= 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = def.InitialBitrate
	}
	if config.Beta <= 0 || config.Beta >= 1.0 {
		config.Beta = def.Beta
	}
	if config.IncreaseFactor <= 1 {
		config.IncreaseFactor = def.IncreaseFactor
	}
	if config.MaxIncomingRatio <= 1 {
		config.MaxIncomingRatio = def.MaxIncomingRatio
	}

	c := &RateController{config: config}
	c.Reset()
	return c
}

// Update processes a congestion signal and incoming rate measurement,
// returning the new bandwidth estimate in bits per second.
//
// incomingRate is the acknowledged bitrate, or 0 if none is available yet,
// in which case the last known one is used.
func (c *RateController) Update(signal BandwidthUsage, incomingRate int64, now time.Time) int64 {
	throughput := c.latestIncoming
	if incomingRate > 0 {
		c.latestIncoming = incomingRate
		throughput = incomingRate
	}
	c.transitionState(signal, now)

	newRate := c.currentRate
	switch c.state {
	case RateHold:
		// No change to rate

	case RateIncrease:
		if float64(throughput) > c.capacity.upperBound() {
			// the link got faster than anything seen before
			c.capacity.reset()
		}
		var increased int64
		if c.capacity.hasEstimate {
			increased = c.currentRate + c.additiveIncrease(now)
		} else {
			increased = c.currentRate + c.multiplicativeIncrease(now)
		}
		newRate = c.capIncrease(increased, throughput)
		c.lastChange = now

	case RateDecrease:
		decreased := int64(c.config.Beta * float64(throughput))
		if decreased > c.currentRate && c.capacity.hasEstimate {
			decreased = int64(c.config.Beta * c.capacity.estimateKbps * 1000)
		}
		cut := int64(0)
		if decreased < c.currentRate {
			cut = c.currentRate - decreased
			newRate = decreased
		}
		if throughput < c.currentRate {
			c.lastCut = cut
		}
		if float64(throughput) < c.capacity.lowerBound() {
			c.capacity.reset()
		}
		c.capacity.onOveruseDetected(throughput)
		c.state = RateHold
		c.lastChange = now
		c.lastDecrease = now
	}

	c.currentRate = c.clamp(newRate)
	return c.currentRate
}

// transitionState applies the state transition table.
func (c *RateController) transitionState(signal BandwidthUsage, now time.Time) {
	switch signal {
	case BwNormal:
		if c.state == RateHold {
			c.lastChange = now
			c.state = RateIncrease
		}
	case BwOverusing:
		if c.state != RateDecrease {
			c.state = RateDecrease
		}
	case BwUnderusing:
		c.state = RateHold
	}
}

// multiplicativeIncrease returns the increase for the time since the last
// change, at IncreaseFactor per second with elapsed capped at one second.
func (c *RateController) multiplicativeIncrease(now time.Time) int64 {
	alpha := c.config.IncreaseFactor
	if !c.lastChange.IsZero() {
		elapsed := math.Min(now.Sub(c.lastChange).Seconds(), 1.0)
		alpha = math.Pow(alpha, math.Max(elapsed, 0))
	}
	return max(int64(float64(c.currentRate)*(alpha-1)), minMultiplicativeStep)
}

// additiveIncrease returns the increase for the time since the last change
// while near the link capacity.
func (c *RateController) additiveIncrease(now time.Time) int64 {
	elapsed := now.Sub(c.lastChange).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(c.nearMaxIncreaseRate() * elapsed)
}

// nearMaxIncreaseRate returns the additive increase in bps per second:
// half an average packet per response time, at least 4 kbps.
func (c *RateController) nearMaxIncreaseRate() float64 {
	frameBits := float64(c.currentRate) * nearMaxFrameInterval.Seconds()
	packetsPerFrame := math.Ceil(frameBits / (nearMaxPacketSize * 8))
	avgPacketBits := frameBits / math.Max(packetsPerFrame, 1)

	responseTime := c.rtt + detectorResponseTime
	rate := 0.5 * avgPacketBits / responseTime.Seconds()
	return math.Max(minAdditiveIncrease, rate)
}

// capIncrease keeps an increase below MaxIncomingRatio times the incoming
// rate without ever lowering the current estimate.
func (c *RateController) capIncrease(rate, incoming int64) int64 {
	if incoming <= 0 {
		return rate
	}
	limit := int64(c.config.MaxIncomingRatio * float64(incoming))
	if rate > c.currentRate && rate > limit {
		return max(c.currentRate, limit)
	}
	return rate
}

func (c *RateController) clamp(rate int64) int64 {
	return max(c.config.MinBitrate, min(c.config.MaxBitrate, rate))
}

// SetEstimate forces the estimate, e.g. after a successful probe.
func (c *RateController) SetEstimate(bitrate int64, now time.Time) {
	prev := c.currentRate
	c.currentRate = c.clamp(bitrate)
	c.lastChange = now
	if c.currentRate < prev {
		c.lastDecrease = now
	}
}

// SetRTT sets the round-trip time used for the additive increase and the
// reduction interval.
func (c *RateController) SetRTT(rtt time.Duration) {
	if rtt > 0 {
		c.rtt = rtt
	}
}

// SetBounds updates the clamp range and re-applies it to the estimate.
func (c *RateController) SetBounds(minRate, maxRate int64) {
	if minRate > 0 {
		c.config.MinBitrate = minRate
	}
	if maxRate > 0 {
		c.config.MaxBitrate = maxRate
	}
	c.currentRate = c.clamp(c.currentRate)
}

// TimeToReduceFurther reports whether another decrease is allowed: at most
// once per clamp(rtt, 10ms, 200ms), unless the incoming rate has dropped
// below half the estimate.
func (c *RateController) TimeToReduceFurther(now time.Time, incomingRate int64) bool {
	interval := max(minReductionInterval, min(maxReductionInterval, c.rtt))
	if now.Sub(c.lastChange) >= interval {
		return true
	}
	return incomingRate < c.currentRate/2
}

// InitialTimeToReduceFurther reports whether the estimate may be halved
// while overusing before any incoming rate is known.
func (c *RateController) InitialTimeToReduceFurther(now time.Time) bool {
	return c.lastDecrease.IsZero() || now.Sub(c.lastDecrease) >= maxReductionInterval
}

// ExpectedBandwidthPeriod returns how long the additive increase needs to
// win back the last decrease, between 2 s and 50 s.
func (c *RateController) ExpectedBandwidthPeriod() time.Duration {
	if c.lastCut < 0 {
		return defaultExpectedBandwidthPeriod
	}
	seconds := float64(c.lastCut) / c.nearMaxIncreaseRate()
	period := time.Duration(seconds * float64(time.Second))
	return max(minExpectedBandwidthPeriod, min(maxExpectedBandwidthPeriod, period))
}

// LinkCapacity returns the average max bitrate and whether one is known.
func (c *RateController) LinkCapacity() (int64, bool) {
	return int64(c.capacity.estimateKbps * 1000), c.capacity.hasEstimate
}

// State returns the current rate control state.
func (c *RateController) State() RateControlState {
	return c.state
}

// Estimate returns the current bandwidth estimate in bits per second.
func (c *RateController) Estimate() int64 {
	return c.currentRate
}

// Reset resets the controller to its initial state.
func (c *RateController) Reset() {
	c.state = RateHold
	c.currentRate = c.clamp(c.config.InitialBitrate)
	c.latestIncoming = 0
	c.capacity = newLinkCapacity()
	c.rtt = defaultRTT
	c.lastChange = time.Time{}
	c.lastDecrease = time.Time{}
	c.lastCut = -1
}
