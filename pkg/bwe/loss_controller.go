package bwe

import (
	"time"

	"github.com/pion/logging"
)

// LossControllerConfig configures the loss-based controller.
type LossControllerConfig struct {
	MinBitrate     int64
	MaxBitrate     int64
	InitialBitrate int64

	// LowLossThreshold is the loss ratio below which the rate increases.
	// Default: 0.02
	LowLossThreshold float64

	// HighLossThreshold is the loss ratio above which the rate decreases.
	// Default: 0.10
	HighLossThreshold float64

	// IncreaseFactor is applied once per RTT while loss is low.
	// Default: 1.08
	IncreaseFactor float64

	// MaxIncomingRatio caps increases at this multiple of the acknowledged
	// bitrate.
	// Default: 1.5
	MaxIncomingRatio float64

	// MinUpdateInterval is the shortest time between two effective changes.
	// Default: 25 ms
	MinUpdateInterval time.Duration

	// MinReportPackets is the number of packets loss reports are
	// accumulated over before the loss fraction is taken into account.
	// Default: 20
	MinReportPackets int64

	// ReportTimeout stops loss-based changes when no report arrived for
	// this long.
	// Default: 6 s
	ReportTimeout time.Duration

	// StartPhase is how long after the first update the estimate follows
	// the receiver and delay-based estimates upwards while no loss was seen.
	// Default: 2 s
	StartPhase time.Duration
}

// DefaultLossControllerConfig returns the default loss controller configuration.
func DefaultLossControllerConfig() LossControllerConfig {
	return LossControllerConfig{
		MinBitrate:        10_000,
		MaxBitrate:        1_000_000_000,
		InitialBitrate:    300_000,
		LowLossThreshold:  0.02,
		HighLossThreshold: 0.10,
		IncreaseFactor:    1.08,
		MaxIncomingRatio:  1.5,
		MinUpdateInterval: 25 * time.Millisecond,
		MinReportPackets:  20,
		ReportTimeout:     6 * time.Second,
		StartPhase:        2 * time.Second,
	}
}

// LossController adjusts a bitrate according to receiver-reported packet
// loss and round-trip time:
//
//	loss <  2%   increase x1.08, once per RTT
//	loss <= 10%  hold
//	loss >  10%  decrease x(1 - loss/2), once per RTT
//
// The result never exceeds the receiver estimate (REMB), the delay-based
// estimate, or 1.5x the acknowledged bitrate when increasing, and is
// clamped to [min, max].
//
// LossController is not safe for concurrent use; the Controller serializes
// access.
type LossController struct {
	config LossControllerConfig
	log    logging.LeveledLogger

	bitrate int64
	rtt     time.Duration

	lossQ8         uint8
	haveReport     bool
	lastReport     time.Time
	lostPacketsQ8  int64
	expectedPacket int64

	decreasedSinceReport bool
	lastIncrease         time.Time
	lastDecrease         time.Time
	lastEffective        time.Time
	firstUpdate          time.Time
	seenLoss             bool

	receiverEstimate int64
	delayBased       int64
	acknowledged     int64
}

// NewLossController creates a loss controller starting at
// config.InitialBitrate. If loggerFactory is nil, the pion default logger
// factory is used.
func NewLossController(config LossControllerConfig, loggerFactory logging.LoggerFactory) *LossController {
	def := DefaultLossControllerConfig()
	if config.MinBitrate <= 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = def.InitialBitrate
	}
	if config.LowLossThreshold <= 0 {
		config.LowLossThreshold = def.LowLossThreshold
	}
	if config.HighLossThreshold <= 0 {
		config.HighLossThreshold = def.HighLossThreshold
	}
	if config.IncreaseFactor <= 1 {
		config.IncreaseFactor = def.IncreaseFactor
	}
	if config.MaxIncomingRatio <= 1 {
		config.MaxIncomingRatio = def.MaxIncomingRatio
	}
	if config.MinUpdateInterval <= 0 {
		config.MinUpdateInterval = def.MinUpdateInterval
	}
	if config.MinReportPackets <= 0 {
		config.MinReportPackets = def.MinReportPackets
	}
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = def.ReportTimeout
	}
	if config.StartPhase < 0 {
		config.StartPhase = 0
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	l := &LossController{
		config: config,
		log:    loggerFactory.NewLogger("gcc_loss"),
		rtt:    defaultRTT,
	}
	l.bitrate = l.clamp(config.InitialBitrate)
	return l
}

// OnReceiverReport accumulates a loss report covering numPackets packets.
// The loss fraction takes effect once MinReportPackets have been covered;
// numPackets <= 0 makes it take effect immediately. rtt is ignored if zero.
func (l *LossController) OnReceiverReport(fractionLossQ8 uint8, rtt time.Duration, numPackets int64, now time.Time) {
	if rtt > 0 {
		l.rtt = rtt
	}
	if numPackets <= 0 {
		numPackets = l.config.MinReportPackets
	}
	l.lostPacketsQ8 += int64(fractionLossQ8) * numPackets
	l.expectedPacket += numPackets
	if l.expectedPacket < l.config.MinReportPackets {
		return
	}

	l.lossQ8 = uint8(l.lostPacketsQ8 / l.expectedPacket)
	l.lostPacketsQ8 = 0
	l.expectedPacket = 0
	l.haveReport = true
	l.lastReport = now
	l.decreasedSinceReport = false
	if l.lossQ8 > 0 {
		l.seenLoss = true
	}
}

// OnRTT updates the round-trip time.
func (l *LossController) OnRTT(rtt time.Duration) {
	if rtt > 0 {
		l.rtt = rtt
	}
}

// OnReceiverEstimate sets the receiver's bitrate estimate (REMB), used as a
// hard cap. A lower cap applies at once, without waiting for the next
// effective update. Zero removes the cap.
func (l *LossController) OnReceiverEstimate(bitrate int64) {
	l.receiverEstimate = bitrate
	if bitrate > 0 && l.bitrate > bitrate {
		l.bitrate = l.clamp(bitrate)
	}
}

// OnDelayBasedEstimate sets the delay-based estimate, used as a cap.
func (l *LossController) OnDelayBasedEstimate(bitrate int64) {
	l.delayBased = bitrate
}

// OnAcknowledgedBitrate sets the acknowledged bitrate increases are
// capped against.
func (l *LossController) OnAcknowledgedBitrate(bitrate int64) {
	l.acknowledged = bitrate
}

// SetEstimate forces the estimate, e.g. to a probe result.
func (l *LossController) SetEstimate(bitrate int64, now time.Time) {
	l.bitrate = l.clamp(bitrate)
	l.lastIncrease = now
}

// SetBounds updates the [min, max] clamp and re-applies it.
func (l *LossController) SetBounds(minBitrate, maxBitrate int64) {
	if minBitrate > 0 {
		l.config.MinBitrate = minBitrate
	}
	if maxBitrate > 0 {
		l.config.MaxBitrate = maxBitrate
	}
	l.bitrate = l.clamp(l.bitrate)
}

// Update evaluates the rules and reports whether the estimate changed.
// Changes are effectuated at most every MinUpdateInterval.
func (l *LossController) Update(now time.Time) bool {
	if l.firstUpdate.IsZero() {
		l.firstUpdate = now
	}
	if !l.lastEffective.IsZero() && now.Sub(l.lastEffective) < l.config.MinUpdateInterval {
		return false
	}

	next := l.bitrate
	switch {
	case !l.seenLoss && (!l.haveReport || now.Sub(l.firstUpdate) < l.config.StartPhase):
		// trust the receiver and delay-based estimates during startup and
		// while there is no loss information at all
		next = max(next, l.receiverEstimate, l.delayBased)

	case l.haveReport && now.Sub(l.lastReport) < l.config.ReportTimeout:
		next = l.applyLoss(now)
	}

	next = l.capIncrease(next)
	if l.receiverEstimate > 0 && next > l.receiverEstimate {
		next = l.receiverEstimate
	}
	if l.delayBased > 0 && next > l.delayBased {
		next = l.delayBased
	}
	next = l.clamp(next)

	if next == l.bitrate {
		return false
	}
	l.log.Tracef("loss-based estimate %d -> %d bps (loss %d/256)", l.bitrate, next, l.lossQ8)
	l.bitrate = next
	l.lastEffective = now
	return true
}

func (l *LossController) applyLoss(now time.Time) int64 {
	loss := float64(l.lossQ8) / 256.0
	switch {
	case loss < l.config.LowLossThreshold:
		if l.lastIncrease.IsZero() || now.Sub(l.lastIncrease) >= l.rtt {
			l.lastIncrease = now
			return int64(float64(l.bitrate)*l.config.IncreaseFactor + 0.5)
		}
	case loss <= l.config.HighLossThreshold:
		// hold
	default:
		if !l.decreasedSinceReport && (l.lastDecrease.IsZero() || now.Sub(l.lastDecrease) >= l.rtt) {
			l.lastDecrease = now
			l.decreasedSinceReport = true
			l.log.Debugf("loss %.1f%%, decreasing from %d bps", loss*100, l.bitrate)
			return int64(float64(l.bitrate) * (512 - float64(l.lossQ8)) / 512)
		}
	}
	return l.bitrate
}

// capIncrease keeps an increase below MaxIncomingRatio times the
// acknowledged bitrate without lowering the current estimate.
func (l *LossController) capIncrease(next int64) int64 {
	if l.acknowledged <= 0 || next <= l.bitrate {
		return next
	}
	limit := int64(l.config.MaxIncomingRatio * float64(l.acknowledged))
	if next > limit {
		return max(l.bitrate, limit)
	}
	return next
}

func (l *LossController) clamp(bitrate int64) int64 {
	return max(l.config.MinBitrate, min(l.config.MaxBitrate, bitrate))
}

// Estimate returns the loss-based bitrate together with the last loss
// fraction and round-trip time.
func (l *LossController) Estimate() (bitrate int64, lossQ8 uint8, rtt time.Duration) {
	return l.bitrate, l.lossQ8, l.rtt
}
