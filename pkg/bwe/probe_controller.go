package bwe

import (
	"time"

	"github.com/pion/logging"
)

// ProbeControllerConfig configures the ProbeController.
type ProbeControllerConfig struct {
	// Enabled turns all probing on or off.
	Enabled bool

	// PeriodicALRProbing probes while the sender is application limited.
	PeriodicALRProbing bool

	// FirstExponentialMultiplier and SecondExponentialMultiplier scale the
	// start bitrate of the two initial clusters.
	// Default: 3 and 6
	FirstExponentialMultiplier  float64
	SecondExponentialMultiplier float64

	// FurtherMultiplier scales the estimate for each further probe while
	// probe results keep coming in above FurtherThreshold times the last
	// probe bitrate.
	// Default: 2 and 0.7
	FurtherMultiplier float64
	FurtherThreshold  float64

	// ProbeResultTimeout ends exponential probing when no result raised
	// the estimate in time.
	// Default: 1 s
	ProbeResultTimeout time.Duration

	// ALRProbingInterval is the time between probes in an application
	// limited region, at ALRProbeScale times the estimate.
	// Default: 5 s and 2
	ALRProbingInterval time.Duration
	ALRProbeScale      float64

	// MinProbePackets is the minimum packet count of every cluster.
	// Default: 5
	MinProbePackets int
}

// DefaultProbeControllerConfig returns the default probing configuration.
func DefaultProbeControllerConfig() ProbeControllerConfig {
	return ProbeControllerConfig{
		Enabled:                     true,
		PeriodicALRProbing:          true,
		FirstExponentialMultiplier:  3,
		SecondExponentialMultiplier: 6,
		FurtherMultiplier:           2,
		FurtherThreshold:            0.7,
		ProbeResultTimeout:          time.Second,
		ALRProbingInterval:          5 * time.Second,
		ALRProbeScale:               2,
		MinProbePackets:             DefaultMinProbePackets,
	}
}

type probingState int

const (
	// probingInit: no probe sent yet, or the network went down.
	probingInit probingState = iota
	// probingWaiting: probes sent, waiting for a result to probe further.
	probingWaiting
	// probingComplete: only ALR and mid-call probing remain.
	probingComplete
)

func (s probingState) String() string {
	switch s {
	case probingInit:
		return "init"
	case probingWaiting:
		return "waiting"
	default:
		return "complete"
	}
}

// ProbeController decides when to send probe clusters and at which
// bitrate: exponential probing at startup and after the network came back
// up, continued while results keep up with the probes, periodic probing in
// application limited regions, and a probe at a raised maximum bitrate.
//
// ProbeController is not safe for concurrent use; the Controller
// serializes access.
type ProbeController struct {
	config ProbeControllerConfig
	sink   ProbeRequestSink
	log    logging.LeveledLogger

	state            probingState
	networkAvailable bool

	minBitrate   int64
	startBitrate int64
	maxBitrate   int64
	estimated    int64

	minBitrateToProbeFurther int64
	lastProbing              time.Time
}

// NewProbeController creates a probe controller sending its requests to
// sink. The network is considered available. If loggerFactory is nil, the
// pion default logger factory is used.
func NewProbeController(config ProbeControllerConfig, sink ProbeRequestSink, loggerFactory logging.LoggerFactory) *ProbeController {
	def := DefaultProbeControllerConfig()
	if config.FirstExponentialMultiplier <= 0 {
		config.FirstExponentialMultiplier = def.FirstExponentialMultiplier
	}
	if config.SecondExponentialMultiplier <= 0 {
		config.SecondExponentialMultiplier = def.SecondExponentialMultiplier
	}
	if config.FurtherMultiplier <= 0 {
		config.FurtherMultiplier = def.FurtherMultiplier
	}
	if config.FurtherThreshold <= 0 {
		config.FurtherThreshold = def.FurtherThreshold
	}
	if config.ProbeResultTimeout <= 0 {
		config.ProbeResultTimeout = def.ProbeResultTimeout
	}
	if config.ALRProbingInterval <= 0 {
		config.ALRProbingInterval = def.ALRProbingInterval
	}
	if config.ALRProbeScale <= 0 {
		config.ALRProbeScale = def.ALRProbeScale
	}
	if config.MinProbePackets < DefaultMinProbePackets {
		config.MinProbePackets = DefaultMinProbePackets
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &ProbeController{
		config:           config,
		sink:             sink,
		log:              loggerFactory.NewLogger("gcc_probe"),
		networkAvailable: true,
	}
}

// SetBitrates updates the bounds and the start bitrate. The first call
// with a start bitrate starts exponential probing if the network is up.
// Raising the maximum while the estimate sits at the old maximum probes the
// new maximum.
func (c *ProbeController) SetBitrates(minBitrate, startBitrate, maxBitrate int64, now time.Time) {
	if startBitrate > 0 {
		c.startBitrate = startBitrate
		c.estimated = startBitrate
	} else if c.startBitrate == 0 {
		c.startBitrate = minBitrate
	}
	oldMax := c.maxBitrate
	c.minBitrate = minBitrate
	c.maxBitrate = maxBitrate

	switch c.state {
	case probingInit:
		if c.networkAvailable {
			c.initiateExponentialProbing(now)
		}
	case probingComplete:
		if oldMax > 0 && maxBitrate > oldMax && c.estimated >= oldMax && c.networkAvailable {
			c.log.Debugf("max bitrate raised %d -> %d, probing", oldMax, maxBitrate)
			c.initiateProbing(now, []int64{maxBitrate}, false)
		}
	}
}

// OnNetworkStateChanged pauses probing while the network is down and
// restarts exponential probing once it comes back up.
func (c *ProbeController) OnNetworkStateChanged(state NetworkState, now time.Time) {
	available := state == NetworkUp
	if available == c.networkAvailable {
		return
	}
	c.networkAvailable = available
	if !available {
		c.state = probingInit
		c.minBitrateToProbeFurther = 0
		return
	}
	if c.state == probingInit {
		c.initiateExponentialProbing(now)
	}
}

// SetEstimatedBitrate feeds the current estimate. While exponential
// probing is running, an estimate above FurtherThreshold times the last
// probe triggers the next probe.
func (c *ProbeController) SetEstimatedBitrate(bitrate int64, now time.Time) {
	if c.state == probingWaiting && c.minBitrateToProbeFurther > 0 && bitrate > c.minBitrateToProbeFurther {
		c.initiateProbing(now, []int64{int64(c.config.FurtherMultiplier * float64(bitrate))}, true)
	}
	c.estimated = bitrate
}

// EnablePeriodicAlrProbing turns ALR probing on or off.
func (c *ProbeController) EnablePeriodicAlrProbing(enable bool) {
	c.config.PeriodicALRProbing = enable
}

// Process times out exponential probing and schedules ALR probes.
// alrStart is the start of the current application limited region when
// inALR is set.
func (c *ProbeController) Process(now time.Time, alrStart time.Time, inALR bool) {
	if c.state == probingWaiting && now.Sub(c.lastProbing) > c.config.ProbeResultTimeout {
		c.log.Debug("probe result timeout, probing complete")
		c.state = probingComplete
		c.minBitrateToProbeFurther = 0
	}

	if c.state != probingComplete || !c.config.PeriodicALRProbing || !inALR || !c.networkAvailable {
		return
	}
	next := alrStart
	if c.lastProbing.After(next) {
		next = c.lastProbing
	}
	if now.Sub(next) >= c.config.ALRProbingInterval {
		c.initiateProbing(now, []int64{int64(c.config.ALRProbeScale * float64(c.estimated))}, true)
	}
}

func (c *ProbeController) initiateExponentialProbing(now time.Time) {
	if c.startBitrate <= 0 {
		return
	}
	bitrates := []int64{int64(c.config.FirstExponentialMultiplier * float64(c.startBitrate))}
	if c.config.SecondExponentialMultiplier > 0 {
		bitrates = append(bitrates, int64(c.config.SecondExponentialMultiplier*float64(c.startBitrate)))
	}
	c.initiateProbing(now, bitrates, true)
}

func (c *ProbeController) initiateProbing(now time.Time, bitrates []int64, probeFurther bool) {
	if !c.config.Enabled || c.sink == nil {
		c.state = probingComplete
		return
	}

	var last int64
	for _, bitrate := range bitrates {
		if c.maxBitrate > 0 && bitrate > c.maxBitrate {
			bitrate = c.maxBitrate
			probeFurther = false
		}
		if bitrate <= 0 || bitrate == last {
			continue
		}
		id := c.sink.RequestProbe(bitrate, c.config.MinProbePackets, ProbeClusterBytes(bitrate))
		c.log.Debugf("probe cluster %d at %d bps", id, bitrate)
		last = bitrate
	}
	c.lastProbing = now

	if probeFurther {
		c.state = probingWaiting
		c.minBitrateToProbeFurther = int64(c.config.FurtherThreshold * float64(last))
	} else {
		c.state = probingComplete
		c.minBitrateToProbeFurther = 0
	}
}
