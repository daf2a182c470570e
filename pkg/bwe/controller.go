package bwe

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

// Observer receives target bitrate updates.
//
// Updates are delivered from the goroutine that caused the change, in
// issuance order. Implementations must not block and must not call
// methods of the Controller that publish a new target.
type Observer interface {
	OnTargetBitrateChanged(update TargetUpdate)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(update TargetUpdate)

// OnTargetBitrateChanged calls f(update).
func (f ObserverFunc) OnTargetBitrateChanged(update TargetUpdate) {
	f(update)
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock sets the time source. Defaults to the monotonic system clock.
func WithClock(clock Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLoggerFactory sets the logger factory of the Controller and all its
// components. Defaults to the pion default logger factory.
func WithLoggerFactory(factory logging.LoggerFactory) ControllerOption {
	return func(c *Controller) {
		if factory != nil {
			c.loggerFactory = factory
		}
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) ControllerOption {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Stats is a snapshot of the Controller state.
type Stats struct {
	TargetBitrate       int64
	DelayBasedBitrate   int64
	LossBasedBitrate    int64
	AcknowledgedBitrate int64
	ReceiverEstimate    int64
	LastProbeBitrate    int64
	PacingBitrate       int64
	PaddingBitrate      int64

	FractionLossQ8 uint8
	RTT            time.Duration

	DelayState       BandwidthUsage
	RateControlState RateControlState
	Threshold        float64

	NetworkState   NetworkState
	QueueFull      bool
	QueueTime      time.Duration
	QueuePackets   int
	QueueBytes     int
	PendingProbes  int
	LostLookups    uint64
	FeedbackReport uint64
	TargetUpdates  uint64
}

// Controller is the send-side congestion controller. It owns the pacer,
// the send-time history, the feedback adapter, the delay-based estimator,
// the loss controller and the probing controller, and publishes
// min(delay-based, loss-based) to its observers.
//
// While the network is down, or while the pacer queue would take longer
// than Config.MaxQueueLength to drain, the published target is zero; the
// pacer keeps draining at the real estimate.
//
// All methods are safe for concurrent use.
type Controller struct {
	config        Config
	clock         internal.Clock
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	history  *SendTimeHistory
	adapter  *FeedbackAdapter
	delay    *DelayEstimator
	pacer    *Pacer
	loss     *LossController
	probes   *ProbeController
	probeEst *ProbeBitrateEstimator

	mu               sync.Mutex
	observers        []Observer
	networkState     NetworkState
	queueFull        bool
	estimate         int64
	paddingBitrate   int64
	receiverEstimate int64
	lastProbe        int64
	last             TargetUpdate
	published        bool
	seq              uint64

	notifyMu     sync.Mutex
	lastNotified uint64
	updates      uint64

	startOnce sync.Once
	closed    core.Fuse
	wg        sync.WaitGroup
}

// NewController validates cfg and builds a Controller sending through
// sender. Initial probing is requested right away if enabled.
func NewController(cfg Config, sender PacketSender, opts ...ControllerOption) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: nil packet sender", ErrInvalidConfig)
	}

	c := &Controller{
		config:        cfg,
		clock:         internal.MonotonicClock{},
		loggerFactory: logging.NewDefaultLoggerFactory(),
		networkState:  NetworkUp,
		closed:        core.NewFuse(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.loggerFactory.NewLogger("gcc_controller")

	c.history = NewSendTimeHistory(cfg.historyConfig(), c.clock)
	c.adapter = NewFeedbackAdapter(c.history, c.clock, c.loggerFactory)
	c.adapter.SetStaleAge(cfg.StaleFeedback)
	c.delay = NewDelayEstimator(cfg.delayEstimatorConfig(), c.loggerFactory)
	c.loss = NewLossController(cfg.lossControllerConfig(), c.loggerFactory)
	c.pacer = NewPacer(cfg.pacerConfig(), &probeTaggingSender{history: c.history, next: sender}, c.clock, c.loggerFactory)
	c.probeEst = NewProbeBitrateEstimator(c.loggerFactory)
	c.probes = NewProbeController(cfg.probeControllerConfig(), probeRequester{c}, c.loggerFactory)

	now := c.clock.Now()
	c.paddingBitrate = cfg.PaddingBitrate

	c.mu.Lock()
	c.probes.SetBitrates(cfg.MinBitrate, cfg.StartBitrate, cfg.MaxBitrate, now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()
	if changed {
		c.notify(update, seq, observers)
	}
	return c, nil
}

// probeTaggingSender records the probe cluster of media packets sent as
// part of a probe before handing them to the application sender.
type probeTaggingSender struct {
	history *SendTimeHistory
	next    PacketSender
}

func (s *probeTaggingSender) SendPacket(ssrc uint32, seq uint16, captureTime time.Time, retransmission bool, probeClusterID int) bool {
	if probeClusterID != NoProbeCluster {
		s.history.SetProbeCluster(seq, probeClusterID)
	}
	return s.next.SendPacket(ssrc, seq, captureTime, retransmission, probeClusterID)
}

func (s *probeTaggingSender) SendPadding(bytes int, probeClusterID int) int {
	return s.next.SendPadding(bytes, probeClusterID)
}

// probeRequester forwards probe requests to the pacer and registers the
// cluster minima with the probe estimator. Called with c.mu held.
type probeRequester struct {
	c *Controller
}

func (r probeRequester) RequestProbe(bitrate int64, minPackets, minBytes int) int {
	id := r.c.pacer.RequestProbe(bitrate, minPackets, minBytes)
	if id == NoProbeCluster {
		return id
	}
	r.c.probeEst.RegisterCluster(id, minPackets, minBytes, r.c.clock.Now())
	return id
}

// AddPacket records a packet in the send-time history and queues it in the
// pacer. seq is the transport-wide sequence number the feedback refers to.
func (c *Controller) AddPacket(ssrc uint32, seq uint16, size int, captureTime time.Time, priority Priority, retransmission bool) {
	c.history.AddPacket(seq, size, NoProbeCluster)
	c.pacer.Enqueue(priority, ssrc, seq, captureTime, size, retransmission)
}

// AddPaddingPacket records a padding packet generated by the sender in
// response to SendPadding. Padding never goes through the pacer queue.
func (c *Controller) AddPaddingPacket(seq uint16, size int, probeClusterID int) {
	c.history.AddPacket(seq, size, probeClusterID)
}

// OnSentPacket stamps the actual send time of a packet.
func (c *Controller) OnSentPacket(seq uint16, sendTime time.Time) {
	if !c.history.OnSentPacket(seq, sendTime) {
		c.log.Tracef("sent packet %d not in history", seq)
	}
}

// OnTransportFeedback processes a transport feedback report: probe
// results, the delay-based estimate and the acknowledged bitrate.
func (c *Controller) OnTransportFeedback(report FeedbackReport) error {
	if c.closed.IsBroken() {
		return ErrControllerClosed
	}
	feedback, err := c.adapter.OnFeedback(report)
	if err != nil {
		return err
	}
	now := c.clock.Now()

	c.mu.Lock()
	for _, fb := range feedback {
		if fb.ProbeClusterID != NoProbeCluster {
			c.probeEst.HandleProbeAndEstimateBitrate(fb)
		}
	}
	probe, _ := c.probeEst.FetchAndResetLastEstimatedBitrate()

	result := c.delay.IncomingPacketFeedbackVector(feedback, probe, now)
	c.loss.OnAcknowledgedBitrate(c.delay.AcknowledgedBitrate())
	if result.Updated {
		c.loss.OnDelayBasedEstimate(result.Target)
		if result.Probe {
			c.lastProbe = result.Target
			c.loss.SetEstimate(result.Target, now)
		}
	}
	c.loss.Update(now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
	return nil
}

// OnTransportFeedbackRTCP parses a transport-wide congestion control packet
// and processes it.
func (c *Controller) OnTransportFeedbackRTCP(pkt *rtcp.TransportLayerCC) error {
	report, err := FeedbackFromRTCP(pkt)
	if err != nil {
		return fmt.Errorf("transport feedback: %w", err)
	}
	return c.OnTransportFeedback(report)
}

// OnReceivedRTCPBandwidth applies a receiver bitrate estimate (REMB) as a
// cap on the loss-based estimate.
func (c *Controller) OnReceivedRTCPBandwidth(bitrate int64, ssrcs []uint32) {
	now := c.clock.Now()
	c.mu.Lock()
	c.log.Tracef("receiver estimate %d bps for %v", bitrate, ssrcs)
	c.receiverEstimate = bitrate
	c.loss.OnReceiverEstimate(bitrate)
	c.loss.Update(now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
}

// OnReceiverReport applies a loss report covering numPackets packets.
// rtt is ignored if zero.
func (c *Controller) OnReceiverReport(fractionLossQ8 uint8, rtt time.Duration, numPackets int64) {
	now := c.clock.Now()
	if rtt > 0 {
		c.delay.OnRTTUpdate(rtt, rtt)
	}
	c.mu.Lock()
	c.loss.OnReceiverReport(fractionLossQ8, rtt, numPackets, now)
	c.loss.Update(now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
}

// OnRTTUpdate sets the round-trip time. It does not publish by itself; the
// next update carries the new value.
func (c *Controller) OnRTTUpdate(avg, maxRTT time.Duration) {
	if avg <= 0 {
		return
	}
	c.delay.OnRTTUpdate(avg, maxRTT)
	c.mu.Lock()
	c.loss.OnRTT(avg)
	c.mu.Unlock()
}

// SetBitrateBounds changes the bounds of all estimators. A positive start
// bitrate also resets the current estimate. Zero leaves a bound unchanged.
func (c *Controller) SetBitrateBounds(minBitrate, startBitrate, maxBitrate int64) error {
	c.mu.Lock()
	newMin, newMax := c.config.MinBitrate, c.config.MaxBitrate
	if minBitrate > 0 {
		newMin = minBitrate
	}
	if maxBitrate > 0 {
		newMax = maxBitrate
	}
	switch {
	case minBitrate < 0 || startBitrate < 0 || maxBitrate < 0:
		c.mu.Unlock()
		return fmt.Errorf("%w: bitrates must not be negative", ErrInvalidConfig)
	case newMin > newMax:
		c.mu.Unlock()
		return fmt.Errorf("%w: min_bitrate %d above max_bitrate %d", ErrInvalidConfig, newMin, newMax)
	case startBitrate > 0 && (startBitrate < newMin || startBitrate > newMax):
		c.mu.Unlock()
		return fmt.Errorf("%w: start_bitrate %d outside [%d, %d]", ErrInvalidConfig, startBitrate, newMin, newMax)
	}

	now := c.clock.Now()
	c.config.MinBitrate, c.config.MaxBitrate = newMin, newMax
	c.delay.SetBounds(newMin, newMax)
	c.loss.SetBounds(newMin, newMax)
	if startBitrate > 0 {
		c.delay.SetStartBitrate(startBitrate, now)
		c.loss.SetEstimate(startBitrate, now)
		c.loss.OnDelayBasedEstimate(startBitrate)
	}
	c.probes.SetBitrates(newMin, startBitrate, newMax, now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
	return nil
}

// SetPaddingBitrate sets the rate at which padding fills an idle link.
func (c *Controller) SetPaddingBitrate(bitrate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingBitrate = max(bitrate, 0)
	c.pacer.SetPacingRates(c.estimate, c.paddingBitrate)
}

// SignalNetworkState pauses the pacer and publishes a zero target while the
// network is down. Coming back up resumes the pacer and restarts probing.
func (c *Controller) SignalNetworkState(state NetworkState) {
	now := c.clock.Now()
	c.mu.Lock()
	if state == c.networkState {
		c.mu.Unlock()
		return
	}
	c.networkState = state
	c.log.Infof("network %s", state)
	if state == NetworkDown {
		c.pacer.Pause()
	} else {
		c.pacer.Resume()
	}
	c.probes.OnNetworkStateChanged(state, now)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
}

// IsQueueFull reports whether the pacer queue needs longer than
// Config.MaxQueueLength to drain at the current rate.
func (c *Controller) IsQueueFull() bool {
	return c.pacer.ExpectedQueueTime() > c.config.MaxQueueLength
}

// Process runs the periodic work: loss-based reassessment, probe
// scheduling and queue-full detection. Start calls it every
// Config.ProcessInterval.
func (c *Controller) Process() {
	now := c.clock.Now()
	alrStart, inALR := c.pacer.ApplicationLimited()

	c.mu.Lock()
	c.loss.Update(now)
	c.probes.Process(now, alrStart, inALR)
	update, seq, observers, changed := c.updateLocked(now)
	c.mu.Unlock()

	if changed {
		c.notify(update, seq, observers)
	}
}

// updateLocked recomputes the target, reconfigures the pacer and returns
// the update to publish if it differs from the last one.
func (c *Controller) updateLocked(now time.Time) (TargetUpdate, uint64, []Observer, bool) {
	delayBased := c.delay.Estimate()
	lossBased, lossQ8, rtt := c.loss.Estimate()
	target := min(delayBased, lossBased)

	if target != c.estimate {
		c.estimate = target
		c.pacer.SetPacingRates(target, c.paddingBitrate)
		c.probes.SetEstimatedBitrate(target, now)
	}

	queueFull := c.pacer.ExpectedQueueTime() > c.config.MaxQueueLength
	if queueFull != c.queueFull {
		c.queueFull = queueFull
		if queueFull {
			c.log.Warnf("pacer queue full (%v expected), pausing encoders", c.pacer.ExpectedQueueTime())
		} else {
			c.log.Info("pacer queue drained")
		}
	}

	published := target
	if c.networkState == NetworkDown || queueFull {
		published = 0
	}
	update := TargetUpdate{
		Bitrate:         published,
		FractionLossQ8:  lossQ8,
		RTT:             rtt,
		ProbingInterval: c.delay.ExpectedBandwidthPeriod(),
	}
	if c.published && update == c.last {
		return TargetUpdate{}, 0, nil, false
	}
	c.published = true
	c.last = update
	c.seq++
	return update, c.seq, slices.Clone(c.observers), true
}

// notify delivers update unless a newer one was already delivered.
func (c *Controller) notify(update TargetUpdate, seq uint64, observers []Observer) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.lastNotified {
		return
	}
	c.lastNotified = seq
	c.updates++
	c.log.Debugf("target %d bps (loss %d/256, rtt %v)", update.Bitrate, update.FractionLossQ8, update.RTT)
	for _, o := range observers {
		o.OnTargetBitrateChanged(update)
	}
}

// RegisterObserver adds an observer and hands it the current target.
func (c *Controller) RegisterObserver(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, o)
	current, ok := c.last, c.published
	c.mu.Unlock()
	if ok {
		o.OnTargetBitrateChanged(current)
	}
}

// UnregisterObserver removes an observer. Observers are compared by
// identity; function observers cannot be removed.
func (c *Controller) UnregisterObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = slices.DeleteFunc(c.observers, func(x Observer) bool {
		if _, isFunc := x.(ObserverFunc); isFunc {
			return false
		}
		return x == o
	})
}

// Target returns the last published update.
func (c *Controller) Target() TargetUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Pacer returns the controller's pacer.
func (c *Controller) Pacer() *Pacer {
	return c.pacer
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	lossBased, lossQ8, rtt := c.loss.Estimate()
	s := Stats{
		TargetBitrate:     c.last.Bitrate,
		LossBasedBitrate:  lossBased,
		ReceiverEstimate:  c.receiverEstimate,
		LastProbeBitrate:  c.lastProbe,
		PacingBitrate:     int64(float64(c.estimate) * c.config.PacingMultiplier),
		PaddingBitrate:    c.paddingBitrate,
		FractionLossQ8:    lossQ8,
		RTT:               rtt,
		NetworkState:      c.networkState,
		QueueFull:         c.queueFull,
		DelayBasedBitrate: c.delay.Estimate(),
	}
	c.mu.Unlock()

	s.AcknowledgedBitrate = c.delay.AcknowledgedBitrate()
	s.DelayState = c.delay.State()
	s.RateControlState = c.delay.RateControlState()
	s.Threshold = c.delay.Threshold()
	s.QueueTime = c.pacer.QueueTime()
	s.QueuePackets = c.pacer.QueueSizePackets()
	s.QueueBytes = c.pacer.QueueSizeBytes()
	s.PendingProbes = c.pacer.PendingProbes()
	s.LostLookups = c.adapter.LostLookups()
	s.FeedbackReport = c.adapter.Reports()

	c.notifyMu.Lock()
	s.TargetUpdates = c.updates
	c.notifyMu.Unlock()
	return s
}

// Start runs the pacer and the periodic process loop in background
// goroutines until Close. Calling Start more than once has no effect.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		if c.closed.IsBroken() {
			return
		}
		c.wg.Add(2)
		go c.pacerLoop()
		go c.processLoop()
	})
}

func (c *Controller) pacerLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(c.pacer.NextWakeup())
	defer timer.Stop()
	for {
		select {
		case <-c.closed.Watch():
			return
		case <-timer.C:
			c.pacer.Process()
			timer.Reset(c.pacer.NextWakeup())
		}
	}
}

func (c *Controller) processLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.Process()
		}
	}
}

// Close stops the background goroutines. Feedback is rejected afterwards.
func (c *Controller) Close() error {
	c.closed.Break()
	c.wg.Wait()
	return nil
}
