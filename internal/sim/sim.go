// Package sim runs the congestion controller in a closed loop against a
// simulated bottleneck: an encoder producing at the published target, the
// pacer, a link with a capacity schedule, and a receiver returning
// transport feedback, receiver reports and REMB over RTCP.
//
// Time is virtual; a run is deterministic for a given scenario and seed.
package sim

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/testutil"
)

const (
	tick = time.Millisecond

	videoSSRC    uint32 = 0x1111
	audioSSRC    uint32 = 0x2222
	paddingSSRC  uint32 = 0x3333
	receiverSSRC uint32 = 0x4444

	audioInterval = 20 * time.Millisecond
	minFrameSize  = 200
)

// ErrAlreadyRun is returned by Run on a Simulation that already ran.
var ErrAlreadyRun = errors.New("simulation already ran")

var simStart = time.Unix(1_700_000_000, 0)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

// Sample is the state of the loop at one point of virtual time.
type Sample struct {
	At             time.Duration
	Capacity       int64
	Target         int64
	DelayBased     int64
	LossBased      int64
	Acknowledged   int64
	LinkQueue      time.Duration
	PacerQueue     time.Duration
	FractionLossQ8 uint8
	RTT            time.Duration
	DelayState     bwe.BandwidthUsage
}

// Result summarizes a run.
type Result struct {
	Scenario string
	Samples  []Sample
	Link     testutil.LinkStats
	Stats    bwe.Stats

	// MediaBytes and PaddingBytes count what the pacer released.
	MediaBytes   int
	PaddingBytes int

	// Failures lists the scenario expectations that did not hold.
	Failures []error
}

// Passed reports whether every expectation held.
func (r Result) Passed() bool {
	return len(r.Failures) == 0
}

// MeanTarget averages the sampled target over [from, to].
func (r Result) MeanTarget(from, to time.Duration) int64 {
	var sum, n int64
	for _, s := range r.Samples {
		if s.At >= from && s.At <= to {
			sum += s.Target
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithLoggerFactory sets the logger factory for the simulation and the
// controller.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(s *Simulation) {
		s.loggerFactory = f
	}
}

// WithSampleInterval sets how often a Sample is taken. Default: 100 ms.
func WithSampleInterval(d time.Duration) Option {
	return func(s *Simulation) {
		if d > 0 {
			s.sampleInterval = d
		}
	}
}

// WithSampleHandler is called with every Sample as it is taken.
func WithSampleHandler(fn func(Sample)) Option {
	return func(s *Simulation) {
		s.onSample = fn
	}
}

// WithoutSampleHistory stops Run from keeping samples in the Result. Use it
// with a sample handler for long runs.
func WithoutSampleHistory() Option {
	return func(s *Simulation) {
		s.discardSamples = true
	}
}

// WithSpeed throttles the run to speed times real time. Zero, the default,
// runs as fast as possible.
func WithSpeed(speed float64) Option {
	return func(s *Simulation) {
		s.speed = speed
	}
}

type rtcpDelivery struct {
	at  time.Time
	raw []byte
}

// Simulation is one closed-loop run of a scenario. Not safe for concurrent
// use, except for Controller which may be read while Run is in progress.
type Simulation struct {
	scenario      testutil.Scenario
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	sampleInterval time.Duration
	onSample       func(Sample)
	discardSamples bool
	speed          float64

	clock      *clock
	link       *testutil.Link
	controller *bwe.Controller
	sender     *mediaSender
	receiver   *receiver

	// RTCP on its way to the receiver and back to the sender
	uplink   deque.Deque[rtcpDelivery]
	downlink deque.Deque[rtcpDelivery]

	prevHighest map[uint32]uint32
	target      int64
	ran         bool
}

// New validates the scenario and builds a simulation for it.
func New(scenario testutil.Scenario, opts ...Option) (*Simulation, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	s := &Simulation{
		scenario:       scenario,
		sampleInterval: 100 * time.Millisecond,
		clock:          &clock{now: simStart},
		prevHighest:    make(map[uint32]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loggerFactory == nil {
		s.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	s.log = s.loggerFactory.NewLogger("gcc_sim")

	s.link = testutil.NewLink(scenario.Link, simStart, scenario.Seed)
	s.sender = newMediaSender(s.clock, s.link)
	s.receiver = newReceiver(simStart, scenario.Feedback.REMBBitrate)
	s.target = scenario.Config.StartBitrate

	controller, err := bwe.NewController(scenario.Config, s.sender,
		bwe.WithClock(s.clock),
		bwe.WithLoggerFactory(s.loggerFactory),
		bwe.WithObserver(bwe.ObserverFunc(func(u bwe.TargetUpdate) {
			s.target = u.Bitrate
		})),
	)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	s.controller = controller
	s.sender.controller = controller
	return s, nil
}

// Controller returns the controller under test.
func (s *Simulation) Controller() *bwe.Controller {
	return s.controller
}

// Run plays the scenario to its end or until ctx is done.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	if s.ran {
		return Result{}, ErrAlreadyRun
	}
	s.ran = true
	defer s.controller.Close()

	cfg := s.scenario
	result := Result{Scenario: cfg.Name}
	expect := slices.Clone(cfg.Expect)
	slices.SortStableFunc(expect, func(a, b testutil.Expectation) int {
		return cmp.Compare(a.At, b.At)
	})

	frameInterval := time.Second / time.Duration(cfg.Encoder.FrameRate)
	pacer := s.controller.Pacer()
	end := simStart.Add(cfg.Duration)
	wallStart := time.Now()

	s.log.Infof("running scenario %q for %v", cfg.Name, cfg.Duration)

	nextFrame, nextAudio, nextPace, nextProcess := simStart, simStart, simStart, simStart
	nextFeedback, nextReport, nextSample := simStart, simStart, simStart
	lastState := bwe.BwNormal

	for now := simStart; !now.After(end); now = now.Add(tick) {
		elapsed := now.Sub(simStart)
		if elapsed%(100*time.Millisecond) == 0 {
			if err := s.throttle(ctx, elapsed, wallStart); err != nil {
				return result, err
			}
		}
		s.clock.now = now

		s.deliverRTCP(now)
		s.sender.deliver(now, s.receiver.onPacket)

		if !now.Before(nextFrame) {
			s.encodeFrame(cfg.Encoder)
			nextFrame = nextFrame.Add(frameInterval)
		}
		if cfg.Encoder.AudioBitrate > 0 && !now.Before(nextAudio) {
			size := int(cfg.Encoder.AudioBitrate * int64(audioInterval) / int64(time.Second) / 8)
			s.sender.enqueue(audioSSRC, max(size, 1), bwe.PriorityHigh)
			nextAudio = nextAudio.Add(audioInterval)
		}
		if !now.Before(nextPace) {
			pacer.Process()
			nextPace = now.Add(max(tick, pacer.NextWakeup()))
		}
		if !now.Before(nextProcess) {
			s.controller.Process()
			nextProcess = nextProcess.Add(cfg.Config.ProcessInterval)
		}
		if !now.Before(nextFeedback) {
			s.sendToSender(now, s.receiver.feedback(now))
			nextFeedback = nextFeedback.Add(cfg.Feedback.Interval)
		}
		if !now.Before(nextReport) {
			s.sendReports(now)
			nextReport = nextReport.Add(cfg.Feedback.ReportInterval)
		}
		if !now.Before(nextSample) {
			sample := s.sample(now)
			if sample.DelayState != lastState {
				s.log.Debugf("%v: delay state %s -> %s at target %d", elapsed, lastState, sample.DelayState, sample.Target)
				lastState = sample.DelayState
			}
			if !s.discardSamples {
				result.Samples = append(result.Samples, sample)
			}
			if s.onSample != nil {
				s.onSample(sample)
			}
			nextSample = nextSample.Add(s.sampleInterval)
		}
		for len(expect) > 0 && elapsed >= expect[0].At {
			if err := expect[0].Check(s.controller.Target().Bitrate); err != nil {
				result.Failures = append(result.Failures, err)
			}
			expect = expect[1:]
		}
	}

	result.Link = s.link.Stats()
	result.Stats = s.controller.Stats()
	result.MediaBytes = s.sender.mediaBytes
	result.PaddingBytes = s.sender.paddingBytes
	s.log.Infof("scenario %q done: %d packets, %d delivered, %d dropped, %d lost, final target %d",
		cfg.Name, s.sender.packets, result.Link.Delivered, result.Link.Dropped, result.Link.Lost, result.Stats.TargetBitrate)
	return result, nil
}

// throttle checks ctx and, when a speed is set, sleeps until wall time
// catches up with virtual time.
func (s *Simulation) throttle(ctx context.Context, elapsed time.Duration, wallStart time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.speed <= 0 {
		return nil
	}
	wait := time.Duration(float64(elapsed)/s.speed) - time.Since(wallStart)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// encodeFrame produces one video frame sized for the current target and
// queues its packets.
func (s *Simulation) encodeFrame(enc testutil.EncoderConfig) {
	if s.target <= 0 {
		return
	}
	size := max(minFrameSize, int(s.target/8/int64(enc.FrameRate)))
	for size > 0 {
		packet := min(size, enc.MaxPacketSize)
		s.sender.enqueue(videoSSRC, packet, bwe.PriorityNormal)
		size -= packet
	}
}

func (s *Simulation) sendReports(now time.Time) {
	sr := &rtcp.SenderReport{
		SSRC:        videoSSRC,
		NTPTime:     ntpTime(now),
		PacketCount: uint32(s.sender.packets),
		OctetCount:  uint32(s.sender.mediaBytes + s.sender.paddingBytes),
	}
	s.sendToReceiver(now, []rtcp.Packet{sr})

	if rr := s.receiver.report(now); rr != nil {
		s.sendToSender(now, []rtcp.Packet{rr})
	}
}

func (s *Simulation) sendToReceiver(now time.Time, pkts []rtcp.Packet) {
	if raw := s.marshal(pkts); raw != nil {
		s.uplink.PushBack(rtcpDelivery{at: now.Add(s.scenario.Link.Propagation), raw: raw})
	}
}

func (s *Simulation) sendToSender(now time.Time, pkts []rtcp.Packet) {
	if raw := s.marshal(pkts); raw != nil {
		s.downlink.PushBack(rtcpDelivery{at: now.Add(s.scenario.Link.Propagation), raw: raw})
	}
}

func (s *Simulation) marshal(pkts []rtcp.Packet) []byte {
	if len(pkts) == 0 {
		return nil
	}
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		s.log.Warnf("marshal RTCP: %v", err)
		return nil
	}
	return raw
}

func (s *Simulation) deliverRTCP(now time.Time) {
	for s.uplink.Len() > 0 && !s.uplink.Front().at.After(now) {
		pkts, err := rtcp.Unmarshal(s.uplink.PopFront().raw)
		if err != nil {
			s.log.Warnf("receiver: unmarshal RTCP: %v", err)
			continue
		}
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				s.receiver.onSenderReport(sr, now)
			}
		}
	}

	for s.downlink.Len() > 0 && !s.downlink.Front().at.After(now) {
		pkts, err := rtcp.Unmarshal(s.downlink.PopFront().raw)
		if err != nil {
			s.log.Warnf("sender: unmarshal RTCP: %v", err)
			continue
		}
		s.onRTCP(pkts, now)
	}
}

// onRTCP feeds RTCP from the receiver into the controller.
func (s *Simulation) onRTCP(pkts []rtcp.Packet, now time.Time) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerCC:
			if err := s.controller.OnTransportFeedbackRTCP(p); err != nil {
				s.log.Debugf("transport feedback: %v", err)
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			est := bwe.ReceiverEstimateFromRTCP(p)
			s.controller.OnReceivedRTCPBandwidth(est.Bitrate, est.SSRCs)
		case *rtcp.ReceiverReport:
			report, ok := bwe.LossReportFromRTCP(p, now, isLocal, s.prevHighest)
			if ok {
				s.controller.OnReceiverReport(report.FractionLossQ8, report.RTT, report.Packets)
			}
		}
	}
}

func isLocal(ssrc uint32) bool {
	return ssrc == videoSSRC || ssrc == audioSSRC
}

func (s *Simulation) sample(now time.Time) Sample {
	st := s.controller.Stats()
	return Sample{
		At:             now.Sub(simStart),
		Capacity:       s.link.Capacity(now),
		Target:         st.TargetBitrate,
		DelayBased:     st.DelayBasedBitrate,
		LossBased:      st.LossBasedBitrate,
		Acknowledged:   st.AcknowledgedBitrate,
		LinkQueue:      s.link.QueueDelay(now),
		PacerQueue:     st.QueueTime,
		FractionLossQ8: st.FractionLossQ8,
		RTT:            st.RTT,
		DelayState:     st.DelayState,
	}
}
