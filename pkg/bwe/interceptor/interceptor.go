// Package interceptor provides a Pion WebRTC interceptor for send-side
// congestion control using the Google Congestion Control (GCC) algorithm.
package interceptor

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

const (
	// cleanupInterval is how often inactive streams are looked for.
	cleanupInterval = time.Second

	// maxPaddingPayload is the largest RTP padding length.
	maxPaddingPayload = 255
)

// paddingPayload is the payload of every padding-only packet: the last
// byte carries the padding length. Writers must not modify it.
var paddingPayload = func() []byte {
	b := make([]byte, maxPaddingPayload)
	b[maxPaddingPayload-1] = maxPaddingPayload
	return b
}()

// paddingStream is where padding-only packets are written. seq is only
// touched from SendPadding, which the pacer serializes.
type paddingStream struct {
	ssrc        uint32
	payloadType uint8
	seq         uint16
	stream      *streamState
}

// BWEInterceptor is a Pion interceptor that runs send-side congestion
// control. Every outgoing RTP packet is stamped with a transport-wide
// sequence number, queued in the Controller's pacer and written once the
// pacer releases it. Incoming transport feedback, REMB and receiver
// reports are fed to the Controller.
//
// Usage:
//
//	i, err := NewBWEInterceptor(bwe.DefaultConfig())
//	// Add to interceptor registry, or use BWEInterceptorFactory
//	i.Controller().RegisterObserver(encoderAdapter)
type BWEInterceptor struct {
	interceptor.NoOp // Embed for interface compliance

	controller    *bwe.Controller
	clock         internal.Clock
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	observers     []bwe.Observer
	streamTimeout time.Duration

	streams sync.Map // SSRC (uint32) -> *streamState, one entry per owned SSRC
	nextSeq atomic.Uint32

	mu          sync.Mutex
	pending     map[uint16]*pendingPacket
	highest     map[uint32]uint32
	paddingSSRC uint32
	padding     *paddingStream

	// Lifecycle
	closed    core.Fuse
	wg        sync.WaitGroup
	startOnce sync.Once // Ensures the controller and cleanup loop start once
}

// InterceptorOption is a functional option for configuring BWEInterceptor.
type InterceptorOption func(*BWEInterceptor)

// WithInterceptorLoggerFactory sets the logger factory. A nil factory keeps
// the pion default.
func WithInterceptorLoggerFactory(factory logging.LoggerFactory) InterceptorOption {
	return func(i *BWEInterceptor) {
		if factory != nil {
			i.loggerFactory = factory
		}
	}
}

// WithInterceptorPaddingSSRC sets the SSRC of padding-only packets.
func WithInterceptorPaddingSSRC(ssrc uint32) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.paddingSSRC = ssrc
	}
}

// WithTargetObserver registers an observer of the target bitrate.
func WithTargetObserver(o bwe.Observer) InterceptorOption {
	return func(i *BWEInterceptor) {
		if o != nil {
			i.observers = append(i.observers, o)
		}
	}
}

// WithInterceptorClock sets the time source of the interceptor and its
// Controller.
func WithInterceptorClock(clock bwe.Clock) InterceptorOption {
	return func(i *BWEInterceptor) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// NewBWEInterceptor creates a send-side congestion control interceptor
// with its own Controller configured by cfg.
func NewBWEInterceptor(cfg bwe.Config, opts ...InterceptorOption) (*BWEInterceptor, error) {
	i := &BWEInterceptor{
		clock:         internal.MonotonicClock{},
		loggerFactory: logging.NewDefaultLoggerFactory(),
		streamTimeout: cfg.StreamTimeout,
		pending:       make(map[uint16]*pendingPacket),
		highest:       make(map[uint32]uint32),
		closed:        core.NewFuse(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.log = i.loggerFactory.NewLogger("gcc_interceptor")

	ctrlOpts := []bwe.ControllerOption{
		bwe.WithClock(i.clock),
		bwe.WithLoggerFactory(i.loggerFactory),
	}
	for _, o := range i.observers {
		ctrlOpts = append(ctrlOpts, bwe.WithObserver(o))
	}
	controller, err := bwe.NewController(cfg, i, ctrlOpts...)
	if err != nil {
		return nil, err
	}
	i.controller = controller
	return i, nil
}

// Controller returns the congestion controller driven by this interceptor.
func (i *BWEInterceptor) Controller() *bwe.Controller {
	return i.controller
}

// Close stops the controller and the cleanup loop. Packets still queued
// in the pacer are dropped.
func (i *BWEInterceptor) Close() error {
	i.closed.Break()
	i.wg.Wait()
	err := i.controller.Close()

	i.mu.Lock()
	for seq, p := range i.pending {
		delete(i.pending, seq)
		putPending(p)
	}
	i.mu.Unlock()
	return err
}

func (i *BWEInterceptor) isClosed() bool {
	return i.closed.IsBroken()
}

// BindRTCPReader is called by Pion once per sender/receiver. The returned
// reader feeds transport feedback, REMB and reception reports to the
// Controller.
func (i *BWEInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		pkts, err := attr.GetRTCPPackets(b[:n])
		if err != nil {
			return 0, nil, err
		}
		i.processRTCP(pkts, time.Now())
		return n, attr, nil
	})
}

// BindLocalStream is called by Pion for every local stream. The returned
// writer queues packets in the pacer instead of writing them.
func (i *BWEInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	// Start pacing on the first stream (only once)
	i.startOnce.Do(func() {
		if i.isClosed() {
			return
		}
		i.controller.Start()
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	state := newStreamState(info, writer, i.clock.Now())
	i.streams.Store(state.ssrc, state)
	if state.rtxSSRC != 0 {
		i.streams.Store(state.rtxSSRC, state)
	}
	if state.fecSSRC != 0 {
		i.streams.Store(state.fecSSRC, state)
	}

	i.mu.Lock()
	i.adoptPaddingStream(state)
	i.mu.Unlock()

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		if i.isClosed() {
			return writer.Write(header, payload, attrs)
		}
		return i.enqueue(state, header, payload, attrs)
	})
}

// UnbindLocalStream is called by Pion when a local stream is removed.
func (i *BWEInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	value, ok := i.streams.Load(info.SSRC)
	if !ok {
		return
	}
	i.removeStream(value.(*streamState))
}

// adoptPaddingStream selects s for padding if none is selected yet. Called
// with i.mu held.
func (i *BWEInterceptor) adoptPaddingStream(s *streamState) {
	if i.padding != nil {
		return
	}
	switch {
	case i.paddingSSRC != 0:
		i.padding = &paddingStream{ssrc: i.paddingSSRC, payloadType: s.payloadType, stream: s}
	case s.rtxSSRC != 0:
		i.padding = &paddingStream{ssrc: s.rtxSSRC, payloadType: s.rtxPayload, stream: s}
	default:
		return
	}
	i.padding.seq = uint16(rand.Uint32())
}

func (i *BWEInterceptor) removeStream(s *streamState) {
	for _, ssrc := range []uint32{s.ssrc, s.rtxSSRC, s.fecSSRC} {
		if ssrc != 0 {
			i.streams.CompareAndDelete(ssrc, s)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.highest, s.ssrc)
	delete(i.highest, s.rtxSSRC)
	delete(i.highest, s.fecSSRC)
	if i.padding != nil && i.padding.stream == s {
		i.padding = nil
		i.streams.Range(func(_, value any) bool {
			i.adoptPaddingStream(value.(*streamState))
			return i.padding == nil
		})
	}
}

// enqueue assigns the next transport-wide sequence number to a packet and
// hands it to the pacer. The header and payload are copied, so the caller
// may reuse them once enqueue returns.
func (i *BWEInterceptor) enqueue(s *streamState, header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
	now := i.clock.Now()
	s.UpdateLastPacket(now)
	if header.SSRC == s.ssrc {
		s.lastTimestamp.Store(header.Timestamp)
	}

	seq := uint16(i.nextSeq.Add(1) - 1)
	p := getPending(payload)
	p.header = header.Clone()
	p.attrs = attrs
	p.stream = s

	if s.transportCCID != 0 {
		ext, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
		if err == nil {
			err = p.header.SetExtension(s.transportCCID, ext)
		}
		if err != nil {
			putPending(p)
			return 0, err
		}
	}
	if s.absSendTimeID != 0 {
		// Reserve the space so the size is right; the value is written
		// when the packet leaves the pacer.
		if err := p.header.SetExtension(s.absSendTimeID, make([]byte, 3)); err != nil {
			putPending(p)
			return 0, err
		}
	}
	size := p.header.MarshalSize() + len(p.payload)
	priority, retransmission := s.classify(header.SSRC)

	i.mu.Lock()
	if old, ok := i.pending[seq]; ok {
		// the sequence space wrapped while a packet was still queued
		putPending(old)
	}
	i.pending[seq] = p
	i.mu.Unlock()

	i.controller.AddPacket(header.SSRC, seq, size, now, priority, retransmission)
	return size, nil
}

// SendPacket writes a packet released by the pacer. Packets whose write
// fails are dropped; they are never retried.
func (i *BWEInterceptor) SendPacket(_ uint32, seq uint16, _ time.Time, _ bool, _ int) bool {
	i.mu.Lock()
	p, ok := i.pending[seq]
	delete(i.pending, seq)
	i.mu.Unlock()
	if !ok {
		return true
	}
	defer putPending(p)

	now := i.clock.Now()
	if id := p.stream.absSendTimeID; id != 0 {
		ext, err := rtp.NewAbsSendTimeExtension(now).Marshal()
		if err == nil {
			err = p.header.SetExtension(id, ext)
		}
		if err != nil {
			i.log.Warnf("abs-send-time for %d: %v", seq, err)
		}
	}
	if _, err := p.stream.writer.Write(&p.header, p.payload, p.attrs); err != nil {
		i.log.Debugf("write rtp packet %d failed: %v", seq, err)
		return true
	}
	i.controller.OnSentPacket(seq, now)
	return true
}

// SendPadding writes padding-only packets until at least bytes have been
// sent. Returns 0 if no padding stream is known.
func (i *BWEInterceptor) SendPadding(bytes int, probeClusterID int) int {
	i.mu.Lock()
	pad := i.padding
	i.mu.Unlock()
	if pad == nil || i.isClosed() {
		return 0
	}

	sent := 0
	for sent < bytes {
		n, err := i.sendPaddingPacket(pad, probeClusterID)
		if err != nil {
			i.log.Debugf("write padding failed: %v", err)
			break
		}
		sent += n
	}
	return sent
}

func (i *BWEInterceptor) sendPaddingPacket(pad *paddingStream, probeClusterID int) (int, error) {
	s := pad.stream
	seq := uint16(i.nextSeq.Add(1) - 1)
	header := rtp.Header{
		Version:        2,
		Padding:        true,
		PayloadType:    pad.payloadType,
		SequenceNumber: pad.seq,
		Timestamp:      s.lastTimestamp.Load(),
		SSRC:           pad.ssrc,
	}
	pad.seq++

	now := i.clock.Now()
	if s.transportCCID != 0 {
		ext, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
		if err != nil {
			return 0, err
		}
		if err := header.SetExtension(s.transportCCID, ext); err != nil {
			return 0, err
		}
	}
	if s.absSendTimeID != 0 {
		ext, err := rtp.NewAbsSendTimeExtension(now).Marshal()
		if err != nil {
			return 0, err
		}
		if err := header.SetExtension(s.absSendTimeID, ext); err != nil {
			return 0, err
		}
	}

	size := header.MarshalSize() + len(paddingPayload)
	i.controller.AddPaddingPacket(seq, size, probeClusterID)
	if _, err := s.writer.Write(&header, paddingPayload, nil); err != nil {
		return 0, err
	}
	i.controller.OnSentPacket(seq, now)
	return size, nil
}

// processRTCP feeds the congestion control relevant packets of a compound
// RTCP packet to the Controller. now is the wall clock time used for the
// LSR/DLSR round trip.
func (i *BWEInterceptor) processRTCP(pkts []rtcp.Packet, now time.Time) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerCC:
			if err := i.controller.OnTransportFeedbackRTCP(p); err != nil {
				i.log.Debugf("dropping transport feedback: %v", err)
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			est := bwe.ReceiverEstimateFromRTCP(p)
			i.controller.OnReceivedRTCPBandwidth(est.Bitrate, est.SSRCs)
		case *rtcp.ReceiverReport:
			i.onReceptionReports(p, now)
		case *rtcp.SenderReport:
			if len(p.Reports) > 0 {
				i.onReceptionReports(&rtcp.ReceiverReport{SSRC: p.SSRC, Reports: p.Reports}, now)
			}
		}
	}
}

func (i *BWEInterceptor) onReceptionReports(rr *rtcp.ReceiverReport, now time.Time) {
	i.mu.Lock()
	report, ok := bwe.LossReportFromRTCP(rr, now, i.isLocal, i.highest)
	i.mu.Unlock()
	if !ok {
		return
	}
	i.controller.OnReceiverReport(report.FractionLossQ8, report.RTT, report.Packets)
}

func (i *BWEInterceptor) isLocal(ssrc uint32) bool {
	_, ok := i.streams.Load(ssrc)
	return ok
}

// cleanupLoop runs periodically to remove inactive streams.
func (i *BWEInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed.Watch():
			return
		case <-ticker.C:
			i.cleanupInactiveStreams(i.clock.Now())
		}
	}
}

// cleanupInactiveStreams removes streams that have not sent a packet for
// longer than the configured stream timeout.
func (i *BWEInterceptor) cleanupInactiveStreams(now time.Time) {
	var idle []*streamState
	i.streams.Range(func(key, value any) bool {
		state := value.(*streamState)
		if key.(uint32) == state.ssrc && now.Sub(state.LastPacket()) > i.streamTimeout {
			idle = append(idle, state)
		}
		return true
	})
	for _, s := range idle {
		i.log.Debugf("removing inactive stream %d", s.ssrc)
		i.removeStream(s)
	}
}
