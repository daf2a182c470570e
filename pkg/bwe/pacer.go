package bwe

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

// PacketSender emits packets on behalf of the Pacer. Both methods are
// called without any pacer lock held and may call back into the
// Controller.
type PacketSender interface {
	// SendPacket emits a queued media packet and reports whether it was
	// accepted. A refused packet stays at the head of its queue.
	SendPacket(ssrc uint32, seq uint16, captureTime time.Time, retransmission bool, probeClusterID int) bool

	// SendPadding emits up to bytes of padding and returns how many bytes
	// were actually sent.
	SendPadding(bytes int, probeClusterID int) int
}

// ProbeRequestSink accepts probe cluster requests and returns the id the
// probe packets will be tagged with.
type ProbeRequestSink interface {
	RequestProbe(bitrate int64, minPackets, minBytes int) int
}

// PacerConfig configures the Pacer.
type PacerConfig struct {
	// PaceMultiplier scales the target bitrate into the media budget rate.
	// Default: 2.5
	PaceMultiplier float64

	// Tick is the nominal processing interval; the media budget holds at
	// least one tick worth of bytes.
	// Default: 5 ms
	Tick time.Duration

	// MaxWakeup bounds NextWakeup.
	// Default: 10 ms
	MaxWakeup time.Duration

	// MaxElapsed caps the refill after a late Process call.
	// Default: 30 ms
	MaxElapsed time.Duration

	// MaxPacketSize is the smallest budget ceiling, so that a full packet
	// can always be sent at low rates.
	// Default: 1500
	MaxPacketSize int
}

// DefaultPacerConfig returns the default pacer configuration.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		PaceMultiplier: 2.5,
		Tick:           5 * time.Millisecond,
		MaxWakeup:      10 * time.Millisecond,
		MaxElapsed:     30 * time.Millisecond,
		MaxPacketSize:  1500,
	}
}

// Pacer smooths outgoing packets onto the network at a multiple of the
// target bitrate. Packets drain by strict priority, FIFO within a
// priority. An independent padding budget keeps the link busy when there
// is no media, and probe clusters bypass both budgets at their own rate.
//
// Enqueue never blocks; Process is driven by the owner, typically every
// NextWakeup. All methods are safe for concurrent use.
type Pacer struct {
	config PacerConfig
	sender PacketSender
	clock  internal.Clock
	log    logging.LeveledLogger

	// processMu serializes Process; mu guards the state below and is
	// released around calls into the sender.
	processMu sync.Mutex
	mu        sync.Mutex

	queue       *packetQueue
	media       pacingBudget
	padding     pacingBudget
	target      int64
	paddingRate int64
	paused      bool
	lastProcess time.Time

	prober *prober
	alr    *alrDetector
}

// NewPacer creates a paced sender. If clock is nil the monotonic clock is
// used; if loggerFactory is nil, the pion default logger factory is used.
func NewPacer(config PacerConfig, sender PacketSender, clock internal.Clock, loggerFactory logging.LoggerFactory) *Pacer {
	def := DefaultPacerConfig()
	if config.PaceMultiplier < 1 {
		config.PaceMultiplier = def.PaceMultiplier
	}
	if config.Tick <= 0 {
		config.Tick = def.Tick
	}
	if config.MaxWakeup <= 0 {
		config.MaxWakeup = def.MaxWakeup
	}
	if config.MaxElapsed <= 0 {
		config.MaxElapsed = def.MaxElapsed
	}
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = def.MaxPacketSize
	}
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Pacer{
		config:  config,
		sender:  sender,
		clock:   clock,
		log:     loggerFactory.NewLogger("gcc_pacer"),
		queue:   newPacketQueue(),
		media:   newPacingBudget(config.MaxPacketSize),
		padding: newPacingBudget(config.MaxPacketSize),
		prober:  newProber(),
		alr:     newALRDetector(),
	}
}

// Enqueue queues a packet descriptor. Retransmissions are always sent with
// PriorityHigh.
func (p *Pacer) Enqueue(priority Priority, ssrc uint32, seq uint16, captureTime time.Time, size int, retransmission bool) {
	if retransmission || priority < PriorityHigh {
		priority = PriorityHigh
	}
	if priority > PriorityLow {
		priority = PriorityLow
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.push(&queuedPacket{
		priority:       priority,
		ssrc:           ssrc,
		sequence:       seq,
		captureTime:    captureTime,
		enqueueTime:    now,
		size:           size,
		retransmission: retransmission,
	})
}

// SetPacingRates sets the target bitrate, which fills the media budget at
// PaceMultiplier times its rate, and the padding bitrate.
func (p *Pacer) SetPacingRates(target, padding int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = max(target, 0)
	p.paddingRate = max(padding, 0)
	p.media.setRate(int64(float64(p.target) * p.config.PaceMultiplier))
	p.padding.setRate(p.paddingRate)
	p.alr.setEstimatedBitrate(p.target)
}

// Pause stops sending until Resume. Packets keep queueing. Idempotent.
func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.log.Debug("paused")
}

// Resume restarts sending with empty budgets. Idempotent.
func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.media.reset()
	p.padding.reset()
	p.lastProcess = p.clock.Now()
	p.log.Debug("resumed")
}

// Paused reports whether the pacer is paused.
func (p *Pacer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// RequestProbe queues a probe cluster at bitrate and returns its id. The
// cluster is sent once earlier clusters have finished. A non-positive
// bitrate is rejected with NoProbeCluster.
func (p *Pacer) RequestProbe(bitrate int64, minPackets, minBytes int) int {
	if bitrate <= 0 {
		p.log.Warnf("probe at %d bps rejected", bitrate)
		return NoProbeCluster
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.prober.createCluster(bitrate, minPackets, minBytes, now)
	p.log.Debugf("probe cluster %d requested at %d bps", id, bitrate)
	return id
}

// Process refills the budgets for the time elapsed since the last call and
// sends whatever the budgets, the active probe cluster and the sender
// allow.
func (p *Pacer) Process() {
	p.processMu.Lock()
	defer p.processMu.Unlock()

	now := p.clock.Now()
	p.mu.Lock()
	var elapsed time.Duration
	if !p.lastProcess.IsZero() {
		elapsed = min(now.Sub(p.lastProcess), p.config.MaxElapsed)
	}
	p.lastProcess = now
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.media.refill(elapsed, p.config.Tick)
	p.padding.refill(elapsed, p.config.Tick)
	p.mu.Unlock()

	sentMedia, probed := p.processProbe(now)
	sentMedia += p.drainMedia()

	if sentMedia == 0 && !probed {
		p.sendPadding()
	}

	p.mu.Lock()
	if p.alr.onBytesSent(sentMedia, now) {
		if start, ok := p.alr.inALR(); ok {
			p.log.Debugf("application limited since %v", start)
		} else {
			p.log.Debug("application limited region ended")
		}
	}
	p.mu.Unlock()
}

// drainMedia sends queued packets while the head fits in the media budget.
func (p *Pacer) drainMedia() int {
	sent := 0
	for {
		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			return sent
		}
		pkt := p.queue.peek()
		if pkt == nil || pkt.size > p.media.bytesRemaining() {
			p.mu.Unlock()
			return sent
		}
		p.queue.pop()
		p.mu.Unlock()

		ok := p.sender.SendPacket(pkt.ssrc, pkt.sequence, pkt.captureTime, pkt.retransmission, NoProbeCluster)

		p.mu.Lock()
		if !ok {
			p.queue.pushFront(pkt)
			p.mu.Unlock()
			return sent
		}
		p.media.use(pkt.size)
		p.padding.use(pkt.size)
		p.mu.Unlock()
		sent += pkt.size
	}
}

// sendPadding spends the padding budget when the queue is empty.
func (p *Pacer) sendPadding() {
	p.mu.Lock()
	if p.paused || !p.queue.empty() {
		p.mu.Unlock()
		return
	}
	bytes := p.padding.bytesRemaining()
	p.mu.Unlock()
	if bytes <= 0 {
		return
	}

	sent := p.sender.SendPadding(bytes, NoProbeCluster)
	if sent <= 0 {
		return
	}
	p.mu.Lock()
	p.padding.use(sent)
	p.media.use(sent)
	p.mu.Unlock()
}

// processProbe sends the bytes due for the active probe cluster: queued
// media first, padding for the rest. It returns the media bytes sent and
// whether a cluster was serviced. A cluster for which nothing at all could
// be sent is abandoned.
func (p *Pacer) processProbe(now time.Time) (int, bool) {
	p.mu.Lock()
	cluster, ok := p.prober.current(now)
	if !ok {
		p.mu.Unlock()
		return 0, false
	}
	id := cluster.id
	due := p.prober.bytesDue(now)
	probeSize := cluster.probeSize()
	p.mu.Unlock()
	if due <= 0 {
		return 0, true
	}

	var sentMedia, sentTotal int
	for sentTotal < due {
		p.mu.Lock()
		if c, ok := p.prober.current(now); !ok || c.id != id || p.paused {
			p.mu.Unlock()
			break
		}
		pkt := p.queue.pop()
		p.mu.Unlock()

		var sent int
		if pkt != nil {
			if !p.sender.SendPacket(pkt.ssrc, pkt.sequence, pkt.captureTime, pkt.retransmission, id) {
				p.mu.Lock()
				p.queue.pushFront(pkt)
				p.mu.Unlock()
				break
			}
			sent = pkt.size
			sentMedia += sent
		} else {
			sent = p.sender.SendPadding(probeSize, id)
			if sent <= 0 {
				break
			}
		}
		sentTotal += sent

		p.mu.Lock()
		p.prober.probeSent(sent, now)
		p.media.use(sent)
		p.padding.use(sent)
		p.mu.Unlock()
	}

	if sentTotal == 0 {
		p.mu.Lock()
		if c, ok := p.prober.current(now); ok && c.id == id {
			p.prober.abandon()
			p.log.Warnf("probe cluster %d abandoned: nothing could be sent", id)
		}
		p.mu.Unlock()
	}
	return sentMedia, true
}

// NextWakeup returns how long the owner may wait before the next Process.
func (p *Pacer) NextWakeup() time.Duration {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	wakeup := p.config.MaxWakeup
	if !p.paused && (!p.queue.empty() || p.paddingRate > 0) {
		wakeup = min(wakeup, p.config.Tick)
	}
	if d, ok := p.prober.timeUntilNextProbe(now); ok && !p.paused {
		wakeup = min(wakeup, d)
	}
	return wakeup
}

// ExpectedQueueTime is the time needed to drain the queue at the current
// media budget rate.
func (p *Pacer) ExpectedQueueTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate := float64(p.target) * p.config.PaceMultiplier
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(p.queue.sizeBytes()) * 8 / rate * float64(time.Second))
}

// QueueTime returns how long the oldest queued packet has been waiting.
func (p *Pacer) QueueTime() time.Duration {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	oldest, ok := p.queue.oldestEnqueueTime()
	if !ok {
		return 0
	}
	return now.Sub(oldest)
}

// QueueSizePackets returns the number of queued packets.
func (p *Pacer) QueueSizePackets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.sizePackets()
}

// QueueSizeBytes returns the number of queued bytes.
func (p *Pacer) QueueSizeBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.sizeBytes()
}

// PendingProbes returns the number of probe clusters not yet finished.
func (p *Pacer) PendingProbes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prober.pending()
}

// ApplicationLimited reports whether the sender currently uses much less
// than the target, and since when.
func (p *Pacer) ApplicationLimited() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alr.inALR()
}
