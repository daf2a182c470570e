package bwe

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

// SendTimeHistoryConfig configures the rolling window of outgoing packets.
type SendTimeHistoryConfig struct {
	// Window is how long a record is kept before it is evicted, consumed or not.
	// Default: 10 s
	Window time.Duration

	// MaxPackets bounds the number of records; the oldest are evicted first.
	// Default: 8000
	MaxPackets int
}

// DefaultSendTimeHistoryConfig returns the default history configuration.
func DefaultSendTimeHistoryConfig() SendTimeHistoryConfig {
	return SendTimeHistoryConfig{
		Window:     10 * time.Second,
		MaxPackets: 8000,
	}
}

// SendTimeHistory remembers size, send time and probe cluster of every
// outgoing packet so that compact feedback can be turned back into full
// PacketFeedback records.
//
// Records are keyed by the unwrapped transport-wide sequence number. All
// methods are safe for concurrent use; the mutex is held only for a single
// insert or lookup.
type SendTimeHistory struct {
	config SendTimeHistoryConfig
	clock  internal.Clock

	mu        sync.Mutex
	unwrapper SequenceUnwrapper
	records   map[int64]*PacketRecord
	order     deque.Deque[int64] // unwrapped sequence numbers, oldest first
}

// NewSendTimeHistory creates an empty history.
// If clock is nil, a default MonotonicClock is used.
func NewSendTimeHistory(config SendTimeHistoryConfig, clock internal.Clock) *SendTimeHistory {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	if config.Window <= 0 {
		config.Window = 10 * time.Second
	}
	if config.MaxPackets <= 0 {
		config.MaxPackets = 8000
	}
	return &SendTimeHistory{
		config:  config,
		clock:   clock,
		records: make(map[int64]*PacketRecord),
	}
}

// AddPacket records a packet that is about to be handed to the pacer.
// Adding a sequence number that is already present replaces the record.
func (h *SendTimeHistory) AddPacket(seq uint16, size int, probeClusterID int) {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.unwrapper.Unwrap(seq)
	if _, ok := h.records[key]; !ok {
		h.order.PushBack(key)
	}
	h.records[key] = &PacketRecord{
		Sequence:       seq,
		SizeBytes:      size,
		ProbeClusterID: probeClusterID,
		CreatedAt:      now,
	}
	h.evict(now)
}

// OnSentPacket stamps the send time of a packet. If the same sequence is
// stamped twice the later stamp wins. Returns false if the packet is unknown.
func (h *SendTimeHistory) OnSentPacket(seq uint16, sendTime time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[h.unwrapper.Peek(seq)]
	if !ok {
		return false
	}
	rec.SendTime = sendTime
	return true
}

// SetProbeCluster tags a packet as belonging to a probe cluster.
// Returns false if the packet is unknown.
func (h *SendTimeHistory) SetProbeCluster(seq uint16, clusterID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[h.unwrapper.Peek(seq)]
	if !ok {
		return false
	}
	rec.ProbeClusterID = clusterID
	return true
}

// GetInfo looks up a packet. With remove set the record is consumed.
func (h *SendTimeHistory) GetInfo(seq uint16, remove bool) (PacketRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.unwrapper.Peek(seq)
	rec, ok := h.records[key]
	if !ok {
		return PacketRecord{}, false
	}
	if remove {
		// the order deque entry is dropped lazily by evict
		delete(h.records, key)
	}
	return *rec, true
}

// Len returns the number of records currently held.
func (h *SendTimeHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// evict drops records that are older than the window or beyond the maximum
// count, oldest first. Caller holds h.mu.
func (h *SendTimeHistory) evict(now time.Time) {
	for h.order.Len() > 0 {
		key := h.order.Front()
		rec, ok := h.records[key]
		switch {
		case !ok:
			// already consumed by feedback
		case len(h.records) > h.config.MaxPackets:
			delete(h.records, key)
		case now.Sub(h.referenceTime(rec)) > h.config.Window:
			delete(h.records, key)
		default:
			return
		}
		h.order.PopFront()
	}
}

// referenceTime is the time a record's age is measured from.
func (h *SendTimeHistory) referenceTime(rec *PacketRecord) time.Time {
	if rec.Sent() {
		return rec.SendTime
	}
	return rec.CreatedAt
}
