package testutil

import (
	"math/rand/v2"
	"time"
)

// CapacityStep sets the link capacity from At (relative to the link's
// start) until the next step.
type CapacityStep struct {
	At      time.Duration `yaml:"at"`
	Bitrate int64         `yaml:"bitrate"`
}

// LinkConfig configures a simulated bottleneck link.
type LinkConfig struct {
	// Propagation is added to every delivered packet after serialization.
	Propagation time.Duration `yaml:"propagation"`

	// QueueLimit is the longest a packet may wait for the link before it
	// is tail-dropped. Zero means an unbounded queue.
	QueueLimit time.Duration `yaml:"queue_limit"`

	// Loss is the probability of a random loss, independent of the queue.
	Loss float64 `yaml:"loss"`

	// Schedule lists capacity changes sorted by At. Before the first step
	// the first step's bitrate applies.
	Schedule []CapacityStep `yaml:"schedule"`
}

// LinkStats counts what happened to the packets offered to a Link.
type LinkStats struct {
	Sent      int
	Delivered int
	Dropped   int
	Lost      int
	Bytes     int
}

// Link is a deterministic single-queue bottleneck: packets are serialized
// at the scheduled capacity, wait behind earlier packets, are dropped when
// the wait exceeds the queue limit, and arrive after the propagation delay.
//
// Not safe for concurrent use.
type Link struct {
	config    LinkConfig
	start     time.Time
	rng       *rand.Rand
	busyUntil time.Time
	stats     LinkStats
}

// NewLink creates a link whose schedule starts at start. Random losses are
// drawn from a PCG source seeded with seed.
func NewLink(config LinkConfig, start time.Time, seed uint64) *Link {
	return &Link{
		config: config,
		start:  start,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Capacity returns the scheduled capacity at now, or 0 for an
// unconstrained link.
func (l *Link) Capacity(now time.Time) int64 {
	if len(l.config.Schedule) == 0 {
		return 0
	}
	elapsed := now.Sub(l.start)
	capacity := l.config.Schedule[0].Bitrate
	for _, step := range l.config.Schedule {
		if step.At > elapsed {
			break
		}
		capacity = step.Bitrate
	}
	return capacity
}

// QueueDelay returns how long a packet offered at now would wait before
// its serialization starts.
func (l *Link) QueueDelay(now time.Time) time.Duration {
	if l.busyUntil.After(now) {
		return l.busyUntil.Sub(now)
	}
	return 0
}

// Send offers a packet of size bytes at now and returns its arrival time.
// ok is false when the packet was dropped or lost.
func (l *Link) Send(size int, now time.Time) (arrival time.Time, ok bool) {
	l.stats.Sent++

	wait := l.QueueDelay(now)
	if l.config.QueueLimit > 0 && wait > l.config.QueueLimit {
		l.stats.Dropped++
		return time.Time{}, false
	}

	var serialization time.Duration
	if capacity := l.Capacity(now); capacity > 0 {
		serialization = time.Duration(int64(size) * 8 * int64(time.Second) / capacity)
	}
	l.busyUntil = now.Add(wait + serialization)

	if l.config.Loss > 0 && l.rng.Float64() < l.config.Loss {
		l.stats.Lost++
		return time.Time{}, false
	}
	l.stats.Delivered++
	l.stats.Bytes += size
	return l.busyUntil.Add(l.config.Propagation), true
}

// Stats returns the counters so far.
func (l *Link) Stats() LinkStats {
	return l.stats
}
