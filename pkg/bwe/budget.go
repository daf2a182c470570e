package bwe

import "time"

// pacingBudget is a token bucket in bytes. It refills at a bitrate and is
// saturated at one refill interval worth of bytes, but never below a full
// packet so that slow rates can still send. The level never goes negative;
// overshoot is not carried into the next interval.
type pacingBudget struct {
	rate      int64 // bits per second
	remaining int   // bytes
	maxPacket int
}

func newPacingBudget(maxPacket int) pacingBudget {
	return pacingBudget{maxPacket: maxPacket}
}

// setRate changes the fill rate without touching the level. A zero rate
// empties the budget so nothing more is sent.
func (b *pacingBudget) setRate(bitrate int64) {
	b.rate = max(bitrate, 0)
	if b.rate == 0 {
		b.remaining = 0
	}
}

// refill adds rate*elapsed bytes, saturated at max(rate*elapsed,
// rate*tick, maxPacket).
func (b *pacingBudget) refill(elapsed, tick time.Duration) {
	if b.rate <= 0 || elapsed <= 0 {
		return
	}
	add := bytesFor(b.rate, elapsed)
	ceiling := max(add, bytesFor(b.rate, tick), b.maxPacket)
	b.remaining = min(b.remaining+add, ceiling)
}

// use debits n bytes, flooring at zero.
func (b *pacingBudget) use(n int) {
	b.remaining = max(b.remaining-n, 0)
}

func (b *pacingBudget) bytesRemaining() int {
	return b.remaining
}

func (b *pacingBudget) reset() {
	b.remaining = 0
}

// bytesFor returns the number of bytes sent at bitrate during d.
func bytesFor(bitrate int64, d time.Duration) int {
	return int(bitrate * int64(d) / int64(8*time.Second))
}

// intervalBudget is a signed byte budget over a sliding window. Unused
// budget accumulates up to one window, overuse is remembered down to
// minus one window. The ALR detector uses its fill ratio.
type intervalBudget struct {
	window    time.Duration
	rate      int64
	maxBytes  int
	remaining int
}

const intervalBudgetWindow = 500 * time.Millisecond

func newIntervalBudget(bitrate int64) intervalBudget {
	b := intervalBudget{window: intervalBudgetWindow}
	b.setRate(bitrate)
	return b
}

func (b *intervalBudget) setRate(bitrate int64) {
	b.rate = max(bitrate, 0)
	b.maxBytes = bytesFor(b.rate, b.window)
	b.remaining = max(-b.maxBytes, min(b.remaining, b.maxBytes))
}

func (b *intervalBudget) increase(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	b.remaining = min(b.remaining+bytesFor(b.rate, elapsed), b.maxBytes)
}

func (b *intervalBudget) use(n int) {
	b.remaining = max(b.remaining-n, -b.maxBytes)
}

// ratio returns remaining/max in [-1, 1], or 0 without a rate.
func (b *intervalBudget) ratio() float64 {
	if b.maxBytes <= 0 {
		return 0
	}
	return float64(b.remaining) / float64(b.maxBytes)
}
