package bwe

import (
	"time"
)

// Constants for the abs-send-time (AST) representation.
// The abs-send-time format is a 24-bit 6.18 fixed-point value
// representing seconds modulo 64.
const (
	// AbsSendTimeMax is the size of the 24-bit abs-send-time ring.
	// Values wrap around at this point (every 64 seconds).
	AbsSendTimeMax = 1 << 24 // 16777216

	// AbsSendTimeResolution is the time resolution of one abs-send-time unit.
	// With 18 bits for the fractional part: 1/2^18 = ~3.8 microseconds.
	AbsSendTimeResolution = 1.0 / (1 << 18) // ~3.8147e-6 seconds per unit

	// interArrivalShift upscales 24-bit send timestamps to 32 bits so that
	// plain uint32 subtraction wraps correctly.
	interArrivalShift = 8

	// sendTicksPerSecond is the resolution of the upscaled send timestamp.
	sendTicksPerSecond = 1 << (18 + interArrivalShift)
)

// FeedbackBaseTimeRange is the size of the ring a feedback report's base
// time lives in: a 24-bit reference time counted in 64 ms units.
const FeedbackBaseTimeRange = time.Duration(1<<24) * 64 * time.Millisecond

// AbsSendTime converts a point in time to the 24-bit abs-send-time format.
// Only the time since the Unix epoch modulo 64 s is preserved.
func AbsSendTime(t time.Time) uint32 {
	// 64 s is exactly one turn of the 24-bit ring
	us := uint64(t.UnixMicro()) % 64_000_000
	return uint32(((us<<18)+500_000)/1_000_000) & (AbsSendTimeMax - 1)
}

// AbsSendTimeToDuration converts a 24-bit abs-send-time value to a time.Duration.
// The value is interpreted as seconds using 6.18 fixed-point format.
//
// Example: value 262144 (1 << 18) equals exactly 1 second.
func AbsSendTimeToDuration(value uint32) time.Duration {
	seconds := float64(value) * AbsSendTimeResolution
	return time.Duration(seconds * float64(time.Second))
}

// UnwrapAbsSendTime computes the signed delta between two abs-send-time values,
// correctly handling wraparound at the 64-second boundary.
//
// A raw difference of more than half the range is interpreted as a jump
// across the wrap point in the opposite direction.
//
// Returns the signed delta in abs-send-time units (not seconds).
func UnwrapAbsSendTime(prev, curr uint32) int64 {
	diff := int32(curr) - int32(prev)

	// AbsSendTimeMax/2 = 8388608 units = 32 seconds
	halfRange := int32(AbsSendTimeMax / 2)

	if diff > halfRange {
		diff -= int32(AbsSendTimeMax)
	} else if diff < -halfRange {
		diff += int32(AbsSendTimeMax)
	}

	return int64(diff)
}

// sendTicks returns the upscaled 32-bit send timestamp used by the
// inter-arrival grouping.
func sendTicks(t time.Time) uint32 {
	return AbsSendTime(t) << interArrivalShift
}

// sendTicksDelta returns the modular difference curr-prev of two upscaled
// send timestamps.
func sendTicksDelta(prev, curr uint32) int32 {
	return int32(curr - prev)
}

// sendTicksToDuration converts a tick count produced by sendTicksDelta.
func sendTicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * int64(time.Second) / sendTicksPerSecond)
}

// durationToSendTicks converts a duration to upscaled send ticks.
func durationToSendTicks(d time.Duration) int64 {
	return int64(d) * sendTicksPerSecond / int64(time.Second)
}

// SeqIsNewer reports whether sequence number a is ahead of b in modular
// 16-bit order. Exactly half-range apart, the larger value wins.
func SeqIsNewer(a, b uint16) bool {
	if a-b == 0x8000 {
		return a > b
	}
	return a != b && a-b < 0x8000
}

// SeqDelta returns the signed distance from prev to curr in modular 16-bit order.
func SeqDelta(prev, curr uint16) int {
	return int(int16(curr - prev))
}

// SequenceUnwrapper maps 16-bit wrapping sequence numbers onto a monotonic
// 64-bit space. The first value seen becomes the base.
type SequenceUnwrapper struct {
	last    int64
	started bool
}

// Unwrap returns the 64-bit value for seq and advances the unwrapper.
func (u *SequenceUnwrapper) Unwrap(seq uint16) int64 {
	v := u.Peek(seq)
	if v > u.last || !u.started {
		u.last = v
	}
	u.started = true
	return v
}

// Peek returns the 64-bit value for seq without changing the unwrapper.
func (u *SequenceUnwrapper) Peek(seq uint16) int64 {
	if !u.started {
		return int64(seq)
	}
	return u.last + int64(SeqDelta(uint16(u.last), seq))
}

// UnwrapFeedbackBaseTime returns the signed distance from prev to curr,
// both inside [0, FeedbackBaseTimeRange), choosing the interpretation with
// the smaller magnitude.
func UnwrapFeedbackBaseTime(prev, curr time.Duration) time.Duration {
	delta := curr - prev
	if delta > FeedbackBaseTimeRange/2 {
		delta -= FeedbackBaseTimeRange
	} else if delta < -FeedbackBaseTimeRange/2 {
		delta += FeedbackBaseTimeRange
	}
	return delta
}
