// Package testutil provides test utilities for the congestion controller:
// synthetic send-side traces, a bottleneck link model, YAML scenarios and a
// WebRTC-ready browser client.
package testutil

import (
	"time"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// TracePacketSize is the size of every packet the trace generators emit.
const TracePacketSize = 1200

// TracePacket is one packet of a synthetic trace as the sender and the
// receiver saw it.
type TracePacket struct {
	Sequence uint16
	SendTime time.Time

	// ArrivalTime is zero when the packet was lost.
	ArrivalTime time.Time

	Size int
}

// Lost reports whether the packet never arrived.
func (p TracePacket) Lost() bool {
	return p.ArrivalTime.IsZero()
}

// Trace is a run of packets with consecutive transport sequence numbers,
// in send order.
type Trace []TracePacket

// StableTrace generates packets sent every interval that all take the same
// one-way delay. Produces zero delay variation (normal usage).
func StableTrace(start time.Time, count int, interval, delay time.Duration) Trace {
	return delayTrace(start, count, interval, func(int) time.Duration { return delay })
}

// CongestingTrace generates packets whose one-way delay grows by growth per
// packet, as if a bottleneck queue were building. Produces positive delay
// variation (overuse signal).
func CongestingTrace(start time.Time, count int, interval, delay, growth time.Duration) Trace {
	return delayTrace(start, count, interval, func(i int) time.Duration {
		return delay + time.Duration(i)*growth
	})
}

// DrainingTrace generates packets whose one-way delay starts at delay+queued
// and shrinks by drain per packet until only delay is left. Produces
// negative delay variation (underuse signal).
func DrainingTrace(start time.Time, count int, interval, delay, queued, drain time.Duration) Trace {
	return delayTrace(start, count, interval, func(i int) time.Duration {
		return delay + max(0, queued-time.Duration(i)*drain)
	})
}

// BurstTrace generates bursts of perBurst packets spaced intraBurst apart,
// with interBurst between the last packet of a burst and the first of the
// next. Every packet takes the same one-way delay.
func BurstTrace(start time.Time, bursts, perBurst int, interBurst, intraBurst, delay time.Duration) Trace {
	trace := make(Trace, 0, bursts*perBurst)
	send := start
	for b := 0; b < bursts; b++ {
		for p := 0; p < perBurst; p++ {
			trace = append(trace, TracePacket{
				Sequence:    uint16(len(trace)),
				SendTime:    send,
				ArrivalTime: send.Add(delay),
				Size:        TracePacketSize,
			})
			if p < perBurst-1 {
				send = send.Add(intraBurst)
			}
		}
		send = send.Add(interBurst)
	}
	return trace
}

func delayTrace(start time.Time, count int, interval time.Duration, delay func(i int) time.Duration) Trace {
	trace := make(Trace, count)
	for i := range trace {
		send := start.Add(time.Duration(i) * interval)
		trace[i] = TracePacket{
			Sequence:    uint16(i),
			SendTime:    send,
			ArrivalTime: send.Add(delay(i)),
			Size:        TracePacketSize,
		}
	}
	return trace
}

// WithSequenceBase returns a copy of t renumbered from base, wrapping at
// 2^16.
func (t Trace) WithSequenceBase(base uint16) Trace {
	out := make(Trace, len(t))
	for i, p := range t {
		p.Sequence = base + uint16(i)
		out[i] = p
	}
	return out
}

// WithLoss returns a copy of t where every n-th packet (counting from 1) is
// lost.
func (t Trace) WithLoss(n int) Trace {
	out := make(Trace, len(t))
	copy(out, t)
	if n <= 0 {
		return out
	}
	for i := n - 1; i < len(out); i += n {
		out[i].ArrivalTime = time.Time{}
	}
	return out
}

// Split cuts t into consecutive batches of at most size packets.
func (t Trace) Split(size int) []Trace {
	if size <= 0 {
		return []Trace{t}
	}
	var batches []Trace
	for i := 0; i < len(t); i += size {
		batches = append(batches, t[i:min(i+size, len(t))])
	}
	return batches
}

// Feedback returns the received packets as a feedback vector, ready for
// DelayEstimator.IncomingPacketFeedbackVector.
func (t Trace) Feedback() []bwe.PacketFeedback {
	feedback := make([]bwe.PacketFeedback, 0, len(t))
	for _, p := range t {
		if p.Lost() {
			continue
		}
		feedback = append(feedback, bwe.PacketFeedback{
			Sequence:       p.Sequence,
			SendTime:       p.SendTime,
			ArrivalTime:    p.ArrivalTime,
			SizeBytes:      p.Size,
			ProbeClusterID: bwe.NoProbeCluster,
		})
	}
	return feedback
}

// Report encodes t as a transport feedback report. origin is the receiver's
// clock zero: the report's base time is the first arrival relative to it.
func (t Trace) Report(origin time.Time) bwe.FeedbackReport {
	var report bwe.FeedbackReport
	if len(t) == 0 {
		return report
	}
	report.BaseSequence = t[0].Sequence
	report.Status = make([]bwe.PacketStatus, len(t))

	var prev time.Time
	for i, p := range t {
		if p.Lost() {
			report.Status[i] = bwe.PacketNotReceived
			continue
		}
		report.Status[i] = bwe.PacketReceived
		if prev.IsZero() {
			report.BaseTime = p.ArrivalTime.Sub(origin) % bwe.FeedbackBaseTimeRange
			report.Deltas = append(report.Deltas, 0)
		} else {
			report.Deltas = append(report.Deltas, p.ArrivalTime.Sub(prev))
		}
		prev = p.ArrivalTime
	}
	return report
}

// SendBitrate returns the average send bitrate of t in bits per second,
// or 0 if t spans no time.
func (t Trace) SendBitrate() int64 {
	if len(t) < 2 {
		return 0
	}
	span := t[len(t)-1].SendTime.Sub(t[0].SendTime)
	if span <= 0 {
		return 0
	}
	bytes := 0
	for _, p := range t[:len(t)-1] {
		bytes += p.Size
	}
	return int64(float64(bytes*8) / span.Seconds())
}
