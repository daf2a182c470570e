package bwe

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

// DefaultStaleFeedbackAge is how far behind the newest report a feedback
// report's base time may lie before it is discarded.
const DefaultStaleFeedbackAge = 30 * time.Second

// FeedbackReport is a parsed transport feedback report: a run of
// consecutive sequence numbers starting at BaseSequence, a status per
// packet, and one arrival delta per received packet.
//
// The first delta is relative to BaseTime, every following delta is
// relative to the previous received packet.
type FeedbackReport struct {
	BaseSequence uint16

	// BaseTime lives in a ring of FeedbackBaseTimeRange.
	BaseTime time.Duration

	Status []PacketStatus
	Deltas []time.Duration
}

// FeedbackAdapter turns FeedbackReports into time-sorted PacketFeedback
// vectors on the local timebase by joining them with the SendTimeHistory.
//
// OnFeedback is meant to be called from a single goroutine (the network
// thread); the counters may be read from anywhere.
type FeedbackAdapter struct {
	history  *SendTimeHistory
	clock    internal.Clock
	log      logging.LeveledLogger
	staleAge time.Duration

	haveBase     bool
	localBase    time.Time
	lastBaseTime time.Duration
	// offset is the unwrapped distance of the newest base time from the first one
	offset time.Duration

	lostLookups atomic.Uint64
	reports     atomic.Uint64
}

// NewFeedbackAdapter creates an adapter reading from history.
// If clock is nil, a default MonotonicClock is used. If loggerFactory is nil,
// the pion default logger factory is used.
func NewFeedbackAdapter(history *SendTimeHistory, clock internal.Clock, loggerFactory logging.LoggerFactory) *FeedbackAdapter {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &FeedbackAdapter{
		history:  history,
		clock:    clock,
		log:      loggerFactory.NewLogger("gcc_feedback"),
		staleAge: DefaultStaleFeedbackAge,
	}
}

// SetStaleAge overrides DefaultStaleFeedbackAge.
func (a *FeedbackAdapter) SetStaleAge(d time.Duration) {
	if d > 0 {
		a.staleAge = d
	}
}

// OnFeedback converts a report into a PacketFeedback vector sorted by
// (arrival, send, sequence). Packets missing from the history, or never
// sent, are dropped and counted.
//
// Returns ErrMalformedFeedback if the delta count does not match the
// received symbols, and ErrStaleFeedback if the report's base time lies
// more than the stale age behind the newest report.
func (a *FeedbackAdapter) OnFeedback(report FeedbackReport) ([]PacketFeedback, error) {
	received := 0
	for _, s := range report.Status {
		if s == PacketReceived {
			received++
		}
	}
	if received != len(report.Deltas) {
		a.log.Warnf("discarding feedback: %d received symbols, %d deltas", received, len(report.Deltas))
		return nil, fmt.Errorf("%w: %d received symbols, %d deltas", ErrMalformedFeedback, received, len(report.Deltas))
	}
	if report.BaseTime < 0 || report.BaseTime >= FeedbackBaseTimeRange {
		return nil, fmt.Errorf("%w: base time %v out of range", ErrMalformedFeedback, report.BaseTime)
	}

	base, err := a.resolveBase(report.BaseTime)
	if err != nil {
		return nil, err
	}
	a.reports.Add(1)

	feedback := make([]PacketFeedback, 0, received)
	arrival := base
	di := 0
	for i, s := range report.Status {
		if s != PacketReceived {
			continue
		}
		arrival = arrival.Add(report.Deltas[di])
		di++

		seq := report.BaseSequence + uint16(i)
		rec, ok := a.history.GetInfo(seq, true)
		if !ok || !rec.Sent() {
			a.lostLookups.Add(1)
			a.log.Tracef("no send time for sequence %d", seq)
			continue
		}
		feedback = append(feedback, PacketFeedback{
			Sequence:       seq,
			SendTime:       rec.SendTime,
			ArrivalTime:    arrival,
			SizeBytes:      rec.SizeBytes,
			ProbeClusterID: rec.ProbeClusterID,
		})
	}

	slices.SortStableFunc(feedback, comparePacketFeedback)
	return feedback, nil
}

// resolveBase maps a report's base time onto the local clock, compensating
// for wraparound of the base time ring.
func (a *FeedbackAdapter) resolveBase(baseTime time.Duration) (time.Time, error) {
	if !a.haveBase {
		a.haveBase = true
		a.localBase = a.clock.Now()
		a.lastBaseTime = baseTime
		a.offset = 0
		return a.localBase, nil
	}

	delta := UnwrapFeedbackBaseTime(a.lastBaseTime, baseTime)
	if delta < -a.staleAge {
		a.log.Debugf("discarding feedback %v behind the newest report", -delta)
		return time.Time{}, fmt.Errorf("%w: %v behind newest report", ErrStaleFeedback, -delta)
	}
	if delta > 0 {
		a.lastBaseTime = baseTime
		a.offset += delta
		return a.localBase.Add(a.offset), nil
	}
	// reordered report: resolve relative to the newest base without moving it
	return a.localBase.Add(a.offset + delta), nil
}

// LostLookups returns the number of received packets whose send record
// could not be found.
func (a *FeedbackAdapter) LostLookups() uint64 {
	return a.lostLookups.Load()
}

// Reports returns the number of feedback reports accepted.
func (a *FeedbackAdapter) Reports() uint64 {
	return a.reports.Load()
}

func comparePacketFeedback(x, y PacketFeedback) int {
	if c := x.ArrivalTime.Compare(y.ArrivalTime); c != 0 {
		return c
	}
	if c := x.SendTime.Compare(y.SendTime); c != 0 {
		return c
	}
	return cmp.Compare(SeqDelta(y.Sequence, x.Sequence), 0)
}
