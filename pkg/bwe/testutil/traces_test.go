package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

var traceStart = time.Unix(1_700_000_000, 0)

func ms(d int) time.Duration { return time.Duration(d) * time.Millisecond }

func TestTraceGenerators(t *testing.T) {
	tests := []struct {
		name   string
		trace  Trace
		delays []time.Duration
	}{
		{"stable", StableTrace(traceStart, 3, ms(10), ms(40)), []time.Duration{ms(40), ms(40), ms(40)}},
		{"congesting", CongestingTrace(traceStart, 3, ms(10), ms(40), ms(5)), []time.Duration{ms(40), ms(45), ms(50)}},
		{"draining", DrainingTrace(traceStart, 4, ms(10), ms(40), ms(20), ms(8)), []time.Duration{ms(60), ms(52), ms(44), ms(40)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.trace, len(tt.delays))
			for i, p := range tt.trace {
				if p.Sequence != uint16(i) {
					t.Errorf("packet %d: sequence %d", i, p.Sequence)
				}
				if want := traceStart.Add(time.Duration(i) * ms(10)); !p.SendTime.Equal(want) {
					t.Errorf("packet %d: send time %v, want %v", i, p.SendTime, want)
				}
				if got := p.ArrivalTime.Sub(p.SendTime); got != tt.delays[i] {
					t.Errorf("packet %d: delay %v, want %v", i, got, tt.delays[i])
				}
				if p.Size != TracePacketSize {
					t.Errorf("packet %d: size %d", i, p.Size)
				}
			}
		})
	}
}

func TestBurstTrace(t *testing.T) {
	trace := BurstTrace(traceStart, 2, 3, ms(50), ms(1), ms(30))
	require.Len(t, trace, 6)

	wantSend := []time.Duration{0, ms(1), ms(2), ms(52), ms(53), ms(54)}
	for i, p := range trace {
		assert.Equal(t, wantSend[i], p.SendTime.Sub(traceStart), "packet %d", i)
		assert.Equal(t, ms(30), p.ArrivalTime.Sub(p.SendTime), "packet %d", i)
	}
}

func TestTrace_WithLossAndSequenceBase(t *testing.T) {
	base := StableTrace(traceStart, 6, ms(10), ms(40))
	lossy := base.WithLoss(3)

	var lost []int
	for i, p := range lossy {
		if p.Lost() {
			lost = append(lost, i)
		}
	}
	assert.Equal(t, []int{2, 5}, lost)
	assert.False(t, base[2].Lost(), "the original trace is untouched")
	assert.Len(t, lossy.Feedback(), 4)

	wrapped := base.WithSequenceBase(65534)
	assert.Equal(t, uint16(65534), wrapped[0].Sequence)
	assert.Equal(t, uint16(0), wrapped[2].Sequence)
	assert.Equal(t, uint16(0), base[0].Sequence)
}

func TestTrace_Split(t *testing.T) {
	batches := StableTrace(traceStart, 25, ms(10), ms(40)).Split(10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[2], 5)
	assert.Equal(t, uint16(20), batches[2][0].Sequence)
}

func TestTrace_SendBitrate(t *testing.T) {
	// 1200 bytes every 10 ms
	assert.Equal(t, int64(960_000), StableTrace(traceStart, 11, ms(10), ms(40)).SendBitrate())
	assert.Zero(t, Trace{}.SendBitrate())
}

func TestTrace_Report(t *testing.T) {
	trace := StableTrace(traceStart, 5, ms(10), ms(40)).WithSequenceBase(100).WithLoss(2)
	report := trace.Report(traceStart)

	assert.Equal(t, uint16(100), report.BaseSequence)
	assert.Equal(t, ms(40), report.BaseTime)
	assert.Equal(t, []bwe.PacketStatus{
		bwe.PacketReceived, bwe.PacketNotReceived,
		bwe.PacketReceived, bwe.PacketNotReceived,
		bwe.PacketReceived,
	}, report.Status)
	assert.Equal(t, []time.Duration{0, ms(20), ms(20)}, report.Deltas)
}

// TestTrace_ReportThroughAdapter checks that reports built from a trace
// resolve back to the trace's arrival times.
func TestTrace_ReportThroughAdapter(t *testing.T) {
	trace := StableTrace(traceStart, 20, ms(10), ms(40)).WithLoss(5)

	clock := internal.NewMockClock(traceStart)
	history := bwe.NewSendTimeHistory(bwe.DefaultSendTimeHistoryConfig(), clock)
	for _, p := range trace {
		history.AddPacket(p.Sequence, p.Size, bwe.NoProbeCluster)
		history.OnSentPacket(p.Sequence, p.SendTime)
	}

	adapter := bwe.NewFeedbackAdapter(history, clock, nil)
	// the first report maps its base time onto the local clock
	clock.Set(trace[0].ArrivalTime)

	var got []bwe.PacketFeedback
	for _, batch := range trace.Split(10) {
		fb, err := adapter.OnFeedback(batch.Report(traceStart))
		require.NoError(t, err)
		got = append(got, fb...)
	}

	want := trace.Feedback()
	require.Len(t, got, len(want))
	for i := range want {
		if got[i].Sequence != want[i].Sequence {
			t.Errorf("feedback %d: sequence %d, want %d", i, got[i].Sequence, want[i].Sequence)
		}
		if !got[i].ArrivalTime.Equal(want[i].ArrivalTime) {
			t.Errorf("feedback %d: arrival %v, want %v", i, got[i].ArrivalTime, want[i].ArrivalTime)
		}
		if !got[i].SendTime.Equal(want[i].SendTime) {
			t.Errorf("feedback %d: send %v, want %v", i, got[i].SendTime, want[i].SendTime)
		}
	}
	assert.Zero(t, adapter.LostLookups())
}
