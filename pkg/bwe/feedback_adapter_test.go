package bwe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

type adapterFixture struct {
	clock   *internal.MockClock
	history *SendTimeHistory
	adapter *FeedbackAdapter
}

func newAdapterFixture() *adapterFixture {
	clock := internal.NewMockClock(testEpoch)
	history := NewSendTimeHistory(DefaultSendTimeHistoryConfig(), clock)
	return &adapterFixture{
		clock:   clock,
		history: history,
		adapter: NewFeedbackAdapter(history, clock, nil),
	}
}

// send records and stamps packets first..first+n-1, 5 ms apart.
func (f *adapterFixture) send(first uint16, n int, size int) {
	for i := 0; i < n; i++ {
		seq := first + uint16(i)
		f.history.AddPacket(seq, size+i, NoProbeCluster)
		f.history.OnSentPacket(seq, f.clock.Now())
		f.clock.Advance(5 * time.Millisecond)
	}
}

// allReceived builds a report for n consecutive packets, each received
// delta after the previous one.
func allReceived(base uint16, n int, baseTime, delta time.Duration) FeedbackReport {
	r := FeedbackReport{BaseSequence: base, BaseTime: baseTime}
	for i := 0; i < n; i++ {
		r.Status = append(r.Status, PacketReceived)
		r.Deltas = append(r.Deltas, delta)
	}
	return r
}

func TestFeedbackAdapter_RoundTrip(t *testing.T) {
	f := newAdapterFixture()
	f.send(100, 10, 1000)

	feedback, err := f.adapter.OnFeedback(allReceived(100, 10, time.Second, 5*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, feedback, 10)

	for i, fb := range feedback {
		assert.Equal(t, uint16(100+i), fb.Sequence)
		assert.Equal(t, 1000+i, fb.SizeBytes, "size must survive the round trip")
		assert.Equal(t, at(float64(5*i)), fb.SendTime)
		assert.Equal(t, NoProbeCluster, fb.ProbeClusterID)
	}
	assert.Equal(t, uint64(1), f.adapter.Reports())
	assert.Zero(t, f.adapter.LostLookups())

	// a duplicate report finds nothing left to join
	feedback, err = f.adapter.OnFeedback(allReceived(100, 10, time.Second, 5*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, feedback)
	assert.Equal(t, uint64(10), f.adapter.LostLookups())
}

func TestFeedbackAdapter_ArrivalTimes(t *testing.T) {
	f := newAdapterFixture()
	f.send(0, 3, 500)
	local := f.clock.Now()

	report := FeedbackReport{
		BaseSequence: 0,
		BaseTime:     640 * time.Millisecond,
		Status:       []PacketStatus{PacketReceived, PacketReceived, PacketReceived},
		Deltas:       []time.Duration{2 * time.Millisecond, 7 * time.Millisecond, 4 * time.Millisecond},
	}
	feedback, err := f.adapter.OnFeedback(report)
	require.NoError(t, err)
	require.Len(t, feedback, 3)

	// the first report anchors the remote base time to the local clock
	assert.Equal(t, local.Add(2*time.Millisecond), feedback[0].ArrivalTime)
	assert.Equal(t, local.Add(9*time.Millisecond), feedback[1].ArrivalTime)
	assert.Equal(t, local.Add(13*time.Millisecond), feedback[2].ArrivalTime)
}

func TestFeedbackAdapter_BaseTimeWrap(t *testing.T) {
	f := newAdapterFixture()
	f.send(0, 2, 500)

	first, err := f.adapter.OnFeedback(allReceived(0, 1, FeedbackBaseTimeRange-2*time.Millisecond, 0))
	require.NoError(t, err)
	second, err := f.adapter.OnFeedback(allReceived(1, 1, 3*time.Millisecond, 0))
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, 5*time.Millisecond, second[0].ArrivalTime.Sub(first[0].ArrivalTime))
}

func TestFeedbackAdapter_ReorderedReport(t *testing.T) {
	f := newAdapterFixture()
	f.send(0, 2, 500)

	newer, err := f.adapter.OnFeedback(allReceived(1, 1, time.Second, 0))
	require.NoError(t, err)
	older, err := f.adapter.OnFeedback(allReceived(0, 1, 900*time.Millisecond, 0))
	require.NoError(t, err)

	require.Len(t, older, 1)
	assert.Equal(t, -100*time.Millisecond, older[0].ArrivalTime.Sub(newer[0].ArrivalTime))
}

func TestFeedbackAdapter_SortedByArrival(t *testing.T) {
	f := newAdapterFixture()
	f.send(0, 3, 500)

	// packet 1 overtook packet 0
	report := FeedbackReport{
		BaseSequence: 0,
		BaseTime:     time.Second,
		Status:       []PacketStatus{PacketReceived, PacketReceived, PacketReceived},
		Deltas:       []time.Duration{10 * time.Millisecond, -4 * time.Millisecond, 8 * time.Millisecond},
	}
	feedback, err := f.adapter.OnFeedback(report)
	require.NoError(t, err)
	require.Len(t, feedback, 3)

	assert.Equal(t, []uint16{1, 0, 2}, []uint16{feedback[0].Sequence, feedback[1].Sequence, feedback[2].Sequence})
	for i := 1; i < len(feedback); i++ {
		assert.False(t, feedback[i].ArrivalTime.Before(feedback[i-1].ArrivalTime))
	}
}

func TestFeedbackAdapter_MissingPackets(t *testing.T) {
	f := newAdapterFixture()
	f.send(0, 2, 500)
	// queued but never sent
	f.history.AddPacket(2, 500, NoProbeCluster)

	report := FeedbackReport{
		BaseSequence: 0,
		BaseTime:     time.Second,
		Status:       []PacketStatus{PacketReceived, PacketNotReceived, PacketReceived, PacketReceived},
		Deltas:       []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
	feedback, err := f.adapter.OnFeedback(report)
	require.NoError(t, err)

	require.Len(t, feedback, 1, "only packet 0 was both sent and received")
	assert.Equal(t, uint16(0), feedback[0].Sequence)
	// 2 was unsent, 3 was never recorded
	assert.Equal(t, uint64(2), f.adapter.LostLookups())
}

func TestFeedbackAdapter_ProbeClusterCarried(t *testing.T) {
	f := newAdapterFixture()
	f.history.AddPacket(0, 800, NoProbeCluster)
	f.history.SetProbeCluster(0, 3)
	f.history.OnSentPacket(0, f.clock.Now())

	feedback, err := f.adapter.OnFeedback(allReceived(0, 1, 0, time.Millisecond))
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, 3, feedback[0].ProbeClusterID)
}

func TestFeedbackAdapter_Errors(t *testing.T) {
	tests := []struct {
		name   string
		report FeedbackReport
		want   error
	}{
		{
			name: "fewer deltas than received symbols",
			report: FeedbackReport{
				Status: []PacketStatus{PacketReceived, PacketReceived},
				Deltas: []time.Duration{time.Millisecond},
			},
			want: ErrMalformedFeedback,
		},
		{
			name: "deltas for lost packets",
			report: FeedbackReport{
				Status: []PacketStatus{PacketNotReceived},
				Deltas: []time.Duration{time.Millisecond},
			},
			want: ErrMalformedFeedback,
		},
		{
			name:   "base time out of range",
			report: FeedbackReport{BaseTime: FeedbackBaseTimeRange},
			want:   ErrMalformedFeedback,
		},
		{
			name:   "negative base time",
			report: FeedbackReport{BaseTime: -time.Millisecond},
			want:   ErrMalformedFeedback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdapterFixture()
			feedback, err := f.adapter.OnFeedback(tt.report)
			assert.Nil(t, feedback)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Zero(t, f.adapter.Reports())
		})
	}
}

func TestFeedbackAdapter_StaleReport(t *testing.T) {
	f := newAdapterFixture()
	f.adapter.SetStaleAge(10 * time.Second)

	_, err := f.adapter.OnFeedback(allReceived(0, 0, 60*time.Second, 0))
	require.NoError(t, err)

	_, err = f.adapter.OnFeedback(allReceived(0, 0, 45*time.Second, 0))
	assert.ErrorIs(t, err, ErrStaleFeedback)

	_, err = f.adapter.OnFeedback(allReceived(0, 0, 55*time.Second, 0))
	assert.NoError(t, err, "inside the stale age")
	assert.Equal(t, uint64(2), f.adapter.Reports())
}

func TestComparePacketFeedback(t *testing.T) {
	a := PacketFeedback{Sequence: 65535, SendTime: at(0), ArrivalTime: at(10)}
	b := PacketFeedback{Sequence: 0, SendTime: at(0), ArrivalTime: at(10)}
	c := PacketFeedback{Sequence: 1, SendTime: at(1), ArrivalTime: at(10)}

	assert.Negative(t, comparePacketFeedback(a, b), "wrapping sequence order breaks ties")
	assert.Negative(t, comparePacketFeedback(b, c), "send time before sequence")
	assert.Positive(t, comparePacketFeedback(c, PacketFeedback{ArrivalTime: at(9)}))
}
