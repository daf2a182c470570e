package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tracePacketSize = 1200

// feedbackTrace returns n packets sent every intervalMs that arrive 40 ms
// later plus extraMs(i).
func feedbackTrace(n int, intervalMs float64, extraMs func(i int) float64) []PacketFeedback {
	trace := make([]PacketFeedback, n)
	for i := range trace {
		send := float64(i) * intervalMs
		arrival := send + 40
		if extraMs != nil {
			arrival += extraMs(i)
		}
		trace[i] = PacketFeedback{
			Sequence:       uint16(i),
			SendTime:       at(send),
			ArrivalTime:    at(arrival),
			SizeBytes:      tracePacketSize,
			ProbeClusterID: NoProbeCluster,
		}
	}
	return trace
}

// queueBuildsFrom makes every packet from start on arrive 12 ms later than
// its predecessor relative to its send time.
func queueBuildsFrom(start int) func(int) float64 {
	return func(i int) float64 {
		return float64(max(0, i-start+1)) * 12
	}
}

// feedVectors delivers trace in vectors of size per, each processed at the
// arrival time of its last packet, and returns the per-vector results.
func feedVectors(e *DelayEstimator, trace []PacketFeedback, per int) []DelayBasedResult {
	var results []DelayBasedResult
	for i := 0; i < len(trace); i += per {
		end := min(i+per, len(trace))
		vector := trace[i:end]
		results = append(results, e.IncomingPacketFeedbackVector(vector, 0, vector[len(vector)-1].ArrivalTime))
	}
	return results
}

func scenarioEstimatorConfig() DelayEstimatorConfig {
	cfg := DefaultDelayEstimatorConfig()
	cfg.RateControllerConfig.MinBitrate = 100_000
	cfg.RateControllerConfig.InitialBitrate = 300_000
	cfg.RateControllerConfig.MaxBitrate = 2_000_000
	return cfg
}

func TestDelayEstimator_StableNetworkIncreases(t *testing.T) {
	e := NewDelayEstimator(scenarioEstimatorConfig(), nil)

	// 12 windows of 100 ms, identical send and arrival spacing
	results := feedVectors(e, feedbackTrace(120, 10, nil), 10)

	for i, r := range results {
		require.True(t, r.Updated, "window %d should update", i)
		if i > 0 && r.Target < results[i-1].Target {
			t.Fatalf("window %d: estimate decreased from %d to %d", i, results[i-1].Target, r.Target)
		}
	}
	assert.Equal(t, BwNormal, e.State())
	assert.Equal(t, RateIncrease, e.RateControlState())

	final := e.Estimate()
	assert.GreaterOrEqual(t, final, int64(1.08*300_000))
	assert.LessOrEqual(t, final, int64(1.5*float64(e.AcknowledgedBitrate())))
}

func TestDelayEstimator_AcknowledgedBitrate(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	feedVectors(e, feedbackTrace(100, 10, nil), 10)

	// 1200 B every 10 ms
	assert.InDelta(t, 960_000, e.AcknowledgedBitrate(), 15_000)
}

func TestDelayEstimator_CongestionDetected(t *testing.T) {
	tests := []struct {
		name   string
		filter FilterType
	}{
		{"kalman", FilterKalman},
		{"trendline", FilterTrendline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioEstimatorConfig()
			cfg.FilterType = tt.filter
			e := NewDelayEstimator(cfg, nil)

			trace := feedbackTrace(60, 10, queueBuildsFrom(30))
			detected := -1
			for i := 0; i < len(trace); i += 5 {
				vector := trace[i : i+5]
				acked := e.AcknowledgedBitrate()
				r := e.IncomingPacketFeedbackVector(vector, 0, vector[4].ArrivalTime)
				if e.State() != BwOverusing {
					continue
				}
				detected = int(vector[0].Sequence)
				require.True(t, r.Updated, "entering overuse must update immediately")
				acked = max(acked, e.AcknowledgedBitrate())
				assert.LessOrEqual(t, r.Target, int64(0.85*float64(acked)))
				break
			}
			require.NotEqual(t, -1, detected, "overuse never detected")
			assert.GreaterOrEqual(t, detected, 30, "no overuse before the queue builds")
		})
	}
}

func TestDelayEstimator_DecreaseTracksIncomingRate(t *testing.T) {
	cfg := DefaultDelayEstimatorConfig()
	cfg.RateControllerConfig.InitialBitrate = 2_000_000
	cfg.RateControllerConfig.MaxBitrate = 2_500_000
	e := NewDelayEstimator(cfg, nil)

	trace := feedbackTrace(60, 10, queueBuildsFrom(30))
	for i := 0; i < len(trace) && e.State() != BwOverusing; i += 5 {
		vector := trace[i : i+5]
		r := e.IncomingPacketFeedbackVector(vector, 0, vector[4].ArrivalTime)
		if e.State() == BwOverusing {
			assert.Equal(t, int64(0.85*float64(e.AcknowledgedBitrate())), r.Target)
		} else {
			assert.Equal(t, int64(2_000_000), e.Estimate(), "increase is capped by the incoming rate")
		}
	}
	require.Equal(t, BwOverusing, e.State())
	assert.Equal(t, RateHold, e.RateControlState())
	// the cut is far larger than the additive increase can win back quickly
	assert.Equal(t, 50*time.Second, e.ExpectedBandwidthPeriod())
}

func TestDelayEstimator_ProbeResult(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	trace := feedbackTrace(10, 10, nil)

	r := e.IncomingPacketFeedbackVector(trace, 900_000, trace[9].ArrivalTime)
	assert.True(t, r.Updated)
	assert.True(t, r.Probe)
	assert.Equal(t, int64(900_000), r.Target)
	assert.Equal(t, int64(900_000), e.Estimate())
}

func TestDelayEstimator_ProbeIgnoredWhileOverusing(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	trace := feedbackTrace(80, 10, queueBuildsFrom(30))

	i := 0
	for ; i < len(trace) && e.State() != BwOverusing; i += 5 {
		e.IncomingPacketFeedbackVector(trace[i:i+5], 0, trace[i+4].ArrivalTime)
	}
	require.Equal(t, BwOverusing, e.State())

	r := e.IncomingPacketFeedbackVector(trace[i:i+5], 5_000_000, trace[i+4].ArrivalTime)
	assert.False(t, r.Probe)
	assert.NotEqual(t, int64(5_000_000), e.Estimate())
}

func TestDelayEstimator_UpdateInterval(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)

	// vectors of 5 packets are 50 ms apart
	results := feedVectors(e, feedbackTrace(25, 10, nil), 5)
	want := []bool{true, false, true, false, true}
	for i, r := range results {
		if r.Updated != want[i] {
			t.Errorf("vector %d: Updated = %v, want %v", i, r.Updated, want[i])
		}
	}
}

func TestDelayEstimator_EmptyVector(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	r := e.IncomingPacketFeedbackVector(nil, 0, at(0))
	assert.Equal(t, DelayBasedResult{}, r)
	assert.Equal(t, int64(300_000), e.Estimate())
}

func TestDelayEstimator_StreamTimeoutResets(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	trace := feedbackTrace(60, 10, queueBuildsFrom(30))
	for i := 0; i < len(trace) && e.State() != BwOverusing; i += 5 {
		e.IncomingPacketFeedbackVector(trace[i:i+5], 0, trace[i+4].ArrivalTime)
	}
	require.Equal(t, BwOverusing, e.State())

	late := PacketFeedback{
		Sequence:       200,
		SendTime:       at(5000),
		ArrivalTime:    at(5040),
		SizeBytes:      tracePacketSize,
		ProbeClusterID: NoProbeCluster,
	}
	e.IncomingPacketFeedbackVector([]PacketFeedback{late}, 0, late.ArrivalTime)
	assert.Equal(t, BwNormal, e.State(), "detector state should reset after the stream timeout")
	assert.Equal(t, DefaultOveruseConfig().InitialThreshold, e.Threshold())
}

func TestDelayEstimator_BoundsAndStart(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)

	e.SetStartBitrate(500_000, at(0))
	assert.Equal(t, int64(500_000), e.Estimate())

	e.SetBounds(0, 400_000)
	assert.Equal(t, int64(400_000), e.Estimate())

	e.SetBounds(450_000, 0)
	assert.Equal(t, int64(450_000), e.Estimate())
}

func TestDelayEstimator_Reset(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), nil)
	feedVectors(e, feedbackTrace(60, 10, queueBuildsFrom(30)), 5)
	e.OnRTTUpdate(50*time.Millisecond, 0)

	e.Reset()
	assert.Equal(t, BwNormal, e.State())
	assert.Equal(t, RateHold, e.RateControlState())
	assert.Equal(t, int64(300_000), e.Estimate())
	assert.Zero(t, e.AcknowledgedBitrate())
}

func TestFilterType_String(t *testing.T) {
	assert.Equal(t, "kalman", FilterKalman.String())
	assert.Equal(t, "trendline", FilterTrendline.String())
	assert.Equal(t, "unknown", FilterType(7).String())
}

func BenchmarkDelayEstimator_FeedbackVector(b *testing.B) {
	for _, filter := range []FilterType{FilterKalman, FilterTrendline} {
		b.Run(filter.String(), func(b *testing.B) {
			cfg := DefaultDelayEstimatorConfig()
			cfg.FilterType = filter
			e := NewDelayEstimator(cfg, nil)
			trace := feedbackTrace(1000, 10, nil)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				vector := trace[(i*10)%990 : (i*10)%990+10]
				e.IncomingPacketFeedbackVector(vector, 0, vector[9].ArrivalTime)
			}
		})
	}
}
