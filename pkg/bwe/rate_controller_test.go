package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateController_InitialState(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	assert.Equal(t, RateHold, rc.State())
	assert.Equal(t, int64(300_000), rc.Estimate())
	_, known := rc.LinkCapacity()
	assert.False(t, known)
	assert.Equal(t, 3*time.Second, rc.ExpectedBandwidthPeriod())
}

func TestRateController_StateTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   []BandwidthUsage
		signal BandwidthUsage
		want   RateControlState
	}{
		{"hold + normal", nil, BwNormal, RateIncrease},
		{"hold + underusing", nil, BwUnderusing, RateHold},
		{"hold + overusing decreases then holds", nil, BwOverusing, RateHold},
		{"increase + normal", []BandwidthUsage{BwNormal}, BwNormal, RateIncrease},
		{"increase + underusing", []BandwidthUsage{BwNormal}, BwUnderusing, RateHold},
		{"after decrease + normal", []BandwidthUsage{BwOverusing}, BwNormal, RateIncrease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewRateController(DefaultRateControllerConfig())
			now := at(0)
			for _, s := range tt.from {
				rc.Update(s, 250_000, now)
				now = now.Add(100 * time.Millisecond)
			}
			rc.Update(tt.signal, 250_000, now)
			assert.Equal(t, tt.want, rc.State())
		})
	}
}

func TestRateController_MultiplicativeIncrease(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())

	// entering increase has no elapsed time yet: minimum step
	got := rc.Update(BwNormal, 1_000_000, at(0))
	assert.Equal(t, int64(301_000), got)

	// one second later: x1.08
	got = rc.Update(BwNormal, 1_000_000, at(1000))
	assert.Equal(t, int64(301_000+24_080), got)

	// elapsed time beyond one second counts as one second
	before := rc.Estimate()
	got = rc.Update(BwNormal, 1_000_000, at(4000))
	assert.Equal(t, before+int64(float64(before)*0.08), got)
}

func TestRateController_IncreaseCappedByIncomingRate(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	now := at(0)
	for i := 0; i < 30; i++ {
		rc.Update(BwNormal, 250_000, now)
		now = now.Add(time.Second)
	}
	assert.Equal(t, int64(375_000), rc.Estimate(), "capped at 1.5x the incoming rate")

	// a lower incoming rate never lowers the estimate by itself
	rc.Update(BwNormal, 100_000, now.Add(time.Second))
	assert.Equal(t, int64(375_000), rc.Estimate())
}

func TestRateController_DecreaseUsesIncomingRate(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())

	incoming := int64(200_000)
	got := rc.Update(BwOverusing, incoming, at(0))
	assert.Equal(t, int64(170_000), got)
	assert.LessOrEqual(t, got, int64(0.85*float64(incoming)))
	assert.Equal(t, RateHold, rc.State(), "a decrease leaves the controller in hold")

	capacity, known := rc.LinkCapacity()
	require.True(t, known)
	assert.Equal(t, int64(200_000), capacity)
}

func TestRateController_DecreaseNeverRaises(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	// 0.85 * 1M is above the current 300k estimate
	got := rc.Update(BwOverusing, 1_000_000, at(0))
	assert.Equal(t, int64(300_000), got)
}

func TestRateController_DecreaseClampedToMin(t *testing.T) {
	cfg := DefaultRateControllerConfig()
	cfg.MinBitrate = 50_000
	rc := NewRateController(cfg)
	got := rc.Update(BwOverusing, 20_000, at(0))
	assert.Equal(t, int64(50_000), got)
}

func TestRateController_AdditiveIncreaseNearCapacity(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.Update(BwOverusing, 200_000, at(0))
	require.Equal(t, int64(170_000), rc.Estimate())

	rc.Update(BwNormal, 180_000, at(100))
	before := rc.Estimate()
	got := rc.Update(BwNormal, 180_000, at(1100))

	increase := got - before
	// half a 5667 bit frame per 300 ms response time
	assert.InDelta(t, 9444, increase, 2)
	assert.Less(t, increase, int64(float64(before)*0.08), "additive increase is slower than multiplicative")
}

func TestRateController_CapacityResetWhenLinkImproves(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.Update(BwOverusing, 200_000, at(0))
	rc.Update(BwNormal, 200_000, at(100))

	// far above the capacity estimate plus three deviations
	rc.Update(BwNormal, 1_000_000, at(1100))
	_, known := rc.LinkCapacity()
	assert.False(t, known, "capacity estimate should be dropped")
}

func TestRateController_TimeToReduceFurther(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.Update(BwOverusing, 200_000, at(0))

	assert.False(t, rc.TimeToReduceFurther(at(5), 170_000))
	assert.True(t, rc.TimeToReduceFurther(at(5), 80_000), "incoming below half the estimate")
	assert.True(t, rc.TimeToReduceFurther(at(200), 170_000), "default rtt interval elapsed")

	rc.SetRTT(50 * time.Millisecond)
	assert.True(t, rc.TimeToReduceFurther(at(50), 170_000))

	rc.SetRTT(time.Millisecond)
	assert.True(t, rc.TimeToReduceFurther(at(10), 170_000), "interval floored at 10 ms")
}

func TestRateController_InitialTimeToReduceFurther(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	assert.True(t, rc.InitialTimeToReduceFurther(at(0)))

	rc.SetEstimate(150_000, at(0))
	assert.False(t, rc.InitialTimeToReduceFurther(at(100)))
	assert.True(t, rc.InitialTimeToReduceFurther(at(200)))
}

func TestRateController_ExpectedBandwidthPeriod(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.Update(BwNormal, 1_000_000, at(0))
	rc.Update(BwNormal, 1_000_000, at(1000))
	rc.Update(BwOverusing, 200_000, at(1100))

	period := rc.ExpectedBandwidthPeriod()
	assert.GreaterOrEqual(t, period, 2*time.Second)
	assert.LessOrEqual(t, period, 50*time.Second)
	assert.NotEqual(t, 3*time.Second, period, "a decrease should replace the default period")
}

func TestRateController_SetBounds(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.SetBounds(0, 200_000)
	assert.Equal(t, int64(200_000), rc.Estimate())

	rc.SetBounds(250_000, 400_000)
	assert.Equal(t, int64(250_000), rc.Estimate())

	rc.SetEstimate(10_000_000, at(0))
	assert.Equal(t, int64(400_000), rc.Estimate())
}

func TestRateController_Reset(t *testing.T) {
	rc := NewRateController(DefaultRateControllerConfig())
	rc.Update(BwOverusing, 100_000, at(0))
	rc.SetRTT(50 * time.Millisecond)

	rc.Reset()
	assert.Equal(t, RateHold, rc.State())
	assert.Equal(t, int64(300_000), rc.Estimate())
	_, known := rc.LinkCapacity()
	assert.False(t, known)
}
