package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateStats_NotEnoughData(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	rate, ok := r.Rate(at(0))
	assert.False(t, ok, "no samples")
	assert.Zero(t, rate)

	r.Update(1000, at(0))
	_, ok = r.Rate(at(0))
	assert.False(t, ok, "one sample")

	r.Update(1000, at(0.5))
	_, ok = r.Rate(at(0.5))
	assert.False(t, ok, "samples spanning less than 1 ms")
}

func TestRateStats_Rates(t *testing.T) {
	tests := []struct {
		name      string
		bytes     []int64
		offsetsMs []float64
		want      int64
		tolerance float64
	}{
		{"8 kbps", []int64{1000, 0}, []float64{0, 1000}, 8000, 0},
		{"16 kbps", []int64{1000, 1000}, []float64{0, 1000}, 16000, 0},
		{"1 Mbps", []int64{125_000, 0}, []float64{0, 1000}, 1_000_000, 100},
		{"10 Mbps", []int64{1_250_000, 0}, []float64{0, 1000}, 10_000_000, 100},
		{"half second", []int64{500, 500}, []float64{0, 500}, 16000, 0},
		{"mixed zero samples", []int64{0, 1000, 0, 1000, 0}, []float64{0, 250, 500, 750, 1000}, 16000, 0},
		{"zero bytes", []int64{0, 0}, []float64{0, 1000}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRateStats(DefaultRateStatsConfig())
			for i, b := range tt.bytes {
				r.Update(b, at(tt.offsetsMs[i]))
			}
			rate, ok := r.Rate(at(tt.offsetsMs[len(tt.offsetsMs)-1]))
			assert.True(t, ok)
			assert.InDelta(t, tt.want, rate, tt.tolerance)
		})
	}
}

func TestRateStats_WindowSlides(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowSize: time.Second})
	r.Update(1000, at(0))
	r.Update(1000, at(500))

	rate, ok := r.Rate(at(500))
	assert.True(t, ok)
	assert.Equal(t, int64(32000), rate)

	// the sample at 0 leaves the window
	r.Update(1000, at(1500))
	rate, ok = r.Rate(at(1500))
	assert.True(t, ok)
	assert.Equal(t, int64(16000), rate)
}

func TestRateStats_Gap(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowSize: 500 * time.Millisecond})
	r.Update(100, at(0))
	r.Update(100, at(100))
	r.Update(100, at(200))

	r.Update(200, at(800))
	_, ok := r.Rate(at(800))
	assert.False(t, ok, "only one sample left in the window")

	r.Update(200, at(900))
	rate, ok := r.Rate(at(900))
	assert.True(t, ok)
	assert.Equal(t, int64(32000), rate, "400 bytes over 100 ms")

	_, ok = r.Rate(at(5000))
	assert.False(t, ok, "everything expired")
}

func TestRateStats_HighPacketRate(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowSize: 500 * time.Millisecond})
	for i := 0; i < 2000; i++ {
		r.Update(125, at(float64(i)))
	}
	rate, ok := r.Rate(at(1999))
	assert.True(t, ok)
	assert.InDelta(t, 1_000_000, rate, 10_000)
}

func TestRateStats_LateSampleCounted(t *testing.T) {
	// feedback can report packets out of arrival order
	r := NewRateStats(DefaultRateStatsConfig())
	r.Update(1000, at(0))
	r.Update(1000, at(500))
	r.Update(1000, at(250))

	rate, ok := r.Rate(at(500))
	assert.True(t, ok)
	assert.Equal(t, int64(24000*2), rate)
}

func TestRateStats_InvalidWindowUsesDefault(t *testing.T) {
	for _, w := range []time.Duration{0, -time.Second} {
		r := NewRateStats(RateStatsConfig{WindowSize: w})
		assert.Equal(t, time.Second, r.windowSize)
	}
}

func TestRateStats_Reset(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	r.Update(1000, at(0))
	r.Update(1000, at(1000))

	r.Reset()
	_, ok := r.Rate(at(1000))
	assert.False(t, ok)

	r.Update(500, at(10_000))
	r.Update(500, at(10_500))
	rate, ok := r.Rate(at(10_500))
	assert.True(t, ok)
	assert.Equal(t, int64(16000), rate)
}

func BenchmarkRateStats_Update(b *testing.B) {
	r := NewRateStats(DefaultRateStatsConfig())
	for i := 0; i < b.N; i++ {
		r.Update(1000, at(float64(i)))
	}
}

func BenchmarkRateStats_Rate(b *testing.B) {
	r := NewRateStats(DefaultRateStatsConfig())
	for i := 0; i < 1000; i++ {
		r.Update(125, at(float64(i)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Rate(at(999))
	}
}
