package bwe

import "math"

// KalmanConfig holds tunable parameters for the offset estimator.
type KalmanConfig struct {
	// ProcessNoiseSlope is the state noise added to the slope variance
	// per update.
	// Default: 1e-13
	ProcessNoiseSlope float64

	// ProcessNoiseOffset is the state noise added to the offset variance
	// per update.
	// Default: 1e-3
	ProcessNoiseOffset float64

	// InitialNoiseVariance is the starting measurement noise variance in ms².
	// Default: 50
	InitialNoiseVariance float64

	// InitialSlope is the starting estimate of ms of extra delay per byte
	// of group size difference.
	// Default: 8/512
	InitialSlope float64
}

// DefaultKalmanConfig returns the default offset estimator configuration.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoiseSlope:    1e-13,
		ProcessNoiseOffset:   1e-3,
		InitialNoiseVariance: 50,
		InitialSlope:         8.0 / 512.0,
	}
}

const (
	// kalmanDeltaCounterMax caps the delta counter reported to the detector.
	kalmanDeltaCounterMax = 1000

	// kalmanMinFramePeriodHistory is the number of send deltas the minimum
	// frame period is taken over.
	kalmanMinFramePeriodHistory = 60
)

// KalmanFilter estimates the one-way delay offset between consecutive
// packet groups with a two-state Kalman filter.
//
// The state is [slope, offset]. Each measurement is the group delay
// variation (arrival delta minus send delta) in ms, modelled as
//
//	d = slope*sizeDelta + offset + noise
//
// so that large groups (key frames) that naturally take longer to
// serialize are not mistaken for queue build-up. A positive offset means
// the bottleneck queue is growing.
type KalmanFilter struct {
	config KalmanConfig

	slope      float64
	offset     float64
	prevOffset float64

	// e is the error covariance of [slope, offset]
	e [2][2]float64

	avgNoise float64
	varNoise float64

	numDeltas    int
	sendDeltaLog []float64
}

// NewKalmanFilter creates a new offset estimator with the given configuration.
// Zero-valued fields are replaced by their defaults.
func NewKalmanFilter(config KalmanConfig) *KalmanFilter {
	def := DefaultKalmanConfig()
	if config.ProcessNoiseSlope <= 0 {
		config.ProcessNoiseSlope = def.ProcessNoiseSlope
	}
	if config.ProcessNoiseOffset <= 0 {
		config.ProcessNoiseOffset = def.ProcessNoiseOffset
	}
	if config.InitialNoiseVariance <= 0 {
		config.InitialNoiseVariance = def.InitialNoiseVariance
	}
	if config.InitialSlope == 0 {
		config.InitialSlope = def.InitialSlope
	}
	k := &KalmanFilter{config: config}
	k.Reset()
	return k
}

// Update feeds one group delta and returns the new offset estimate in ms.
// state is the detector hypothesis before this sample; the noise estimate
// only adapts while the link is in the normal state.
func (k *KalmanFilter) Update(arrivalDeltaMs, sendDeltaMs float64, sizeDelta int, state BandwidthUsage) float64 {
	minFramePeriod := k.updateMinFramePeriod(sendDeltaMs)
	delay := arrivalDeltaMs - sendDeltaMs
	size := float64(sizeDelta)

	k.numDeltas++
	if k.numDeltas > kalmanDeltaCounterMax {
		k.numDeltas = kalmanDeltaCounterMax
	}

	k.e[0][0] += k.config.ProcessNoiseSlope
	k.e[1][1] += k.config.ProcessNoiseOffset
	if (state == BwOverusing && k.offset < k.prevOffset) ||
		(state == BwUnderusing && k.offset > k.prevOffset) {
		// the estimate is moving back towards zero; trust new samples more
		k.e[1][1] += 10 * k.config.ProcessNoiseOffset
	}

	h := [2]float64{size, 1}
	eh := [2]float64{
		k.e[0][0]*h[0] + k.e[0][1]*h[1],
		k.e[1][0]*h[0] + k.e[1][1]*h[1],
	}

	residual := delay - k.slope*h[0] - k.offset

	maxResidual := 3 * math.Sqrt(k.varNoise)
	if math.Abs(residual) < maxResidual {
		k.updateNoise(residual, minFramePeriod, state == BwNormal)
	} else {
		k.updateNoise(math.Copysign(maxResidual, residual), minFramePeriod, state == BwNormal)
	}

	denom := k.varNoise + h[0]*eh[0] + h[1]*eh[1]
	gain := [2]float64{eh[0] / denom, eh[1] / denom}

	ikh := [2][2]float64{
		{1 - gain[0]*h[0], -gain[0] * h[1]},
		{-gain[1] * h[0], 1 - gain[1]*h[1]},
	}
	e00, e01 := k.e[0][0], k.e[0][1]
	k.e[0][0] = e00*ikh[0][0] + k.e[1][0]*ikh[0][1]
	k.e[0][1] = e01*ikh[0][0] + k.e[1][1]*ikh[0][1]
	k.e[1][0] = e00*ikh[1][0] + k.e[1][0]*ikh[1][1]
	k.e[1][1] = e01*ikh[1][0] + k.e[1][1]*ikh[1][1]

	k.slope += gain[0] * residual
	k.prevOffset = k.offset
	k.offset += gain[1] * residual

	return k.offset
}

// updateNoise tracks the mean and variance of the residual. The smoothing
// factor is tuned for 30 fps and scaled by the actual frame period.
func (k *KalmanFilter) updateNoise(residual, periodMs float64, stable bool) {
	if !stable {
		return
	}
	alpha := 0.01
	if k.numDeltas > 10*30 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, periodMs*30.0/1000.0)
	k.avgNoise = beta*k.avgNoise + (1-beta)*residual
	k.varNoise = beta*k.varNoise + (1-beta)*(k.avgNoise-residual)*(k.avgNoise-residual)
	if k.varNoise < 1 {
		k.varNoise = 1
	}
}

func (k *KalmanFilter) updateMinFramePeriod(sendDeltaMs float64) float64 {
	if len(k.sendDeltaLog) >= kalmanMinFramePeriodHistory {
		k.sendDeltaLog = k.sendDeltaLog[1:]
	}
	k.sendDeltaLog = append(k.sendDeltaLog, sendDeltaMs)
	m := sendDeltaMs
	for _, d := range k.sendDeltaLog {
		m = math.Min(m, d)
	}
	return m
}

// Estimate returns the current offset estimate in ms without updating.
func (k *KalmanFilter) Estimate() float64 {
	return k.offset
}

// Slope returns the estimated extra delay in ms per byte of size difference.
func (k *KalmanFilter) Slope() float64 {
	return k.slope
}

// NoiseVariance returns the current measurement noise variance.
func (k *KalmanFilter) NoiseVariance() float64 {
	return k.varNoise
}

// NumDeltas returns the number of samples seen, capped at 1000.
func (k *KalmanFilter) NumDeltas() int {
	return k.numDeltas
}

// Reset reinitializes the filter state to initial conditions.
// This can be used when switching streams or after long gaps.
func (k *KalmanFilter) Reset() {
	k.slope = k.config.InitialSlope
	k.offset = 0
	k.prevOffset = 0
	k.e = [2][2]float64{{100, 0}, {0, 1e-1}}
	k.avgNoise = 0
	k.varNoise = k.config.InitialNoiseVariance
	k.numDeltas = 0
	k.sendDeltaLog = k.sendDeltaLog[:0]
}
