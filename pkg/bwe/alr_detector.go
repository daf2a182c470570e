package bwe

import "time"

const (
	// alrBandwidthUsageRatio is the share of the estimate the sender must
	// use to be considered network limited.
	alrBandwidthUsageRatio = 0.65
	alrStartBudgetRatio    = 0.80
	alrStopBudgetRatio     = 0.50
)

// alrDetector detects application-limited regions: periods in which the
// sender uses much less than the estimated bandwidth, so feedback cannot
// confirm that the estimate still holds.
//
// A budget filled at 65% of the estimate is drained by the bytes actually
// sent. The region starts when the budget is more than 80% full and ends
// when it falls below 50%.
type alrDetector struct {
	budget   intervalBudget
	lastSend time.Time
	start    time.Time
}

func newALRDetector() *alrDetector {
	return &alrDetector{budget: newIntervalBudget(0)}
}

func (d *alrDetector) setEstimatedBitrate(bitrate int64) {
	d.budget.setRate(int64(float64(bitrate) * alrBandwidthUsageRatio))
}

// onBytesSent accounts bytes sent at now and returns true if the state changed.
func (d *alrDetector) onBytesSent(bytes int, now time.Time) bool {
	if d.lastSend.IsZero() {
		// the duration of the first send is unknown
		d.lastSend = now
		return false
	}
	elapsed := now.Sub(d.lastSend)
	d.lastSend = now

	d.budget.use(bytes)
	d.budget.increase(elapsed)

	ratio := d.budget.ratio()
	switch {
	case ratio > alrStartBudgetRatio && d.start.IsZero():
		d.start = now
		return true
	case ratio < alrStopBudgetRatio && !d.start.IsZero():
		d.start = time.Time{}
		return true
	}
	return false
}

// inALR returns the start of the current region, if any.
func (d *alrDetector) inALR() (time.Time, bool) {
	return d.start, !d.start.IsZero()
}
