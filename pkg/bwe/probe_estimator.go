package bwe

import (
	"time"

	"github.com/pion/logging"
)

const (
	// A cluster is measured once 80% of its minimum probes and bytes have
	// been acknowledged.
	probeMinProbesRatio = 0.80
	probeMinBytesRatio  = 0.80

	// Send and receive intervals longer than this are not a probe.
	probeMaxInterval = time.Second

	// A receive rate much higher than the send rate means packets were
	// bunched up on the way; the measurement is discarded.
	probeMaxRatio = 2.0

	// When the receive rate is clearly below the send rate the receiver
	// side saw the bottleneck; back off a little more than measured.
	probeTargetUtilizationRatio = 0.90
	probeBelowTargetFactor      = 0.95

	probeClusterHistory = time.Second
)

type probeAggregate struct {
	minProbes  int
	minBytes   int
	registered time.Time

	firstSend    time.Time
	lastSend     time.Time
	firstReceive time.Time
	lastReceive  time.Time

	sizeLastSend     int
	sizeFirstReceive int
	totalBytes       int
	numProbes        int
}

// ProbeBitrateEstimator turns the feedback of probe packets into a
// bottleneck bitrate per probe cluster.
//
// Not safe for concurrent use.
type ProbeBitrateEstimator struct {
	log      logging.LeveledLogger
	clusters map[int]*probeAggregate

	last     int64
	haveLast bool
}

// NewProbeBitrateEstimator creates an estimator. If loggerFactory is nil,
// the pion default logger factory is used.
func NewProbeBitrateEstimator(loggerFactory logging.LoggerFactory) *ProbeBitrateEstimator {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &ProbeBitrateEstimator{
		log:      loggerFactory.NewLogger("gcc_probe"),
		clusters: make(map[int]*probeAggregate),
	}
}

// RegisterCluster announces the minima of a cluster. Feedback for clusters
// that were never registered uses DefaultMinProbePackets and no byte
// minimum.
func (e *ProbeBitrateEstimator) RegisterCluster(id, minProbes, minBytes int, now time.Time) {
	c := e.cluster(id)
	c.minProbes = minProbes
	c.minBytes = minBytes
	c.registered = now
}

func (e *ProbeBitrateEstimator) cluster(id int) *probeAggregate {
	c, ok := e.clusters[id]
	if !ok {
		c = &probeAggregate{minProbes: DefaultMinProbePackets}
		e.clusters[id] = c
	}
	return c
}

// HandleProbeAndEstimateBitrate accounts the feedback of one probe packet
// and returns the cluster estimate once enough of it was acknowledged.
func (e *ProbeBitrateEstimator) HandleProbeAndEstimateBitrate(fb PacketFeedback) (int64, bool) {
	if fb.ProbeClusterID == NoProbeCluster {
		return 0, false
	}
	e.eraseOldClusters(fb.ArrivalTime)

	c := e.cluster(fb.ProbeClusterID)
	if c.numProbes == 0 || fb.SendTime.Before(c.firstSend) {
		c.firstSend = fb.SendTime
	}
	if c.numProbes == 0 || fb.SendTime.After(c.lastSend) {
		c.lastSend = fb.SendTime
		c.sizeLastSend = fb.SizeBytes
	}
	if c.numProbes == 0 || fb.ArrivalTime.Before(c.firstReceive) {
		c.firstReceive = fb.ArrivalTime
		c.sizeFirstReceive = fb.SizeBytes
	}
	if c.numProbes == 0 || fb.ArrivalTime.After(c.lastReceive) {
		c.lastReceive = fb.ArrivalTime
	}
	c.totalBytes += fb.SizeBytes
	c.numProbes++

	if float64(c.numProbes) < probeMinProbesRatio*float64(c.minProbes) ||
		float64(c.totalBytes) < probeMinBytesRatio*float64(c.minBytes) {
		return 0, false
	}

	sendInterval := c.lastSend.Sub(c.firstSend)
	recvInterval := c.lastReceive.Sub(c.firstReceive)
	if sendInterval <= 0 || sendInterval > probeMaxInterval ||
		recvInterval <= 0 || recvInterval > probeMaxInterval {
		e.log.Debugf("probe cluster %d: invalid intervals send=%v recv=%v", fb.ProbeClusterID, sendInterval, recvInterval)
		return 0, false
	}

	// The last packet sent and the first packet received do not take part
	// in their respective intervals.
	sendRate := float64(c.totalBytes-c.sizeLastSend) * 8 / sendInterval.Seconds()
	recvRate := float64(c.totalBytes-c.sizeFirstReceive) * 8 / recvInterval.Seconds()
	if recvRate > probeMaxRatio*sendRate {
		e.log.Debugf("probe cluster %d: receive rate %.0f too high for send rate %.0f", fb.ProbeClusterID, recvRate, sendRate)
		return 0, false
	}

	rate := min(sendRate, recvRate)
	if recvRate < probeTargetUtilizationRatio*sendRate {
		rate = probeBelowTargetFactor * recvRate
	}
	estimate := int64(rate)
	e.log.Debugf("probe cluster %d: %d bps (send %.0f, recv %.0f, %d probes)", fb.ProbeClusterID, estimate, sendRate, recvRate, c.numProbes)

	if !e.haveLast || estimate > e.last {
		e.last = estimate
	}
	e.haveLast = true
	return estimate, true
}

// FetchAndResetLastEstimatedBitrate returns the highest estimate produced
// since the previous call.
func (e *ProbeBitrateEstimator) FetchAndResetLastEstimatedBitrate() (int64, bool) {
	last, ok := e.last, e.haveLast
	e.last, e.haveLast = 0, false
	return last, ok
}

func (e *ProbeBitrateEstimator) eraseOldClusters(now time.Time) {
	for id, c := range e.clusters {
		switch {
		case c.numProbes > 0 && now.Sub(c.lastReceive) > probeClusterHistory:
			delete(e.clusters, id)
		case c.numProbes == 0 && !c.registered.IsZero() && now.Sub(c.registered) > probeClusterTimeout+probeClusterHistory:
			// never sent
			delete(e.clusters, id)
		}
	}
}
