package bwe

import (
	"time"

	"github.com/gammazero/deque"
)

const (
	// DefaultMinProbePackets is the minimum number of packets of a probe cluster.
	DefaultMinProbePackets = 5

	// probeClusterDuration sizes a cluster: min bytes = bitrate * 15 ms.
	probeClusterDuration = 15 * time.Millisecond

	// minProbePacketSize is the smallest padding request made while probing.
	minProbePacketSize = 200

	maxPendingProbeClusters = 5
	probeClusterTimeout     = 5 * time.Second
)

// ProbeClusterBytes returns the minimum number of bytes of a probe cluster
// at bitrate.
func ProbeClusterBytes(bitrate int64) int {
	return bytesFor(bitrate, probeClusterDuration)
}

// probeCluster is a burst sent at a target bitrate, tagged with its id so
// that its feedback can be measured.
type probeCluster struct {
	id        int
	bitrate   int64
	minProbes int
	minBytes  int

	created    time.Time
	started    time.Time
	sentProbes int
	sentBytes  int
}

func (c *probeCluster) done() bool {
	return c.sentProbes >= c.minProbes && c.sentBytes >= c.minBytes
}

// probeSize is the padding request per probe, spreading the minimum bytes
// over the minimum probe count.
func (c *probeCluster) probeSize() int {
	size := (c.minBytes + c.minProbes - 1) / max(c.minProbes, 1)
	return max(size, minProbePacketSize)
}

// prober schedules probe clusters for the pacer. Clusters run one at a time
// in creation order; bytes are released at the cluster bitrate measured
// from the first probe. Not safe for concurrent use; the pacer guards it.
type prober struct {
	clusters deque.Deque[*probeCluster]
	nextID   int
}

func newProber() *prober {
	p := &prober{}
	p.clusters.SetBaseCap(maxPendingProbeClusters)
	return p
}

// createCluster queues a new cluster and returns its id, or
// NoProbeCluster for a non-positive bitrate.
func (p *prober) createCluster(bitrate int64, minProbes, minBytes int, now time.Time) int {
	if bitrate <= 0 {
		return NoProbeCluster
	}
	if minProbes < DefaultMinProbePackets {
		minProbes = DefaultMinProbePackets
	}
	if minBytes <= 0 {
		minBytes = ProbeClusterBytes(bitrate)
	}
	c := &probeCluster{
		id:        p.nextID,
		bitrate:   bitrate,
		minProbes: minProbes,
		minBytes:  minBytes,
		created:   now,
	}
	p.nextID++

	p.clusters.PushBack(c)
	for p.clusters.Len() > maxPendingProbeClusters {
		p.clusters.PopFront()
	}
	return c.id
}

// current returns the active cluster, dropping clusters that waited too
// long to start.
func (p *prober) current(now time.Time) (*probeCluster, bool) {
	for p.clusters.Len() > 0 {
		c := p.clusters.Front()
		if c.started.IsZero() && now.Sub(c.created) > probeClusterTimeout {
			p.clusters.PopFront()
			continue
		}
		return c, true
	}
	return nil, false
}

// bytesDue returns how many bytes the active cluster should send now to
// keep up with its bitrate. The first probe is always due.
func (p *prober) bytesDue(now time.Time) int {
	c, ok := p.current(now)
	if !ok {
		return 0
	}
	if c.started.IsZero() {
		return c.probeSize()
	}
	due := bytesFor(c.bitrate, now.Sub(c.started)) - c.sentBytes
	return max(due, 0)
}

// timeUntilNextProbe returns how long until the active cluster has a full
// probe due, and false when no cluster is active.
func (p *prober) timeUntilNextProbe(now time.Time) (time.Duration, bool) {
	c, ok := p.current(now)
	if !ok {
		return 0, false
	}
	if c.started.IsZero() {
		return 0, true
	}
	next := c.started.Add(time.Duration(int64(c.sentBytes+c.probeSize()) * int64(8*time.Second) / c.bitrate))
	return max(next.Sub(now), 0), true
}

// probeSent accounts one probe packet of the active cluster and retires
// the cluster once both minima are met.
func (p *prober) probeSent(bytes int, now time.Time) {
	c, ok := p.current(now)
	if !ok {
		return
	}
	if c.started.IsZero() {
		c.started = now
	}
	c.sentProbes++
	c.sentBytes += bytes
	if c.done() {
		p.clusters.PopFront()
	}
}

// abandon drops the active cluster.
func (p *prober) abandon() (*probeCluster, bool) {
	if p.clusters.Len() == 0 {
		return nil, false
	}
	return p.clusters.PopFront(), true
}

func (p *prober) pending() int {
	return p.clusters.Len()
}
