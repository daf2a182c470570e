// Package metrics exports congestion controller statistics to Prometheus.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/gcc/pkg/bwe"
)

const namespace = "gcc"

// StatsSource is anything that can snapshot controller statistics,
// normally a *bwe.Controller.
type StatsSource interface {
	Stats() bwe.Stats
}

var delayStates = []bwe.BandwidthUsage{bwe.BwNormal, bwe.BwUnderusing, bwe.BwOverusing}

// Collector is a prometheus.Collector reading Stats from every registered
// source at scrape time. Each source is labelled with its session name.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource

	bitrate       *prometheus.Desc
	fractionLoss  *prometheus.Desc
	rtt           *prometheus.Desc
	threshold     *prometheus.Desc
	delayState    *prometheus.Desc
	networkUp     *prometheus.Desc
	queueFull     *prometheus.Desc
	queueTime     *prometheus.Desc
	queuePackets  *prometheus.Desc
	queueBytes    *prometheus.Desc
	pendingProbes *prometheus.Desc
	reports       *prometheus.Desc
	lostLookups   *prometheus.Desc
	targetUpdates *prometheus.Desc
}

// NewCollector creates an empty collector. constLabels are attached to
// every metric.
func NewCollector(constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help,
			append([]string{"session"}, labels...), constLabels)
	}
	return &Collector{
		sources: make(map[string]StatsSource),

		bitrate:       desc("bitrate_bps", "Controller bitrates in bits per second by kind.", "kind"),
		fractionLoss:  desc("fraction_loss_ratio", "Last reported loss fraction."),
		rtt:           desc("rtt_seconds", "Last known round-trip time."),
		threshold:     desc("delay_threshold", "Adaptive overuse detector threshold in milliseconds."),
		delayState:    desc("delay_state", "1 for the current delay-based usage state.", "state"),
		networkUp:     desc("network_up", "1 while the network is signalled up."),
		queueFull:     desc("queue_full", "1 while the pacer queue is saturated."),
		queueTime:     desc("queue_time_seconds", "Age of the oldest queued packet."),
		queuePackets:  desc("queue_packets", "Packets waiting in the pacer."),
		queueBytes:    desc("queue_bytes", "Bytes waiting in the pacer."),
		pendingProbes: desc("pending_probe_clusters", "Probe clusters waiting to be sent."),
		reports:       desc("feedback_reports_total", "Transport feedback reports processed."),
		lostLookups:   desc("feedback_lost_lookups_total", "Acknowledged packets missing from the send history."),
		targetUpdates: desc("target_updates_total", "Target bitrate updates published to observers."),
	}
}

// Add registers src under session, replacing any previous source.
func (c *Collector) Add(session string, src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[session] = src
}

// Remove drops the source registered under session.
func (c *Collector) Remove(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, session)
}

// Sessions returns the registered session names, sorted.
func (c *Collector) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.bitrate, c.fractionLoss, c.rtt, c.threshold, c.delayState,
		c.networkUp, c.queueFull, c.queueTime, c.queuePackets, c.queueBytes,
		c.pendingProbes, c.reports, c.lostLookups, c.targetUpdates,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for session, src := range c.sources {
		c.collect(ch, session, src.Stats())
	}
}

func (c *Collector) collect(ch chan<- prometheus.Metric, session string, s bwe.Stats) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{session}, labels...)...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), session)
	}

	for _, b := range []struct {
		kind  string
		value int64
	}{
		{"target", s.TargetBitrate},
		{"delay_based", s.DelayBasedBitrate},
		{"loss_based", s.LossBasedBitrate},
		{"acknowledged", s.AcknowledgedBitrate},
		{"receiver_estimate", s.ReceiverEstimate},
		{"probe", s.LastProbeBitrate},
		{"pacing", s.PacingBitrate},
		{"padding", s.PaddingBitrate},
	} {
		gauge(c.bitrate, float64(b.value), b.kind)
	}

	gauge(c.fractionLoss, float64(s.FractionLossQ8)/256)
	gauge(c.rtt, s.RTT.Seconds())
	gauge(c.threshold, s.Threshold)
	for _, state := range delayStates {
		gauge(c.delayState, boolValue(s.DelayState == state), state.String())
	}
	gauge(c.networkUp, boolValue(s.NetworkState == bwe.NetworkUp))
	gauge(c.queueFull, boolValue(s.QueueFull))
	gauge(c.queueTime, s.QueueTime.Seconds())
	gauge(c.queuePackets, float64(s.QueuePackets))
	gauge(c.queueBytes, float64(s.QueueBytes))
	gauge(c.pendingProbes, float64(s.PendingProbes))

	counter(c.reports, s.FeedbackReport)
	counter(c.lostLookups, s.LostLookups)
	counter(c.targetUpdates, s.TargetUpdates)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
