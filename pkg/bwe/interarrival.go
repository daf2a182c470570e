package bwe

import "time"

// DefaultBurstThreshold is the default send-time window for grouping
// packets. Packets sent within this window are treated as one group
// (typically a single video frame).
const DefaultBurstThreshold = 5 * time.Millisecond

const (
	// arrivalTimeOffsetThreshold resets the calculator when the arrival
	// clock jumps by more than this without a matching send time jump.
	arrivalTimeOffsetThreshold = 3 * time.Second

	// reorderedResetThreshold is the number of consecutive negative arrival
	// deltas after which the calculator resets.
	reorderedResetThreshold = 3
)

// PacketGroup is a batch of packets sharing approximately the same send time.
type PacketGroup struct {
	// FirstSendTicks is the upscaled send timestamp of the first packet.
	FirstSendTicks uint32

	// SendTicks is the upscaled send timestamp of the latest packet.
	// This is used for computing inter-group send delta.
	SendTicks uint32

	// FirstArrival is the arrival time of the first packet.
	FirstArrival time.Time

	// CompleteTime is the arrival time of the last packet of the group.
	// This is used for computing inter-group arrival delta.
	CompleteTime time.Time

	// LastSystemTime is the local time the latest packet was processed.
	LastSystemTime time.Time

	// Size is the total bytes of all packets in the group.
	Size int

	// NumPackets is the count of packets in the group.
	NumPackets int
}

func (g *PacketGroup) empty() bool {
	return g.NumPackets == 0
}

// InterArrivalDelta is the measurement produced when a group completes.
type InterArrivalDelta struct {
	// SendDelta is the send-time distance between the last packets of two groups.
	SendDelta time.Duration
	// ArrivalDelta is the arrival-time distance between the same packets.
	ArrivalDelta time.Duration
	// SizeDelta is the byte difference between the two groups.
	SizeDelta int
}

// InterArrivalCalculator groups packets by send time and computes the
// send, arrival and size deltas between consecutive groups.
//
// Send times are converted to the 24-bit abs-send-time format and upscaled
// to 32 bits, so that deltas wrap correctly and keep sub-millisecond precision.
type InterArrivalCalculator struct {
	burstTicks int64

	current PacketGroup
	prev    PacketGroup

	numConsecutiveReordered int
}

// NewInterArrivalCalculator creates a new InterArrivalCalculator with the
// specified burst threshold. If burstThreshold is <= 0, DefaultBurstThreshold (5ms)
// is used.
func NewInterArrivalCalculator(burstThreshold time.Duration) *InterArrivalCalculator {
	if burstThreshold <= 0 {
		burstThreshold = DefaultBurstThreshold
	}
	return &InterArrivalCalculator{
		burstTicks: durationToSendTicks(burstThreshold),
	}
}

// ComputeDeltas adds one packet and returns the deltas between the two
// most recent complete groups when the packet starts a new group.
//
// Packets whose send time is older than the current group are ignored.
func (c *InterArrivalCalculator) ComputeDeltas(sendTime, arrival, systemTime time.Time, size int) (InterArrivalDelta, bool) {
	ticks := sendTicks(sendTime)

	if c.current.empty() {
		c.startGroup(ticks, arrival)
	} else if c.isOutOfOrder(ticks) {
		return InterArrivalDelta{}, false
	} else if c.isNewGroup(ticks, arrival) {
		var (
			delta InterArrivalDelta
			ok    bool
		)
		if !c.prev.empty() {
			delta, ok = c.groupDelta()
		}
		c.prev = c.current
		c.startGroup(ticks, arrival)
		c.addToCurrent(ticks, arrival, systemTime, size)
		return delta, ok
	} else if sendTicksDelta(c.current.SendTicks, ticks) > 0 {
		c.current.SendTicks = ticks
	}

	c.addToCurrent(ticks, arrival, systemTime, size)
	return InterArrivalDelta{}, false
}

func (c *InterArrivalCalculator) startGroup(ticks uint32, arrival time.Time) {
	c.current = PacketGroup{
		FirstSendTicks: ticks,
		SendTicks:      ticks,
		FirstArrival:   arrival,
	}
}

func (c *InterArrivalCalculator) addToCurrent(ticks uint32, arrival, systemTime time.Time, size int) {
	if sendTicksDelta(c.current.SendTicks, ticks) > 0 {
		c.current.SendTicks = ticks
	}
	c.current.Size += size
	c.current.NumPackets++
	c.current.CompleteTime = arrival
	c.current.LastSystemTime = systemTime
}

// groupDelta computes the deltas between prev and current.
func (c *InterArrivalCalculator) groupDelta() (InterArrivalDelta, bool) {
	sendDelta := sendTicksToDuration(int64(sendTicksDelta(c.prev.SendTicks, c.current.SendTicks)))
	arrivalDelta := c.current.CompleteTime.Sub(c.prev.CompleteTime)
	systemDelta := c.current.LastSystemTime.Sub(c.prev.LastSystemTime)

	if arrivalDelta-systemDelta >= arrivalTimeOffsetThreshold {
		// the remote clock jumped; start over
		c.Reset()
		return InterArrivalDelta{}, false
	}
	if arrivalDelta < 0 {
		c.numConsecutiveReordered++
		if c.numConsecutiveReordered >= reorderedResetThreshold {
			c.Reset()
		}
		return InterArrivalDelta{}, false
	}
	c.numConsecutiveReordered = 0

	return InterArrivalDelta{
		SendDelta:    sendDelta,
		ArrivalDelta: arrivalDelta,
		SizeDelta:    c.current.Size - c.prev.Size,
	}, true
}

func (c *InterArrivalCalculator) isOutOfOrder(ticks uint32) bool {
	return sendTicksDelta(c.current.FirstSendTicks, ticks) < 0
}

// isNewGroup reports whether a packet with the given send time starts a new
// group. Packets arriving in a burst are kept in the current group even when
// their send times spread further.
func (c *InterArrivalCalculator) isNewGroup(ticks uint32, arrival time.Time) bool {
	if c.belongsToBurst(ticks, arrival) {
		return false
	}
	return int64(sendTicksDelta(c.current.FirstSendTicks, ticks)) > c.burstTicks
}

// belongsToBurst reports whether the packet arrived back to back with the
// current group, faster than it was sent.
func (c *InterArrivalCalculator) belongsToBurst(ticks uint32, arrival time.Time) bool {
	arrivalDelta := arrival.Sub(c.current.CompleteTime)
	sendDelta := sendTicksToDuration(int64(sendTicksDelta(c.current.SendTicks, ticks)))
	if sendDelta == 0 {
		return true
	}
	propagationDelta := arrivalDelta - sendDelta
	return propagationDelta < 0 && arrivalDelta >= 0 && arrivalDelta <= DefaultBurstThreshold
}

// Reset clears the calculator state. Call this when the stream resets,
// after a large gap in packets, or when switching streams.
func (c *InterArrivalCalculator) Reset() {
	c.current = PacketGroup{}
	c.prev = PacketGroup{}
	c.numConsecutiveReordered = 0
}

// CurrentGroup returns the group currently being accumulated.
// Returns nil if no group is being accumulated.
func (c *InterArrivalCalculator) CurrentGroup() *PacketGroup {
	if c.current.empty() {
		return nil
	}
	g := c.current
	return &g
}

// PreviousGroup returns the last completed packet group.
// Returns nil if no group has been completed yet.
func (c *InterArrivalCalculator) PreviousGroup() *PacketGroup {
	if c.prev.empty() {
		return nil
	}
	g := c.prev
	return &g
}
