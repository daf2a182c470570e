// Package bwe implements send-side congestion control for real-time media:
// a pacer, a send-time history, a transport-feedback adapter, a delay-based
// estimator, a loss-based controller and a probing controller, glued
// together by a Controller that publishes a single target bitrate.
package bwe

import (
	"fmt"
	"time"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

// Clock provides monotonic time to all components. Tests and simulations
// inject a virtual clock.
type Clock = internal.Clock

// NoProbeCluster marks a packet that does not belong to any probe cluster.
const NoProbeCluster = -1

// BandwidthUsage represents the current bandwidth usage state as determined
// by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal indicates bandwidth usage is normal - no congestion detected.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates the bottleneck queue is draining.
	BwUnderusing
	// BwOverusing indicates congestion detected - should decrease rate.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// Priority orders packets inside the pacer. Lower values drain first.
type Priority int

const (
	// PriorityHigh is used for audio and retransmissions.
	PriorityHigh Priority = iota
	// PriorityNormal is used for video.
	PriorityNormal
	// PriorityLow is used for FEC and other best-effort traffic.
	PriorityLow

	numPriorities = 3
)

// String returns a string representation of the Priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// NetworkState is the transport availability signalled to the Controller.
type NetworkState int

const (
	// NetworkUp means packets can be sent.
	NetworkUp NetworkState = iota
	// NetworkDown means the transport is unavailable; the pacer is paused.
	NetworkDown
)

// String returns a string representation of the NetworkState.
func (s NetworkState) String() string {
	if s == NetworkDown {
		return "Down"
	}
	return "Up"
}

// PacketRecord is what the send-time history remembers about an outgoing
// packet until feedback for it arrives.
type PacketRecord struct {
	// Sequence is the transport-wide sequence number.
	Sequence uint16

	// SizeBytes is the full packet size on the wire.
	SizeBytes int

	// SendTime is set when the pacer actually emits the packet.
	// A zero value means the packet is still queued.
	SendTime time.Time

	// ProbeClusterID is the probe cluster the packet was sent in,
	// or NoProbeCluster.
	ProbeClusterID int

	// CreatedAt is when the packet was added to the history.
	CreatedAt time.Time
}

// Sent reports whether the packet has left the pacer.
func (r PacketRecord) Sent() bool {
	return !r.SendTime.IsZero()
}

// PacketFeedback joins a PacketRecord with the arrival time reported by the
// remote endpoint. Values are produced by the FeedbackAdapter and consumed
// once by the estimators.
type PacketFeedback struct {
	Sequence       uint16
	SendTime       time.Time
	ArrivalTime    time.Time
	SizeBytes      int
	ProbeClusterID int
}

// PacketStatus is the per-packet symbol of a transport feedback report.
type PacketStatus uint8

const (
	// PacketNotReceived means the receiver has no arrival time for the packet.
	PacketNotReceived PacketStatus = iota
	// PacketReceived means one arrival delta follows for the packet.
	PacketReceived
)

// TargetUpdate is published to observers whenever the combined target changes.
type TargetUpdate struct {
	// Bitrate is the target bitrate in bits per second. Zero while the
	// network is down or the pacer queue is saturated.
	Bitrate int64

	// FractionLossQ8 is the last reported loss fraction in Q8 (0..255).
	FractionLossQ8 uint8

	// RTT is the last known round-trip time.
	RTT time.Duration

	// ProbingInterval is the expected time until the delay-based estimate
	// recovers from its last decrease.
	ProbingInterval time.Duration
}
