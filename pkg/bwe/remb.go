package bwe

import (
	"time"

	"github.com/pion/rtcp"
)

// REMBSenderConfig configures how often a receiver advertises its
// estimate.
type REMBSenderConfig struct {
	// Interval is the regular REMB interval.
	// Default: 1 s
	Interval time.Duration

	// DecreaseThreshold is the relative decrease that is sent right away.
	// Default: 0.03
	DecreaseThreshold float64

	// SenderSSRC is the SSRC of the RTCP sender, i.e. the receiver.
	SenderSSRC uint32
}

// DefaultREMBSenderConfig returns the default REMB sender configuration.
func DefaultREMBSenderConfig() REMBSenderConfig {
	return REMBSenderConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// REMBSender is the receiver-side counterpart of
// Controller.OnReceivedRTCPBandwidth: it decides when to emit a REMB
// packet for a receiver-side cap. Packets go out every Interval and
// immediately on a decrease of at least DecreaseThreshold.
//
// Not safe for concurrent use.
type REMBSender struct {
	config   REMBSenderConfig
	lastSent time.Time
	lastRate int64
}

// NewREMBSender creates a REMB sender.
func NewREMBSender(config REMBSenderConfig) *REMBSender {
	def := DefaultREMBSenderConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DecreaseThreshold <= 0 {
		config.DecreaseThreshold = def.DecreaseThreshold
	}
	return &REMBSender{config: config}
}

func (s *REMBSender) due(bitrate int64, now time.Time) bool {
	if s.lastRate > 0 {
		decrease := float64(s.lastRate-bitrate) / float64(s.lastRate)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

// MaybeBuild returns a REMB packet for bitrate if one is due.
func (s *REMBSender) MaybeBuild(bitrate int64, ssrcs []uint32, now time.Time) (*rtcp.ReceiverEstimatedMaximumBitrate, bool) {
	if !s.due(bitrate, now) {
		return nil, false
	}
	s.lastSent = now
	s.lastRate = bitrate
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: s.config.SenderSSRC,
		Bitrate:    float32(bitrate),
		SSRCs:      ssrcs,
	}, true
}

// LastSent returns the last advertised bitrate and when it was sent.
func (s *REMBSender) LastSent() (int64, time.Time) {
	return s.lastRate, s.lastSent
}

// Reset forgets the last packet.
func (s *REMBSender) Reset() {
	s.lastSent = time.Time{}
	s.lastRate = 0
}
