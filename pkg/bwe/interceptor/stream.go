package interceptor

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// streamState tracks a bound local stream.
//
// lastPacketTime is written by the stream's RTP writer on every packet and
// read by the cleanup loop, so it is an atomic.Value rather than being
// guarded by the interceptor lock.
type streamState struct {
	ssrc        uint32
	rtxSSRC     uint32
	fecSSRC     uint32
	payloadType uint8
	rtxPayload  uint8
	priority    bwe.Priority
	writer      interceptor.RTPWriter

	transportCCID uint8
	absSendTimeID uint8

	lastPacketTime atomic.Value // stores time.Time
	lastTimestamp  atomic.Uint32
}

// newStreamState creates the state of a local stream. Audio is paced with
// PriorityHigh, everything else with PriorityNormal.
func newStreamState(info *interceptor.StreamInfo, writer interceptor.RTPWriter, now time.Time) *streamState {
	s := &streamState{
		ssrc:          info.SSRC,
		rtxSSRC:       info.SSRCRetransmission,
		fecSSRC:       info.SSRCForwardErrorCorrection,
		payloadType:   info.PayloadType,
		rtxPayload:    info.PayloadTypeRetransmission,
		priority:      bwe.PriorityNormal,
		writer:        writer,
		transportCCID: FindTransportCCID(info.RTPHeaderExtensions),
		absSendTimeID: FindAbsSendTimeID(info.RTPHeaderExtensions),
	}
	if strings.HasPrefix(strings.ToLower(info.MimeType), "audio/") {
		s.priority = bwe.PriorityHigh
	}
	s.lastPacketTime.Store(now)
	return s
}

// classify returns the pacing priority of a packet written on this stream
// and whether it is a retransmission.
func (s *streamState) classify(ssrc uint32) (bwe.Priority, bool) {
	switch {
	case s.rtxSSRC != 0 && ssrc == s.rtxSSRC:
		return bwe.PriorityHigh, true
	case s.fecSSRC != 0 && ssrc == s.fecSSRC:
		return bwe.PriorityLow, false
	default:
		return s.priority, false
	}
}

// UpdateLastPacket stores the time of the most recent outgoing packet.
func (s *streamState) UpdateLastPacket(t time.Time) {
	s.lastPacketTime.Store(t)
}

// LastPacket returns the time of the most recent outgoing packet.
func (s *streamState) LastPacket() time.Time {
	return s.lastPacketTime.Load().(time.Time)
}

// SSRC returns the stream's media SSRC.
func (s *streamState) SSRC() uint32 {
	return s.ssrc
}
