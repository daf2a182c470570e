package bwe

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// tccReferenceTimeUnit is the resolution of the TWCC reference time field.
const tccReferenceTimeUnit = 64 * time.Millisecond

// FeedbackFromRTCP converts a parsed transport-wide congestion control
// packet into a FeedbackReport by walking its run-length and status-vector
// chunks.
func FeedbackFromRTCP(pkt *rtcp.TransportLayerCC) (FeedbackReport, error) {
	if pkt == nil {
		return FeedbackReport{}, fmt.Errorf("%w: nil packet", ErrMalformedFeedback)
	}

	count := int(pkt.PacketStatusCount)
	report := FeedbackReport{
		BaseSequence: pkt.BaseSequenceNumber,
		BaseTime:     time.Duration(pkt.ReferenceTime&0xFFFFFF) * tccReferenceTimeUnit,
		Status:       make([]PacketStatus, 0, count),
		Deltas:       make([]time.Duration, 0, len(pkt.RecvDeltas)),
	}

	appendSymbol := func(symbol uint16) {
		if len(report.Status) >= count {
			return
		}
		switch symbol {
		case rtcp.TypeTCCPacketReceivedSmallDelta, rtcp.TypeTCCPacketReceivedLargeDelta:
			report.Status = append(report.Status, PacketReceived)
		default:
			report.Status = append(report.Status, PacketNotReceived)
		}
	}

	for _, chunk := range pkt.PacketChunks {
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				appendSymbol(c.PacketStatusSymbol)
			}
		case *rtcp.StatusVectorChunk:
			for _, symbol := range c.SymbolList {
				appendSymbol(symbol)
			}
		default:
			return FeedbackReport{}, fmt.Errorf("%w: unknown chunk %T", ErrMalformedFeedback, chunk)
		}
	}
	if len(report.Status) != count {
		return FeedbackReport{}, fmt.Errorf("%w: %d symbols for %d packets", ErrMalformedFeedback, len(report.Status), count)
	}

	for _, d := range pkt.RecvDeltas {
		if d == nil {
			return FeedbackReport{}, fmt.Errorf("%w: nil delta", ErrMalformedFeedback)
		}
		// pion/rtcp reports deltas in microseconds
		report.Deltas = append(report.Deltas, time.Duration(d.Delta)*time.Microsecond)
	}
	return report, nil
}

// ReceiverEstimate is the content of a REMB-style receiver bitrate report.
type ReceiverEstimate struct {
	Bitrate int64
	SSRCs   []uint32
}

// ReceiverEstimateFromRTCP extracts bitrate and SSRCs from a REMB packet.
func ReceiverEstimateFromRTCP(pkt *rtcp.ReceiverEstimatedMaximumBitrate) ReceiverEstimate {
	return ReceiverEstimate{
		Bitrate: int64(pkt.Bitrate),
		SSRCs:   pkt.SSRCs,
	}
}

// LossReport is the loss and round-trip information carried by the
// reception reports of a receiver report.
type LossReport struct {
	// FractionLossQ8 is the packet-weighted loss fraction in Q8.
	FractionLossQ8 uint8

	// RTT is the round-trip time computed from LSR/DLSR, zero if unknown.
	RTT time.Duration

	// Packets is the number of packets the loss fraction covers, as far as
	// can be derived from the extended highest sequence numbers.
	Packets int64
}

// LossReportFromRTCP aggregates the reception reports of rr that describe
// one of the local SSRCs accepted by isLocal. now is used to compute the
// round trip from the LSR/DLSR fields. prevHighest carries the extended
// highest sequence number per SSRC between calls and is updated in place.
// Returns false if no block matched.
func LossReportFromRTCP(rr *rtcp.ReceiverReport, now time.Time, isLocal func(ssrc uint32) bool, prevHighest map[uint32]uint32) (LossReport, bool) {
	var (
		lostWeighted int64
		packets      int64
		rtt          time.Duration
		matched      bool
	)
	for _, block := range rr.Reports {
		if isLocal != nil && !isLocal(block.SSRC) {
			continue
		}
		matched = true

		n := int64(1)
		if prev, ok := prevHighest[block.SSRC]; ok && block.LastSequenceNumber > prev {
			n = int64(block.LastSequenceNumber - prev)
		}
		if prevHighest != nil {
			prevHighest[block.SSRC] = block.LastSequenceNumber
		}
		lostWeighted += int64(block.FractionLost) * n
		packets += n

		if r := RoundTripFromReport(now, block.LastSenderReport, block.Delay); r > rtt {
			rtt = r
		}
	}
	if !matched {
		return LossReport{}, false
	}
	return LossReport{
		FractionLossQ8: uint8((lostWeighted + packets/2) / packets),
		RTT:            rtt,
		Packets:        packets,
	}, true
}

// RoundTripFromReport computes the round-trip time from a reception report's
// last-sender-report and delay-since-last-sender-report fields, both in the
// compact 16.16 NTP format. Returns zero if no sender report was seen yet.
func RoundTripFromReport(now time.Time, lsr, dlsr uint32) time.Duration {
	if lsr == 0 {
		return 0
	}
	compact := ntpCompact(now)
	diff := compact - lsr - dlsr
	if int32(diff) <= 0 {
		return 0
	}
	return time.Duration(uint64(diff) * uint64(time.Second) >> 16)
}

// ntpCompact returns the middle 32 bits of the 64-bit NTP timestamp of t.
func ntpCompact(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32((secs<<32|frac)>>16)
}
