package sim

import (
	"time"

	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// receiver is the remote peer: it records arrivals for transport feedback,
// measures loss for receiver reports and optionally caps the sender with
// REMB.
type receiver struct {
	start    time.Time
	recorder *twcc.Recorder
	remb     *bwe.REMBSender
	rembRate int64

	received    int64
	highest     uint32
	haveHighest bool
	lastHighest int64
	totalLost   uint32

	lsr       uint32
	srArrival time.Time
}

func newReceiver(start time.Time, rembRate int64) *receiver {
	return &receiver{
		start:       start,
		recorder:    twcc.NewRecorder(receiverSSRC),
		remb:        bwe.NewREMBSender(bwe.REMBSenderConfig{SenderSSRC: receiverSSRC}),
		rembRate:    rembRate,
		lastHighest: -1,
	}
}

func (r *receiver) onPacket(a arrival) {
	r.recorder.Record(a.ssrc, a.seq, a.at.Sub(r.start).Microseconds())
	r.received++
	if !r.haveHighest || a.extended > r.highest {
		r.highest = a.extended
		r.haveHighest = true
	}
}

func (r *receiver) onSenderReport(sr *rtcp.SenderReport, now time.Time) {
	r.lsr = uint32(sr.NTPTime >> 16)
	r.srArrival = now
}

// feedback returns the transport feedback for everything recorded since
// the last call, plus a REMB when one is due.
func (r *receiver) feedback(now time.Time) []rtcp.Packet {
	pkts := r.recorder.BuildFeedbackPacket()
	if r.rembRate > 0 {
		if remb, ok := r.remb.MaybeBuild(r.rembRate, []uint32{videoSSRC}, now); ok {
			pkts = append(pkts, remb)
		}
	}
	return pkts
}

// report builds a receiver report covering the packets since the previous
// one, or nil before anything arrived.
func (r *receiver) report(now time.Time) *rtcp.ReceiverReport {
	if !r.haveHighest {
		return nil
	}
	expected := int64(r.highest) - r.lastHighest
	lost := max(0, expected-r.received)
	var fraction int64
	if expected > 0 {
		fraction = min(255, lost*256/expected)
	}
	r.totalLost += uint32(lost)

	var dlsr uint32
	if r.lsr != 0 {
		dlsr = uint32(now.Sub(r.srArrival).Seconds() * 65536)
	}

	r.lastHighest = int64(r.highest)
	r.received = 0
	return &rtcp.ReceiverReport{
		SSRC: receiverSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               videoSSRC,
			FractionLost:       uint8(fraction),
			TotalLost:          r.totalLost,
			LastSequenceNumber: r.highest,
			LastSenderReport:   r.lsr,
			Delay:              dlsr,
		}},
	}
}

// ntpTime converts t to a 64-bit NTP timestamp.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}
