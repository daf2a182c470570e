package bwe

import (
	"testing"
	"time"

	"github.com/pion/rtcp"

	"github.com/thesyncim/gcc/pkg/bwe/internal"
)

type discardSender struct{}

func (discardSender) SendPacket(uint32, uint16, time.Time, bool, int) bool { return true }
func (discardSender) SendPadding(bytes int, _ int) int                   { return bytes }

func BenchmarkPacer_EnqueueProcess(b *testing.B) {
	clock := internal.NewMockClock(testEpoch)
	p := NewPacer(DefaultPacerConfig(), discardSender{}, clock, nil)
	p.SetPacingRates(5_000_000, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Enqueue(PriorityNormal, 1, uint16(i), clock.Now(), 1200, false)
		if i%4 == 0 {
			clock.Advance(5 * time.Millisecond)
			p.Process()
		}
	}
}

func BenchmarkSendTimeHistory(b *testing.B) {
	clock := internal.NewMockClock(testEpoch)
	h := NewSendTimeHistory(DefaultSendTimeHistoryConfig(), clock)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seq := uint16(i)
		h.AddPacket(seq, 1200, NoProbeCluster)
		h.OnSentPacket(seq, clock.Now())
		h.GetInfo(seq, true)
		clock.Advance(time.Millisecond)
	}
}

func BenchmarkFeedbackFromRTCP(b *testing.B) {
	pkt := &rtcp.TransportLayerCC{
		BaseSequenceNumber: 100,
		PacketStatusCount:  14,
		PacketChunks: []rtcp.PacketStatusChunk{
			&rtcp.RunLengthChunk{PacketStatusSymbol: rtcp.TypeTCCPacketReceivedSmallDelta, RunLength: 14},
		},
	}
	for i := 0; i < 14; i++ {
		pkt.RecvDeltas = append(pkt.RecvDeltas, &rtcp.RecvDelta{Type: rtcp.TypeTCCPacketReceivedSmallDelta, Delta: 1000})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := FeedbackFromRTCP(pkt); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkController_FeedbackLoop(b *testing.B) {
	clock := internal.NewMockClock(testEpoch)
	cfg := DefaultConfig()
	cfg.ProbingEnabled = false
	c, err := NewController(cfg, discardSender{}, WithClock(clock))
	if err != nil {
		b.Fatal(err)
	}

	const perReport = 10
	var seq uint16
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		base := seq
		report := FeedbackReport{BaseSequence: base, BaseTime: time.Duration(i) * 64 * time.Millisecond}
		for j := 0; j < perReport; j++ {
			// recorded without queueing so the pacer does not grow
			c.AddPaddingPacket(seq, 1200, NoProbeCluster)
			c.OnSentPacket(seq, clock.Now())
			report.Status = append(report.Status, PacketReceived)
			report.Deltas = append(report.Deltas, 6400*time.Microsecond)
			seq++
			clock.Advance(6400 * time.Microsecond)
		}
		if err := c.OnTransportFeedback(report); err != nil {
			b.Fatal(err)
		}
	}
}
