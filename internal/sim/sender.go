package sim

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/testutil"
)

// paddingPacketSize is a padding-only RTP packet: 12 byte header, 12 bytes
// of header extensions and a 255 byte padding payload.
const paddingPacketSize = 279

type queuedPacket struct {
	ssrc     uint32
	size     int
	extended uint32
}

// arrival is a packet on its way to the receiver.
type arrival struct {
	ssrc     uint32
	seq      uint16
	extended uint32
	size     int
	at       time.Time
}

// mediaSender numbers packets with transport-wide sequence numbers, queues
// them in the controller's pacer and puts whatever the pacer releases on
// the link.
type mediaSender struct {
	clock      *clock
	link       *testutil.Link
	controller *bwe.Controller

	nextSeq  uint16
	extended uint32
	pending  map[uint16]queuedPacket
	inFlight deque.Deque[arrival]

	mediaBytes   int
	paddingBytes int
	packets      int
}

func newMediaSender(c *clock, link *testutil.Link) *mediaSender {
	return &mediaSender{
		clock:   c,
		link:    link,
		pending: make(map[uint16]queuedPacket),
	}
}

func (m *mediaSender) allocate(ssrc uint32, size int) uint16 {
	seq := m.nextSeq
	m.nextSeq++
	m.pending[seq] = queuedPacket{ssrc: ssrc, size: size, extended: m.extended}
	m.extended++
	return seq
}

// enqueue hands a media packet to the pacer.
func (m *mediaSender) enqueue(ssrc uint32, size int, priority bwe.Priority) {
	seq := m.allocate(ssrc, size)
	m.controller.AddPacket(ssrc, seq, size, m.clock.Now(), priority, false)
}

// SendPacket implements bwe.PacketSender.
func (m *mediaSender) SendPacket(_ uint32, seq uint16, _ time.Time, _ bool, _ int) bool {
	p, ok := m.pending[seq]
	if !ok {
		return true
	}
	delete(m.pending, seq)
	m.mediaBytes += p.size
	m.transmit(seq, p)
	return true
}

// SendPadding implements bwe.PacketSender.
func (m *mediaSender) SendPadding(bytes int, probeClusterID int) int {
	sent := 0
	for sent < bytes {
		seq := m.allocate(paddingSSRC, paddingPacketSize)
		p := m.pending[seq]
		delete(m.pending, seq)
		m.controller.AddPaddingPacket(seq, paddingPacketSize, probeClusterID)
		m.transmit(seq, p)
		sent += paddingPacketSize
	}
	m.paddingBytes += sent
	return sent
}

func (m *mediaSender) transmit(seq uint16, p queuedPacket) {
	now := m.clock.Now()
	m.packets++
	m.controller.OnSentPacket(seq, now)
	if at, ok := m.link.Send(p.size, now); ok {
		m.inFlight.PushBack(arrival{ssrc: p.ssrc, seq: seq, extended: p.extended, size: p.size, at: at})
	}
}

// deliver pops every packet that has arrived by now.
func (m *mediaSender) deliver(now time.Time, fn func(arrival)) {
	for m.inFlight.Len() > 0 && !m.inFlight.Front().at.After(now) {
		fn(m.inFlight.PopFront())
	}
}
