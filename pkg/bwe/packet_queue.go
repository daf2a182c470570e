package bwe

import (
	"time"

	"github.com/gammazero/deque"
)

// queuedPacket is a packet descriptor waiting in the pacer.
type queuedPacket struct {
	priority       Priority
	ssrc           uint32
	sequence       uint16
	captureTime    time.Time
	enqueueTime    time.Time
	size           int
	retransmission bool
}

// packetQueue holds one FIFO per priority. Pop always serves the highest
// non-empty priority. Not safe for concurrent use; the pacer guards it.
type packetQueue struct {
	queues [numPriorities]deque.Deque[*queuedPacket]
	bytes  int
	count  int
}

func newPacketQueue() *packetQueue {
	q := &packetQueue{}
	for i := range q.queues {
		q.queues[i].SetBaseCap(64)
	}
	return q
}

func (q *packetQueue) push(p *queuedPacket) {
	q.queues[p.priority].PushBack(p)
	q.bytes += p.size
	q.count++
}

// pushFront puts a packet back at the head of its priority, e.g. after the
// sender refused it.
func (q *packetQueue) pushFront(p *queuedPacket) {
	q.queues[p.priority].PushFront(p)
	q.bytes += p.size
	q.count++
}

// peek returns the next packet without removing it, or nil.
func (q *packetQueue) peek() *queuedPacket {
	for i := range q.queues {
		if q.queues[i].Len() > 0 {
			return q.queues[i].Front()
		}
	}
	return nil
}

// pop removes and returns the next packet, or nil.
func (q *packetQueue) pop() *queuedPacket {
	for i := range q.queues {
		if q.queues[i].Len() > 0 {
			p := q.queues[i].PopFront()
			q.bytes -= p.size
			q.count--
			return p
		}
	}
	return nil
}

// oldestEnqueueTime returns the enqueue time of the packet that has waited
// longest across all priorities.
func (q *packetQueue) oldestEnqueueTime() (time.Time, bool) {
	var oldest time.Time
	found := false
	for i := range q.queues {
		if q.queues[i].Len() == 0 {
			continue
		}
		t := q.queues[i].Front().enqueueTime
		if !found || t.Before(oldest) {
			oldest = t
			found = true
		}
	}
	return oldest, found
}

func (q *packetQueue) empty() bool {
	return q.count == 0
}

func (q *packetQueue) sizeBytes() int {
	return q.bytes
}

func (q *packetQueue) sizePackets() int {
	return q.count
}
