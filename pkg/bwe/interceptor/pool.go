package interceptor

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// pendingPacket is an outgoing RTP packet held until the pacer releases it.
type pendingPacket struct {
	header  rtp.Header
	payload []byte
	attrs   interceptor.Attributes
	stream  *streamState
}

// pendingPool recycles pendingPacket objects and their payload buffers.
// Every outgoing packet passes through one, so this keeps the pacing path
// free of per-packet allocations once warmed up.
var pendingPool = sync.Pool{
	New: func() any {
		return &pendingPacket{payload: make([]byte, 0, 1500)}
	},
}

// getPending retrieves a pendingPacket holding a copy of payload.
func getPending(payload []byte) *pendingPacket {
	p := pendingPool.Get().(*pendingPacket)
	p.payload = append(p.payload[:0], payload...)
	return p
}

// putPending clears p and returns it to the pool.
func putPending(p *pendingPacket) {
	p.header = rtp.Header{}
	p.payload = p.payload[:0]
	p.attrs = nil
	p.stream = nil
	pendingPool.Put(p)
}
