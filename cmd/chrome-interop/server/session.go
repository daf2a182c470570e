package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/pkg/bwe"
)

const (
	videoClockRate = 90000
	maxPayloadSize = 1100
	minFrameSize   = 200
	keyFrameEvery  = 2 * time.Second
)

// session is one browser call. Its video track carries VP8-shaped frames
// sized from the controller's target. The payloads are not decodable; the
// browser still acknowledges every packet.
type session struct {
	id        string
	started   time.Time
	frameRate int
	logger    *zap.Logger

	pc         *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticRTP
	controller atomic.Pointer[bwe.Controller]
	target     atomic.Int64
	sentBytes  atomic.Uint64
	onClose    func()

	mu         sync.Mutex
	connection webrtc.PeerConnectionState

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func newSession(id string, cfg Config, logger *zap.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:         id,
		started:    time.Now(),
		frameRate:  cfg.FrameRate,
		logger:     logger.With(zap.String("session", id)),
		ctx:        ctx,
		cancel:     cancel,
		connection: webrtc.PeerConnectionStateNew,
	}
	s.target.Store(cfg.BWE.StartBitrate)
	return s
}

// Stats returns the controller's stats, zero before the first stream is
// bound.
func (s *session) Stats() bwe.Stats {
	if c := s.controller.Load(); c != nil {
		return c.Stats()
	}
	return bwe.Stats{}
}

func (s *session) stats() SessionStats {
	s.mu.Lock()
	connection := s.connection
	s.mu.Unlock()
	return SessionStats{
		ID:         s.id,
		Connection: connection.String(),
		Started:    s.started,
		Target:     s.target.Load(),
		SentBytes:  s.sentBytes.Load(),
		Stats:      s.Stats(),
	}
}

func (s *session) setTarget(u bwe.TargetUpdate) {
	if prev := s.target.Swap(u.Bitrate); prev != u.Bitrate {
		s.logger.Debug("target changed",
			zap.Int64("bitrate", u.Bitrate),
			zap.Uint8("loss_q8", u.FractionLossQ8),
			zap.Duration("rtt", u.RTT))
	}
}

// answer adds the video track, applies the offer and returns the answer
// with every ICE candidate gathered.
func (s *session) answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: videoClockRate,
	}, "video", "gcc")
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	s.track = track

	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	// RTCP must be read for the interceptors to see it.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	s.pc.OnConnectionStateChange(s.onConnectionState)

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return s.pc.LocalDescription(), nil
}

func (s *session) onConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.connection = state
	s.mu.Unlock()
	s.logger.Info("connection state", zap.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.startOnce.Do(func() {
			s.wg.Add(1)
			go s.sendLoop()
		})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go s.close()
	}
}

// sendLoop writes one frame per frame interval, sized from the target.
func (s *session) sendLoop() {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f := frameWriter{
		track:         s.track,
		timestampStep: uint32(videoClockRate / s.frameRate),
		keyFrameEvery: max(1, int(keyFrameEvery/interval)),
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			size := max(minFrameSize, int(s.target.Load()/8/int64(s.frameRate)))
			n, err := f.writeFrame(size)
			s.sentBytes.Add(uint64(n))
			if err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					s.logger.Warn("write frame", zap.Error(err))
				}
				return
			}
		}
	}
}

func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("close peer connection", zap.Error(err))
		}
	}
	s.wg.Wait()
	if s.onClose != nil {
		s.onClose()
	}
	s.logger.Info("session closed", zap.Uint64("sent_bytes", s.sentBytes.Load()))
}

// frameWriter packetizes synthetic frames with a VP8 payload descriptor.
type frameWriter struct {
	track interface {
		WriteRTP(*rtp.Packet) error
	}
	timestampStep uint32
	keyFrameEvery int

	frames    int
	sequence  uint16
	timestamp uint32
}

// writeFrame sends a frame of size payload bytes and returns the bytes
// written.
func (f *frameWriter) writeFrame(size int) (int, error) {
	key := f.frames%f.keyFrameEvery == 0
	f.frames++

	written := 0
	for offset := 0; offset < size; offset += maxPayloadSize {
		chunk := min(maxPayloadSize, size-offset)
		payload := make([]byte, 1+chunk)
		if offset == 0 {
			// Descriptor S bit marks the start of a partition. The first
			// frame header bit is clear for key frames.
			payload[0] = 0x10
			if !key {
				payload[1] = 0x01
			}
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         offset+chunk >= size,
				SequenceNumber: f.sequence,
				Timestamp:      f.timestamp,
			},
			Payload: payload,
		}
		f.sequence++
		if err := f.track.WriteRTP(pkt); err != nil {
			return written, err
		}
		written += len(payload)
	}
	f.timestamp += f.timestampStep
	return written, nil
}
