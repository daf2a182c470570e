package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/pkg/bwe"
	gccint "github.com/thesyncim/gcc/pkg/bwe/interceptor"
)

// handleOffer answers a browser offer with a peer connection that sends
// synthetic video through the congestion controller.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		s.logger.Warn("failed to decode offer", zap.Error(err))
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	sess := newSession(s.newSessionID(), s.config, s.logger)
	pc, err := s.newPeerConnection(sess)
	if err != nil {
		s.logger.Error("failed to create peer connection", zap.String("session", sess.id), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	sess.pc = pc
	sess.onClose = func() { s.removeSession(sess.id) }

	answer, err := sess.answer(offer)
	if err != nil {
		s.logger.Warn("failed to answer offer", zap.String("session", sess.id), zap.Error(err))
		sess.close()
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}
	s.addSession(sess)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		s.logger.Warn("failed to write answer", zap.String("session", sess.id), zap.Error(err))
	}
	s.logger.Info("answered offer", zap.String("session", sess.id))
}

// newPeerConnection builds a peer connection whose outgoing video is paced
// by a fresh congestion controller bound to sess.
func (s *Server) newPeerConnection(sess *session) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// Must be registered before the PeerConnection is created so it is
	// offered in the answer. The browser then acknowledges every packet
	// with transport feedback.
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: gccint.TransportCCURI,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register transport-cc extension: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: gccint.AbsSendTimeURI,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register abs-send-time extension: %w", err)
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, webrtc.RTPCodecTypeVideo)

	i := &interceptor.Registry{}

	factory, err := gccint.NewBWEInterceptorFactory(
		gccint.WithConfig(s.config.BWE),
		gccint.WithLoggerFactory(s.factory),
		gccint.WithOnNewController(func(_ string, c *bwe.Controller) {
			sess.controller.Store(c)
		}),
		gccint.WithOnTargetBitrate(func(u bwe.TargetUpdate) {
			sess.setTarget(u)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create congestion controller: %w", err)
	}
	i.Add(factory)

	// IMPORTANT: Do NOT use RegisterDefaultInterceptors or
	// ConfigureTWCCHeaderExtensionSender. The congestion controller numbers
	// outgoing packets itself and a second transport-cc interceptor would
	// renumber them.

	// Sender reports let the browser's receiver reports carry the round
	// trip time.
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure RTCP reports: %w", err)
	}

	// Added after the congestion controller so retransmissions are paced
	// and numbered like any other packet.
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create NACK responder: %w", err)
	}
	i.Add(responder)

	se := webrtc.SettingEngine{}
	se.LoggerFactory = s.factory

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{}, // Local testing
	})
}
