// Package interceptor provides a Pion WebRTC interceptor for send-side
// congestion control using Google Congestion Control (GCC).
//
// The interceptor stamps every outgoing RTP packet with a transport-wide
// sequence number, paces it through a bwe.Controller and feeds the
// transport feedback (TWCC), REMB and receiver reports coming back from the
// remote peer into the same Controller. The resulting target bitrate is
// published to observers, typically the encoder.
//
// # Quick Start
//
// Register the interceptor factory with your Pion WebRTC API:
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    "github.com/thesyncim/gcc/pkg/bwe"
//	    gccint "github.com/thesyncim/gcc/pkg/bwe/interceptor"
//	)
//
//	func setupPeerConnection() (*webrtc.PeerConnection, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//	    if err := m.RegisterHeaderExtension(
//	        webrtc.RTPHeaderExtensionCapability{URI: gccint.TransportCCURI},
//	        webrtc.RTPCodecTypeVideo,
//	    ); err != nil {
//	        return nil, err
//	    }
//
//	    i := &interceptor.Registry{}
//	    factory, err := gccint.NewBWEInterceptorFactory(
//	        gccint.WithOnTargetBitrate(func(u bwe.TargetUpdate) {
//	            encoder.SetBitrate(u.Bitrate)
//	        }),
//	    )
//	    if err != nil {
//	        return nil, err
//	    }
//	    i.Add(factory)
//
//	    api := webrtc.NewAPI(
//	        webrtc.WithMediaEngine(m),
//	        webrtc.WithInterceptorRegistry(i),
//	    )
//	    return api.NewPeerConnection(webrtc.Configuration{})
//	}
//
// Do not also register pion's own transport-cc header extension
// interceptor: both would number the same packets.
//
// # How It Works
//
// 1. When a local stream is bound (BindLocalStream), the interceptor looks
// up the negotiated transport-cc and abs-send-time extension IDs and
// starts the Controller's pacer on the first stream.
//
// 2. Every RTP packet written to the stream is copied into a pooled buffer,
// given the next transport-wide sequence number and queued in the pacer.
// Audio and retransmissions drain first, FEC last.
//
// 3. When the pacer releases a packet, abs-send-time is stamped (if
// negotiated), the packet is written and its send time recorded.
//
// 4. Padding and probe padding are sent as padding-only packets on the
// padding SSRC (WithPaddingSSRC) or on a retransmission SSRC.
//
// 5. Incoming RTCP (BindRTCPReader) is parsed: transport feedback updates
// the delay-based estimate, REMB caps the target and receiver reports
// provide loss and round-trip time.
//
// 6. Inactive streams (no packets for Config.StreamTimeout) are removed.
package interceptor
