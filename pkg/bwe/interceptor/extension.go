package interceptor

import (
	"github.com/pion/interceptor"
)

// RTP header extension URIs negotiated in SDP. Their IDs are provided via
// StreamInfo.RTPHeaderExtensions.
const (
	// TransportCCURI is the transport-wide sequence number extension
	// (2 bytes). Feedback packets refer to these sequence numbers.
	TransportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

	// AbsSendTimeURI is the absolute send time extension (3 bytes, 6.18
	// fixed point seconds, wraps every 64 s).
	AbsSendTimeURI = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
)

// FindExtensionID searches for an extension with the given URI in the list
// of negotiated RTP header extensions and returns its ID.
//
// Returns 0 if the extension is not found. Extension ID 0 is invalid per
// RFC 8285, so 0 means "not negotiated".
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindTransportCCID returns the transport-cc extension ID, 0 if it was not
// negotiated.
func FindTransportCCID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, TransportCCURI)
}

// FindAbsSendTimeID returns the abs-send-time extension ID, 0 if it was not
// negotiated.
func FindAbsSendTimeID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, AbsSendTimeURI)
}
