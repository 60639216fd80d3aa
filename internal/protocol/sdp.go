package protocol

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ValidateSessionDescription checks that raw parses as SDP with at least one
// media section and, when sdpType is set, that it matches want.
//
// The relay never interprets SDP; this only runs when strict validation is
// enabled so obviously broken offers are rejected before reaching a device.
func ValidateSessionDescription(raw, sdpType string, want webrtc.SDPType) error {
	if raw == "" {
		return ProtocolError(CodeMissingField, "missing sdp")
	}
	if sdpType != "" && webrtc.NewSDPType(sdpType) != want {
		return ProtocolError(CodeInvalidSDP, "sdpType %q does not match %s", sdpType, want)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return &Error{Kind: KindProtocol, Code: CodeInvalidSDP, Message: "sdp does not parse", Err: err}
	}
	if len(desc.MediaDescriptions) == 0 {
		return ProtocolError(CodeInvalidSDP, "sdp has no media sections")
	}
	return nil
}
