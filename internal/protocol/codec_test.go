package protocol

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_LegacyOffer(t *testing.T) {
	env, err := Decode([]byte(`{"type":"offer","deviceId":"robot1","sdp":"X","sdpType":"offer"}`))
	require.NoError(t, err)
	assert.Equal(t, DialectLegacy, env.Dialect)
	assert.Equal(t, OpOffer, env.Op)
	assert.Equal(t, "robot1", env.TargetDeviceID)
	assert.Equal(t, "X", env.Payload.SDP)
	assert.Equal(t, "offer", env.Payload.SDPType)
}

func TestDecode_LegacyNestedPayload(t *testing.T) {
	raw := `{"type":"offer","robotId":"r1","target":"robot","payload":{"type":"offer","sdp":"v=0"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "r1", env.TargetDeviceID)
	assert.Equal(t, "v=0", env.Payload.SDP)
	assert.Equal(t, "offer", env.Payload.SDPType)
	assert.Contains(t, env.Payload.Extra, "target")
}

func TestDecode_EnvelopedAnswer(t *testing.T) {
	raw := `{"type":"signalling.answer","version":1,"id":"m1","timestamp":1700000000000,
		"payload":{"connectionId":"c-1","sdp":"Y"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, DialectEnveloped, env.Dialect)
	assert.Equal(t, OpAnswer, env.Op)
	assert.Equal(t, "c-1", env.TargetConnectionID)
	assert.Equal(t, "c-1", env.Payload.ConnectionID)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, int64(1700000000000), env.Timestamp.UnixMilli())
}

func TestDecode_ICECandidateSpellings(t *testing.T) {
	for _, raw := range []string{
		`{"type":"ice-candidate","deviceId":"d","candidate":"candidate:1"}`,
		`{"type":"ice_candidate","deviceId":"d","candidate":"candidate:1"}`,
		`{"type":"candidate","deviceId":"d","candidate":"candidate:1"}`,
		`{"type":"signalling.ice_candidate","version":1,"payload":{"deviceId":"d","candidate":"candidate:1"}}`,
		`{"type":"signaling.ice-candidate","version":1,"payload":{"deviceId":"d","candidate":"candidate:1"}}`,
	} {
		env, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, OpICECandidate, env.Op, raw)
		assert.JSONEq(t, `"candidate:1"`, string(env.Payload.Candidate), raw)
	}
}

func TestDecode_LivenessNamespace(t *testing.T) {
	env, err := Decode([]byte(`{"type":"liveness.ping","version":1}`))
	require.NoError(t, err)
	assert.Equal(t, OpPing, env.Op)
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		code    string
		dialect Dialect
	}{
		{"malformed", `{"type":`, CodeBadMessage, DialectUnknown},
		{"array", `[1,2]`, CodeBadMessage, DialectUnknown},
		{"missing type", `{"deviceId":"x"}`, CodeMissingField, DialectUnknown},
		{"numeric type", `{"type":5}`, CodeBadMessage, DialectUnknown},
		{"unknown legacy", `{"type":"dance"}`, CodeUnknownType, DialectLegacy},
		{"unknown enveloped", `{"type":"signalling.dance","version":1}`, CodeUnknownType, DialectEnveloped},
		{"bad version", `{"type":"signalling.offer","version":2}`, CodeUnsupportedVersion, DialectEnveloped},
		{"missing version", `{"type":"signalling.offer"}`, CodeUnsupportedVersion, DialectEnveloped},
		{"bad sdpType", `{"type":"offer","sdpType":"bogus"}`, CodeBadMessage, DialectLegacy},
		{"trailing", `{"type":"ping"} {}`, CodeBadMessage, DialectUnknown},
		{"non-bool takeover", `{"type":"offer","takeover":"yes"}`, CodeBadMessage, DialectLegacy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			pe := AsError(err)
			assert.Equal(t, KindProtocol, pe.Kind)
			assert.Equal(t, tc.code, pe.Code)
			assert.Equal(t, tc.dialect, env.Dialect)
		})
	}
}

func TestEncode_LegacyShape(t *testing.T) {
	mid := "0"
	env := Envelope{
		Op:             OpICECandidate,
		TargetDeviceID: "robot1",
		Payload: Payload{
			ConnectionID: "op-1",
			Candidate:    json.RawMessage(`{"candidate":"c"}`),
			SDPMid:       &mid,
			Monitor:      true,
		},
	}
	b, err := Encode(env, DialectLegacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ice-candidate","deviceId":"robot1","connectionId":"op-1",
		"candidate":{"candidate":"c"},"sdpMid":"0","_monitor":true}`, string(b))
}

func TestEncode_EnvelopedShape(t *testing.T) {
	env := Envelope{Op: OpWelcome, Payload: Payload{ConnectionID: "c-9"}}
	b, err := Encode(env, DialectEnveloped)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "signalling.welcome", out["type"])
	assert.EqualValues(t, 1, out["version"])
	assert.NotEmpty(t, out["id"])
	assert.NotZero(t, out["timestamp"])
	assert.Equal(t, map[string]any{"connectionId": "c-9"}, out["payload"])
}

func TestEncode_UnknownDialectIsLegacy(t *testing.T) {
	b, err := Encode(Envelope{Op: OpPong}, DialectUnknown)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(b))
}

func TestRoundTrip_CrossDialect(t *testing.T) {
	in, err := Decode([]byte(`{"type":"signalling.offer","version":1,"payload":{"deviceId":"d1","sdp":"X","vendor":{"k":1}}}`))
	require.NoError(t, err)

	b, err := Encode(in, DialectLegacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","deviceId":"d1","sdp":"X","vendor":{"k":1}}`, string(b))

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in.Op, back.Op)
	assert.Equal(t, in.TargetDeviceID, back.TargetDeviceID)
	assert.Equal(t, in.Payload.SDP, back.Payload.SDP)
}

func TestRoundTrip_EnvelopedPayloadTypeSurvivesLegacy(t *testing.T) {
	in, err := Decode([]byte(`{"type":"signalling.answer","version":1,"payload":{"connectionId":"c1","sdp":"Y","type":"answer"}}`))
	require.NoError(t, err)
	assert.Equal(t, "answer", in.Payload.SDPType)

	b, err := Encode(in, DialectLegacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"answer","connectionId":"c1","sdp":"Y","sdpType":"answer"}`, string(b))

	// A payload type that is not an SDP type is passed through untouched.
	other, err := Decode([]byte(`{"type":"signalling.offer","version":1,"payload":{"deviceId":"d1","sdp":"X","type":"custom"}}`))
	require.NoError(t, err)
	assert.Empty(t, other.Payload.SDPType)
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope(RoutingError(CodeDeviceOffline, "device %q is offline", "r1"), OpOffer)
	assert.Equal(t, OpError, env.Op)
	assert.Equal(t, CodeDeviceOffline, env.Payload.Code)
	assert.Equal(t, `device "r1" is offline`, env.Payload.Message)
	assert.Equal(t, "offer", env.Payload.Data["op"])
}

func TestValidateSessionDescription(t *testing.T) {
	const offer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\na=mid:0\r\n"

	require.NoError(t, ValidateSessionDescription(offer, "offer", webrtc.SDPTypeOffer))
	assert.Error(t, ValidateSessionDescription("", "", webrtc.SDPTypeOffer))
	assert.Error(t, ValidateSessionDescription("not sdp", "", webrtc.SDPTypeOffer))
	assert.Error(t, ValidateSessionDescription(offer, "answer", webrtc.SDPTypeOffer))
}
