package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Decode parses one inbound frame into the canonical Envelope.
//
// The returned Envelope carries the detected Dialect even when err is non-nil
// so the caller can report the failure in the shape the client used.
func Decode(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return Envelope{}, ProtocolError(CodeBadMessage, "malformed JSON")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, ProtocolError(CodeBadMessage, "unexpected trailing data")
	}
	if fields == nil {
		return Envelope{}, ProtocolError(CodeBadMessage, "message must be a JSON object")
	}

	typeRaw, ok := fields["type"]
	if !ok {
		return Envelope{}, ProtocolError(CodeMissingField, "missing type")
	}
	var wireType string
	if err := json.Unmarshal(typeRaw, &wireType); err != nil || wireType == "" {
		return Envelope{}, ProtocolError(CodeBadMessage, "type must be a non-empty string")
	}

	if isEnvelopedType(wireType) {
		return decodeEnveloped(wireType, fields)
	}
	return decodeLegacy(wireType, fields)
}

func decodeEnveloped(wireType string, fields map[string]json.RawMessage) (Envelope, error) {
	env := Envelope{Dialect: DialectEnveloped}
	op, ok := lookupOp(DialectEnveloped, wireType)
	if !ok {
		return env, ProtocolError(CodeUnknownType, "unknown message type %q", wireType)
	}
	env.Op = op

	versionRaw, ok := fields["version"]
	if !ok {
		return env, ProtocolError(CodeUnsupportedVersion, "missing version")
	}
	var version int
	if err := json.Unmarshal(versionRaw, &version); err != nil {
		return env, ProtocolError(CodeBadMessage, "version must be an integer")
	}
	if version != Version1 {
		return env, ProtocolError(CodeUnsupportedVersion, "unsupported version %d", version)
	}

	if raw, ok := fields["id"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.MessageID); err != nil {
			return env, ProtocolError(CodeBadMessage, "id must be a string")
		}
	}
	if raw, ok := fields["timestamp"]; ok && !isNull(raw) {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return env, ProtocolError(CodeBadMessage, "timestamp must be a number")
		}
		env.Timestamp = time.UnixMilli(int64(ms))
	}

	body := map[string]json.RawMessage{}
	if raw, ok := fields["payload"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &body); err != nil {
			return env, ProtocolError(CodeBadMessage, "payload must be an object")
		}
	}
	liftSDPType(body)
	if err := decodeBody(&env, body); err != nil {
		return env, err
	}
	return env, nil
}

func decodeLegacy(wireType string, fields map[string]json.RawMessage) (Envelope, error) {
	env := Envelope{Dialect: DialectLegacy}
	op, ok := lookupOp(DialectLegacy, wireType)
	if !ok {
		return env, ProtocolError(CodeUnknownType, "unknown message type %q", wireType)
	}
	env.Op = op

	body := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "type" {
			continue
		}
		body[k] = v
	}

	// Older clients nest the SDP/candidate under "payload"; lift those keys to
	// the top level without overriding anything set there.
	if raw, ok := body["payload"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil && nested != nil {
			delete(body, "payload")
			for k, v := range nested {
				if k == "type" {
					k = "sdpType"
				}
				if _, exists := body[k]; !exists {
					body[k] = v
				}
			}
		}
	}

	if err := decodeBody(&env, body); err != nil {
		return env, err
	}
	return env, nil
}

// liftSDPType reads an enveloped payload's "type" as sdpType when it names an
// SDP type. Legacy encoding reuses "type" for the op, so it would otherwise
// be lost.
func liftSDPType(body map[string]json.RawMessage) {
	raw, ok := body["type"]
	if !ok {
		return
	}
	var s string
	if json.Unmarshal(raw, &s) != nil || webrtc.NewSDPType(s) == webrtc.SDPTypeUnknown {
		return
	}
	delete(body, "type")
	if _, exists := body["sdpType"]; !exists {
		body["sdpType"] = raw
	}
}

var (
	deviceIDKeys     = []string{"deviceId", "robotId", "to"}
	connectionIDKeys = []string{"connectionId", "clientConnectionId"}
)

func decodeBody(env *Envelope, body map[string]json.RawMessage) error {
	var err error
	p := &env.Payload

	if env.TargetDeviceID, err = firstString(body, deviceIDKeys); err != nil {
		return err
	}
	if p.ConnectionID, err = firstString(body, connectionIDKeys); err != nil {
		return err
	}
	env.TargetConnectionID = p.ConnectionID

	if raw, ok := body["sdp"]; ok && !isNull(raw) {
		if err := decodeSDP(raw, p); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"from", &p.From},
		{"status", &p.Status},
		{"code", &p.Code},
		{"message", &p.Message},
		{"reason", &p.Reason},
	} {
		if *f.dst, err = stringField(body, f.key); err != nil {
			return err
		}
	}
	if p.SDPType == "" {
		if p.SDPType, err = stringField(body, "sdpType"); err != nil {
			return err
		}
	}
	if p.SDPType != "" && webrtc.NewSDPType(p.SDPType) == webrtc.SDPTypeUnknown {
		return ProtocolError(CodeBadMessage, "unsupported sdpType %q", p.SDPType)
	}

	if raw, ok := body["candidate"]; ok && !isNull(raw) {
		p.Candidate = append(json.RawMessage(nil), raw...)
	}
	if raw, ok := body["sdpMid"]; ok && !isNull(raw) {
		var mid string
		if err := json.Unmarshal(raw, &mid); err != nil {
			return ProtocolError(CodeBadMessage, "sdpMid must be a string")
		}
		p.SDPMid = &mid
	}
	if raw, ok := body["sdpMLineIndex"]; ok && !isNull(raw) {
		var idx uint16
		if err := json.Unmarshal(raw, &idx); err != nil {
			return ProtocolError(CodeBadMessage, "sdpMLineIndex must be a small non-negative integer")
		}
		p.SDPMLineIndex = &idx
	}
	if raw, ok := body["usernameFragment"]; ok && !isNull(raw) {
		var ufrag string
		if err := json.Unmarshal(raw, &ufrag); err != nil {
			return ProtocolError(CodeBadMessage, "usernameFragment must be a string")
		}
		p.UsernameFragment = &ufrag
	}
	if p.Takeover, err = boolField(body, "takeover"); err != nil {
		return err
	}
	if p.Monitor, err = boolField(body, "_monitor"); err != nil {
		return err
	}

	for k, v := range body {
		if _, known := knownBodyKeys[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

var knownBodyKeys = map[string]struct{}{
	"deviceId": {}, "robotId": {}, "to": {},
	"connectionId": {}, "clientConnectionId": {},
	"from": {}, "sdp": {}, "sdpType": {},
	"candidate": {}, "sdpMid": {}, "sdpMLineIndex": {}, "usernameFragment": {},
	"takeover": {}, "_monitor": {},
	"status": {}, "code": {}, "message": {}, "reason": {},
}

// decodeSDP accepts either a raw SDP string or a {type, sdp} session
// description object.
func decodeSDP(raw json.RawMessage, p *Payload) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		p.SDP = s
		return nil
	}
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return ProtocolError(CodeBadMessage, "sdp must be a string or session description")
	}
	p.SDP = desc.SDP
	p.SDPType = desc.Type
	return nil
}

func firstString(body map[string]json.RawMessage, keys []string) (string, error) {
	for _, k := range keys {
		v, err := stringField(body, k)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

func stringField(body map[string]json.RawMessage, key string) (string, error) {
	raw, ok := body[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", ProtocolError(CodeBadMessage, "field %q must be a string", key)
	}
	return s, nil
}

func boolField(body map[string]json.RawMessage, key string) (bool, error) {
	raw, ok := body[key]
	if !ok || isNull(raw) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, ProtocolError(CodeBadMessage, "field %q must be a boolean", key)
	}
	return b, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Encode renders env in dialect d. DialectUnknown encodes as legacy.
func Encode(env Envelope, d Dialect) ([]byte, error) {
	body := encodeBody(env)
	if d != DialectEnveloped {
		body["type"] = env.Op.WireType(DialectLegacy)
		return json.Marshal(body)
	}

	id := env.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(map[string]any{
		"type":      env.Op.WireType(DialectEnveloped),
		"version":   Version1,
		"id":        id,
		"timestamp": ts.UnixMilli(),
		"payload":   body,
	})
}

func encodeBody(env Envelope) map[string]any {
	p := env.Payload
	body := make(map[string]any, len(p.Extra)+len(p.Data)+8)
	for k, v := range p.Extra {
		body[k] = v
	}
	for k, v := range p.Data {
		body[k] = v
	}

	setString := func(key, v string) {
		if v != "" {
			body[key] = v
		}
	}
	setString("deviceId", env.TargetDeviceID)
	setString("connectionId", p.ConnectionID)
	setString("from", p.From)
	setString("sdp", p.SDP)
	setString("sdpType", p.SDPType)
	setString("status", p.Status)
	setString("code", p.Code)
	setString("message", p.Message)
	setString("reason", p.Reason)
	if p.Candidate != nil {
		body["candidate"] = p.Candidate
	}
	if p.SDPMid != nil {
		body["sdpMid"] = *p.SDPMid
	}
	if p.SDPMLineIndex != nil {
		body["sdpMLineIndex"] = *p.SDPMLineIndex
	}
	if p.UsernameFragment != nil {
		body["usernameFragment"] = *p.UsernameFragment
	}
	if p.Takeover {
		body["takeover"] = true
	}
	if p.Monitor {
		body["_monitor"] = true
	}
	return body
}
