// Package protocol is the parse boundary for the signaling relay.
//
// Two wire dialects are accepted on the same endpoint: the legacy flat JSON
// shape and the versioned enveloped shape. Both decode into a single canonical
// Envelope; nothing past this package branches on raw type strings.
package protocol

import (
	"encoding/json"
	"time"
)

// Dialect identifies the wire shape a connection speaks.
type Dialect uint8

const (
	DialectUnknown Dialect = iota
	DialectLegacy
	DialectEnveloped
)

func (d Dialect) String() string {
	switch d {
	case DialectLegacy:
		return "legacy"
	case DialectEnveloped:
		return "enveloped"
	default:
		return "unknown"
	}
}

// ParseDialect maps a dialect name (as used in the connect URL) to a Dialect.
// Unrecognized values yield DialectUnknown.
func ParseDialect(raw string) Dialect {
	switch raw {
	case "legacy", "v0":
		return DialectLegacy
	case "enveloped", "v1":
		return DialectEnveloped
	default:
		return DialectUnknown
	}
}

// Envelope is the canonical in-memory form of a single signaling message.
type Envelope struct {
	Op      Op
	Dialect Dialect

	// SenderConnectionID is stamped by the relay; it is never read from the wire.
	SenderConnectionID string

	TargetDeviceID     string
	TargetConnectionID string

	// MessageID and Timestamp are only meaningful for the enveloped dialect.
	MessageID string
	Timestamp time.Time

	Payload Payload
}

// Payload carries the operation-specific fields of an Envelope.
type Payload struct {
	SDP     string
	SDPType string

	// Candidate is forwarded verbatim. Clients send either the candidate line as
	// a string or a full RTCIceCandidateInit object.
	Candidate        json.RawMessage
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string

	// ConnectionID on inbound device messages names the operator connection the
	// message is for; on outbound forwarded messages it names the originator.
	ConnectionID string
	From         string
	Takeover     bool
	Monitor      bool

	Status  string
	Code    string
	Message string
	Reason  string

	// Data holds structured bodies for relay-originated messages (welcome,
	// capabilities). Keys are merged into the encoded body.
	Data map[string]any

	// Extra preserves unknown inbound fields so forwarding stays lossless.
	Extra map[string]json.RawMessage
}

// Clone returns a copy of e that shares no mutable state with the original.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload.Candidate != nil {
		out.Payload.Candidate = append(json.RawMessage(nil), e.Payload.Candidate...)
	}
	if e.Payload.Data != nil {
		out.Payload.Data = make(map[string]any, len(e.Payload.Data))
		for k, v := range e.Payload.Data {
			out.Payload.Data[k] = v
		}
	}
	if e.Payload.Extra != nil {
		out.Payload.Extra = make(map[string]json.RawMessage, len(e.Payload.Extra))
		for k, v := range e.Payload.Extra {
			out.Payload.Extra[k] = v
		}
	}
	return out
}

// HasSDP reports whether the payload carries a session description.
func (p Payload) HasSDP() bool {
	return p.SDP != ""
}
