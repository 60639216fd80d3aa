// Package registrytest provides an in-memory registry.Transport for tests.
package registrytest

import (
	"encoding/json"
	"sync"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

// Transport records every frame it is sent.
type Transport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason error

	// SendErr, when set, is returned from Send instead of recording.
	SendErr error
}

func NewTransport() *Transport { return &Transport{} }

func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return registry.ErrConnectionClosed
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *Transport) Close(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.reason = reason
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Frames returns the raw frames received so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

// Envelopes decodes every received frame. Frames that fail to decode are
// returned with OpUnknown.
func (t *Transport) Envelopes() []protocol.Envelope {
	frames := t.Frames()
	out := make([]protocol.Envelope, 0, len(frames))
	for _, f := range frames {
		env, _ := protocol.Decode(f)
		out = append(out, env)
	}
	return out
}

// Maps decodes every received frame as a generic JSON object.
func (t *Transport) Maps() []map[string]any {
	frames := t.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		_ = json.Unmarshal(f, &m)
		out = append(out, m)
	}
	return out
}

// Last returns the most recent frame decoded as an Envelope.
func (t *Transport) Last() (protocol.Envelope, bool) {
	envs := t.Envelopes()
	if len(envs) == 0 {
		return protocol.Envelope{}, false
	}
	return envs[len(envs)-1], true
}

// Reset discards recorded frames.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}
