// Package presence tracks which devices are reachable and who controls them.
//
// The dispatch goroutine is the only writer; the HTTP read path reads
// concurrently, so state is guarded by a RWMutex.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/store"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type DevicePresence struct {
	DeviceID               string    `json:"deviceId"`
	Status                 Status    `json:"status"`
	OnlineConnectionID     string    `json:"onlineConnectionId,omitempty"`
	ControllerConnectionID string    `json:"controllerConnectionId,omitempty"`
	OwnerSubject           string    `json:"ownerSubject,omitempty"`
	LastSeenAt             time.Time `json:"lastSeenAt"`
}

// Observer is notified after every transition with a copy of the new state.
type Observer func(DevicePresence)

type Tracker struct {
	mu        sync.RWMutex
	devices   map[string]*DevicePresence
	observers []Observer
	now       func() time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{devices: make(map[string]*DevicePresence), now: now}
}

// Observe registers o. Call before the tracker is in use.
func (t *Tracker) Observe(o Observer) {
	t.observers = append(t.observers, o)
}

// MarkOnline records connectionID as deviceID's online connection. owner is
// kept only if the device has no owner yet. Any controller is cleared.
func (t *Tracker) MarkOnline(deviceID, connectionID, owner string) DevicePresence {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	if !ok {
		rec = &DevicePresence{DeviceID: deviceID}
		t.devices[deviceID] = rec
	}
	rec.Status = StatusOnline
	rec.OnlineConnectionID = connectionID
	rec.ControllerConnectionID = ""
	if rec.OwnerSubject == "" {
		rec.OwnerSubject = owner
	}
	rec.LastSeenAt = t.now()
	snap := *rec
	t.mu.Unlock()

	t.notify(snap)
	return snap
}

// MarkOffline transitions deviceID to offline if connectionID is still its
// online connection. It reports whether anything changed.
func (t *Tracker) MarkOffline(deviceID, connectionID string) bool {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	if !ok || rec.Status != StatusOnline || rec.OnlineConnectionID != connectionID {
		t.mu.Unlock()
		return false
	}
	rec.Status = StatusOffline
	rec.OnlineConnectionID = ""
	rec.ControllerConnectionID = ""
	rec.LastSeenAt = t.now()
	snap := *rec
	t.mu.Unlock()

	t.notify(snap)
	return true
}

// SetController records connectionID as deviceID's controller. The device
// must be online.
func (t *Tracker) SetController(deviceID, connectionID string) bool {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	if !ok || rec.Status != StatusOnline {
		t.mu.Unlock()
		return false
	}
	if rec.ControllerConnectionID == connectionID {
		t.mu.Unlock()
		return true
	}
	rec.ControllerConnectionID = connectionID
	snap := *rec
	t.mu.Unlock()

	t.notify(snap)
	return true
}

// ClearController clears the controller if it is still connectionID.
func (t *Tracker) ClearController(deviceID, connectionID string) bool {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	if !ok || rec.ControllerConnectionID == "" || rec.ControllerConnectionID != connectionID {
		t.mu.Unlock()
		return false
	}
	rec.ControllerConnectionID = ""
	snap := *rec
	t.mu.Unlock()

	t.notify(snap)
	return true
}

// Controller returns deviceID's controller connection id, or "".
func (t *Tracker) Controller(deviceID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.devices[deviceID]; ok {
		return rec.ControllerConnectionID
	}
	return ""
}

// Owner returns the subject that first registered deviceID, or "".
func (t *Tracker) Owner(deviceID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.devices[deviceID]; ok {
		return rec.OwnerSubject
	}
	return ""
}

func (t *Tracker) GetStatus(deviceID string) (DevicePresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.devices[deviceID]
	if !ok {
		return DevicePresence{}, false
	}
	return *rec, true
}

func (t *Tracker) IsOnline(deviceID string) bool {
	p, ok := t.GetStatus(deviceID)
	return ok && p.Status == StatusOnline
}

// List returns every known device sorted by id.
func (t *Tracker) List() []DevicePresence {
	t.mu.RLock()
	out := make([]DevicePresence, 0, len(t.devices))
	for _, rec := range t.devices {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.devices {
		if rec.Status == StatusOnline {
			n++
		}
	}
	return n
}

func (t *Tracker) notify(p DevicePresence) {
	for _, o := range t.observers {
		o(p)
	}
}

// Enqueuer runs work off the dispatch goroutine.
type Enqueuer interface {
	Enqueue(name string, fn func(context.Context) error) bool
}

// PersistTo returns an Observer that writes each transition to sink through
// queue.
func PersistTo(sink store.PresenceSink, queue Enqueuer) Observer {
	return func(p DevicePresence) {
		rec := store.PresenceRecord{
			DeviceID:     p.DeviceID,
			ConnectionID: p.OnlineConnectionID,
			Status:       string(p.Status),
			OwnerSubject: p.OwnerSubject,
			UpdatedAt:    p.LastSeenAt,
		}
		queue.Enqueue("presence:"+p.DeviceID, func(ctx context.Context) error {
			return sink.SavePresence(ctx, rec)
		})
	}
}
