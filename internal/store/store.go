// Package store holds device access lists and persisted presence snapshots.
//
// Three backends are provided: an in-memory store seeded from YAML, SQLite,
// and DynamoDB. All of them satisfy AccessReader; the persistent ones also
// satisfy PresenceSink.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a device has no access record. Callers treat
// such devices as public.
var ErrNotFound = errors.New("device not found")

// DeviceRecord describes a device known to the access-list store.
type DeviceRecord struct {
	DeviceID     string   `yaml:"-"`
	AllowedUsers []string `yaml:"allowedUsers"`
	// Kind is the current device classification. LegacyType is the field
	// older provisioning tools wrote.
	Kind       string `yaml:"kind"`
	LegacyType string `yaml:"type"`
}

// EffectiveKind returns Kind when set and falls back to LegacyType.
func (r DeviceRecord) EffectiveKind() string {
	if r.Kind != "" {
		return r.Kind
	}
	return r.LegacyType
}

// AccessReader resolves device access lists.
type AccessReader interface {
	AllowedUsers(ctx context.Context, deviceID string) ([]string, error)
	Device(ctx context.Context, deviceID string) (DeviceRecord, error)
}

// PresenceRecord is the persisted shape of a device's presence.
type PresenceRecord struct {
	DeviceID     string
	ConnectionID string
	Status       string
	OwnerSubject string
	UpdatedAt    time.Time
}

// PresenceSink persists presence transitions.
type PresenceSink interface {
	SavePresence(ctx context.Context, rec PresenceRecord) error
}
