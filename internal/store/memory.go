package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// aclFile is the YAML layout accepted by LoadMemoryStore:
//
//	devices:
//	  robot-1:
//	    kind: rover
//	    allowedUsers: [alice, bob]
type aclFile struct {
	Devices map[string]DeviceRecord `yaml:"devices"`
}

// MemoryStore is a process-local AccessReader.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]DeviceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]DeviceRecord)}
}

// LoadMemoryStore reads device records from a YAML file. An empty path
// yields an empty store.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	s := NewMemoryStore()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acl file: %w", err)
	}
	if err := s.LoadYAML(raw); err != nil {
		return nil, fmt.Errorf("parse acl file %s: %w", path, err)
	}
	return s, nil
}

// LoadYAML merges the devices in raw into the store.
func (s *MemoryStore) LoadYAML(raw []byte) error {
	var f aclFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	for id, rec := range f.Devices {
		if id == "" {
			return fmt.Errorf("device with empty id")
		}
		rec.DeviceID = id
		s.Put(rec)
	}
	return nil
}

func (s *MemoryStore) Put(rec DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.AllowedUsers = append([]string(nil), rec.AllowedUsers...)
	s.devices[rec.DeviceID] = rec
}

func (s *MemoryStore) Device(_ context.Context, deviceID string) (DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[deviceID]
	if !ok {
		return DeviceRecord{}, ErrNotFound
	}
	rec.AllowedUsers = append([]string(nil), rec.AllowedUsers...)
	return rec, nil
}

func (s *MemoryStore) AllowedUsers(ctx context.Context, deviceID string) ([]string, error) {
	rec, err := s.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.AllowedUsers, nil
}

// DeviceIDs lists the known devices in sorted order.
func (s *MemoryStore) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
