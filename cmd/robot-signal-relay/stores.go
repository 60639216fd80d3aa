package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/presence"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/store"
)

// stores holds the backends selected by ACL_BACKEND and PRESENCE_BACKEND.
// Access and Presence are nil when the matching backend is none.
type stores struct {
	Access   store.AccessReader
	Presence store.PresenceSink

	closers []func() error
}

func (s *stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStores opens each configured backend once, even when ACLs and presence
// share it.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	var sqlite *store.SQLiteStore
	if cfg.UsesSQLite() {
		db, err := store.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		sqlite = db
		s.closers = append(s.closers, db.Close)
	}

	var dynamo *store.DynamoStore
	if cfg.UsesDynamoDB() {
		d, err := store.NewDynamoStoreFromEnv(ctx, cfg.DynamoDBACLTable, cfg.DynamoDBPresenceTable)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		dynamo = d
	}

	var access store.AccessReader
	switch cfg.ACLBackend {
	case config.StoreBackendNone:
	case config.StoreBackendMemory:
		mem, err := store.LoadMemoryStore(cfg.ACLFile)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("loaded device access lists", "path", cfg.ACLFile, "devices", len(mem.DeviceIDs()))
		access = mem
	case config.StoreBackendSQLite:
		access = sqlite
	case config.StoreBackendDynamoDB:
		access = dynamo
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unsupported acl backend %q", cfg.ACLBackend)
	}
	if access != nil && cfg.ACLCacheTTL > 0 {
		access = store.NewCachedReader(access, cfg.ACLCacheSize, cfg.ACLCacheTTL)
	}
	s.Access = access

	switch cfg.PresenceBackend {
	case config.StoreBackendNone, config.StoreBackendMemory:
		// The in-process tracker is the memory backend.
	case config.StoreBackendSQLite:
		s.Presence = sqlite
	case config.StoreBackendDynamoDB:
		s.Presence = dynamo
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unsupported presence backend %q", cfg.PresenceBackend)
	}

	return s, nil
}

// refreshAccessOnRegister drops a device's cached access list each time a new
// device connection comes online, so edits made while it was offline apply
// to its next session. It returns nil when access is not cached.
func refreshAccessOnRegister(access store.AccessReader) presence.Observer {
	cache, ok := access.(*store.CachedReader)
	if !ok {
		return nil
	}
	// Observers run on the dispatch goroutine only.
	online := make(map[string]string)
	return func(p presence.DevicePresence) {
		if p.Status != presence.StatusOnline {
			delete(online, p.DeviceID)
			return
		}
		if online[p.DeviceID] == p.OnlineConnectionID {
			return
		}
		online[p.DeviceID] = p.OnlineConnectionID
		cache.Invalidate(p.DeviceID)
	}
}
