package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Pure-Go SQLite driver; registers "sqlite" with database/sql.
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

// SQLiteStore keeps access lists and presence snapshots in a local SQLite
// database. It implements AccessReader and PresenceSink.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations. Use ":memory:" in tests.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection; pin the pool to one.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Info("sqlite store ready", "path", path, "schema_version", currentSchemaVersion)
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []struct {
		version int
		stmts   []string
	}{
		{1, []string{
			`CREATE TABLE IF NOT EXISTS devices (
				device_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL DEFAULT '',
				legacy_type TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS device_access (
				device_id TEXT NOT NULL,
				subject TEXT NOT NULL,
				PRIMARY KEY (device_id, subject)
			)`,
		}},
		{2, []string{
			`CREATE TABLE IF NOT EXISTS device_presence (
				device_id TEXT PRIMARY KEY,
				connection_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				owner_subject TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			)`,
		}},
	}
	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := s.migrate(m.version, m.stmts); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(version int, stmts []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// PutDevice upserts rec and replaces its access list.
func (s *SQLiteStore) PutDevice(ctx context.Context, rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, kind, legacy_type) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET kind = excluded.kind, legacy_type = excluded.legacy_type`,
		rec.DeviceID, rec.Kind, rec.LegacyType); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM device_access WHERE device_id = ?", rec.DeviceID); err != nil {
		return fmt.Errorf("clear access: %w", err)
	}
	for _, subject := range rec.AllowedUsers {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO device_access (device_id, subject) VALUES (?, ?)",
			rec.DeviceID, subject); err != nil {
			return fmt.Errorf("insert access: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Device(ctx context.Context, deviceID string) (DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := DeviceRecord{DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, "SELECT kind, legacy_type FROM devices WHERE device_id = ?", deviceID).
		Scan(&rec.Kind, &rec.LegacyType)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRecord{}, ErrNotFound
	}
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("query device: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT subject FROM device_access WHERE device_id = ? ORDER BY subject", deviceID)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("query access: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return DeviceRecord{}, fmt.Errorf("scan access: %w", err)
		}
		rec.AllowedUsers = append(rec.AllowedUsers, subject)
	}
	return rec, rows.Err()
}

func (s *SQLiteStore) AllowedUsers(ctx context.Context, deviceID string) ([]string, error) {
	rec, err := s.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.AllowedUsers, nil
}

func (s *SQLiteStore) SavePresence(ctx context.Context, rec PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_presence (device_id, connection_id, status, owner_subject, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			connection_id = excluded.connection_id,
			status = excluded.status,
			owner_subject = CASE WHEN excluded.owner_subject = '' THEN device_presence.owner_subject ELSE excluded.owner_subject END,
			updated_at = excluded.updated_at`,
		rec.DeviceID, rec.ConnectionID, rec.Status, rec.OwnerSubject, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// LoadPresence returns the last persisted presence for deviceID.
func (s *SQLiteStore) LoadPresence(ctx context.Context, deviceID string) (PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := PresenceRecord{DeviceID: deviceID}
	var updatedMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT connection_id, status, owner_subject, updated_at FROM device_presence WHERE device_id = ?", deviceID).
		Scan(&rec.ConnectionID, &rec.Status, &rec.OwnerSubject, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceRecord{}, ErrNotFound
	}
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("load presence: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return rec, nil
}
