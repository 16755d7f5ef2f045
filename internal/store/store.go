// SPDX-License-Identifier: MIT

// Package store is the persistent site state store. It owns the SQLite
// schema for lockers, the command queue, the event log, kiosk heartbeats and
// telemetry history, and exposes the locker CAS primitives every mutation
// must go through.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dolaplink/lockerd/internal/persistence/sqlite"
)

const schemaVersion = 2

// Store wraps the shared site database.
type Store struct {
	DB *sql.DB
}

// Open initializes the site store at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS lockers (
		kiosk_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'Free',
		owner_type TEXT,
		owner_key TEXT,
		reserved_at TEXT,
		owned_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		is_vip INTEGER NOT NULL DEFAULT 0,
		display_name TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kiosk_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_lockers_owner
		ON lockers(owner_key) WHERE status IN ('Owned','Opening');

	CREATE TABLE IF NOT EXISTS command_queue (
		command_id TEXT PRIMARY KEY,
		kiosk_id TEXT NOT NULL,
		command_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		executed_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pull
		ON command_queue(kiosk_id, status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		kiosk_id TEXT NOT NULL,
		locker_id INTEGER,
		event_type TEXT NOT NULL,
		rfid_card TEXT,
		device_id TEXT,
		staff_user TEXT,
		ip_address TEXT,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_kiosk_ts ON events(kiosk_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, timestamp);

	CREATE TABLE IF NOT EXISTS kiosk_heartbeat (
		kiosk_id TEXT PRIMARY KEY,
		last_seen TEXT NOT NULL,
		zone TEXT,
		status TEXT NOT NULL DEFAULT 'online',
		version TEXT,
		telemetry_data TEXT,
		last_telemetry_update TEXT
	);

	CREATE TABLE IF NOT EXISTS telemetry_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kiosk_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_kiosk_ts
		ON telemetry_history(kiosk_id, recorded_at);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Shared timestamp helpers ---

// TimeLayout is the storage format for every TEXT timestamp column: UTC
// RFC3339 with a fixed nine-digit fraction. The columns are compared
// lexicographically in SQL, so the width must be constant; RFC3339Nano trims
// trailing zeros and would sort "10:00:00Z" after "10:00:00.5Z".
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in TimeLayout. Every value written to or
// compared against a timestamp column goes through this.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RFC3339 timestamp %q: %w", ns.String, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return FormatTime(t)
}
