// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage is the Persistence component (SPEC_FULL.md §4.3/§6): a
// transactional sqlite store for worker lifecycle records and blackboard
// messages. Grounded on jaakkos-stringwork's internal/repository/sqlite/store.go
// (sql.Open with WAL + busy_timeout, CREATE TABLE IF NOT EXISTS schema,
// fmt.Errorf-wrapped column-by-column errors) generalized from a whole-state
// Load/Save into per-record CRUD, since workers and blackboard messages are
// written incrementally rather than snapshotted as one blob.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	handle TEXT NOT NULL,
	team_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	swarm_id TEXT NOT NULL DEFAULT '',
	depth_level INTEGER NOT NULL DEFAULT 0,
	spawn_mode TEXT NOT NULL DEFAULT 'process',
	state TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	working_dir TEXT NOT NULL DEFAULT '',
	pane_id TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL DEFAULT '',
	trashed_at TEXT NOT NULL DEFAULT '',
	last_event_type TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_handle ON workers(handle);
CREATE TABLE IF NOT EXISTS blackboard (
	id TEXT PRIMARY KEY,
	swarm_id TEXT NOT NULL,
	sender_handle TEXT NOT NULL,
	message_type TEXT NOT NULL,
	target_handle TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	payload TEXT NOT NULL DEFAULT '{}',
	read_by TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	archived_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_blackboard_scope
	ON blackboard(swarm_id, archived_at, message_type, priority, created_at DESC);
`

// Store is the sqlite-backed Persistence handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
