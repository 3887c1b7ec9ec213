// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// WorkerRecord is the persisted shape of a worker lifecycle record
// (SPEC_FULL.md §3 "Worker").
type WorkerRecord struct {
	ID            string
	Handle        string
	TeamName      string
	Role          string
	SwarmID       string
	DepthLevel    int
	SpawnMode     string
	State         string
	SessionID     string
	WorkingDir    string
	PaneID        string
	PID           int
	CreatedAt     time.Time
	LastHeartbeat time.Time
	TrashedAt     time.Time
	// LastEventType is the Log Parser event type last observed on this
	// worker's stdout (SPEC_FULL.md §4.4), persisted so a respawn across an
	// orchestrator restart can tell whether the worker was mid-turn or
	// already idle at a clean "result" when it was lost.
	LastEventType string
}

// SaveWorker upserts a worker record, keyed on id.
func (s *Store) SaveWorker(w WorkerRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, handle, team_name, role, swarm_id, depth_level, spawn_mode,
			state, session_id, working_dir, pane_id, pid, created_at, last_heartbeat, trashed_at,
			last_event_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handle=excluded.handle, team_name=excluded.team_name, role=excluded.role,
			swarm_id=excluded.swarm_id, depth_level=excluded.depth_level,
			spawn_mode=excluded.spawn_mode, state=excluded.state, session_id=excluded.session_id,
			working_dir=excluded.working_dir, pane_id=excluded.pane_id, pid=excluded.pid,
			last_heartbeat=excluded.last_heartbeat, trashed_at=excluded.trashed_at,
			last_event_type=excluded.last_event_type`,
		w.ID, w.Handle, w.TeamName, w.Role, w.SwarmID, w.DepthLevel, w.SpawnMode,
		w.State, w.SessionID, w.WorkingDir, w.PaneID, w.PID,
		formatTime(w.CreatedAt), formatTime(w.LastHeartbeat), formatTime(w.TrashedAt),
		w.LastEventType)
	if err != nil {
		return fmt.Errorf("storage: save worker %s: %w", w.Handle, err)
	}
	return nil
}

// DeleteWorker removes a worker record by id. No error for an unknown id.
func (s *Store) DeleteWorker(id string) error {
	if _, err := s.db.Exec("DELETE FROM workers WHERE id = ?", id); err != nil {
		return fmt.Errorf("storage: delete worker %s: %w", id, err)
	}
	return nil
}

// GetWorker returns the worker record for id, or (nil, nil) if absent.
func (s *Store) GetWorker(id string) (*WorkerRecord, error) {
	row := s.db.QueryRow(workerSelectCols+" FROM workers WHERE id = ?", id)
	return scanWorker(row)
}

// GetWorkerByHandle returns the worker record for handle, or (nil, nil) if absent.
func (s *Store) GetWorkerByHandle(handle string) (*WorkerRecord, error) {
	row := s.db.QueryRow(workerSelectCols+" FROM workers WHERE handle = ?", handle)
	return scanWorker(row)
}

// ListWorkers returns every persisted worker record, live or trashed.
func (s *Store) ListWorkers() ([]WorkerRecord, error) {
	rows, err := s.db.Query(workerSelectCols + " FROM workers ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("storage: list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		w, err := scanWorkerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListTrashedOlderThan returns worker records whose trashed_at is set and
// older than cutoff. The Worker Manager never sets trashed_at, and no
// retention sweep calls this.
func (s *Store) ListTrashedOlderThan(cutoff time.Time) ([]WorkerRecord, error) {
	rows, err := s.db.Query(workerSelectCols+` FROM workers
		WHERE trashed_at != '' AND trashed_at < ? ORDER BY trashed_at`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("storage: list trashed workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		w, err := scanWorkerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const workerSelectCols = `SELECT id, handle, team_name, role, swarm_id, depth_level, spawn_mode,
	state, session_id, working_dir, pane_id, pid, created_at, last_heartbeat, trashed_at,
	last_event_type`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row *sql.Row) (*WorkerRecord, error) {
	w, err := scanWorkerFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan worker: %w", err)
	}
	return w, nil
}

func scanWorkerRow(rows *sql.Rows) (*WorkerRecord, error) {
	w, err := scanWorkerFields(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan worker: %w", err)
	}
	return w, nil
}

func scanWorkerFields(r rowScanner) (*WorkerRecord, error) {
	var w WorkerRecord
	var createdAt, lastHeartbeat, trashedAt string
	if err := r.Scan(&w.ID, &w.Handle, &w.TeamName, &w.Role, &w.SwarmID, &w.DepthLevel,
		&w.SpawnMode, &w.State, &w.SessionID, &w.WorkingDir, &w.PaneID, &w.PID,
		&createdAt, &lastHeartbeat, &trashedAt, &w.LastEventType); err != nil {
		return nil, err
	}
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if w.TrashedAt, err = parseTime(trashedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
