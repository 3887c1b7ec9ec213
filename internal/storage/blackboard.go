// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BlackboardMessage is the persisted shape of a blackboard message
// (SPEC_FULL.md §3 "Blackboard message").
type BlackboardMessage struct {
	ID           string
	SwarmID      string
	SenderHandle string
	MessageType  string
	TargetHandle string
	Priority     string
	Payload      json.RawMessage
	ReadBy       []string
	CreatedAt    time.Time
	ArchivedAt   time.Time
}

// InsertMessage persists a new blackboard message. Blackboard posts are
// atomic at the storage layer per SPEC_FULL.md §7 — the bus fan-out happens
// only after this call succeeds.
func (s *Store) InsertMessage(m BlackboardMessage) error {
	readBy, err := json.Marshal(m.ReadBy)
	if err != nil {
		return fmt.Errorf("storage: marshal read_by: %w", err)
	}
	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO blackboard (id, swarm_id, sender_handle, message_type, target_handle,
			priority, payload, read_by, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SwarmID, m.SenderHandle, m.MessageType, m.TargetHandle, m.Priority,
		string(payload), string(readBy), formatTime(m.CreatedAt), formatTime(m.ArchivedAt))
	if err != nil {
		return fmt.Errorf("storage: insert blackboard message %s: %w", m.ID, err)
	}
	return nil
}

// MarkRead adds handle to a message's read_by set, idempotently.
func (s *Store) MarkRead(id, handle string) error {
	row := s.db.QueryRow("SELECT read_by FROM blackboard WHERE id = ?", id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if isNoRows(err) {
			return nil
		}
		return fmt.Errorf("storage: mark read %s: %w", id, err)
	}
	var readBy []string
	if err := json.Unmarshal([]byte(raw), &readBy); err != nil {
		return fmt.Errorf("storage: unmarshal read_by for %s: %w", id, err)
	}
	for _, h := range readBy {
		if h == handle {
			return nil
		}
	}
	readBy = append(readBy, handle)
	updated, err := json.Marshal(readBy)
	if err != nil {
		return fmt.Errorf("storage: marshal read_by for %s: %w", id, err)
	}
	if _, err := s.db.Exec("UPDATE blackboard SET read_by = ? WHERE id = ?", string(updated), id); err != nil {
		return fmt.Errorf("storage: mark read %s: %w", id, err)
	}
	return nil
}

// GetMessage returns a single message by id, or (nil, nil) if absent.
func (s *Store) GetMessage(id string) (*BlackboardMessage, error) {
	row := s.db.QueryRow(`SELECT id, swarm_id, sender_handle, message_type, target_handle,
		priority, payload, read_by, created_at, archived_at FROM blackboard WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get message %s: %w", id, err)
	}
	return m, nil
}

// MarkReadBatch idempotently adds readerHandle to read_by for every id in
// ids, returning the count of messages actually updated (ids that did not
// already have readerHandle in read_by).
func (s *Store) MarkReadBatch(ids []string, readerHandle string) (int, error) {
	updated := 0
	for _, id := range ids {
		m, err := s.GetMessage(id)
		if err != nil {
			return updated, err
		}
		if m == nil || containsHandle(m.ReadBy, readerHandle) {
			continue
		}
		if err := s.MarkRead(id, readerHandle); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// ArchiveMessage sets archived_at on a single message.
func (s *Store) ArchiveMessage(id string, at time.Time) error {
	if _, err := s.db.Exec("UPDATE blackboard SET archived_at = ? WHERE id = ?", formatTime(at), id); err != nil {
		return fmt.Errorf("storage: archive message %s: %w", id, err)
	}
	return nil
}

// ArchiveMessages archives every id whose archived_at is still unset,
// returning the count actually archived.
func (s *Store) ArchiveMessages(ids []string, at time.Time) (int, error) {
	archived := 0
	for _, id := range ids {
		res, err := s.db.Exec("UPDATE blackboard SET archived_at = ? WHERE id = ? AND archived_at = ''", formatTime(at), id)
		if err != nil {
			return archived, fmt.Errorf("storage: archive messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return archived, fmt.Errorf("storage: archive messages rows affected: %w", err)
		}
		archived += int(n)
	}
	return archived, nil
}

// ArchiveOlderThan archives every unarchived message in swarmId created
// before cutoff, returning the count archived.
func (s *Store) ArchiveOlderThan(swarmID string, cutoff, now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE blackboard SET archived_at = ?
		WHERE swarm_id = ? AND archived_at = '' AND created_at < ?`,
		formatTime(now), swarmID, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: archive older than: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: archive older than rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteArchivedOlderThan permanently removes archived messages older than
// cutoff across all swarms, returning the count deleted.
func (s *Store) DeleteArchivedOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM blackboard WHERE archived_at != '' AND archived_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: delete archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: delete archived rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteArchivedForSwarm permanently removes every archived message in
// swarmID, returning the count deleted.
func (s *Store) DeleteArchivedForSwarm(swarmID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM blackboard WHERE swarm_id = ? AND archived_at != ''`, swarmID)
	if err != nil {
		return 0, fmt.Errorf("storage: delete archived for swarm %s: %w", swarmID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: delete archived for swarm rows affected: %w", err)
	}
	return int(n), nil
}

// MessageFilter narrows ReadMessages results.
type MessageFilter struct {
	MessageType     string
	TargetHandle    string // when set, also includes broadcasts (empty target)
	Priority        string
	UnreadOnly      bool
	ReaderHandle    string
	Limit           int
	IncludeArchived bool
}

// priorityRank maps the spec's priority names to a numeric rank for ordering.
var priorityRank = `CASE priority
	WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 WHEN 'low' THEN 0 ELSE 1 END`

// ReadMessages returns swarmId's messages matching filter, ordered by
// priority descending then createdAt descending, tie-broken by id ascending.
func (s *Store) ReadMessages(swarmID string, filter MessageFilter) ([]BlackboardMessage, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, swarm_id, sender_handle, message_type, target_handle, priority,
		payload, read_by, created_at, archived_at FROM blackboard WHERE swarm_id = ?`)
	args := []interface{}{swarmID}

	if !filter.IncludeArchived {
		sb.WriteString(" AND archived_at = ''")
	}
	if filter.MessageType != "" {
		sb.WriteString(" AND message_type = ?")
		args = append(args, filter.MessageType)
	}
	if filter.TargetHandle != "" {
		sb.WriteString(" AND (target_handle = ? OR target_handle = '')")
		args = append(args, filter.TargetHandle)
	}
	if filter.Priority != "" {
		sb.WriteString(" AND priority = ?")
		args = append(args, filter.Priority)
	}
	sb.WriteString(" ORDER BY " + priorityRank + " DESC, created_at DESC, id ASC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: read messages: %w", err)
	}
	defer rows.Close()

	var out []BlackboardMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if filter.UnreadOnly && filter.ReaderHandle != "" && containsHandle(m.ReadBy, filter.ReaderHandle) {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func containsHandle(handles []string, handle string) bool {
	for _, h := range handles {
		if h == handle {
			return true
		}
	}
	return false
}

func scanMessage(r rowScanner) (*BlackboardMessage, error) {
	var m BlackboardMessage
	var payload, readBy, createdAt, archivedAt string
	if err := r.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &m.MessageType, &m.TargetHandle,
		&m.Priority, &payload, &readBy, &createdAt, &archivedAt); err != nil {
		return nil, err
	}
	m.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("storage: unmarshal read_by: %w", err)
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// Stats summarizes blackboard occupancy for getStats()/health gauges.
type Stats struct {
	TotalMessages    int
	ArchivedMessages int
	BySwarm          map[string]int
}

// GetStats computes blackboard occupancy across all swarms.
func (s *Store) GetStats() (Stats, error) {
	stats := Stats{BySwarm: make(map[string]int)}

	row := s.db.QueryRow("SELECT COUNT(*) FROM blackboard")
	if err := row.Scan(&stats.TotalMessages); err != nil {
		return stats, fmt.Errorf("storage: stats total: %w", err)
	}

	row = s.db.QueryRow("SELECT COUNT(*) FROM blackboard WHERE archived_at != ''")
	if err := row.Scan(&stats.ArchivedMessages); err != nil {
		return stats, fmt.Errorf("storage: stats archived: %w", err)
	}

	rows, err := s.db.Query("SELECT swarm_id, COUNT(*) FROM blackboard GROUP BY swarm_id")
	if err != nil {
		return stats, fmt.Errorf("storage: stats by swarm: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var swarmID string
		var count int
		if err := rows.Scan(&swarmID, &count); err != nil {
			return stats, fmt.Errorf("storage: stats by swarm scan: %w", err)
		}
		stats.BySwarm[swarmID] = count
	}
	return stats, rows.Err()
}
