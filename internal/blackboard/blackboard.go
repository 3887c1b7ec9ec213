// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package blackboard implements the Blackboard component (SPEC_FULL.md
// §4.3): durable typed messaging within a swarm over internal/storage, with
// write-through fan-out to internal/bus for low-latency reads. Grounded on
// §4.3 directly; ordering/read-tracking patterns echo
// internal/claude/store.go's message-file handling generalized to a
// queryable store.
package blackboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/claudefleet/fleet/internal/bus"
	"github.com/claudefleet/fleet/internal/logging"
	"github.com/claudefleet/fleet/internal/storage"
	"github.com/google/uuid"
)

// Priority values accepted by postMessage, per SPEC_FULL.md §3.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// busPriority maps the Blackboard's named priorities onto the Message Bus's
// numeric Priority scale, per §4.3 step 2: {low=0, normal=1, high=2, critical=3}.
var busPriority = map[string]bus.Priority{
	PriorityLow:      bus.PriorityLow,
	PriorityNormal:   bus.PriorityNormal,
	PriorityHigh:     bus.PriorityHigh,
	PriorityCritical: bus.PriorityCritical,
}

// Message mirrors storage.BlackboardMessage for API consumers of this
// package (HTTP handlers, Worker Manager, Compound Runner).
type Message = storage.BlackboardMessage

// ReadOptions narrows readMessages, mapping directly onto storage.MessageFilter.
type ReadOptions struct {
	MessageType     string
	TargetHandle    string
	Priority        string
	UnreadOnly      bool
	ReaderHandle    string
	Limit           int
	IncludeArchived bool
}

// Stats is getStats(swarmId)'s return shape.
type Stats struct {
	Total    int
	ByType   map[string]int
	ByPriority map[string]int
	Unread   int
	Archived int
}

// Blackboard is the durable, swarm-scoped message exchange.
type Blackboard struct {
	store *storage.Store
	bus   *bus.Bus
	log   *logging.Logger
}

// New constructs a Blackboard over store, write-through to msgBus.
func New(store *storage.Store, msgBus *bus.Bus) *Blackboard {
	return &Blackboard{store: store, bus: msgBus, log: logging.New("blackboard")}
}

// PostMessage persists a new message then best-effort publishes it to the
// bus topic bb:<swarmId>:<messageType>. Persistence failure surfaces as an
// error; bus-publish failure is swallowed and logged since storage is the
// authoritative source (SPEC_FULL.md §4.3/§7).
func (b *Blackboard) PostMessage(swarmID, senderHandle, messageType string, payload interface{}, targetHandle string, priority string) (*Message, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	if _, ok := busPriority[priority]; !ok {
		return nil, fmt.Errorf("blackboard: invalid priority %q", priority)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("blackboard: marshal payload: %w", err)
	}

	msg := storage.BlackboardMessage{
		ID:           uuid.NewString(),
		SwarmID:      swarmID,
		SenderHandle: senderHandle,
		MessageType:  messageType,
		TargetHandle: targetHandle,
		Priority:     priority,
		Payload:      raw,
		CreatedAt:    time.Now(),
	}

	if err := b.store.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("blackboard: post message: %w", err)
	}

	b.publishBestEffort(msg)

	return &msg, nil
}

func (b *Blackboard) publishBestEffort(msg storage.BlackboardMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Named(msg.SwarmID).Printf("bus publish panic for message %s: %v", msg.ID, r)
		}
	}()
	topic := fmt.Sprintf("bb:%s:%s", msg.SwarmID, msg.MessageType)
	b.bus.Publish(topic, msg.SenderHandle, busPriority[msg.Priority], msg)
}

// ReadMessages returns swarmId's messages matching opts. When TargetHandle
// is set, broadcasts (nil target) are included alongside direct messages.
func (b *Blackboard) ReadMessages(swarmID string, opts ReadOptions) ([]Message, error) {
	msgs, err := b.store.ReadMessages(swarmID, storage.MessageFilter{
		MessageType:     opts.MessageType,
		TargetHandle:    opts.TargetHandle,
		Priority:        opts.Priority,
		UnreadOnly:      opts.UnreadOnly,
		ReaderHandle:    opts.ReaderHandle,
		Limit:           opts.Limit,
		IncludeArchived: opts.IncludeArchived,
	})
	if err != nil {
		return nil, fmt.Errorf("blackboard: read messages: %w", err)
	}
	return msgs, nil
}

// GetMessage returns a single message by id, or nil if absent.
func (b *Blackboard) GetMessage(id string) (*Message, error) {
	m, err := b.store.GetMessage(id)
	if err != nil {
		return nil, fmt.Errorf("blackboard: get message: %w", err)
	}
	return m, nil
}

// MarkRead idempotently records readerHandle against every id in ids,
// returning the count of messages actually updated.
func (b *Blackboard) MarkRead(ids []string, readerHandle string) (int, error) {
	n, err := b.store.MarkReadBatch(ids, readerHandle)
	if err != nil {
		return 0, fmt.Errorf("blackboard: mark read: %w", err)
	}
	return n, nil
}

// ArchiveMessages archives every id whose archivedAt is still unset.
func (b *Blackboard) ArchiveMessages(ids []string) (int, error) {
	n, err := b.store.ArchiveMessages(ids, time.Now())
	if err != nil {
		return 0, fmt.Errorf("blackboard: archive messages: %w", err)
	}
	return n, nil
}

// ArchiveOldMessages archives every unarchived message in swarmId older
// than maxAge.
func (b *Blackboard) ArchiveOldMessages(swarmID string, maxAge time.Duration) (int, error) {
	now := time.Now()
	n, err := b.store.ArchiveOlderThan(swarmID, now.Add(-maxAge), now)
	if err != nil {
		return 0, fmt.Errorf("blackboard: archive old messages: %w", err)
	}
	return n, nil
}

// DeleteArchived permanently removes every archived message in swarmId.
func (b *Blackboard) DeleteArchived(swarmID string) (int, error) {
	n, err := b.store.DeleteArchivedForSwarm(swarmID)
	if err != nil {
		return 0, fmt.Errorf("blackboard: delete archived: %w", err)
	}
	return n, nil
}

// GetUnreadCount counts swarmId's non-archived, target-visible messages that
// readerHandle has not yet read.
func (b *Blackboard) GetUnreadCount(swarmID, readerHandle string) (int, error) {
	msgs, err := b.store.ReadMessages(swarmID, storage.MessageFilter{
		TargetHandle: readerHandle,
		UnreadOnly:   true,
		ReaderHandle: readerHandle,
	})
	if err != nil {
		return 0, fmt.Errorf("blackboard: unread count: %w", err)
	}
	return len(msgs), nil
}

// GetStats computes getStats(swarmId): totals, a by-type and by-priority
// breakdown, a swarm-wide unread count (non-archived messages nobody has
// read yet, independent of any one reader), and archived count.
func (b *Blackboard) GetStats(swarmID string) (Stats, error) {
	all, err := b.store.ReadMessages(swarmID, storage.MessageFilter{IncludeArchived: true})
	if err != nil {
		return Stats{}, fmt.Errorf("blackboard: stats: %w", err)
	}
	stats := Stats{ByType: make(map[string]int), ByPriority: make(map[string]int)}
	for _, m := range all {
		stats.Total++
		stats.ByType[m.MessageType]++
		stats.ByPriority[m.Priority]++
		if !m.ArchivedAt.IsZero() {
			stats.Archived++
			continue
		}
		if len(m.ReadBy) == 0 {
			stats.Unread++
		}
	}
	return stats, nil
}
