// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the in-memory Message Bus (SPEC_FULL.md §4.2): a
// topic-keyed, capacity-capped pub/sub substrate with per-subscriber
// read-tracking. It is NOT the durable store — the Blackboard package owns
// durability and treats a bus publish as best-effort.
//
// Grounded on internal/events/memory.go's MemoryEventBus in the teacher
// (subscription bookkeeping, background pruning ticker, panic-recovery per
// handler), generalized from a single flat event log into per-topic
// capacity-capped rings with read tracking, as SPEC_FULL.md §4.2 requires.
package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority is the four-level message priority from SPEC_FULL.md §3.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Message is one bus entry.
type Message struct {
	ID        string
	Topic     string
	Sender    string
	Priority  Priority
	Payload   any
	CreatedAt time.Time
}

// Stats summarizes bus occupancy, per SPEC_FULL.md §4.2's stats() operation.
type Stats struct {
	TotalMessages     int
	TopicCount        int
	SubscriberCount   int
	MessagesPerTopic  map[string]int
}

type topic struct {
	messages []Message // insertion order, capacity-capped ring semantics via slice trim
	maxSize  int
}

func (t *topic) publish(msg Message) {
	t.messages = append(t.messages, msg)
	if len(t.messages) > t.maxSize {
		// Evict the oldest entry; O(1) amortized since this only triggers
		// once per publish at steady state and the overflow is always
		// exactly one entry.
		t.messages = t.messages[1:]
	}
}

// Bus is the Message Bus.
type Bus struct {
	mu               sync.RWMutex
	maxPerTopic      int
	topics           map[string]*topic
	subscriptions    map[string]map[string]struct{} // handle -> set of topics
	seen             map[string]map[string]struct{} // handle -> set of seen message ids
}

// New creates a Bus with the given per-topic capacity (SPEC_FULL.md §3:
// MAX_MESSAGES_PER_TOPIC, 10 000 by default).
func New(maxPerTopic int) *Bus {
	if maxPerTopic <= 0 {
		maxPerTopic = 10000
	}
	return &Bus{
		maxPerTopic:   maxPerTopic,
		topics:        make(map[string]*topic),
		subscriptions: make(map[string]map[string]struct{}),
		seen:          make(map[string]map[string]struct{}),
	}
}

// Publish appends a message to topic, evicting the oldest entry if the
// topic is at capacity. O(1) amortized.
func (b *Bus) Publish(topicName, sender string, priority Priority, payload any) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{maxSize: b.maxPerTopic}
		b.topics[topicName] = t
	}

	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topicName,
		Sender:    sender,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	t.publish(msg)
	return msg.ID
}

// Subscribe registers handle as a reader of topicName.
func (b *Bus) Subscribe(handle, topicName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[handle]; !ok {
		b.subscriptions[handle] = make(map[string]struct{})
	}
	b.subscriptions[handle][topicName] = struct{}{}
}

// Unsubscribe removes handle's subscription to topicName.
func (b *Bus) Unsubscribe(handle, topicName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscriptions[handle]; ok {
		delete(subs, topicName)
	}
}

// Read scans handle's subscribed topics, sorts by (priority desc, createdAt
// asc), marks the returned messages as read for handle, and returns up to
// limit of them. If unreadOnly is set, messages handle has already seen are
// excluded.
func (b *Bus) Read(handle string, limit int, unreadOnly bool) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[handle]
	if len(subs) == 0 {
		return nil
	}

	seen := b.seen[handle]
	var candidates []Message
	for topicName := range subs {
		t, ok := b.topics[topicName]
		if !ok {
			continue
		}
		for _, m := range t.messages {
			if unreadOnly && seen != nil {
				if _, isSeen := seen[m.ID]; isSeen {
					continue
				}
			}
			candidates = append(candidates, m)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	if b.seen[handle] == nil {
		b.seen[handle] = make(map[string]struct{})
	}
	for _, m := range candidates {
		b.seen[handle][m.ID] = struct{}{}
	}

	return candidates
}

// ReadTopic is a diagnostic read with no side effects (no read-marking).
func (b *Bus) ReadTopic(topicName string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	msgs := append([]Message(nil), t.messages...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// Stats returns an occupancy snapshot.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		TopicCount:       len(b.topics),
		SubscriberCount:  len(b.subscriptions),
		MessagesPerTopic: make(map[string]int, len(b.topics)),
	}
	for name, t := range b.topics {
		s.MessagesPerTopic[name] = len(t.messages)
		s.TotalMessages += len(t.messages)
	}
	return s
}

// DrainOld evicts entries older than maxAge across all topics and returns
// the number removed. Idempotent: calling it twice in a row with no new
// publications in between returns 0 the second time.
func (b *Bus) DrainOld(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, t := range b.topics {
		kept := t.messages[:0:0]
		for _, m := range t.messages {
			if m.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		t.messages = kept
	}
	return removed
}
