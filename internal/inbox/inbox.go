// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package inbox implements the Inbox Bridge (SPEC_FULL.md §4.6): a
// filesystem mailbox per worker. send(handle, msg) appends a framed message
// file atomically (write to temp, rename); broadcast(teamName, msg) fans out
// to every handle registered under that team. Deliveries are append-only;
// the worker consumes by reading and deleting. Grounded on
// internal/claude/store.go's saveRecords/appendMessage temp-file+rename
// pattern, applied per-message instead of per-session.
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Message is a single inbox delivery.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Bridge is the filesystem-backed mailbox fan-out.
type Bridge struct {
	mu      sync.RWMutex
	baseDir string
	teams   map[string]map[string]struct{} // teamName -> set of handles
	watcher *fsnotify.Watcher
	watched map[string]chan struct{} // handle -> notification channel
}

// New creates a Bridge rooted at baseDir. It creates one fsnotify watcher up
// front; a mailbox directory is added to it only when Watch is called for
// that handle.
func New(baseDir string) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inbox: create watcher: %w", err)
	}
	b := &Bridge{
		baseDir: baseDir,
		teams:   make(map[string]map[string]struct{}),
		watcher: w,
		watched: make(map[string]chan struct{}),
	}
	go b.dispatchNotifications()
	return b, nil
}

func (b *Bridge) dirFor(handle string) string {
	return filepath.Join(b.baseDir, handle)
}

// RegisterWorker creates handle's mailbox directory and associates it with
// teamName for broadcast fan-out.
func (b *Bridge) RegisterWorker(teamName, handle string) error {
	if err := os.MkdirAll(b.dirFor(handle), 0o755); err != nil {
		return fmt.Errorf("inbox: register %s: %w", handle, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.teams[teamName] == nil {
		b.teams[teamName] = make(map[string]struct{})
	}
	b.teams[teamName][handle] = struct{}{}
	return nil
}

// UnregisterWorker drops handle from teamName's broadcast set. The mailbox
// directory itself is left in place; callers that want it gone should
// remove it explicitly once they're certain nothing will read from it.
func (b *Bridge) UnregisterWorker(teamName, handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.teams[teamName]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(b.teams, teamName)
		}
	}
}

// Send atomically delivers msg to handle's mailbox.
func (b *Bridge) Send(handle string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	dir := b.dirFor(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("inbox: create mailbox for %s: %w", handle, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("inbox: marshal message for %s: %w", handle, err)
	}

	name := fmt.Sprintf("%020d-%s.msg", msg.CreatedAt.UnixNano(), msg.ID)
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("inbox: write temp file for %s: %w", handle, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("inbox: rename delivery for %s: %w", handle, err)
	}
	return nil
}

// Broadcast delivers msg to every handle currently registered under
// teamName, returning the count of successful deliveries. It keeps
// delivering to remaining handles even if one fails, returning the first
// error encountered.
func (b *Bridge) Broadcast(teamName string, msg Message) (int, error) {
	b.mu.RLock()
	handles := make([]string, 0, len(b.teams[teamName]))
	for h := range b.teams[teamName] {
		handles = append(handles, h)
	}
	b.mu.RUnlock()
	sort.Strings(handles)

	delivered := 0
	var firstErr error
	for _, h := range handles {
		m := msg
		m.ID = "" // force a fresh id per recipient
		if err := b.Send(h, m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

// Receive returns handle's pending messages in delivery order, without
// removing them.
func (b *Bridge) Receive(handle string) ([]Message, error) {
	entries, err := os.ReadDir(b.dirFor(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox: list mailbox for %s: %w", handle, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".msg" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	msgs := make([]Message, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.dirFor(handle), name))
		if err != nil {
			continue // deleted by a concurrent Consume; tolerate
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("inbox: parse delivery %s: %w", name, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Consume returns handle's pending messages and deletes them from the
// mailbox, per the append-only/read-then-delete contract.
func (b *Bridge) Consume(handle string) ([]Message, error) {
	dir := b.dirFor(handle)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox: list mailbox for %s: %w", handle, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".msg" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	msgs := make([]Message, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("inbox: parse delivery %s: %w", name, err)
		}
		msgs = append(msgs, m)
		_ = os.Remove(path)
	}
	return msgs, nil
}

// Watch returns a channel that receives a notification whenever a new
// delivery lands in handle's mailbox. The channel is buffered; a notify
// that can't be queued without blocking is dropped, since Consume's next
// call picks up every pending file regardless.
func (b *Bridge) Watch(handle string) (<-chan struct{}, error) {
	dir := b.dirFor(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("inbox: watch %s: %w", handle, err)
	}
	if err := b.watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("inbox: watch %s: %w", handle, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.watched[handle]
	if !ok {
		ch = make(chan struct{}, 1)
		b.watched[handle] = ch
	}
	return ch, nil
}

func (b *Bridge) dispatchNotifications() {
	for event := range b.watcher.Events {
		if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			continue
		}
		handle := filepath.Base(filepath.Dir(event.Name))

		b.mu.RLock()
		ch := b.watched[handle]
		b.mu.RUnlock()

		if ch == nil {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops the bridge's watcher.
func (b *Bridge) Close() error {
	return b.watcher.Close()
}
