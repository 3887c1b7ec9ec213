// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package logparser

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// nonJSONRingCapacity bounds the Log Parser's own retained raw-line buffer,
// which exists only for debug/inspection (§4.1). It is independent of, and
// twice the size of, the Worker Manager's 100-line recentOutput ring.
const nonJSONRingCapacity = 200

// Parser is an incremental NDJSON decoder for one worker's stdout stream.
// It is not safe to share a single Parser between multiple concurrent
// writers — one worker's stdout pump owns it exclusively, per SPEC_FULL.md
// §5's "single-writer" resource note for worker-scoped state.
type Parser struct {
	mu sync.Mutex

	partial   bytes.Buffer // carry buffer for a line split across chunks
	nonJSON   *lineRing
	sessionID string
	lastType  EventType
	lastEvent time.Time
}

// New creates a Parser ready to consume a worker's stdout.
func New() *Parser {
	return &Parser{nonJSON: newLineRing(nonJSONRingCapacity)}
}

// ParseBatch splits chunk on newlines, decodes each complete line, and
// returns one Event per successfully decoded JSON object. A trailing
// partial line (no terminating '\n' yet) is buffered and prepended to the
// next call, so ParseBatch(A) + ParseBatch(B) yields the same event stream
// as a single ParseBatch(A+B) call for any split point; only each event's
// Timestamp, which is taken at decode time, differs.
func (p *Parser) ParseBatch(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.partial.Write(chunk)
	data := p.partial.Bytes()

	var events []Event
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		line := data[start:i]
		if ev, ok := p.decodeLocked(line); ok {
			events = append(events, ev)
		}
		start = i + 1
	}

	remainder := append([]byte(nil), data[start:]...)
	p.partial.Reset()
	p.partial.Write(remainder)

	return events
}

// ParseLine decodes a single complete line (no trailing newline).
func (p *Parser) ParseLine(line string) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decodeLocked([]byte(line))
}

// decodeLocked must be called with p.mu held.
func (p *Parser) decodeLocked(line []byte) (Event, bool) {
	trimmed := bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return Event{}, false
	}

	var raw rawLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		p.nonJSON.push(string(trimmed))
		return Event{}, false
	}

	ev := Event{
		EventType:  EventType(raw.Type),
		Subtype:    raw.Subtype,
		SessionID:  raw.SessionID,
		IsError:    raw.IsError,
		DurationMs: raw.DurationMs,
		Timestamp:  time.Now(),
	}
	if raw.Message != nil {
		var texts []string
		for _, c := range raw.Message.Content {
			if c.Type == "text" && c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		ev.Text = strings.Join(texts, "")
	}
	if ev.Text == "" {
		ev.Text = raw.Result
	}

	if raw.SessionID != "" {
		p.sessionID = raw.SessionID
	}
	p.lastType = ev.EventType
	p.lastEvent = ev.Timestamp

	return ev, true
}

// GetRecentOutput returns up to n of the most recently seen non-JSON lines,
// oldest first.
func (p *Parser) GetRecentOutput(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonJSON.last(n)
}

// GetSessionID returns the last non-empty session id seen on any decoded
// line (normally the system:init event), if any.
func (p *Parser) GetSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// GetHealthSignal derives a liveness signal from the most recently seen
// event kind: IsHealthy is true once any event has been decoded, with no
// time window applied, and
// the last event's type is reported for callers (e.g. the Worker Manager's
// resume-prompt decision in §4.4) that care whether the worker was mid-turn
// or idle when last seen.
func (p *Parser) GetHealthSignal() HealthSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return HealthSignal{
		State:     p.lastType,
		IsHealthy: !p.lastEvent.IsZero(),
	}
}

// LastEventType exposes the last event type without the full HealthSignal
// wrapper, used directly by the Worker Manager to decide whether to
// suppress the --resume continuation prompt (SPEC_FULL.md §4.4, decided
// Open Question: suppress when the last state was "result").
func (p *Parser) LastEventType() EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastType
}
