// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logparser decodes a worker's mixed NDJSON/plain-text stdout into a
// sequence of structured events, grounded on internal/claude/manager.go's
// readLoop and handleStreamEvent in the teacher (session-id capture on
// init, state transitions on assistant/result events) and on
// internal/logs/buffer.go's ring-buffer mechanics for the bounded non-JSON
// line history.
package logparser

import "time"

// EventType is the tagged-variant discriminator for a worker stdout line,
// per SPEC_FULL.md §4.1.
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventUser       EventType = "user"
	EventResult     EventType = "result"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
)

// Event is the decoded shape of one NDJSON line from a worker's stdout.
type Event struct {
	EventType EventType `json:"eventType"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// DurationMs is populated for result events that report it.
	DurationMs int64 `json:"durationMs,omitempty"`
}

// rawLine is the wire shape documented in SPEC_FULL.md §6: a JSON object of
// {type, subtype?, session_id?, message?, result?, duration_ms?, is_error?}.
type rawLine struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	SessionID  string `json:"session_id"`
	Message    *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`
}

// HealthSignal is the derived liveness summary described in §4.1.
type HealthSignal struct {
	State     EventType
	IsHealthy bool
}
