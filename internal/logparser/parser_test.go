// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package logparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBatchEmptyChunkReturnsNoEventsAndDoesNotAdvanceBuffer(t *testing.T) {
	p := New()
	events := p.ParseBatch([]byte(""))
	require.Empty(t, events)
	require.Equal(t, 0, p.partial.Len())
}

func TestParseBatchSplitAcrossChunksMatchesSingleCall(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc123"}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n"

	whole := New()
	wholeEvents := whole.ParseBatch([]byte(line))

	split := New()
	mid := len(line) / 2
	var splitEvents []Event
	splitEvents = append(splitEvents, split.ParseBatch([]byte(line[:mid]))...)
	splitEvents = append(splitEvents, split.ParseBatch([]byte(line[mid:]))...)

	require.Len(t, wholeEvents, 2)
	require.Len(t, splitEvents, 2)
	// Timestamp is the decode time, so it differs between the two parsers.
	for i := range splitEvents {
		splitEvents[i].Timestamp = wholeEvents[i].Timestamp
	}
	require.Equal(t, wholeEvents, splitEvents)
}

func TestParseBatchCapturesSessionIDAndNonJSONLines(t *testing.T) {
	p := New()
	p.ParseBatch([]byte("plain text line\n"))
	p.ParseBatch([]byte(`{"type":"system","subtype":"init","session_id":"sess-1"}` + "\n"))

	require.Equal(t, "sess-1", p.GetSessionID())
	require.Equal(t, []string{"plain text line"}, p.GetRecentOutput(10))
}

func TestLastEventTypeTracksResultForResumePromptDecision(t *testing.T) {
	p := New()
	p.ParseBatch([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}` + "\n"))
	require.Equal(t, EventAssistant, p.LastEventType())

	p.ParseBatch([]byte(`{"type":"result","result":"done","duration_ms":12}` + "\n"))
	require.Equal(t, EventResult, p.LastEventType())
}

func TestRecentOutputEvictsOldestPastCapacity(t *testing.T) {
	r := newLineRing(3)
	r.push("a")
	r.push("b")
	r.push("c")
	r.push("d")
	require.Equal(t, []string{"b", "c", "d"}, r.last(10))
}
