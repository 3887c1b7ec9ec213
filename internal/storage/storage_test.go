// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveWorkerUpsertsByID(t *testing.T) {
	s := openTestStore(t)

	w := WorkerRecord{ID: "w1", Handle: "alice", State: "starting", CreatedAt: time.Now()}
	require.NoError(t, s.SaveWorker(w))

	w.State = "ready"
	require.NoError(t, s.SaveWorker(w))

	got, err := s.GetWorker("w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ready", got.State)

	all, err := s.ListWorkers()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetWorkerByHandleAndMissing(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveWorker(WorkerRecord{ID: "w1", Handle: "alice", State: "ready", CreatedAt: time.Now()}))

	got, err := s.GetWorkerByHandle("alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "w1", got.ID)

	missing, err := s.GetWorker("nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDeleteWorkerThenListTrashedOlderThan(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, s.SaveWorker(WorkerRecord{
		ID: "w1", Handle: "alice", State: "error", CreatedAt: old, TrashedAt: old,
	}))
	require.NoError(t, s.SaveWorker(WorkerRecord{
		ID: "w2", Handle: "bob", State: "ready", CreatedAt: time.Now(),
	}))

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	trashed, err := s.ListTrashedOlderThan(cutoff)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	require.Equal(t, "w1", trashed[0].ID)

	require.NoError(t, s.DeleteWorker("w1"))
	all, err := s.ListWorkers()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestInsertMessageAndReadMessagesOrdering(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m1", SwarmID: "s1", SenderHandle: "alice", MessageType: "status",
		Priority: "normal", Payload: json.RawMessage(`{"n":1}`), CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m2", SwarmID: "s1", SenderHandle: "bob", MessageType: "status",
		Priority: "normal", Payload: json.RawMessage(`{"n":2}`), CreatedAt: base.Add(time.Second),
	}))

	msgs, err := s.ReadMessages("s1", MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m2", msgs[0].ID) // newest first
}

func TestMarkReadIsIdempotentAndFiltersUnread(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m1", SwarmID: "s1", SenderHandle: "alice", MessageType: "status",
		Priority: "normal", CreatedAt: time.Now(),
	}))

	unread, err := s.ReadMessages("s1", MessageFilter{UnreadOnly: true, ReaderHandle: "bob"})
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, s.MarkRead("m1", "bob"))
	require.NoError(t, s.MarkRead("m1", "bob")) // idempotent

	unread, err = s.ReadMessages("s1", MessageFilter{UnreadOnly: true, ReaderHandle: "bob"})
	require.NoError(t, err)
	require.Empty(t, unread)

	got, err := s.ReadMessages("s1", MessageFilter{})
	require.NoError(t, err)
	require.Len(t, got[0].ReadBy, 1)
}

func TestArchiveOlderThanExcludesArchivedFromDefaultRead(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m1", SwarmID: "s1", SenderHandle: "alice", MessageType: "status",
		Priority: "normal", CreatedAt: old,
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m2", SwarmID: "s1", SenderHandle: "alice", MessageType: "status",
		Priority: "normal", CreatedAt: time.Now(),
	}))

	n, err := s.ArchiveOlderThan("s1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	live, err := s.ReadMessages("s1", MessageFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "m2", live[0].ID)

	all, err := s.ReadMessages("s1", MessageFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteArchivedOlderThanRemovesPermanently(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m1", SwarmID: "s1", SenderHandle: "alice", MessageType: "status",
		CreatedAt: old, ArchivedAt: old,
	}))

	n, err := s.DeleteArchivedOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := s.ReadMessages("s1", MessageFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReadMessagesTargetHandleIncludesBroadcasts(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m1", SwarmID: "s1", SenderHandle: "a", MessageType: "status",
		TargetHandle: "bob", CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m2", SwarmID: "s1", SenderHandle: "a", MessageType: "status",
		TargetHandle: "carol", CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "m3", SwarmID: "s1", SenderHandle: "a", MessageType: "status",
		CreatedAt: base.Add(2 * time.Second), // broadcast, no target
	}))

	msgs, err := s.ReadMessages("s1", MessageFilter{TargetHandle: "bob"})
	require.NoError(t, err)
	ids := []string{msgs[0].ID, msgs[1].ID}
	require.ElementsMatch(t, []string{"m1", "m3"}, ids)
}

func TestReadMessagesOrdersByPriorityThenTimeThenID(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "b", SwarmID: "s1", SenderHandle: "a", MessageType: "status", Priority: "normal", CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "a", SwarmID: "s1", SenderHandle: "a", MessageType: "status", Priority: "normal", CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{
		ID: "c", SwarmID: "s1", SenderHandle: "a", MessageType: "status", Priority: "critical", CreatedAt: base,
	}))

	msgs, err := s.ReadMessages("s1", MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "c", msgs[0].ID) // critical first
	require.Equal(t, "a", msgs[1].ID) // same priority+time, tie-break by id asc
	require.Equal(t, "b", msgs[2].ID)
}

func TestGetMessageAndMarkReadBatch(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertMessage(BlackboardMessage{ID: "m1", SwarmID: "s1", SenderHandle: "a", MessageType: "status", CreatedAt: time.Now()}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{ID: "m2", SwarmID: "s1", SenderHandle: "a", MessageType: "status", CreatedAt: time.Now()}))

	n, err := s.MarkReadBatch([]string{"m1", "m2", "missing"}, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.MarkReadBatch([]string{"m1", "m2"}, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, n) // already read, idempotent

	m, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Contains(t, m.ReadBy, "bob")
}

func TestArchiveMessagesOnlyCountsNewlyArchived(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertMessage(BlackboardMessage{ID: "m1", SwarmID: "s1", SenderHandle: "a", MessageType: "status", CreatedAt: time.Now()}))

	n, err := s.ArchiveMessages([]string{"m1"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.ArchiveMessages([]string{"m1"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestGetStatsCountsBySwarm(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertMessage(BlackboardMessage{ID: "m1", SwarmID: "s1", SenderHandle: "a", MessageType: "status", CreatedAt: time.Now()}))
	require.NoError(t, s.InsertMessage(BlackboardMessage{ID: "m2", SwarmID: "s2", SenderHandle: "a", MessageType: "status", CreatedAt: time.Now()}))

	stats, err := s.GetStats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalMessages)
	require.Equal(t, 0, stats.ArchivedMessages)
	require.Equal(t, 1, stats.BySwarm["s1"])
	require.Equal(t, 1, stats.BySwarm["s2"])
}
