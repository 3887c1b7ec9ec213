// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package blackboard

import (
	"path/filepath"
	"testing"

	"github.com/claudefleet/fleet/internal/bus"
	"github.com/claudefleet/fleet/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestBlackboard(t *testing.T) *Blackboard {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, bus.New(100))
}

func TestPostMessagePublishesToBusTopic(t *testing.T) {
	b := newTestBlackboard(t)
	b.bus.Subscribe("reader", "bb:swarm1:status")

	msg, err := b.PostMessage("swarm1", "alice", "status", map[string]string{"ok": "true"}, "", "")
	require.NoError(t, err)
	require.Equal(t, PriorityNormal, msg.Priority)

	fromBus := b.bus.Read("reader", 0, false)
	require.Len(t, fromBus, 1)
}

func TestPostMessageRejectsInvalidPriority(t *testing.T) {
	b := newTestBlackboard(t)
	_, err := b.PostMessage("swarm1", "alice", "status", nil, "", "bogus")
	require.Error(t, err)
}

func TestReadMessagesIncludesBroadcastsForTarget(t *testing.T) {
	b := newTestBlackboard(t)
	_, err := b.PostMessage("swarm1", "alice", "directive", "do X", "bob", PriorityHigh)
	require.NoError(t, err)
	_, err = b.PostMessage("swarm1", "alice", "status", "broadcast", "", PriorityNormal)
	require.NoError(t, err)
	_, err = b.PostMessage("swarm1", "alice", "directive", "for carol only", "carol", PriorityHigh)
	require.NoError(t, err)

	msgs, err := b.ReadMessages("swarm1", ReadOptions{TargetHandle: "bob"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	b := newTestBlackboard(t)
	_, err := b.PostMessage("swarm1", "alice", "status", "hi", "bob", "")
	require.NoError(t, err)

	count, err := b.GetUnreadCount("swarm1", "bob")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	msgs, err := b.ReadMessages("swarm1", ReadOptions{TargetHandle: "bob"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, err := b.MarkRead([]string{msgs[0].ID}, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	count, err = b.GetUnreadCount("swarm1", "bob")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestArchiveOldMessagesThenDeleteArchived(t *testing.T) {
	b := newTestBlackboard(t)
	msg, err := b.PostMessage("swarm1", "alice", "status", "old", "", "")
	require.NoError(t, err)

	// Force the message to look old by archiving with a maxAge of 0.
	n, err := b.ArchiveOldMessages("swarm1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	live, err := b.ReadMessages("swarm1", ReadOptions{})
	require.NoError(t, err)
	require.Empty(t, live)

	all, err := b.ReadMessages("swarm1", ReadOptions{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, msg.ID, all[0].ID)

	deleted, err := b.DeleteArchived("swarm1")
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestGetStatsBreaksDownByTypeAndPriority(t *testing.T) {
	b := newTestBlackboard(t)
	_, err := b.PostMessage("swarm1", "alice", "status", "a", "", PriorityLow)
	require.NoError(t, err)
	_, err = b.PostMessage("swarm1", "alice", "directive", "b", "", PriorityCritical)
	require.NoError(t, err)

	stats, err := b.GetStats("swarm1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByType["status"])
	require.Equal(t, 1, stats.ByType["directive"])
	require.Equal(t, 1, stats.ByPriority[PriorityLow])
	require.Equal(t, 1, stats.ByPriority[PriorityCritical])
	require.Equal(t, 0, stats.Archived)
	require.Equal(t, 2, stats.Unread)
}

func TestArchiveMessagesIsIdempotent(t *testing.T) {
	b := newTestBlackboard(t)
	msg, err := b.PostMessage("swarm1", "alice", "status", "x", "", "")
	require.NoError(t, err)

	n, err := b.ArchiveMessages([]string{msg.ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = b.ArchiveMessages([]string{msg.ID})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestGetMessageReturnsNilForUnknown(t *testing.T) {
	b := newTestBlackboard(t)
	m, err := b.GetMessage("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, m)
}
