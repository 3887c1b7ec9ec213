// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishAtCapacityEvictsExactlyOldest(t *testing.T) {
	b := New(3)
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, b.Publish("t", "sender", PriorityNormal, i))
	}

	msgs := b.ReadTopic("t", 0)
	require.Len(t, msgs, 3)
	require.Equal(t, ids[1], msgs[0].ID)
	require.Equal(t, ids[3], msgs[2].ID)
}

func TestReadSortsByPriorityDescThenCreatedAtAsc(t *testing.T) {
	b := New(10)
	b.Subscribe("alice", "t")

	b.Publish("t", "s", PriorityNormal, "n1")
	time.Sleep(time.Millisecond)
	b.Publish("t", "s", PriorityCritical, "c1")
	time.Sleep(time.Millisecond)
	b.Publish("t", "s", PriorityHigh, "h1")

	msgs := b.Read("alice", 0, false)
	require.Len(t, msgs, 3)
	require.Equal(t, "c1", msgs[0].Payload)
	require.Equal(t, "h1", msgs[1].Payload)
	require.Equal(t, "n1", msgs[2].Payload)
}

func TestReadUnreadOnlyExcludesAlreadySeen(t *testing.T) {
	b := New(10)
	b.Subscribe("alice", "t")
	b.Publish("t", "s", PriorityNormal, "first")

	first := b.Read("alice", 0, true)
	require.Len(t, first, 1)

	// Same message again: nothing unread left.
	second := b.Read("alice", 0, true)
	require.Empty(t, second)

	b.Publish("t", "s", PriorityNormal, "second")
	third := b.Read("alice", 0, true)
	require.Len(t, third, 1)
	require.Equal(t, "second", third[0].Payload)
}

func TestDrainOldIsIdempotent(t *testing.T) {
	b := New(10)
	b.Publish("t", "s", PriorityNormal, "stale")

	removed := b.DrainOld(0)
	require.Equal(t, 1, removed)

	removed = b.DrainOld(0)
	require.Equal(t, 0, removed)
}

func TestStatsReportsOccupancy(t *testing.T) {
	b := New(10)
	b.Subscribe("alice", "t1")
	b.Publish("t1", "s", PriorityNormal, 1)
	b.Publish("t2", "s", PriorityNormal, 2)

	stats := b.Stats()
	require.Equal(t, 2, stats.TotalMessages)
	require.Equal(t, 2, stats.TopicCount)
	require.Equal(t, 1, stats.SubscriberCount)
	require.Equal(t, 1, stats.MessagesPerTopic["t1"])
}
