// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *MutationQueue {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue, err := NewMutationQueue(db)
	require.NoError(t, err)
	return queue
}

func enqueue(t *testing.T, q *MutationQueue, op, recordID string, payload map[string]any) *Mutation {
	t.Helper()
	m := &Mutation{
		EntityType: "notes",
		RecordID:   recordID,
		Op:         op,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, q.Enqueue(context.Background(), m))
	return m
}

func TestQueueEnqueueAssignsOrderedIDs(t *testing.T) {
	queue := newTestQueue(t)

	m1 := enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	m2 := enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 2})
	require.Greater(t, m2.ID, m1.ID)

	pending, err := queue.Pending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, OpCreate, pending[0].Op)
	require.Equal(t, OpUpdate, pending[1].Op)
	require.Equal(t, float64(2), pending[1].Payload["v"])
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/queue.db"

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	queue, err := NewMutationQueue(db)
	require.NoError(t, err)
	enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	require.NoError(t, db.Close())

	db, err = sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	queue, err = NewMutationQueue(db)
	require.NoError(t, err)

	pending, err := queue.Pending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "a", pending[0].RecordID)
}

func TestQueueAcknowledgeRemoves(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	m := enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	require.NoError(t, queue.Acknowledge(ctx, m.ID))

	size, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestQueueFailureFlagging(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	m := enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 1})
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.RecordFailure(ctx, m.ID, errors.New("boom")))
	}

	// Flagged mutations disappear from Pending but stay queued.
	pending, err := queue.Pending(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := queue.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 3, all[0].Attempts)
	require.Equal(t, "boom", all[0].LastError)

	// Requeue clears the counter so the next cycle retries.
	require.NoError(t, queue.Requeue(ctx, m.ID))
	pending, err = queue.Pending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 0, pending[0].Attempts)
}

func TestQueueCompactCollapsesUpdates(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 1})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 2})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 3})
	enqueue(t, queue, OpUpdate, "b", map[string]any{"v": 9})

	require.NoError(t, queue.Compact(ctx, "notes", "a"))

	pending, err := queue.Pending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].RecordID)
	require.Equal(t, OpUpdate, pending[0].Op)
	require.Equal(t, float64(3), pending[0].Payload["v"])
	require.Equal(t, "b", pending[1].RecordID)
}

func TestQueueCompactPreservesCreate(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 2})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 3})

	require.NoError(t, queue.Compact(ctx, "notes", "a"))

	pending, err := queue.Pending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	// The server has never seen the record, so the surviving entry must
	// still be a create carrying the newest payload.
	require.Equal(t, OpCreate, pending[0].Op)
	require.Equal(t, float64(3), pending[0].Payload["v"])
}

func TestQueueCompactCancelsCreateDelete(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 2})
	m := &Mutation{EntityType: "notes", RecordID: "a", Op: OpDelete, UpdatedAt: time.Now().UTC()}
	require.NoError(t, queue.Enqueue(ctx, m))

	require.NoError(t, queue.Compact(ctx, "notes", "a"))

	size, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestQueueCompactKeepsDeleteOfSyncedRecord(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 1})
	m := &Mutation{EntityType: "notes", RecordID: "a", Op: OpDelete, UpdatedAt: time.Now().UTC()}
	require.NoError(t, queue.Enqueue(ctx, m))

	require.NoError(t, queue.Compact(ctx, "notes", "a"))

	pending, err := queue.Pending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, OpDelete, pending[0].Op)
}

func TestQueueCompactSingleEntryNoop(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	m := enqueue(t, queue, OpCreate, "a", map[string]any{"v": 1})
	require.NoError(t, queue.Compact(ctx, "notes", "a"))

	pending, err := queue.Pending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, m.ID, pending[0].ID)
}

func TestQueuePendingRecords(t *testing.T) {
	queue := newTestQueue(t)

	enqueue(t, queue, OpCreate, "b", map[string]any{"v": 1})
	enqueue(t, queue, OpUpdate, "a", map[string]any{"v": 2})
	enqueue(t, queue, OpUpdate, "b", map[string]any{"v": 3})

	pairs, err := queue.PendingRecords(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"notes", "a"}, {"notes", "b"}}, pairs)
}
