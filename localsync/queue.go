// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MutationQueue is the durable write-ahead log of pending local mutations.
// Entries are ordered by a monotonic AUTOINCREMENT id and survive restarts.
// A failed append surfaces the error to the caller; the queue never drops a
// mutation silently.
type MutationQueue struct {
	db *sql.DB
}

// NewMutationQueue creates the queue table if needed.
func NewMutationQueue(db *sql.DB) (*MutationQueue, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload     TEXT,                -- full record snapshot at enqueue time (NULL for delete)
			updated_at  INTEGER NOT NULL,    -- record UpdatedAt at enqueue time, unix millis
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT,
			queued_at   INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue table: %w", err)
	}
	return &MutationQueue{db: db}, nil
}

// Enqueue durably appends a mutation and assigns its sequence id.
func (q *MutationQueue) Enqueue(ctx context.Context, m *Mutation) error {
	var payload any
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation payload for %s.%s: %w", m.EntityType, m.RecordID, err)
		}
		payload = string(data)
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO _sync_queue (entity_type, record_id, op, payload, updated_at, attempts, last_error, queued_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
	`, m.EntityType, m.RecordID, m.Op, payload, m.UpdatedAt.UnixMilli(), m.QueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation for %s.%s: %w", m.EntityType, m.RecordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mutation id: %w", err)
	}
	m.ID = id
	return nil
}

// Pending returns unflagged mutations in enqueue order without removing them.
// Mutations whose attempts reached maxAttempts are excluded from automatic
// retry (they stay queued until Requeue clears them).
func (q *MutationQueue) Pending(ctx context.Context, maxAttempts int) ([]*Mutation, error) {
	return q.query(ctx, `WHERE attempts < ?`, maxAttempts)
}

// All returns every queued mutation, including attempt-flagged ones.
func (q *MutationQueue) All(ctx context.Context) ([]*Mutation, error) {
	return q.query(ctx, ``)
}

func (q *MutationQueue) query(ctx context.Context, where string, args ...any) ([]*Mutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, record_id, op, payload, updated_at, attempts, last_error, queued_at
		FROM _sync_queue `+where+` ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var mutations []*Mutation
	for rows.Next() {
		var (
			m         Mutation
			payload   sql.NullString
			lastError sql.NullString
			updatedAt int64
			queuedAt  int64
		)
		if err := rows.Scan(&m.ID, &m.EntityType, &m.RecordID, &m.Op, &payload, &updatedAt, &m.Attempts, &lastError, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload for mutation %d: %w", m.ID, err)
			}
		}
		m.LastError = lastError.String
		m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		m.QueuedAt = time.UnixMilli(queuedAt).UTC()
		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return mutations, nil
}

// Acknowledge removes a mutation after the remote store confirmed it (or
// after a non-retryable rejection).
func (q *MutationQueue) Acknowledge(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to acknowledge mutation %d: %w", id, err)
	}
	return nil
}

// RecordFailure increments the attempt counter and stores the latest error.
func (q *MutationQueue) RecordFailure(ctx context.Context, id int64, failure error) error {
	msg := failure.Error()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, msg, id); err != nil {
		return fmt.Errorf("failed to record failure for mutation %d: %w", id, err)
	}
	return nil
}

// Requeue clears the attempt counter and error of a flagged mutation so the
// next cycle retries it.
func (q *MutationQueue) Requeue(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_queue SET attempts = 0, last_error = NULL WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to requeue mutation %d: %w", id, err)
	}
	return nil
}

// Size returns the number of queued mutations, flagged entries included.
func (q *MutationQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// PendingRecords returns the distinct (entityType, recordID) pairs currently
// queued, used by the orchestrator to drive compaction.
func (q *MutationQueue) PendingRecords(ctx context.Context) ([][2]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT entity_type, record_id FROM _sync_queue ORDER BY entity_type, record_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var entityType, recordID string
		if err := rows.Scan(&entityType, &recordID); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		pairs = append(pairs, [2]string{entityType, recordID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}
	return pairs, nil
}

// Compact collapses the queued mutations for one record into a single entry
// carrying the most recent payload. A create anywhere in the collapsed set is
// preserved (the remote store has never seen the record). A create followed
// by a delete cancels out entirely: the record never existed remotely.
// Attempt counters are reset because the surviving entry is a new logical
// change.
func (q *MutationQueue) Compact(ctx context.Context, entityType, recordID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin compaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, op FROM _sync_queue WHERE entity_type = ? AND record_id = ? ORDER BY id ASC
	`, entityType, recordID)
	if err != nil {
		return fmt.Errorf("failed to query mutations for compaction: %w", err)
	}

	type entry struct {
		id int64
		op string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.op); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan mutation for compaction: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating mutations for compaction: %w", err)
	}
	rows.Close()

	if len(entries) < 2 {
		return nil // nothing to collapse
	}

	hasCreate := false
	for _, e := range entries {
		if e.op == OpCreate {
			hasCreate = true
			break
		}
	}
	newest := entries[len(entries)-1]

	if newest.op == OpDelete && hasCreate {
		// Created and deleted before the remote store ever saw it.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_queue WHERE entity_type = ? AND record_id = ?
		`, entityType, recordID); err != nil {
			return fmt.Errorf("failed to drop cancelled mutations: %w", err)
		}
		return tx.Commit()
	}

	survivingOp := newest.op
	if hasCreate && newest.op != OpDelete {
		survivingOp = OpCreate
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_queue WHERE entity_type = ? AND record_id = ? AND id != ?
	`, entityType, recordID, newest.id); err != nil {
		return fmt.Errorf("failed to drop superseded mutations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_queue SET op = ?, attempts = 0, last_error = NULL WHERE id = ?
	`, survivingOp, newest.id); err != nil {
		return fmt.Errorf("failed to update surviving mutation: %w", err)
	}

	return tx.Commit()
}
