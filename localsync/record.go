// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

// Package localsync provides the offline-first synchronization engine for the
// client application: a durable local record store, a write-ahead queue of
// pending mutations, a push/pull sync orchestrator, field-level conflict
// detection and resolution, and a versioned storage migration runner.
//
// The app always reads and writes the local store first; the orchestrator
// reconciles with the remote store asynchronously whenever connectivity
// allows.
package localsync

import (
	"time"
)

// Operation constants for queued mutations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ResolutionChoice selects how a conflict group is resolved
type ResolutionChoice string

const (
	// ChoiceLocal keeps the local payload and re-queues it for push
	ChoiceLocal ResolutionChoice = "local"
	// ChoiceServer adopts the server payload and drops the local change
	ChoiceServer ResolutionChoice = "server"
	// ChoiceMerge picks the newer value per field (local wins ties)
	ChoiceMerge ResolutionChoice = "merge"
)

// Record is one synchronizable entity instance (profile, progress, drawing, ...).
// Payload holds the entity-specific fields as a JSON object; UpdatedAt is
// authoritative for ordering. Synced is true once the remote store has
// confirmed this exact state and no local change is pending.
type Record struct {
	EntityType   string         `json:"entity_type"`
	ID           string         `json:"id"`
	Payload      map[string]any `json:"payload"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSyncedAt time.Time      `json:"last_synced_at"` // last server state this client acknowledged
	Synced       bool           `json:"synced"`
	Deleted      bool           `json:"deleted,omitempty"` // remote tombstone, only set on pulled records
}

// Mutation is one pending local change awaiting transmission to the remote
// store. ID is a monotonic sequence number assigned by the queue; Payload is
// the full record snapshot at enqueue time (nil for delete).
type Mutation struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	RecordID   string         `json:"record_id"`
	Op         string         `json:"op"` // create, update, delete
	Payload    map[string]any `json:"payload,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	QueuedAt   time.Time      `json:"queued_at"`
}

// Conflict is one field-level divergence between the local and server copies
// of a record. Timestamps are the record-level UpdatedAt of each side.
type Conflict struct {
	Field           string    `json:"field"`
	LocalValue      any       `json:"local_value"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	ServerValue     any       `json:"server_value"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// ConflictGroup is the set of field conflicts detected for one record during
// a single pull pass. A group exists only while unresolved; resolving it
// removes it from the pending set.
type ConflictGroup struct {
	ID         string     `json:"id"`
	EntityType string     `json:"entity_type"`
	RecordID   string     `json:"record_id"`
	RecordName string     `json:"record_name,omitempty"` // optional human label
	Conflicts  []Conflict `json:"conflicts"`
	DetectedAt time.Time  `json:"detected_at"`

	// Full payload snapshots captured at detection time so any choice can be
	// applied atomically later, even if the pulled copy is gone.
	LocalPayload    map[string]any `json:"local_payload"`
	ServerPayload   map[string]any `json:"server_payload"`
	LocalUpdatedAt  time.Time      `json:"local_updated_at"`
	ServerUpdatedAt time.Time      `json:"server_updated_at"`
}

// recordKey identifies a record across entity types ("profile/p1").
func recordKey(entityType, recordID string) string {
	return entityType + "/" + recordID
}

// clonePayload returns a shallow copy of a payload map. Values are shared;
// callers only ever replace top-level keys.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
