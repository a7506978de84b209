// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DetectConflict compares a locally held record against the copy pulled from
// the remote store and returns the field-level conflict group, or nil when
// the remote copy can be applied (or ignored) without losing local intent.
//
// A conflict exists only when all three hold:
//   - the local record carries unacknowledged changes (synced = false),
//   - the remote copy is newer than the last server state this client
//     acknowledged (remote UpdatedAt after local LastSyncedAt),
//   - at least one top-level payload field differs.
//
// Comparison is shallow and deliberately conservative: metadata-only
// differences still surface. Deciding significance is the resolver's job.
func DetectConflict(local, remote *Record) *ConflictGroup {
	if local == nil || local.Synced {
		return nil
	}
	if !remote.UpdatedAt.After(local.LastSyncedAt) {
		return nil
	}

	fields := diffFields(local.Payload, remote.Payload)
	if len(fields) == 0 {
		return nil
	}

	conflicts := make([]Conflict, 0, len(fields))
	for _, f := range fields {
		conflicts = append(conflicts, Conflict{
			Field:           f,
			LocalValue:      local.Payload[f],
			LocalTimestamp:  local.UpdatedAt,
			ServerValue:     remote.Payload[f],
			ServerTimestamp: remote.UpdatedAt,
		})
	}

	return &ConflictGroup{
		ID:              uuid.New().String(),
		EntityType:      local.EntityType,
		RecordID:        local.ID,
		RecordName:      recordLabel(local.Payload),
		Conflicts:       conflicts,
		DetectedAt:      time.Now().UTC(),
		LocalPayload:    clonePayload(local.Payload),
		ServerPayload:   clonePayload(remote.Payload),
		LocalUpdatedAt:  local.UpdatedAt,
		ServerUpdatedAt: remote.UpdatedAt,
	}
}

// diffFields returns the sorted union of top-level keys whose values differ.
func diffFields(local, remote map[string]any) []string {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	var fields []string
	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]
		if lok != rok || !valuesEqual(lv, rv) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// valuesEqual compares two payload values via their canonical JSON encoding.
// Payloads round-trip through JSON on every storage and wire hop, so this is
// exactly the equality the rest of the system observes (1 == 1.0, map key
// order irrelevant).
func valuesEqual(a, b any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// recordLabel extracts an optional human label for conflict dialogs.
func recordLabel(payload map[string]any) string {
	for _, key := range []string{"name", "title", "label"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
