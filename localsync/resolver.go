// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrConflictNotFound is returned when resolving a group that no longer
// exists (already resolved, or the record was deleted concurrently). Callers
// must treat it as already-resolved, not fatal.
var ErrConflictNotFound = errors.New("localsync: conflict group not found")

// ConflictListener receives the full pending set whenever it changes. The
// resolver is the single publish point; listeners are invoked outside the
// resolver's lock and must not assume they run on any particular goroutine.
type ConflictListener func(groups []*ConflictGroup)

// ConflictResolver holds pending conflict groups and applies resolution
// choices to the local store, re-queueing a mutation whenever local data won.
type ConflictResolver struct {
	store  RecordStore
	queue  *MutationQueue
	logger *slog.Logger

	mu           sync.Mutex
	pending      map[string]*ConflictGroup // by group id
	byRecord     map[string]string         // entityType/recordID -> group id
	listeners    map[int]ConflictListener
	nextListener int
}

// NewConflictResolver creates a resolver bound to the given store and queue.
func NewConflictResolver(store RecordStore, queue *MutationQueue, logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{
		store:     store,
		queue:     queue,
		logger:    logger,
		pending:   make(map[string]*ConflictGroup),
		byRecord:  make(map[string]string),
		listeners: make(map[int]ConflictListener),
	}
}

// Subscribe registers a listener for pending-set changes and returns its
// unsubscribe function. The listener is immediately called with the current
// set so late subscribers don't miss standing conflicts.
func (r *ConflictResolver) Subscribe(l ConflictListener) func() {
	r.mu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	groups := r.pendingLocked()
	r.mu.Unlock()

	l(groups)

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Pending returns the unresolved conflict groups, oldest detection first.
func (r *ConflictResolver) Pending() []*ConflictGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *ConflictResolver) pendingLocked() []*ConflictGroup {
	groups := make([]*ConflictGroup, 0, len(r.pending))
	for _, g := range r.pending {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].DetectedAt.Equal(groups[j].DetectedAt) {
			return groups[i].ID < groups[j].ID
		}
		return groups[i].DetectedAt.Before(groups[j].DetectedAt)
	})
	return groups
}

// Add registers a newly detected group. At most one group may be pending per
// record id; a fresh detection for the same record replaces the stale group.
func (r *ConflictResolver) Add(group *ConflictGroup) {
	r.mu.Lock()
	key := recordKey(group.EntityType, group.RecordID)
	if staleID, ok := r.byRecord[key]; ok {
		delete(r.pending, staleID)
	}
	r.pending[group.ID] = group
	r.byRecord[key] = group.ID
	r.mu.Unlock()

	r.publish()
}

// Drop removes a pending group without applying any choice (used when the
// record disappears underneath it).
func (r *ConflictResolver) Drop(groupID string) {
	r.mu.Lock()
	g, ok := r.pending[groupID]
	if ok {
		delete(r.pending, groupID)
		delete(r.byRecord, recordKey(g.EntityType, g.RecordID))
	}
	r.mu.Unlock()
	if ok {
		r.publish()
	}
}

// Resolve applies a resolution choice to a pending group, writes the outcome
// to the local store, re-queues an update mutation when local data was
// chosen, removes the group, and returns the resolved payload. Resolution is
// atomic across all fields of the group.
func (r *ConflictResolver) Resolve(ctx context.Context, groupID string, choice ResolutionChoice) (map[string]any, error) {
	r.mu.Lock()
	group, ok := r.pending[groupID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrConflictNotFound
	}

	rec, err := r.store.Get(ctx, group.EntityType, group.RecordID)
	if errors.Is(err, ErrRecordNotFound) {
		// Deleted concurrently; nothing left to converge.
		r.Drop(groupID)
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record for resolution: %w", err)
	}

	var (
		payload   map[string]any
		keptLocal bool
	)

	switch choice {
	case ChoiceServer:
		payload = clonePayload(group.ServerPayload)
	case ChoiceLocal:
		payload = clonePayload(group.LocalPayload)
		keptLocal = true
	case ChoiceMerge:
		payload, keptLocal = mergePayloads(group)
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", choice)
	}

	recUpdated := group.ServerUpdatedAt
	if keptLocal {
		// Keeping local data is a fresh user decision; stamping it now lets
		// the re-queued update win newest-wins on the server.
		recUpdated = time.Now().UTC()
	}

	rec.Payload = payload
	rec.UpdatedAt = recUpdated
	rec.LastSyncedAt = group.ServerUpdatedAt
	rec.Synced = !keptLocal
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store resolved record: %w", err)
	}

	if keptLocal {
		m := &Mutation{
			EntityType: group.EntityType,
			RecordID:   group.RecordID,
			Op:         OpUpdate,
			Payload:    clonePayload(payload),
			UpdatedAt:  recUpdated,
		}
		if err := r.queue.Enqueue(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to re-queue resolved record: %w", err)
		}
	}

	r.logger.Info("Resolved conflict",
		"entity_type", group.EntityType, "record_id", group.RecordID,
		"choice", string(choice), "requeued", keptLocal)

	r.Drop(groupID)
	return payload, nil
}

// mergePayloads applies field-level last-writer-wins over the group's
// conflicting fields, starting from the server payload so non-conflicting
// server fields carry over. Fields present only locally are kept. On exactly
// equal timestamps the local value wins: the user is present and expects
// their just-made change to stick. Reports whether any local value was
// chosen (only then does the merge need to be pushed back).
func mergePayloads(group *ConflictGroup) (map[string]any, bool) {
	merged := clonePayload(group.ServerPayload)
	if merged == nil {
		merged = make(map[string]any)
	}
	localChosen := false

	// Every differing field, including fields present on only one side, is in
	// Conflicts, so starting from the server payload and walking the conflict
	// list covers the whole key union.
	for _, c := range group.Conflicts {
		if c.ServerTimestamp.After(c.LocalTimestamp) {
			merged[c.Field] = c.ServerValue
			continue
		}
		merged[c.Field] = c.LocalValue
		localChosen = true
	}

	return merged, localChosen
}

// publish snapshots the listeners and pending set, then notifies outside the
// lock to keep reentrant subscription changes safe.
func (r *ConflictResolver) publish() {
	r.mu.Lock()
	groups := r.pendingLocked()
	listeners := make([]ConflictListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(groups)
	}
}
