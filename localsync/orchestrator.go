// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config holds configuration for the sync orchestrator.
type Config struct {
	EntityTypes []string      // entity types to sync, in push/pull order
	Interval    time.Duration // periodic background sync interval
	MaxAttempts int           // push attempts before a mutation is flagged
	BackoffMin  time.Duration // backoff after a failed background cycle
	BackoffMax  time.Duration
}

// DefaultConfig returns the default orchestrator configuration for the given
// entity types.
func DefaultConfig(entityTypes []string) *Config {
	return &Config{
		EntityTypes: entityTypes,
		Interval:    30 * time.Second,
		MaxAttempts: 5,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// SyncStatus is the presentation-level sync state pushed to the UI.
type SyncStatus struct {
	IsOnline  bool `json:"is_online"`
	IsSyncing bool `json:"is_syncing"`
	QueueSize int  `json:"queue_size"`
}

// StatusListener receives SyncStatus snapshots.
type StatusListener func(SyncStatus)

// RejectionNotice reports a mutation the remote store refused permanently.
// The local copy is retained; the notice is a dismissible warning, not an
// error.
type RejectionNotice struct {
	MutationID int64  `json:"mutation_id"`
	EntityType string `json:"entity_type"`
	RecordID   string `json:"record_id"`
	Reason     string `json:"reason"`
}

// RejectionListener receives validation-rejection notices.
type RejectionListener func(RejectionNotice)

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	Pushed            int           `json:"pushed"`
	Rejected          int           `json:"rejected"`
	Failed            int           `json:"failed"`  // record-level push failures, retried next cycle
	Flagged           int           `json:"flagged"` // mutations that hit MaxAttempts this cycle
	Pulled            int           `json:"pulled"`
	Applied           int           `json:"applied"`
	Conflicts         int           `json:"conflicts"`
	TransportFailure  bool          `json:"transport_failure"`
	WatermarkAdvanced bool          `json:"watermark_advanced"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

// Orchestrator drives the sync cycle: drain and compact the mutation queue,
// push, acknowledge, pull, detect conflicts, apply, advance the watermark.
// Only one cycle runs at a time; a RunSyncCycle call while another cycle is
// in flight is coalesced into a no-op.
type Orchestrator struct {
	store    RecordStore
	queue    *MutationQueue
	remote   RemoteStore
	resolver *ConflictResolver
	config   *Config
	logger   *slog.Logger

	syncing int32 // atomic guard, 1 while a cycle is in flight
	paused  int32
	online  int32

	statusListener    StatusListener
	rejectionListener RejectionListener
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(store RecordStore, queue *MutationQueue, remote RemoteStore, resolver *ConflictResolver, config *Config, logger *slog.Logger) (*Orchestrator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.EntityTypes) == 0 {
		return nil, fmt.Errorf("config.EntityTypes must not be empty")
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("config.MaxAttempts must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		queue:    queue,
		remote:   remote,
		resolver: resolver,
		config:   config,
		logger:   logger,
		online:   1,
	}, nil
}

// SetStatusListener registers the UI status callback. Must be set before
// Start; a nil listener disables status publication.
func (o *Orchestrator) SetStatusListener(l StatusListener) { o.statusListener = l }

// SetRejectionListener registers the validation-rejection callback.
func (o *Orchestrator) SetRejectionListener(l RejectionListener) { o.rejectionListener = l }

// Pause suspends automatic and manual cycles (they become no-ops).
func (o *Orchestrator) Pause() { atomic.StoreInt32(&o.paused, 1) }

// Resume re-enables sync cycles.
func (o *Orchestrator) Resume() { atomic.StoreInt32(&o.paused, 0) }

// SetOnline records connectivity as reported by the connectivity monitor and
// publishes the new status.
func (o *Orchestrator) SetOnline(online bool) {
	v := int32(0)
	if online {
		v = 1
	}
	atomic.StoreInt32(&o.online, v)
	o.publishStatus(context.Background(), false)
}

// Online reports the last connectivity state the orchestrator was told about.
func (o *Orchestrator) Online() bool { return atomic.LoadInt32(&o.online) == 1 }

// IsSyncing reports whether a cycle is currently in flight.
func (o *Orchestrator) IsSyncing() bool { return atomic.LoadInt32(&o.syncing) == 1 }

// RunSyncCycle performs one full push/pull cycle. A call while another cycle
// is in flight (or while paused) returns (nil, nil). Transport failures are
// absorbed into the result per the retry policy; only local storage failures
// are returned as errors.
func (o *Orchestrator) RunSyncCycle(ctx context.Context) (*SyncResult, error) {
	if atomic.LoadInt32(&o.paused) == 1 {
		return nil, nil
	}
	if !atomic.CompareAndSwapInt32(&o.syncing, 0, 1) {
		return nil, nil // coalesced: a cycle is already running
	}
	defer atomic.StoreInt32(&o.syncing, 0)

	result := &SyncResult{StartedAt: time.Now().UTC()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		o.publishStatus(ctx, false)
	}()
	o.publishStatus(ctx, true)

	if err := o.compactQueue(ctx); err != nil {
		return result, err
	}
	if err := o.pushPending(ctx, result); err != nil {
		return result, err
	}
	if !result.TransportFailure {
		if err := o.pullChanges(ctx, result); err != nil {
			return result, err
		}
	}

	o.logger.Info("Sync cycle finished",
		"pushed", result.Pushed, "rejected", result.Rejected, "failed", result.Failed,
		"pulled", result.Pulled, "applied", result.Applied, "conflicts", result.Conflicts,
		"transport_failure", result.TransportFailure, "duration", result.Duration)

	return result, nil
}

// Start runs the periodic background loop until the context is cancelled.
// Failed cycles back off exponentially; successful cycles return to the
// configured interval.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		delay := o.config.Interval
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			result, err := o.RunSyncCycle(ctx)
			switch {
			case err != nil:
				o.logger.Error("Background sync cycle failed", "error", err)
				delay = o.nextBackoff(delay)
			case result != nil && result.TransportFailure:
				delay = o.nextBackoff(delay)
			default:
				delay = o.config.Interval
			}
		}
	}()
}

func (o *Orchestrator) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if current < o.config.BackoffMin {
		next = o.config.BackoffMin
	}
	if next > o.config.BackoffMax {
		next = o.config.BackoffMax
	}
	return next
}

// RetryFlagged clears the attempt counters of flagged mutations and runs a
// cycle, giving permanently failing mutations a manual second life.
func (o *Orchestrator) RetryFlagged(ctx context.Context) (*SyncResult, error) {
	all, err := o.queue.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Attempts >= o.config.MaxAttempts {
			if err := o.queue.Requeue(ctx, m.ID); err != nil {
				return nil, err
			}
		}
	}
	return o.RunSyncCycle(ctx)
}

// compactQueue collapses queued mutations per record before transmission.
func (o *Orchestrator) compactQueue(ctx context.Context) error {
	pairs, err := o.queue.PendingRecords(ctx)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := o.queue.Compact(ctx, pair[0], pair[1]); err != nil {
			return fmt.Errorf("failed to compact queue for %s.%s: %w", pair[0], pair[1], err)
		}
	}
	return nil
}

// pushPending pushes queued mutations one entity type at a time, continuing
// past record-level failures. A transport failure stops the pass: the server
// is unreachable, so remaining pushes (and the pull) wait for the next cycle.
func (o *Orchestrator) pushPending(ctx context.Context, result *SyncResult) error {
	pending, err := o.queue.Pending(ctx, o.config.MaxAttempts)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	byType := make(map[string][]*Mutation, len(o.config.EntityTypes))
	for _, m := range pending {
		byType[m.EntityType] = append(byType[m.EntityType], m)
	}

	for _, entityType := range o.config.EntityTypes {
		for _, m := range byType[entityType] {
			pushRes, err := o.remote.Push(ctx, m)
			var transportErr *TransportError
			switch {
			case errors.As(err, &transportErr):
				// Transport failures don't count against the mutation; the
				// whole batch is retried next cycle.
				result.TransportFailure = true
				o.logger.Warn("Push transport failure, deferring remaining mutations",
					"entity_type", m.EntityType, "record_id", m.RecordID, "error", err)
				return nil
			case err != nil:
				result.Failed++
				if qerr := o.queue.RecordFailure(ctx, m.ID, err); qerr != nil {
					return qerr
				}
				if m.Attempts+1 >= o.config.MaxAttempts {
					result.Flagged++
					o.logger.Warn("Mutation exceeded max attempts, flagged for manual retry",
						"mutation_id", m.ID, "entity_type", m.EntityType,
						"record_id", m.RecordID, "error", err)
				}
			case pushRes.Rejected:
				// The remote store will never accept this unchanged; drop it
				// from the queue, keep the local copy, warn the UI.
				result.Rejected++
				if qerr := o.queue.Acknowledge(ctx, m.ID); qerr != nil {
					return qerr
				}
				o.notifyRejection(RejectionNotice{
					MutationID: m.ID,
					EntityType: m.EntityType,
					RecordID:   m.RecordID,
					Reason:     pushRes.Reason,
				})
			default:
				result.Pushed++
				if qerr := o.queue.Acknowledge(ctx, m.ID); qerr != nil {
					return qerr
				}
				if err := o.markSynced(ctx, m, pushRes); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// markSynced records the server's acknowledgment on the local copy. The
// record stays unsynced if further mutations for it were queued while this
// one was in flight.
func (o *Orchestrator) markSynced(ctx context.Context, m *Mutation, pushRes *PushResult) error {
	if m.Op == OpDelete {
		return nil
	}
	rec, err := o.store.Get(ctx, m.EntityType, m.RecordID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil // deleted locally since the push was queued
	}
	if err != nil {
		return err
	}

	serverTime := m.UpdatedAt
	if pushRes.ServerRecord != nil {
		serverTime = pushRes.ServerRecord.UpdatedAt
	}
	if serverTime.After(m.UpdatedAt) {
		// The server kept a newer copy from another device instead of this
		// payload. Leave the record unsynced and its acknowledgment state
		// untouched; the pull pass routes the divergence through conflict
		// detection.
		return nil
	}
	rec.LastSyncedAt = serverTime
	if rec.UpdatedAt.After(m.UpdatedAt) {
		// A newer local edit exists; leave it pending.
		return o.store.Put(ctx, rec)
	}
	rec.Synced = true
	return o.store.Put(ctx, rec)
}

// pullChanges fetches remote records modified since the watermark, routes
// divergent ones through the conflict detector, applies the rest, and
// advances the watermark only when every pull completed at transport level.
func (o *Orchestrator) pullChanges(ctx context.Context, result *SyncResult) error {
	since, err := o.store.Watermark(ctx)
	if err != nil {
		return err
	}

	maxPulled := since
	for _, entityType := range o.config.EntityTypes {
		records, err := o.remote.PullSince(ctx, entityType, since)
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			result.TransportFailure = true
			o.logger.Warn("Pull transport failure, watermark not advanced",
				"entity_type", entityType, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("pull failed for %s: %w", entityType, err)
		}

		for _, remote := range records {
			result.Pulled++
			if remote.UpdatedAt.After(maxPulled) {
				maxPulled = remote.UpdatedAt
			}
			applied, err := o.applyPulled(ctx, remote, result)
			if err != nil {
				return err
			}
			if applied {
				result.Applied++
			}
		}
	}

	if maxPulled.After(since) {
		if err := o.store.SetWatermark(ctx, maxPulled); err != nil {
			return err
		}
		result.WatermarkAdvanced = true
	}
	return nil
}

// applyPulled merges one pulled record into the local store. Reports whether
// the local copy was overwritten.
func (o *Orchestrator) applyPulled(ctx context.Context, remote *Record, result *SyncResult) (bool, error) {
	local, err := o.store.Get(ctx, remote.EntityType, remote.ID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return false, err
	}

	if remote.Deleted {
		if local == nil {
			return false, nil
		}
		if !local.Synced {
			// Pending local edit outlives the remote delete; the queued
			// mutation re-establishes the record on the next push.
			return false, nil
		}
		if err := o.store.Delete(ctx, local.EntityType, local.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	if local != nil && !local.Synced {
		if group := DetectConflict(local, remote); group != nil {
			result.Conflicts++
			o.resolver.Add(group)
			return false, nil
		}
		if !remote.UpdatedAt.After(local.LastSyncedAt) {
			// Stale echo of a state this client already acknowledged; the
			// pending local change supersedes it.
			return false, nil
		}
		// Remote is newer but byte-identical to the local edit; fall through
		// and adopt the server copy.
	}

	remote.Synced = true
	remote.LastSyncedAt = remote.UpdatedAt
	if err := o.store.Put(ctx, remote); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) notifyRejection(n RejectionNotice) {
	if o.rejectionListener != nil {
		o.rejectionListener(n)
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context, syncing bool) {
	if o.statusListener == nil {
		return
	}
	size, err := o.queue.Size(ctx)
	if err != nil {
		o.logger.Warn("Failed to read queue size for status", "error", err)
	}
	o.statusListener(SyncStatus{
		IsOnline:  o.Online(),
		IsSyncing: syncing,
		QueueSize: size,
	})
}
