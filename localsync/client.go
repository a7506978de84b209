// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Client is the application-facing facade over the offline-first stack:
// every write lands in the local store first and is queued for upload, reads
// always come from the local store, and the orchestrator reconciles with the
// backend whenever connectivity allows.
type Client struct {
	store        *SQLiteStore
	queue        *MutationQueue
	resolver     *ConflictResolver
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewClient assembles the full client stack on an open SQLite database and
// runs pending migrations before anything touches the data.
func NewClient(ctx context.Context, db *sql.DB, remote RemoteStore, config *Config, migrations []Migration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	store, err := NewSQLiteStore(db, config.EntityTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to init local store: %w", err)
	}
	queue, err := NewMutationQueue(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init mutation queue: %w", err)
	}

	runner, err := NewMigrationRunner(store, migrations, logger)
	if err != nil {
		return nil, err
	}
	if err := runner.Run(ctx, config.EntityTypes); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	resolver := NewConflictResolver(store, queue, logger)
	orchestrator, err := NewOrchestrator(store, queue, remote, resolver, config, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		queue:        queue,
		resolver:     resolver,
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// Store exposes the local record store for read paths.
func (c *Client) Store() *SQLiteStore { return c.store }

// Queue exposes the mutation queue (inspection and tests).
func (c *Client) Queue() *MutationQueue { return c.queue }

// Resolver exposes the conflict resolver for UI subscriptions.
func (c *Client) Resolver() *ConflictResolver { return c.resolver }

// Orchestrator exposes the sync orchestrator for listeners and manual cycles.
func (c *Client) Orchestrator() *Orchestrator { return c.orchestrator }

// Create writes a new record locally and queues its upload. A generated id
// is assigned when the given id is empty.
func (c *Client) Create(ctx context.Context, entityType, id string, payload map[string]any) (*Record, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	rec := &Record{
		EntityType: entityType,
		ID:         id,
		Payload:    clonePayload(payload),
		UpdatedAt:  now,
		Synced:     false,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, &Mutation{
		EntityType: entityType,
		RecordID:   id,
		Op:         OpCreate,
		Payload:    clonePayload(payload),
		UpdatedAt:  now,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update overwrites a record's payload locally and queues the change. The
// record keeps its LastSyncedAt so later pulls can tell drift from echo.
func (c *Client) Update(ctx context.Context, entityType, id string, payload map[string]any) (*Record, error) {
	rec, err := c.store.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	rec.Payload = clonePayload(payload)
	rec.UpdatedAt = time.Now().UTC()
	rec.Synced = false
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, &Mutation{
		EntityType: entityType,
		RecordID:   id,
		Op:         OpUpdate,
		Payload:    clonePayload(payload),
		UpdatedAt:  rec.UpdatedAt,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record locally and queues the deletion. Deleting an
// unknown id is a no-op.
func (c *Client) Delete(ctx context.Context, entityType, id string) error {
	_, err := c.store.Get(ctx, entityType, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, entityType, id); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, &Mutation{
		EntityType: entityType,
		RecordID:   id,
		Op:         OpDelete,
		UpdatedAt:  time.Now().UTC(),
	})
}

// Get reads a record from the local store.
func (c *Client) Get(ctx context.Context, entityType, id string) (*Record, error) {
	return c.store.Get(ctx, entityType, id)
}

// List reads all records of one entity type from the local store.
func (c *Client) List(ctx context.Context, entityType string) ([]*Record, error) {
	return c.store.ListAll(ctx, entityType)
}

// Sync triggers one sync cycle. See Orchestrator.RunSyncCycle for the
// coalescing and error contract.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	return c.orchestrator.RunSyncCycle(ctx)
}

// ResolveConflict applies a resolution choice to a pending conflict group.
func (c *Client) ResolveConflict(ctx context.Context, groupID string, choice ResolutionChoice) (map[string]any, error) {
	return c.resolver.Resolve(ctx, groupID, choice)
}

// Start launches background sync and keeps it running until the context is
// cancelled.
func (c *Client) Start(ctx context.Context) {
	c.orchestrator.Start(ctx)
}

// AttachConnectivity wires a connectivity monitor to the orchestrator: state
// changes update the sync status, and regaining connectivity triggers an
// immediate cycle so queued offline edits drain without waiting for the
// periodic timer. Call before starting the monitor.
func (c *Client) AttachConnectivity(ctx context.Context, monitor *ConnectivityMonitor) {
	monitor.SetOnTransition(func(online bool) {
		c.orchestrator.SetOnline(online)
		if !online {
			return
		}
		if _, err := c.orchestrator.RunSyncCycle(ctx); err != nil {
			c.logger.Error("Reconnect sync cycle failed", "error", err)
		}
	})
}
