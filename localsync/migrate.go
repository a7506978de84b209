// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Migration transforms the payloads of one schema version step. Transform is
// called once per record with the record's entity type and a copy of its
// payload; it returns the upgraded payload. Returning an error fails the
// migration for that entity type only.
type Migration struct {
	Version   int
	Name      string
	Transform func(entityType string, payload map[string]any) (map[string]any, error)
}

// MigrationRunner upgrades stored payloads version by version at startup.
// Failures are isolated per entity type: a table whose transform fails keeps
// its old payloads and is logged, while the rest of the migration proceeds
// and the schema version still advances. Sync later reconciles stragglers
// against the server copy.
type MigrationRunner struct {
	store      RecordStore
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrationRunner sorts the migrations by version. Duplicate versions are
// rejected.
func NewMigrationRunner(store RecordStore, migrations []Migration, logger *slog.Logger) (*MigrationRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", sorted[i].Version)
		}
	}
	return &MigrationRunner{store: store, migrations: sorted, logger: logger}, nil
}

// Run applies every migration newer than the stored schema version, in
// ascending order, and records the final version. The version only moves
// forward; running twice is a no-op.
func (r *MigrationRunner) Run(ctx context.Context, entityTypes []string) error {
	current, err := r.store.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, mig := range r.migrations {
		if mig.Version <= current {
			continue
		}
		r.logger.Info("Applying migration", "version", mig.Version, "name", mig.Name)
		r.applyStep(ctx, mig, entityTypes)

		current = mig.Version
		if err := r.store.SetSchemaVersion(ctx, current); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", current, err)
		}
		applied++
	}

	if applied > 0 {
		r.logger.Info("Migrations finished", "schema_version", current, "applied", applied)
	}
	return nil
}

// applyStep runs one migration over every entity type. Each type is
// transformed against an in-memory snapshot first; nothing is written for a
// type unless all of its records transformed cleanly.
func (r *MigrationRunner) applyStep(ctx context.Context, mig Migration, entityTypes []string) {
	for _, entityType := range entityTypes {
		records, err := r.store.ListAll(ctx, entityType)
		if err != nil {
			r.logger.Error("Migration skipped entity type: listing failed",
				"version", mig.Version, "entity_type", entityType, "error", err)
			continue
		}

		upgraded := make([]*Record, 0, len(records))
		failed := false
		for _, rec := range records {
			next, err := mig.Transform(entityType, clonePayload(rec.Payload))
			if err != nil {
				r.logger.Error("Migration skipped entity type: transform failed",
					"version", mig.Version, "entity_type", entityType,
					"record_id", rec.ID, "error", err)
				failed = true
				break
			}
			rec.Payload = next
			upgraded = append(upgraded, rec)
		}
		if failed {
			continue
		}

		for _, rec := range upgraded {
			if err := r.store.Put(ctx, rec); err != nil {
				r.logger.Error("Migration write failed",
					"version", mig.Version, "entity_type", entityType,
					"record_id", rec.ID, "error", err)
			}
		}
	}
}
