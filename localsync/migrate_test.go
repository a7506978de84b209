// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedMigrationData(t *testing.T, store *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Put(ctx, &Record{
		EntityType: "notes", ID: "n1",
		Payload: map[string]any{"title": "a"}, UpdatedAt: base,
	}))
	require.NoError(t, store.Put(ctx, &Record{
		EntityType: "tasks", ID: "t1",
		Payload: map[string]any{"done": false}, UpdatedAt: base,
	}))
}

func addField(field string, value any) func(string, map[string]any) (map[string]any, error) {
	return func(_ string, payload map[string]any) (map[string]any, error) {
		payload[field] = value
		return payload, nil
	}
}

func TestMigrationRunnerAppliesInOrder(t *testing.T) {
	store, _ := newTestStore(t)
	seedMigrationData(t, store)
	ctx := context.Background()

	// Declared out of order on purpose.
	runner, err := NewMigrationRunner(store, []Migration{
		{Version: 2, Name: "add_priority", Transform: addField("priority", "normal")},
		{Version: 1, Name: "add_archived", Transform: addField("archived", false)},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, []string{"notes", "tasks"}))

	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	rec, err := store.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, false, rec.Payload["archived"])
	require.Equal(t, "normal", rec.Payload["priority"])
}

func TestMigrationRunnerIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	seedMigrationData(t, store)
	ctx := context.Background()

	runs := 0
	runner, err := NewMigrationRunner(store, []Migration{
		{Version: 1, Name: "count_runs", Transform: func(_ string, p map[string]any) (map[string]any, error) {
			runs++
			return p, nil
		}},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx, []string{"notes"}))
	require.Equal(t, 1, runs)

	// Version marker already at 1: nothing reruns.
	require.NoError(t, runner.Run(ctx, []string{"notes"}))
	require.Equal(t, 1, runs)
}

func TestMigrationFailureSkipsTableButAdvancesVersion(t *testing.T) {
	store, _ := newTestStore(t)
	seedMigrationData(t, store)
	ctx := context.Background()

	runner, err := NewMigrationRunner(store, []Migration{
		{Version: 1, Name: "tasks_blow_up", Transform: func(entityType string, p map[string]any) (map[string]any, error) {
			if entityType == "tasks" {
				return nil, fmt.Errorf("cannot migrate tasks")
			}
			p["migrated"] = true
			return p, nil
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, []string{"notes", "tasks"}))

	// The healthy table migrated.
	rec, err := store.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, true, rec.Payload["migrated"])

	// The failing table kept its old payloads untouched.
	rec, err = store.Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	require.NotContains(t, rec.Payload, "migrated")
	require.Equal(t, false, rec.Payload["done"])

	// The version still advances; the skipped table reconciles via sync.
	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestMigrationFailureLeavesWholeTableUntouched(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Put(ctx, &Record{
		EntityType: "notes", ID: "ok",
		Payload: map[string]any{"v": float64(1)}, UpdatedAt: base,
	}))
	require.NoError(t, store.Put(ctx, &Record{
		EntityType: "notes", ID: "poison",
		Payload: map[string]any{"v": float64(2)}, UpdatedAt: base,
	}))

	runner, err := NewMigrationRunner(store, []Migration{
		{Version: 1, Name: "partial_failure", Transform: func(_ string, p map[string]any) (map[string]any, error) {
			if p["v"] == float64(2) {
				return nil, fmt.Errorf("bad record")
			}
			p["v"] = float64(100)
			return p, nil
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, []string{"notes"}))

	// Not even the record that transformed cleanly was written: the table
	// is all-or-nothing per migration step.
	rec, err := store.Get(ctx, "notes", "ok")
	require.NoError(t, err)
	require.Equal(t, float64(1), rec.Payload["v"])
}

func TestMigrationRunnerRejectsDuplicateVersions(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := NewMigrationRunner(store, []Migration{
		{Version: 1, Name: "a", Transform: addField("a", 1)},
		{Version: 1, Name: "b", Transform: addField("b", 2)},
	}, nil)
	require.Error(t, err)
}
