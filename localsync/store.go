// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrRecordNotFound is returned by RecordStore.Get for unknown record ids.
var ErrRecordNotFound = errors.New("localsync: record not found")

// RecordStore is the durable local store collaborator. Each call is
// transactional on its own; callers must not assume atomicity across calls.
type RecordStore interface {
	Get(ctx context.Context, entityType, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, entityType, id string) error
	ListUnsynced(ctx context.Context, entityType string) ([]*Record, error)
	ListAll(ctx context.Context, entityType string) ([]*Record, error)

	// Watermark is the "everything remote up to this point has been pulled"
	// timestamp; advanced by the orchestrator only after a clean pull pass.
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error

	// SchemaVersion is the storage version marker read once at startup and
	// advanced by the migration runner.
	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error
}

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// isValidEntityType guards table name construction; entity types come from
// config, not user input, but a typo must fail loudly instead of producing
// broken SQL.
func isValidEntityType(entityType string) bool {
	return entityTypePattern.MatchString(entityType)
}

func recordTable(entityType string) string {
	return `"records_` + entityType + `"`
}

// SQLiteStore is the SQLite-backed RecordStore. One table per entity type
// plus a single-row _sync_client_info table holding the schema version, the
// pull watermark, and the persisted source id.
type SQLiteStore struct {
	db          *sql.DB
	entityTypes []string
}

// NewSQLiteStore initializes the database (WAL mode, metadata row, one table
// per configured entity type) and returns the store.
func NewSQLiteStore(db *sql.DB, entityTypes []string) (*SQLiteStore, error) {
	if len(entityTypes) == 0 {
		return nil, fmt.Errorf("at least one entity type must be configured")
	}
	for _, et := range entityTypes {
		if !isValidEntityType(et) {
			return nil, fmt.Errorf("invalid entity type %q", et)
		}
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _sync_client_info (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			source_id      TEXT NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 0,
			last_sync_at   INTEGER NOT NULL DEFAULT 0  -- unix millis, 0 = never synced
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create client info table: %w", err)
	}
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO _sync_client_info (id, source_id, schema_version, last_sync_at)
		VALUES (1, ?, 0, 0)
	`, uuid.New().String()); err != nil {
		return nil, fmt.Errorf("failed to seed client info: %w", err)
	}

	for _, et := range entityTypes {
		create := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id             TEXT PRIMARY KEY,
				payload        TEXT NOT NULL,
				updated_at     INTEGER NOT NULL,
				last_synced_at INTEGER NOT NULL DEFAULT 0,
				synced         INTEGER NOT NULL DEFAULT 0
			)
		`, recordTable(et))
		if _, err := db.Exec(create); err != nil {
			return nil, fmt.Errorf("failed to create table for entity type %s: %w", et, err)
		}
	}

	return &SQLiteStore{db: db, entityTypes: entityTypes}, nil
}

// EntityTypes returns the configured entity types in declaration order.
func (s *SQLiteStore) EntityTypes() []string {
	out := make([]string, len(s.entityTypes))
	copy(out, s.entityTypes)
	return out
}

// SourceID returns the persisted client source id, generating it on first use.
func (s *SQLiteStore) SourceID(ctx context.Context) (string, error) {
	var sourceID string
	err := s.db.QueryRowContext(ctx, `SELECT source_id FROM _sync_client_info WHERE id = 1`).Scan(&sourceID)
	if err != nil {
		return "", fmt.Errorf("failed to query source id: %w", err)
	}
	return sourceID, nil
}

func (s *SQLiteStore) checkEntityType(entityType string) error {
	for _, et := range s.entityTypes {
		if et == entityType {
			return nil
		}
	}
	return fmt.Errorf("unknown entity type %q", entityType)
}

// Get loads one record. Returns ErrRecordNotFound if the id is unknown.
func (s *SQLiteStore) Get(ctx context.Context, entityType, id string) (*Record, error) {
	if err := s.checkEntityType(entityType); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, payload, updated_at, last_synced_at, synced FROM %s WHERE id = ?`, recordTable(entityType))
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row, entityType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s.%s: %w", entityType, id, err)
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := s.checkEntityType(rec.EntityType); err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s.%s: %w", rec.EntityType, rec.ID, err)
	}
	syncedInt := 0
	if rec.Synced {
		syncedInt = 1
	}
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (id, payload, updated_at, last_synced_at, synced)
		VALUES (?, ?, ?, ?, ?)
	`, recordTable(rec.EntityType))
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, string(payload), rec.UpdatedAt.UnixMilli(), rec.LastSyncedAt.UnixMilli(), syncedInt); err != nil {
		return fmt.Errorf("failed to put record %s.%s: %w", rec.EntityType, rec.ID, err)
	}
	return nil
}

// Delete removes a record. Deleting an unknown id is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, entityType, id string) error {
	if err := s.checkEntityType(entityType); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, recordTable(entityType))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete record %s.%s: %w", entityType, id, err)
	}
	return nil
}

// ListUnsynced returns records with pending local changes, oldest first.
func (s *SQLiteStore) ListUnsynced(ctx context.Context, entityType string) ([]*Record, error) {
	return s.list(ctx, entityType, `WHERE synced = 0`)
}

// ListAll returns every record of one entity type, oldest first.
func (s *SQLiteStore) ListAll(ctx context.Context, entityType string) ([]*Record, error) {
	return s.list(ctx, entityType, ``)
}

func (s *SQLiteStore) list(ctx context.Context, entityType, where string) ([]*Record, error) {
	if err := s.checkEntityType(entityType); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, payload, updated_at, last_synced_at, synced FROM %s %s ORDER BY updated_at ASC, id ASC`,
		recordTable(entityType), where)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", entityType, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, entityType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record for %s: %w", entityType, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records for %s: %w", entityType, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, entityType string) (*Record, error) {
	var (
		id          string
		payloadJSON string
		updatedAt   int64
		syncedAt    int64
		syncedInt   int
	)
	if err := row.Scan(&id, &payloadJSON, &updatedAt, &syncedAt, &syncedInt); err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &Record{
		EntityType:   entityType,
		ID:           id,
		Payload:      payload,
		UpdatedAt:    time.UnixMilli(updatedAt).UTC(),
		LastSyncedAt: time.UnixMilli(syncedAt).UTC(),
		Synced:       syncedInt == 1,
	}, nil
}

// Watermark returns the last successful sync timestamp (zero if never synced).
func (s *SQLiteStore) Watermark(ctx context.Context) (time.Time, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, `SELECT last_sync_at FROM _sync_client_info WHERE id = 1`).Scan(&millis)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query watermark: %w", err)
	}
	if millis == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(millis).UTC(), nil
}

// SetWatermark persists the last successful sync timestamp.
func (s *SQLiteStore) SetWatermark(ctx context.Context, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE _sync_client_info SET last_sync_at = ? WHERE id = 1`, t.UnixMilli()); err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	return nil
}

// SchemaVersion returns the storage version marker.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT schema_version FROM _sync_client_info WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return v, nil
}

// SetSchemaVersion advances the storage version marker.
func (s *SQLiteStore) SetSchemaVersion(ctx context.Context, v int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE _sync_client_info SET schema_version = ? WHERE id = 1`, v); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
