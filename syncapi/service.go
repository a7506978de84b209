// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// StoredRecord is the server's authoritative copy of one record. Deletes are
// kept as tombstones so offline clients learn about them on their next pull.
type StoredRecord struct {
	EntityType string
	ID         string
	Payload    json.RawMessage
	UpdatedAt  int64 // unix millis
	Deleted    bool
}

// ServerStore persists authoritative records per user.
type ServerStore interface {
	// Apply writes the record if it is not older than the stored copy and
	// returns the authoritative state afterwards.
	Apply(ctx context.Context, userID string, rec *StoredRecord) (*StoredRecord, error)
	// Since returns records of one entity type modified strictly after the
	// given unix-millis watermark, oldest first.
	Since(ctx context.Context, userID, entityType string, since int64) ([]*StoredRecord, error)
}

// ServiceConfig bounds what the service accepts.
type ServiceConfig struct {
	RegisteredEntityTypes []string
	MaxPayloadBytes       int
}

// DefaultServiceConfig returns the default limits for the given entity types.
func DefaultServiceConfig(entityTypes []string) *ServiceConfig {
	return &ServiceConfig{
		RegisteredEntityTypes: entityTypes,
		MaxPayloadBytes:       256 * 1024,
	}
}

// SyncService validates pushed mutations and applies them newest-wins against
// the server store.
type SyncService struct {
	store       ServerStore
	config      *ServiceConfig
	logger      *slog.Logger
	entityTypes map[string]struct{}
}

// NewSyncService creates the service.
func NewSyncService(store ServerStore, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil || len(config.RegisteredEntityTypes) == 0 {
		return nil, fmt.Errorf("config with registered entity types is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	types := make(map[string]struct{}, len(config.RegisteredEntityTypes))
	for _, t := range config.RegisteredEntityTypes {
		types[t] = struct{}{}
	}
	return &SyncService{store: store, config: config, logger: logger, entityTypes: types}, nil
}

// ProcessPush validates one pushed mutation and applies it. Validation
// failures come back as rejections, not errors: the client must not retry
// them unchanged. Store failures are returned as errors and map to 5xx so
// the client retries.
func (s *SyncService) ProcessPush(ctx context.Context, userID string, req *PushRequest) (*PushResponse, error) {
	if reason := s.validate(req); reason != "" {
		s.logger.Warn("Rejected push",
			"user_id", userID, "entity_type", req.Record.EntityType,
			"record_id", req.Record.ID, "reason", reason)
		return &PushResponse{Rejected: true, Reason: reason}, nil
	}

	rec := &StoredRecord{
		EntityType: req.Record.EntityType,
		ID:         req.Record.ID,
		Payload:    req.Record.Payload,
		UpdatedAt:  req.Record.UpdatedAt,
		Deleted:    req.Op == "delete",
	}
	if rec.Deleted {
		rec.Payload = nil
	}

	stored, err := s.store.Apply(ctx, userID, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to apply push for %s.%s: %w", rec.EntityType, rec.ID, err)
	}

	wire := storedToWire(stored)
	return &PushResponse{Accepted: true, ServerRecord: &wire}, nil
}

// ProcessPull returns records modified strictly after the watermark.
func (s *SyncService) ProcessPull(ctx context.Context, userID, entityType string, since int64) (*PullResponse, error) {
	if _, ok := s.entityTypes[entityType]; !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	stored, err := s.store.Since(ctx, userID, entityType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s since %d: %w", entityType, since, err)
	}

	records := make([]WireRecord, 0, len(stored))
	for _, rec := range stored {
		records = append(records, storedToWire(rec))
	}
	return &PullResponse{Records: records, ServerTime: time.Now().UnixMilli()}, nil
}

func (s *SyncService) validate(req *PushRequest) string {
	switch req.Op {
	case "create", "update", "delete":
	default:
		return ReasonUnknownOperation
	}
	if _, ok := s.entityTypes[req.Record.EntityType]; !ok {
		return ReasonUnknownEntity
	}
	if req.Record.ID == "" {
		return ReasonMissingRecordID
	}
	if req.Op != "delete" {
		if len(req.Record.Payload) == 0 || !json.Valid(req.Record.Payload) {
			return ReasonBadPayload
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Record.Payload, &obj); err != nil {
			return ReasonBadPayload
		}
		if len(req.Record.Payload) > s.config.MaxPayloadBytes {
			return ReasonPayloadTooLarge
		}
	}
	return ""
}

func storedToWire(rec *StoredRecord) WireRecord {
	return WireRecord{
		EntityType: rec.EntityType,
		ID:         rec.ID,
		Payload:    rec.Payload,
		UpdatedAt:  rec.UpdatedAt,
		Deleted:    rec.Deleted,
	}
}

// MemStore is an in-memory ServerStore for tests and single-process setups.
type MemStore struct {
	mu      sync.Mutex
	records map[string]map[string]*StoredRecord // userID -> entityType/id -> record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]map[string]*StoredRecord)}
}

// Apply implements ServerStore with newest-wins semantics. An incoming record
// older than the stored copy leaves the store untouched and returns the
// stored state.
func (m *MemStore) Apply(_ context.Context, userID string, rec *StoredRecord) (*StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.records[userID]
	if user == nil {
		user = make(map[string]*StoredRecord)
		m.records[userID] = user
	}

	key := rec.EntityType + "/" + rec.ID
	if existing, ok := user[key]; ok && existing.UpdatedAt > rec.UpdatedAt {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	user[key] = &cp
	out := cp
	return &out, nil
}

// Since implements ServerStore.
func (m *MemStore) Since(_ context.Context, userID, entityType string, since int64) ([]*StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*StoredRecord
	for _, rec := range m.records[userID] {
		if rec.EntityType == entityType && rec.UpdatedAt > since {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt < out[j].UpdatedAt
	})
	return out, nil
}
