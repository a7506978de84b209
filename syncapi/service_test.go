// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *SyncService {
	t.Helper()
	config := DefaultServiceConfig([]string{"notes"})
	config.MaxPayloadBytes = 1024
	service, err := NewSyncService(NewMemStore(), config, nil)
	require.NoError(t, err)
	return service
}

func pushReq(op, id string, payload string, updatedAt int64) *PushRequest {
	req := &PushRequest{
		Op: op,
		Record: WireRecord{
			EntityType: "notes",
			ID:         id,
			UpdatedAt:  updatedAt,
		},
	}
	if payload != "" {
		req.Record.Payload = json.RawMessage(payload)
	}
	return req
}

func TestProcessPushAccepts(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	resp, err := service.ProcessPush(ctx, "u1", pushReq("create", "n1", `{"title":"x"}`, 100))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.False(t, resp.Rejected)
	require.NotNil(t, resp.ServerRecord)
	require.Equal(t, int64(100), resp.ServerRecord.UpdatedAt)
}

func TestProcessPushRejections(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    *PushRequest
		reason string
	}{
		{"unknown op", pushReq("upsert", "n1", `{"a":1}`, 1), ReasonUnknownOperation},
		{"missing id", pushReq("create", "", `{"a":1}`, 1), ReasonMissingRecordID},
		{"empty payload", pushReq("create", "n1", ``, 1), ReasonBadPayload},
		{"non-object payload", pushReq("create", "n1", `[1,2]`, 1), ReasonBadPayload},
		{"invalid json", pushReq("create", "n1", `{broken`, 1), ReasonBadPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := service.ProcessPush(ctx, "u1", tc.req)
			require.NoError(t, err)
			require.True(t, resp.Rejected)
			require.Equal(t, tc.reason, resp.Reason)
		})
	}

	req := pushReq("create", "n1", `{"a":1}`, 1)
	req.Record.EntityType = "unknown"
	resp, err := service.ProcessPush(ctx, "u1", req)
	require.NoError(t, err)
	require.True(t, resp.Rejected)
	require.Equal(t, ReasonUnknownEntity, resp.Reason)
}

func TestProcessPushPayloadTooLarge(t *testing.T) {
	service := newTestService(t)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	payload := `{"blob":"` + string(big) + `"}`
	resp, err := service.ProcessPush(context.Background(), "u1", pushReq("create", "n1", payload, 1))
	require.NoError(t, err)
	require.True(t, resp.Rejected)
	require.Equal(t, ReasonPayloadTooLarge, resp.Reason)
}

func TestProcessPushDeleteNeedsNoPayload(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	_, err := service.ProcessPush(ctx, "u1", pushReq("create", "n1", `{"a":1}`, 100))
	require.NoError(t, err)

	resp, err := service.ProcessPush(ctx, "u1", pushReq("delete", "n1", ``, 200))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.True(t, resp.ServerRecord.Deleted)
}

func TestProcessPushNewestWins(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	_, err := service.ProcessPush(ctx, "u1", pushReq("create", "n1", `{"v":2}`, 200))
	require.NoError(t, err)

	// An older update is accepted but the stored copy stays authoritative.
	resp, err := service.ProcessPush(ctx, "u1", pushReq("update", "n1", `{"v":1}`, 100))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Equal(t, int64(200), resp.ServerRecord.UpdatedAt)
	require.JSONEq(t, `{"v":2}`, string(resp.ServerRecord.Payload))
}

func TestProcessPullSinceIsStrict(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	_, err := service.ProcessPush(ctx, "u1", pushReq("create", "a", `{"v":1}`, 100))
	require.NoError(t, err)
	_, err = service.ProcessPush(ctx, "u1", pushReq("create", "b", `{"v":2}`, 200))
	require.NoError(t, err)

	resp, err := service.ProcessPull(ctx, "u1", "notes", 100)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	require.Equal(t, "b", resp.Records[0].ID)
	require.Positive(t, resp.ServerTime)

	_, err = service.ProcessPull(ctx, "u1", "unknown", 0)
	require.Error(t, err)
}

func TestRecordsAreScopedPerUser(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	_, err := service.ProcessPush(ctx, "u1", pushReq("create", "n1", `{"v":1}`, 100))
	require.NoError(t, err)

	resp, err := service.ProcessPull(ctx, "u2", "notes", 0)
	require.NoError(t, err)
	require.Empty(t, resp.Records)
}
