// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apexbusiness-systems/jubeeloveai-sub002/syncapi"
)

// PushResult is the remote store's verdict on one pushed mutation.
// Exactly one of Accepted or Rejected is set; transport-level problems are
// returned as a *TransportError instead.
type PushResult struct {
	Accepted     bool
	Rejected     bool
	Reason       string  // rejection reason, e.g. syncapi.ReasonBadPayload
	ServerRecord *Record // authoritative server copy after an accepted push
}

// RemoteStore is the authoritative remote collaborator. Push carries a full
// record snapshot; PullSince returns full snapshots modified after the given
// watermark. Authentication is handled outside this interface.
type RemoteStore interface {
	Push(ctx context.Context, m *Mutation) (*PushResult, error)
	PullSince(ctx context.Context, entityType string, since time.Time) ([]*Record, error)
}

// TransportError marks network-level failures (unreachable server, timeouts,
// 5xx responses). The orchestrator retries these on the next cycle and never
// advances the watermark past them.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPRemoteStore talks to the sync backend over the syncapi wire protocol.
type HTTPRemoteStore struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns the bearer token
	HTTP    *http.Client
}

// NewHTTPRemoteStore returns a remote store client with a default HTTP client.
func NewHTTPRemoteStore(baseURL string, token func(context.Context) (string, error)) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Push sends one mutation as a full record snapshot.
func (r *HTTPRemoteStore) Push(ctx context.Context, m *Mutation) (*PushResult, error) {
	wireReq := syncapi.PushRequest{
		Op: m.Op,
		Record: syncapi.WireRecord{
			EntityType: m.EntityType,
			ID:         m.RecordID,
			UpdatedAt:  m.UpdatedAt.UnixMilli(),
		},
	}
	if m.Payload != nil {
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal push payload: %w", err)
		}
		wireReq.Record.Payload = payload
	}

	body, err := json.Marshal(&wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := r.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, data)}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("push failed with status %d: %s", resp.StatusCode, data)
	}

	var pushResp syncapi.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to decode push response: %w", err)}
	}

	result := &PushResult{
		Accepted: pushResp.Accepted,
		Rejected: pushResp.Rejected,
		Reason:   pushResp.Reason,
	}
	if pushResp.ServerRecord != nil {
		rec, err := wireToRecord(pushResp.ServerRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to decode server record: %w", err)
		}
		result.ServerRecord = rec
	}
	return result, nil
}

// PullSince fetches all remote records of one entity type modified after the
// watermark.
func (r *HTTPRemoteStore) PullSince(ctx context.Context, entityType string, since time.Time) ([]*Record, error) {
	q := url.Values{}
	q.Set("type", entityType)
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	if err := r.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "pull", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{Op: "pull", Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, data)}
	}

	var pullResp syncapi.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, &TransportError{Op: "pull", Err: fmt.Errorf("failed to decode pull response: %w", err)}
	}

	records := make([]*Record, 0, len(pullResp.Records))
	for i := range pullResp.Records {
		rec, err := wireToRecord(&pullResp.Records[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode pulled record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *HTTPRemoteStore) authorize(ctx context.Context, req *http.Request) error {
	if r.Token == nil {
		return nil
	}
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func wireToRecord(w *syncapi.WireRecord) (*Record, error) {
	rec := &Record{
		EntityType: w.EntityType,
		ID:         w.ID,
		UpdatedAt:  time.UnixMilli(w.UpdatedAt).UTC(),
		Deleted:    w.Deleted,
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload for %s.%s: %w", w.EntityType, w.ID, err)
		}
	}
	return rec, nil
}
