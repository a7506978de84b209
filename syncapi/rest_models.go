// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

// Package syncapi implements the server side of the record sync protocol:
// wire models, validation, the authoritative record store, JWT auth, and the
// HTTP handlers the localsync client talks to.
package syncapi

import "encoding/json"

// Rejection reasons returned with a rejected push. The client removes the
// mutation from its queue and warns the user; retrying unchanged would fail
// the same way.
const (
	ReasonBadPayload       = "bad_payload"
	ReasonUnknownEntity    = "unknown_entity_type"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonMissingRecordID  = "missing_record_id"
	ReasonUnknownOperation = "unknown_operation"
)

// WireRecord is the wire representation of one record snapshot. Timestamps
// travel as unix milliseconds.
type WireRecord struct {
	EntityType string          `json:"entity_type"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  int64           `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// PushRequest carries one mutation as a full record snapshot.
type PushRequest struct {
	Op     string     `json:"op"` // create | update | delete
	Record WireRecord `json:"record"`
}

// PushResponse is the server's verdict. Exactly one of Accepted or Rejected
// is true. ServerRecord carries the authoritative state after an accepted
// apply (the stored copy may be newer than what was pushed).
type PushResponse struct {
	Accepted     bool        `json:"accepted"`
	Rejected     bool        `json:"rejected,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ServerRecord *WireRecord `json:"server_record,omitempty"`
}

// PullResponse lists records modified strictly after the requested watermark.
type PullResponse struct {
	Records    []WireRecord `json:"records"`
	ServerTime int64        `json:"server_time"` // unix millis, informational
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
