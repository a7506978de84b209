// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts the authenticated user from HTTP requests.
// Implementations should validate auth (e.g., JWT) before answering.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the push/pull sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches the sync endpoints to the mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	mux.HandleFunc("/sync/health", h.HandleHealth)
}

// HandlePush processes one pushed mutation.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, &pushReq)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "user_id", userID)
	}
}

// HandlePull processes watermark pull requests.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type query parameter is required")
		return
	}

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an integer")
			return
		}
		if parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be >= 0")
			return
		}
		since = parsed
	}

	response, err := h.service.ProcessPull(r.Context(), userID, entityType, since)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID, "entity_type", entityType)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "user_id", userID)
	}
}

// HandleHealth answers liveness probes. No auth: the client's connectivity
// monitor hits this endpoint before it has a token.
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errCode, Message: message})
}
