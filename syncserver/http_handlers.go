// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both owner and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetOwnerID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// Backend is the sync storage served over HTTP. Service implements it on
// Postgres; memremote implements it in memory.
type Backend interface {
	Push(ctx context.Context, ownerID, deviceID string, req *PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, ownerID, category string, since int64, limit int) (*PullResponse, error)
	IsCategoryRegistered(category string) bool
	Categories() []string
}

// maxPushBodyBytes bounds a push request body before decoding.
const maxPushBodyBytes = 8 << 20

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	backend       Backend
	authenticator ClientAuthenticator
	logger        *slog.Logger
	appName       string
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(backend Backend, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	appName := "liftrix-sync"
	if s, ok := backend.(*Service); ok && s.AppName() != "" {
		appName = s.AppName()
	}
	return &HTTPSyncHandlers{
		backend:       backend,
		authenticator: authenticator,
		logger:        logger,
		appName:       appName,
	}
}

// Register mounts the sync routes on mux.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	mux.HandleFunc("/health", h.HandleHealth)
}

func (h *HTTPSyncHandlers) identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ownerID, err := h.authenticator.GetOwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", "", false
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", "", false
	}
	if ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, "owner id required")
		return "", "", false
	}
	return ownerID, deviceID, true
}

// HandlePush processes batch push requests
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}
	ownerID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodeBatchTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse push request")
		return
	}
	if req.Category == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "category is required")
		return
	}

	resp, err := h.backend.Push(r.Context(), ownerID, deviceID, &req)
	if err != nil {
		h.writeBackendError(w, err, CodePushFailed, "owner_id", ownerID, "device_id", deviceID, "category", req.Category)
		return
	}
	h.writeJSON(w, resp)
}

// HandlePull processes pull requests
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	ownerID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	category := q.Get("category")
	if category == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "category is required")
		return
	}

	since := int64(0)
	if sinceStr := q.Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an integer")
			return
		}
		if parsed < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be >= 0")
			return
		}
		since = parsed
	}

	limit := DefaultPullLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be an integer")
			return
		}
		if parsed < 1 || parsed > MaxPullLimit {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	resp, err := h.backend.Pull(r.Context(), ownerID, category, since, limit)
	if err != nil {
		h.writeBackendError(w, err, CodePullFailed, "owner_id", ownerID, "category", category)
		return
	}
	h.writeJSON(w, resp)
}

// HandleHealth reports service liveness
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	resp := HealthResponse{Status: "healthy", AppName: h.appName, Categories: h.backend.Categories()}
	if p, ok := h.backend.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("Health check failed", "error", err)
			resp.Status = "unhealthy"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(resp)
			return
		}
	}
	h.writeJSON(w, resp)
}

func (h *HTTPSyncHandlers) writeBackendError(w http.ResponseWriter, err error, code string, attrs ...any) {
	switch {
	case errors.Is(err, ErrUnregisteredCategory):
		h.writeError(w, http.StatusForbidden, CodeUnregisteredCategory, err.Error())
	case errors.Is(err, ErrBatchTooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, CodeBatchTooLarge, err.Error())
	case errors.Is(err, ErrNoOwner):
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
	case errors.Is(err, ErrServiceClosed), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		h.logger.Error("Sync request failed", append(attrs, "error", err)...)
		h.writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
