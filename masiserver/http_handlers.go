// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masiserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// maxPayloadBytes bounds a single record's JSON body.
const maxPayloadBytes = 1 << 20

// ClientAuthenticator extracts user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes the record service over HTTP. The only operation the
// sync engine requires is create-or-replace-by-identifier; the handler keys
// every write on the authenticated user, so callers can never touch another
// user's rows.
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of record handlers
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Mux returns a ServeMux with all routes registered.
func (h *HTTPHandlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/records/", h.HandlePutRecord)
	return mux
}

// HandleHealthz reports service liveness. Clients probe this endpoint to
// decide whether a sync run can start at all.
func (h *HTTPHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandlePutRecord processes PUT /records/{entityType}/{recordID}: an
// idempotent create-or-replace of one record. One call, one record - there
// are no partial-success semantics to report.
func (h *HTTPHandlers) HandlePutRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only PUT method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	entityType, recordID, ok := parseRecordPath(r.URL.Path)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Expected /records/{entityType}/{recordID}")
		return
	}

	rid, err := uuid.Parse(recordID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Record ID must be a UUID")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}
	if len(payload) > maxPayloadBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Record payload exceeds limit")
		return
	}
	if !json.Valid(payload) {
		h.writeError(w, http.StatusBadRequest, "bad_payload", "Record payload must be valid JSON")
		return
	}

	if err := h.service.UpsertRecord(r.Context(), userID, entityType, rid, payload); err != nil {
		if errors.Is(err, ErrUnregisteredEntity) {
			h.writeError(w, http.StatusNotFound, "unregistered_entity", err.Error())
			return
		}
		h.logger.Error("Failed to upsert record",
			"user_id", userID, "device_id", deviceID,
			"entity_type", entityType, "record_id", rid, "error", err)
		h.writeError(w, http.StatusInternalServerError, "upsert_failed", "Failed to store record")
		return
	}

	h.logger.Debug("Record stored",
		"user_id", userID, "device_id", deviceID,
		"entity_type", entityType, "record_id", rid)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":      "ok",
		"entity_type": entityType,
		"record_id":   rid.String(),
	}); err != nil {
		h.logger.Error("Failed to encode upsert response", "error", err)
	}
}

// parseRecordPath splits /records/{entityType}/{recordID}.
func parseRecordPath(path string) (entityType, recordID string, ok bool) {
	rest := strings.TrimPrefix(path, "/records/")
	if rest == path {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
