// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package api provides the HTTP surface of the gateway: routing, the
// authentication/authorization middleware chain, and the fixed response
// contracts for denials.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/convergehq/authgate/internal/audit"
	"github.com/convergehq/authgate/internal/directory"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
)

// Handler holds the route handlers and their dependencies.
type Handler struct {
	store    directory.Store
	recorder *audit.Recorder
	audits   *audit.BadgerStore
	version  string
}

// NewHandler creates the route handler set. audits may be nil when audit
// persistence is not configured; the trail endpoint then reports so.
func NewHandler(store directory.Store, recorder *audit.Recorder, audits *audit.BadgerStore, version string) *Handler {
	return &Handler{
		store:    store,
		recorder: recorder,
		audits:   audits,
		version:  version,
	}
}

// Healthz reports liveness. It carries no dependency checks so that a
// degraded authority store never takes the process out of rotation.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// meResponse is the introspection view of the caller's identity.
type meResponse struct {
	Success bool     `json:"success"`
	UserID  string   `json:"userId"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

// AuthMe echoes the caller's resolved identity. Raw claims are never
// included; the response is the projection, not the credential.
func (h *Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if !id.IsAuthenticated() {
		respondAuthRequired(w)
		return
	}

	respondJSON(w, http.StatusOK, meResponse{
		Success: true,
		UserID:  id.SubjectID,
		Email:   id.Email,
		Roles:   id.Roles,
		Source:  string(id.Provider),
	})
}

// Register accepts a registration request. The community-platform business
// logic lives upstream; the gateway's responsibility ends at admission
// control, so a request that clears the strict limiter is acknowledged.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Registration accepted for processing",
	})
}

// adminRecordView is the wire shape of an authority-store record.
type adminRecordView struct {
	Email     string    `json:"email"`
	Status    string    `json:"status"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

func toView(rec *directory.AdminRecord) adminRecordView {
	return adminRecordView{
		Email:     rec.Email,
		Status:    string(rec.Status),
		Roles:     rec.Roles,
		CreatedAt: rec.CreatedAt,
		CreatedBy: rec.CreatedBy,
	}
}

// AdminList returns every authority-store record, inactive ones included.
// Visibility into revoked grants is the point of transition-not-delete.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("Failed to list admin records")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}

	views := make([]adminRecordView, 0, len(records))
	for i := range records {
		views = append(views, toView(&records[i]))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"admins":  views,
	})
}

// grantRequest is the body of a grant call.
type grantRequest struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// AdminGrant creates or reactivates an admin record for an email address.
func (h *Handler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "Invalid request body"})
		return
	}

	email := identity.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		respondJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "A valid email is required"})
		return
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}

	actor := IdentityFromContext(r.Context())
	record := &directory.AdminRecord{
		Email:     email,
		Status:    directory.StatusActive,
		Roles:     roles,
		CreatedBy: actor.SubjectID,
	}
	if err := h.store.Upsert(r.Context(), record); err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Str("email", email).Msg("Failed to grant admin")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}

	h.recordAdminAction(r, actor, "admin_grant", email)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"admin":   toView(record),
	})
}

// AdminRevoke transitions an admin record to inactive. The record stays in
// the store; revocation is a status change, not a deletion.
func (h *Handler) AdminRevoke(w http.ResponseWriter, r *http.Request) {
	email := identity.NormalizeEmail(chi.URLParam(r, "email"))
	if email == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "A valid email is required"})
		return
	}

	record, err := h.store.SetStatus(r.Context(), email, directory.StatusInactive)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, errorResponse{Success: false, Error: "Admin record not found"})
			return
		}
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Str("email", email).Msg("Failed to revoke admin")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}

	h.recordAdminAction(r, IdentityFromContext(r.Context()), "admin_revoke", email)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"admin":   toView(record),
	})
}

// AdminAudit returns the most recent persisted audit events, newest first.
// The limit query parameter caps the page; it defaults to 50.
func (h *Handler) AdminAudit(w http.ResponseWriter, r *http.Request) {
	if h.audits == nil {
		respondJSON(w, http.StatusNotImplemented, errorResponse{Success: false, Error: "Audit persistence is not configured"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	events, err := h.audits.Recent(r.Context(), limit)
	if err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("Failed to read audit trail")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
	})
}

func (h *Handler) recordAdminAction(r *http.Request, actor *identity.Identity, action, targetEmail string) {
	event := audit.NewEvent(audit.EventTypeAdminAction, audit.OutcomeAllowed, action, r.URL.Path, actor, r)
	event.Description = "Authority store mutation"
	event.SetMetadata(map[string]string{"target": targetEmail})
	h.recorder.Record(event)
}
