// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package audit records one structured event per authorization decision.
// Emission is fire-and-forget relative to the request path: an audit
// failure is logged and counted but never alters a decision already made.
package audit

import (
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
)

// EventType categorizes audit events.
type EventType string

const (
	EventTypeAuthSuccess  EventType = "auth.success"
	EventTypeAuthFailure  EventType = "auth.failure"
	EventTypeAuthzGranted EventType = "authz.granted"
	EventTypeAuthzDenied  EventType = "authz.denied"
	EventTypeRateLimited  EventType = "ratelimit.exceeded"
	EventTypeAdminAction  EventType = "admin.action"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome indicates whether the recorded action was allowed or denied.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// Event is one security audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// Actor is the resolved identity, as far as it is known.
	Actor Actor `json:"actor"`

	// Source is where the request came from.
	Source Source `json:"source"`

	// Action is the operation attempted, Resource what it targeted.
	Action   string `json:"action"`
	Resource string `json:"resource"`

	// Description is the human-readable summary.
	Description string `json:"description"`

	// Metadata carries event-specific details.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// RequestID links the event to the originating HTTP request.
	RequestID string `json:"request_id,omitempty"`
}

// Actor is who performed the recorded action.
type Actor struct {
	ID       string   `json:"id"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// Source is where a request originated.
type Source struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent,omitempty"`
}

// NewEvent assembles an event for a decision on resource, stamping ID and
// timestamp. A nil identity records the anonymous actor.
func NewEvent(eventType EventType, outcome Outcome, action, resource string, id *identity.Identity, r *http.Request) *Event {
	severity := SeverityInfo
	if outcome == OutcomeDenied {
		severity = SeverityWarning
	}

	actor := Actor{ID: "anonymous"}
	if id.IsAuthenticated() {
		actor = Actor{
			ID:       id.SubjectID,
			Email:    id.Email,
			Roles:    id.Roles,
			Provider: string(id.Provider),
		}
	}

	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Outcome:   outcome,
		Actor:     actor,
		Source:    extractSource(r),
		Action:    action,
		Resource:  resource,
		RequestID: requestID(r),
	}
}

// SetMetadata attaches event-specific details. Values that cannot be
// marshaled are dropped; metadata is best-effort context, never load-bearing.
func (e *Event) SetMetadata(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Warn().Err(err).Str("event_id", e.ID).Msg("Dropping unmarshalable audit metadata")
		return
	}
	e.Metadata = data
}

// extractSource pulls client address information from an HTTP request,
// preferring the forwarded chain's first hop.
func extractSource(r *http.Request) Source {
	if r == nil {
		return Source{IPAddress: "unknown"}
	}

	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = forwarded
		for i, c := range forwarded {
			if c == ',' {
				ip = forwarded[:i]
				break
			}
		}
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return Source{IPAddress: ip, UserAgent: r.UserAgent()}
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := logging.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}
