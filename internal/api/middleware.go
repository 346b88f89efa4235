// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package api

import (
	"net/http"
	"time"

	"github.com/convergehq/authgate/internal/audit"
	"github.com/convergehq/authgate/internal/authz"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
	"github.com/convergehq/authgate/internal/ratelimit"
)

// Middleware bundles the gateway's authentication and authorization
// middleware. Everything is injected; the middleware owns no state of its
// own beyond the references it is constructed with.
type Middleware struct {
	extractor *identity.Extractor
	resolver  *authz.Resolver
	limiter   *ratelimit.Limiter
	recorder  *audit.Recorder
}

// NewMiddleware creates the middleware bundle.
func NewMiddleware(extractor *identity.Extractor, resolver *authz.Resolver, limiter *ratelimit.Limiter, recorder *audit.Recorder) *Middleware {
	return &Middleware{
		extractor: extractor,
		resolver:  resolver,
		limiter:   limiter,
		recorder:  recorder,
	}
}

// Authenticate resolves the request's identity and attaches it to the
// context. It never rejects: routes that require an identity enforce that
// themselves, and public routes simply see a nil identity.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.extractor.Extract(r)
		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), id)))
	})
}

// RequireAuth rejects requests that carry no authenticated identity with
// the fixed 401 contract. Each gate decision lands in the audit trail:
// auth.success for the authenticated tier, auth.failure for the denial.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if !id.IsAuthenticated() {
			event := audit.NewEvent(audit.EventTypeAuthFailure, audit.OutcomeDenied,
				"authenticated_access", r.URL.Path, id, r)
			event.Description = "No valid credential presented"
			m.recorder.Record(event)
			respondAuthRequired(w)
			return
		}

		event := audit.NewEvent(audit.EventTypeAuthSuccess, audit.OutcomeAllowed,
			"authenticated_access", r.URL.Path, id, r)
		event.Description = "Authenticated access granted"
		m.recorder.Record(event)
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin runs the admin fallback chain against the context identity,
// records the decision in the audit trail, and maps the outcome onto the
// fixed 401/403 contracts.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())

		decision := m.resolver.RequireAdmin(r.Context(), id)
		m.recordDecision(r, id, decision)

		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		switch decision.Status {
		case http.StatusUnauthorized:
			respondAuthRequired(w)
		default:
			respondForbidden(w)
		}
	})
}

func (m *Middleware) recordDecision(r *http.Request, id *identity.Identity, decision authz.Decision) {
	eventType := audit.EventTypeAuthzDenied
	outcome := audit.OutcomeDenied
	description := decision.Reason
	if decision.Allowed {
		eventType = audit.EventTypeAuthzGranted
		outcome = audit.OutcomeAllowed
		description = "Admin access granted"
	}

	event := audit.NewEvent(eventType, outcome, "admin_access", r.URL.Path, id, r)
	event.Description = description
	event.SetMetadata(map[string]string{"decision_path": decision.Path})
	m.recorder.Record(event)
}

// RateLimit guards a route with the strict fixed-window limiter. Denials
// get the full 429 contract, an audit event, and a warn log; allowed
// requests pass through with no added latency beyond the window check.
func (m *Middleware) RateLimit(max int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.ClientKey(r)

			result := m.limiter.CheckAndConsume(key, max, window)
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger := logging.Ctx(r.Context())
			logger.Warn().
				Str("client", key).
				Int("limit", result.Limit).
				Dur("retry_after", result.RetryAfter).
				Msg("Rate limit exceeded")

			event := audit.NewEvent(audit.EventTypeRateLimited, audit.OutcomeDenied,
				"rate_limit", r.URL.Path, IdentityFromContext(r.Context()), r)
			event.Description = "Fixed-window rate limit exceeded"
			event.SetMetadata(map[string]any{"client": key, "limit": result.Limit})
			m.recorder.Record(event)

			respondRateLimited(w, result)
		})
	}
}
