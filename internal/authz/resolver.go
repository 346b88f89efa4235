// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package authz decides whether an authenticated identity holds admin
// privilege. Exactly two privilege tiers exist: authenticated and admin.
// The decision chain is ordered, deterministic, and fails closed on any
// infrastructure uncertainty.
package authz

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/directory"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authgate_admin_decisions_total",
	Help: "Admin authorization decisions by outcome and path",
}, []string{"outcome", "path"})

// Decision paths, recorded for audit.
const (
	PathClaim     = "claim"
	PathDirectory = "directory"
	PathNone      = "none"
)

// Decision is the result of an admin authorization check. Reason is safe
// for audit trails; the HTTP layer maps Status onto its fixed response
// contracts and never echoes Reason to clients.
type Decision struct {
	Allowed bool
	Status  int
	Reason  string
	Path    string
}

// Resolver applies the ordered admin fallback chain:
//
//  1. claim-asserted role: cheapest, supports providers that map roles
//     directly and offline/dev testing
//  2. authority-store lookup by email: the production source of truth
//  3. deny
//
// A lookup infrastructure failure is logged and grants nothing; it never
// short-circuits to an allow and never surfaces to the caller as an error.
type Resolver struct {
	store      directory.Store
	adminRoles []string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker[*directory.AdminRecord]
}

// NewResolver builds a Resolver around the authority store. The circuit
// breaker keeps a failing store from adding its full timeout to every
// request while open; an open breaker is just another lookup failure and
// therefore fails closed.
func NewResolver(store directory.Store, sec config.SecurityConfig, dir config.DirectoryConfig) *Resolver {
	maxFailures := dir.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[*directory.AdminRecord](gobreaker.Settings{
		Name:    "authority-store",
		Timeout: dir.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// A missing record is a normal outcome, not a store failure.
			return err == nil || errors.Is(err, directory.ErrNotFound)
		},
	})

	timeout := dir.LookupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Resolver{
		store:      store,
		adminRoles: sec.AdminRoles,
		timeout:    timeout,
		breaker:    breaker,
	}
}

// RequireAdmin decides whether id is authorized as admin.
func (r *Resolver) RequireAdmin(ctx context.Context, id *identity.Identity) Decision {
	if !id.IsAuthenticated() {
		decisionsTotal.WithLabelValues("denied", PathNone).Inc()
		return Decision{
			Allowed: false,
			Status:  http.StatusUnauthorized,
			Reason:  "Authentication required",
			Path:    PathNone,
		}
	}

	// Step 1: role asserted by the identity source.
	if id.HasAnyRole(r.adminRoles...) {
		decisionsTotal.WithLabelValues("allowed", PathClaim).Inc()
		return Decision{Allowed: true, Status: http.StatusOK, Path: PathClaim}
	}

	// Step 2: authority-store lookup by email.
	if id.Email != "" {
		record, err := r.lookup(ctx, id.Email)
		switch {
		case err == nil && record.Status == directory.StatusActive && record.HasAnyRole(r.adminRoles...):
			decisionsTotal.WithLabelValues("allowed", PathDirectory).Inc()
			return Decision{Allowed: true, Status: http.StatusOK, Path: PathDirectory}
		case err != nil && !errors.Is(err, directory.ErrNotFound):
			// Infrastructure failure: grant nothing, keep going.
			decisionsTotal.WithLabelValues("error", PathDirectory).Inc()
			logger := logging.Ctx(ctx)
			logger.Error().Err(err).
				Str("email", id.Email).
				Msg("Authority store lookup failed, failing closed")
		}
	}

	// Step 3: deny.
	decisionsTotal.WithLabelValues("denied", PathNone).Inc()
	return Decision{
		Allowed: false,
		Status:  http.StatusForbidden,
		Reason:  "Admin role required",
		Path:    PathNone,
	}
}

// lookup queries the store through the breaker with a bounded timeout.
func (r *Resolver) lookup(ctx context.Context, email string) (*directory.AdminRecord, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.breaker.Execute(func() (*directory.AdminRecord, error) {
		return r.store.FindByEmail(lookupCtx, email)
	})
}
