// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package directory is the authority store: the persisted record of who
// holds admin grants. It is the production source of truth consulted by the
// role resolver when an identity's own claims assert nothing.
package directory

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an admin grant. Grants are never deleted
// on revoke, only transitioned out of active.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// ErrNotFound means no record exists for the lookup key. It is an ordinary
// outcome ("not an admin"), strictly distinct from infrastructure failure.
var ErrNotFound = errors.New("admin record not found")

// AdminRecord is a persisted admin grant, keyed by email.
type AdminRecord struct {
	Email     string    `json:"email"`
	Status    Status    `json:"status"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// HasRole checks for an exact, case-sensitive role match on the record.
func (r *AdminRecord) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks whether the record carries any of the given roles.
func (r *AdminRecord) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if r.HasRole(role) {
			return true
		}
	}
	return false
}

// Store is the authority-store seam. FindByEmail returns ErrNotFound for a
// missing record and any other error for infrastructure failure; callers
// rely on that distinction to fail closed correctly. Email keys are unique;
// if an underlying store ever yields duplicates, implementations take the
// first match and log the anomaly.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*AdminRecord, error)
	Upsert(ctx context.Context, record *AdminRecord) error
	SetStatus(ctx context.Context, email string, status Status) (*AdminRecord, error)
	List(ctx context.Context) ([]AdminRecord, error)
}
