// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package identity normalizes caller identity from the two supported
// transports: the reverse-proxy principal header and bearer JWTs. The
// normalized Identity is request-scoped; nothing in this package retains one
// past the request that produced it.
package identity

import (
	"strings"
)

// Provider tags which identity source produced an Identity.
type Provider string

const (
	// ProviderProxyHeader marks identities decoded from the proxy-injected
	// principal header.
	ProviderProxyHeader Provider = "proxy-header"

	// ProviderJWT marks identities produced by bearer-token verification.
	ProviderJWT Provider = "jwt"

	// ProviderDev marks the synthetic development identity.
	ProviderDev Provider = "dev"
)

// Identity is the normalized result of extracting caller information from a
// transport-level credential. Roles here are claims asserted by the identity
// source, not yet authorized grants.
type Identity struct {
	// SubjectID is the opaque unique identifier for the caller. An Identity
	// without one is never considered authenticated.
	SubjectID string `json:"subject_id"`

	// Email is the lower-cased contact address, empty when unknown.
	Email string `json:"email,omitempty"`

	// Provider identifies which source produced this record.
	Provider Provider `json:"provider"`

	// Roles as asserted by the identity source.
	Roles []string `json:"roles,omitempty"`

	// TenantID is the issuing tenant, when the source carries one.
	TenantID string `json:"tenant_id,omitempty"`

	// RawClaims keeps the original claim set for audit trails. Never
	// serialized to clients.
	RawClaims map[string]any `json:"-"`
}

// IsAuthenticated reports whether this record represents a real caller.
func (id *Identity) IsAuthenticated() bool {
	return id != nil && id.SubjectID != ""
}

// HasRole checks for an exact, case-sensitive role match.
func (id *Identity) HasRole(role string) bool {
	if id == nil || role == "" {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks whether any of the given roles is asserted.
func (id *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if id.HasRole(role) {
			return true
		}
	}
	return false
}

// NormalizeEmail lower-cases and trims an address. Empty stays empty.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewDevIdentity returns the fixed synthetic identity used for local testing
// without live identity providers. Callers gate this behind the runtime
// mode's two-signal check; this constructor performs no gating itself.
func NewDevIdentity(adminRoles []string) *Identity {
	roles := make([]string, len(adminRoles))
	copy(roles, adminRoles)
	return &Identity{
		SubjectID: "dev-user",
		Email:     "dev@localhost",
		Provider:  ProviderDev,
		Roles:     roles,
	}
}
