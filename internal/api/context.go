// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package api

import (
	"context"

	"github.com/convergehq/authgate/internal/identity"
)

type contextKey string

const identityContextKey contextKey = "authgate.identity"

// contextWithIdentity attaches the resolved identity to the request context.
// A nil identity is stored as-is so downstream checks see "no credentials"
// rather than a missing key.
func contextWithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the identity attached by the Authenticate
// middleware, or nil when the request carried no usable credentials.
func IdentityFromContext(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(identityContextKey).(*identity.Identity)
	return id
}
