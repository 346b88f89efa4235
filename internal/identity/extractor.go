// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/logging"
)

// TokenVerifier validates a raw bearer token and yields a normalized
// Identity. Implemented by the token package.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// Extractor produces zero-or-one Identity per request. It prefers the
// proxy-injected principal header, falls back to bearer-JWT verification,
// and, only when the runtime mode's two-signal gate allows, substitutes
// the synthetic dev identity for requests carrying no credential at all.
//
// Extract never fails: every malformed or missing credential resolves to
// "no identity" and the policy layer decides what that means.
type Extractor struct {
	principalHeader string
	verifier        TokenVerifier
	mode            config.RuntimeMode
	devRoles        []string
}

// NewExtractor constructs an Extractor. verifier may be nil when no JWKS
// endpoint is configured; bearer tokens are then treated as anonymous.
func NewExtractor(sec config.SecurityConfig, mode config.RuntimeMode, verifier TokenVerifier) *Extractor {
	return &Extractor{
		principalHeader: sec.PrincipalHeader,
		verifier:        verifier,
		mode:            mode,
		devRoles:        sec.AdminRoles,
	}
}

// Extract resolves the caller identity for a request, or nil for anonymous.
func (e *Extractor) Extract(r *http.Request) *Identity {
	ctx := r.Context()

	if headerValue := r.Header.Get(e.principalHeader); headerValue != "" {
		id, err := FromProxyHeader(headerValue)
		if err != nil {
			logger := logging.Ctx(ctx)
			logger.Warn().Err(err).Msg("Malformed principal header, treating as anonymous")
			return e.devFallback(ctx)
		}
		return id
	}

	if raw := bearerToken(r); raw != "" && e.verifier != nil {
		id, err := e.verifier.Verify(ctx, raw)
		if err != nil {
			logger := logging.Ctx(ctx)
			logger.Warn().Err(err).Msg("Bearer token rejected, treating as anonymous")
			return e.devFallback(ctx)
		}
		return id
	}

	return e.devFallback(ctx)
}

// devFallback substitutes the synthetic identity when, and only when, both
// dev-mode signals are set. Production requests always resolve to nil here.
func (e *Extractor) devFallback(ctx context.Context) *Identity {
	if !e.mode.DevIdentityEnabled() {
		return nil
	}
	logger := logging.Ctx(ctx)
	logger.Debug().Msg("Substituting synthetic dev identity")
	return NewDevIdentity(e.devRoles)
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
