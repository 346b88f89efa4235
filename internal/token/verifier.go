// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
)

var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authgate_token_verifications_total",
	Help: "Bearer token verification outcomes",
}, []string{"outcome"})

// KeyResolver maps a token key identifier to verification material.
// Satisfied by *KeyCache; tests substitute a fixed resolver.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (key any, err error)
}

// keyCacheResolver adapts *KeyCache to the KeyResolver interface.
type keyCacheResolver struct {
	cache *KeyCache
}

func (r keyCacheResolver) Resolve(ctx context.Context, kid string) (any, error) {
	return r.cache.Resolve(ctx, kid)
}

// Verifier validates bearer tokens end to end: parse, key resolution,
// signature check against the algorithm allow-list, claim validation, and
// projection into the normalized Identity.
type Verifier struct {
	resolver  KeyResolver
	parser    *jwt.Parser
	devRoles  []string
	devBypass bool
}

// NewVerifier builds a Verifier from the security configuration.
//
// The dev bypass activates only when the runtime mode allows the synthetic
// identity AND no audience is configured; a production client identifier
// makes it unreachable regardless of other flags.
func NewVerifier(sec config.SecurityConfig, mode config.RuntimeMode, resolver KeyResolver) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(sec.Algorithms),
		jwt.WithExpirationRequired(),
	}
	// Unset audience/issuer only occur outside production (validation
	// enforces both there); skipping the check beats rejecting everything.
	if sec.Audience != "" {
		opts = append(opts, jwt.WithAudience(sec.Audience))
	}
	if sec.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(sec.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return &Verifier{
		resolver:  resolver,
		parser:    parser,
		devRoles:  sec.AdminRoles,
		devBypass: mode.DevIdentityEnabled() && sec.Audience == "",
	}
}

// NewVerifierWithCache wires a Verifier to a KeyCache.
func NewVerifierWithCache(sec config.SecurityConfig, mode config.RuntimeMode, cache *KeyCache) *Verifier {
	return NewVerifier(sec, mode, keyCacheResolver{cache: cache})
}

// Verify validates rawToken and returns the projected Identity. Failures
// map onto the package error taxonomy; the wrapped detail is written to the
// log here and never reaches the client.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*identity.Identity, error) {
	if v.devBypass {
		logger := logging.Ctx(ctx)
		logger.Debug().Msg("Token verification bypassed, yielding dev identity")
		return identity.NewDevIdentity(v.devRoles), nil
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token header missing kid", ErrMalformedToken)
		}
		return v.resolver.Resolve(ctx, kid)
	})
	if err != nil {
		mapped := mapVerificationError(err)
		verificationsTotal.WithLabelValues(outcomeLabel(mapped)).Inc()
		logger := logging.Ctx(ctx)
		logger.Warn().Err(err).Msg("Token verification failed")
		return nil, mapped
	}

	verificationsTotal.WithLabelValues("success").Inc()
	return projectClaims(claims), nil
}

// mapVerificationError folds golang-jwt's error space onto the package
// taxonomy. Order matters: key-fetch and malformed sentinels surface through
// the keyfunc wrapped in ErrTokenUnverifiable, so they are checked first.
func mapVerificationError(err error) error {
	switch {
	case errors.Is(err, ErrKeyFetch):
		return fmt.Errorf("%w: %v", ErrKeyFetch, err)
	case errors.Is(err, ErrMalformedToken), errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		// Includes header algorithms outside the allow-list.
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrClaimValidation, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrKeyFetch):
		return "key_fetch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrClaimValidation):
		return "claim_invalid"
	default:
		return "error"
	}
}

// projectClaims maps validated payload fields into the normalized Identity.
func projectClaims(claims jwt.MapClaims) *identity.Identity {
	subjectID := stringClaim(claims, "sub")
	if subjectID == "" {
		subjectID = stringClaim(claims, "oid")
	}

	email := stringClaim(claims, "preferred_username")
	if email == "" {
		email = stringClaim(claims, "email")
	}

	return &identity.Identity{
		SubjectID: subjectID,
		Email:     identity.NormalizeEmail(email),
		Provider:  identity.ProviderJWT,
		Roles:     stringSliceClaim(claims, "roles"),
		TenantID:  stringClaim(claims, "tid"),
		RawClaims: claims,
	}
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
