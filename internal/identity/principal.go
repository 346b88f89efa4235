// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package identity

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
)

// proxyPrincipal is the raw provider-specific shape injected by the reverse
// proxy: a base64-encoded JSON object.
type proxyPrincipal struct {
	UserID           string           `json:"userId"`
	UserDetails      string           `json:"userDetails"`
	IdentityProvider string           `json:"identityProvider"`
	UserRoles        []string         `json:"userRoles"`
	Claims           []principalClaim `json:"claims"`
}

type principalClaim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// emailClaimTypes are the claim-type strings known to carry an email,
// in lookup order. Different providers use different spellings.
var emailClaimTypes = []string{
	"emails",
	"email",
	"preferred_username",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func looksLikeEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// EmailStrategy resolves an email address from a decoded principal. The
// strategies below are tried in order; the first non-empty result wins.
type EmailStrategy struct {
	Name    string
	Resolve func(p *proxyPrincipal) string
}

// EmailStrategies is the ordered fallback chain for locating an email inside
// a principal. The order is part of the extraction contract: the direct
// field is authoritative when it looks like an address, the structured
// claims array is consulted next, and a shape-based scan is the last resort.
var EmailStrategies = []EmailStrategy{
	{
		Name: "user-details",
		Resolve: func(p *proxyPrincipal) string {
			if looksLikeEmail(p.UserDetails) {
				return p.UserDetails
			}
			return ""
		},
	},
	{
		Name: "known-claim-types",
		Resolve: func(p *proxyPrincipal) string {
			for _, claimType := range emailClaimTypes {
				for _, c := range p.Claims {
					if c.Type == claimType && looksLikeEmail(c.Value) {
						return c.Value
					}
				}
			}
			return ""
		},
	},
	{
		Name: "any-email-shaped-claim",
		Resolve: func(p *proxyPrincipal) string {
			for _, c := range p.Claims {
				if looksLikeEmail(c.Value) {
					return c.Value
				}
			}
			return ""
		},
	},
}

// FromProxyHeader decodes the proxy principal header value into a normalized
// Identity. The value must be base64 (standard or URL alphabet) wrapping a
// JSON principal. Errors mean "treat as anonymous" at the boundary, never a
// client-visible failure.
func FromProxyHeader(headerValue string) (*Identity, error) {
	raw, err := decodeBase64(headerValue)
	if err != nil {
		return nil, fmt.Errorf("decode principal header: %w", err)
	}

	var p proxyPrincipal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse principal header: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("principal header missing userId")
	}

	var email string
	for _, s := range EmailStrategies {
		if email = s.Resolve(&p); email != "" {
			break
		}
	}

	roles := make([]string, len(p.UserRoles))
	copy(roles, p.UserRoles)

	rawClaims := make(map[string]any, len(p.Claims)+2)
	rawClaims["identityProvider"] = p.IdentityProvider
	rawClaims["userDetails"] = p.UserDetails
	for _, c := range p.Claims {
		rawClaims[c.Type] = c.Value
	}

	return &Identity{
		SubjectID: p.UserID,
		Email:     NormalizeEmail(email),
		Provider:  ProviderProxyHeader,
		Roles:     roles,
		RawClaims: rawClaims,
	}, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
// Proxies are not consistent about which they emit.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
