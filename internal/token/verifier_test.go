// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/identity"
)

const testKid = "test-key-1"

type staticResolver struct {
	keys map[string]*rsa.PublicKey
	err  error
}

func (r *staticResolver) Resolve(ctx context.Context, kid string) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	key, ok := r.keys[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func verifierConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Environment: "production",
		Audience:    "converge-app",
		Issuer:      "https://login.example.com/tenant/v2.0",
		Algorithms:  []string{"RS256"},
		AdminRoles:  []string{"admin", "administrator"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "subject-1",
		"aud":                "converge-app",
		"iss":                "https://login.example.com/tenant/v2.0",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"preferred_username": "User@Example.com",
		"roles":              []any{"admin"},
		"tid":                "tenant-1",
	}
}

func newTestVerifier(t *testing.T, key *rsa.PrivateKey, sec config.SecurityConfig) *Verifier {
	t.Helper()
	resolver := &staticResolver{keys: map[string]*rsa.PublicKey{testKid: &key.PublicKey}}
	return NewVerifier(sec, config.NewRuntimeMode(sec), resolver)
}

func TestVerify_ValidToken(t *testing.T) {
	key := generateKey(t)
	v := newTestVerifier(t, key, verifierConfig())

	raw := signToken(t, key, testKid, validClaims())
	id, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if id.SubjectID != "subject-1" {
		t.Errorf("SubjectID = %q, want subject-1", id.SubjectID)
	}
	if id.Email != "user@example.com" {
		t.Errorf("Email = %q, want normalized address", id.Email)
	}
	if id.Provider != identity.ProviderJWT {
		t.Errorf("Provider = %q, want %q", id.Provider, identity.ProviderJWT)
	}
	if !id.HasRole("admin") {
		t.Error("Expected roles claim to be projected")
	}
	if id.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want tenant-1", id.TenantID)
	}
}

func TestVerify_SubjectFallsBackToOID(t *testing.T) {
	key := generateKey(t)
	v := newTestVerifier(t, key, verifierConfig())

	claims := validClaims()
	delete(claims, "sub")
	claims["oid"] = "object-id-1"

	id, err := v.Verify(context.Background(), signToken(t, key, testKid, claims))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.SubjectID != "object-id-1" {
		t.Errorf("SubjectID = %q, want oid fallback", id.SubjectID)
	}
}

func TestVerify_ErrorTaxonomy(t *testing.T) {
	key := generateKey(t)

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
	}{
		{
			name:    "garbage token",
			token:   func(t *testing.T) string { return "not-a-jwt" },
			wantErr: ErrMalformedToken,
		},
		{
			name: "missing kid header",
			token: func(t *testing.T) string {
				return signToken(t, key, "", validClaims())
			},
			wantErr: ErrMalformedToken,
		},
		{
			name: "disallowed algorithm",
			token: func(t *testing.T) string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
				tok.Header["kid"] = testKid
				signed, err := tok.SignedString([]byte("shared-secret"))
				if err != nil {
					t.Fatalf("SignedString failed: %v", err)
				}
				return signed
			},
			wantErr: ErrSignatureInvalid,
		},
		{
			name: "signed by a different key",
			token: func(t *testing.T) string {
				other := generateKey(t)
				return signToken(t, other, testKid, validClaims())
			},
			wantErr: ErrSignatureInvalid,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims["exp"] = time.Now().Add(-time.Hour).Unix()
				return signToken(t, key, testKid, claims)
			},
			wantErr: ErrClaimValidation,
		},
		{
			name: "missing expiration claim",
			token: func(t *testing.T) string {
				claims := validClaims()
				delete(claims, "exp")
				return signToken(t, key, testKid, claims)
			},
			wantErr: ErrClaimValidation,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims["aud"] = "some-other-app"
				return signToken(t, key, testKid, claims)
			},
			wantErr: ErrClaimValidation,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims["iss"] = "https://evil.example.com"
				return signToken(t, key, testKid, claims)
			},
			wantErr: ErrClaimValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t, key, verifierConfig())
			id, err := v.Verify(context.Background(), tt.token(t))
			if id != nil {
				t.Errorf("Expected nil identity, got %+v", id)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_KeyFetchFailure(t *testing.T) {
	key := generateKey(t)
	sec := verifierConfig()
	resolver := &staticResolver{err: ErrKeyFetch}
	v := NewVerifier(sec, config.NewRuntimeMode(sec), resolver)

	_, err := v.Verify(context.Background(), signToken(t, key, testKid, validClaims()))
	if !errors.Is(err, ErrKeyFetch) {
		t.Errorf("Verify error = %v, want ErrKeyFetch", err)
	}
}

func TestVerify_DevBypass(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		devMode     bool
		audience    string
		wantBypass  bool
	}{
		{"dev mode with empty audience", "development", true, "", true},
		{"dev mode with audience configured", "development", true, "converge-app", false},
		{"production never bypasses", "production", true, "", false},
		{"dev without flag never bypasses", "development", false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := verifierConfig()
			sec.Environment = tt.environment
			sec.DevMode = tt.devMode
			sec.Audience = tt.audience
			sec.Issuer = ""

			key := generateKey(t)
			v := newTestVerifier(t, key, sec)

			id, err := v.Verify(context.Background(), "junk-token")
			if tt.wantBypass {
				if err != nil {
					t.Fatalf("Expected dev bypass, got error %v", err)
				}
				if id.Provider != identity.ProviderDev {
					t.Errorf("Provider = %q, want dev", id.Provider)
				}
				return
			}
			if err == nil {
				t.Error("Expected junk token to be rejected")
			}
		})
	}
}
