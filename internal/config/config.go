// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package config provides layered configuration for Authgate.
//
// Configuration is merged from three sources in increasing precedence:
// built-in defaults, an optional YAML file, and AUTHGATE_-prefixed
// environment variables. The merged result is validated once at startup and
// the derived RuntimeMode is the single source of truth for "are we in
// production"; components never re-derive it from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Security  SecurityConfig  `koanf:"security"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Directory DirectoryConfig `koanf:"directory"`
	Audit     AuditConfig     `koanf:"audit"`
	Logging   LoggingConfig   `koanf:"logging"`

	// Mode is computed by Load from explicit signals. It is not itself
	// a configuration key.
	Mode RuntimeMode `koanf:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SecurityConfig holds the identity and authorization settings.
type SecurityConfig struct {
	// Environment is "development" or "production". Production enables the
	// strict validation rules below and disqualifies every dev bypass.
	Environment string `koanf:"environment" validate:"oneof=development production"`

	// DevMode explicitly opts in to the synthetic dev identity. It is one of
	// the two independent signals required to activate it; the other is a
	// non-production Environment.
	DevMode bool `koanf:"dev_mode"`

	// PrincipalHeader is the reverse-proxy identity header name.
	PrincipalHeader string `koanf:"principal_header"`

	// Audience is the application (client) identifier expected in the JWT
	// aud claim. Required in production.
	Audience string `koanf:"audience"`

	// Issuer is the expected JWT iss claim. Required in production.
	Issuer string `koanf:"issuer"`

	// JWKSURL is the remote signing key-set endpoint. Required in production.
	JWKSURL string `koanf:"jwks_url" validate:"omitempty,url"`

	// JWKSCacheTTL is how long fetched signing keys are trusted before a
	// refetch. Defaults to 24 hours.
	JWKSCacheTTL time.Duration `koanf:"jwks_cache_ttl"`

	// JWKSFetchTimeout bounds a single key-set fetch.
	JWKSFetchTimeout time.Duration `koanf:"jwks_fetch_timeout"`

	// Algorithms is the allow-list of acceptable JWT signature algorithms.
	Algorithms []string `koanf:"algorithms" validate:"min=1"`

	// AdminRoles is the set of role spellings that grant admin privilege.
	// Matching is case-sensitive and exact.
	AdminRoles []string `koanf:"admin_roles" validate:"min=1"`

	// CORSOrigins lists allowed CORS origins. Empty means same-origin only.
	CORSOrigins []string `koanf:"cors_origins"`

	// TrustedProxies lists proxy addresses whose forwarding headers are
	// believed for client IP derivation.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// RateLimitConfig holds request throttling settings.
type RateLimitConfig struct {
	// Disabled turns off all rate limiting (CI and load testing only).
	Disabled bool `koanf:"disabled"`

	// GlobalRequests/GlobalWindow bound every public route per client IP.
	GlobalRequests int           `koanf:"global_requests" validate:"min=1"`
	GlobalWindow   time.Duration `koanf:"global_window"`

	// RegistrationRequests/RegistrationWindow bound the sensitive anonymous
	// registration route with the strict fixed-window limiter.
	RegistrationRequests int           `koanf:"registration_requests" validate:"min=1"`
	RegistrationWindow   time.Duration `koanf:"registration_window"`

	// SweepInterval is how often expired windows are garbage collected.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DirectoryConfig holds authority-store settings.
type DirectoryConfig struct {
	// Path is the Badger database directory. Empty selects in-memory mode.
	Path string `koanf:"path"`

	// LookupTimeout bounds a single admin-record lookup.
	LookupTimeout time.Duration `koanf:"lookup_timeout"`

	// BreakerMaxFailures consecutive lookup failures open the circuit.
	BreakerMaxFailures uint32 `koanf:"breaker_max_failures" validate:"min=1"`

	// BreakerOpenFor is how long the circuit stays open before probing.
	BreakerOpenFor time.Duration `koanf:"breaker_open_for"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled bool `koanf:"enabled"`

	// BufferSize is the async event buffer; events beyond it are dropped
	// (and counted) rather than blocking request handling.
	BufferSize int `koanf:"buffer_size" validate:"min=1"`

	// RetentionDays is how long persisted events are kept.
	RetentionDays int `koanf:"retention_days" validate:"min=1"`

	// CleanupInterval is how often retention is enforced.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// NATSURL, when set, enables publishing events to NATS for external
	// collectors. NATSSubject is the publish subject.
	NATSURL     string `koanf:"nats_url"`
	NATSSubject string `koanf:"nats_subject"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// development-safe: the dev identity still requires the explicit opt-in flag.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8436,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			Environment:      "development",
			DevMode:          false,
			PrincipalHeader:  "X-Client-Principal",
			Audience:         "",
			Issuer:           "",
			JWKSURL:          "",
			JWKSCacheTTL:     24 * time.Hour,
			JWKSFetchTimeout: 10 * time.Second,
			Algorithms:       []string{"RS256"},
			AdminRoles:       []string{"admin", "administrator"},
			CORSOrigins:      []string{},
			TrustedProxies:   []string{},
		},
		RateLimit: RateLimitConfig{
			Disabled:             false,
			GlobalRequests:       300,
			GlobalWindow:         time.Minute,
			RegistrationRequests: 5,
			RegistrationWindow:   time.Minute,
			SweepInterval:        5 * time.Minute,
		},
		Directory: DirectoryConfig{
			Path:               "/data/authgate/directory",
			LookupTimeout:      3 * time.Second,
			BreakerMaxFailures: 5,
			BreakerOpenFor:     30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:         true,
			BufferSize:      1024,
			RetentionDays:   90,
			CleanupInterval: 24 * time.Hour,
			NATSURL:         "",
			NATSSubject:     "authgate.audit",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

var validate = validator.New()

// Validate checks structural constraints and the cross-field rules that the
// tag language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Security.Environment == "production" {
		if c.Security.Audience == "" {
			return fmt.Errorf("security.audience is required in production")
		}
		if c.Security.Issuer == "" {
			return fmt.Errorf("security.issuer is required in production")
		}
		if c.Security.JWKSURL == "" {
			return fmt.Errorf("security.jwks_url is required in production")
		}
		if c.Security.DevMode {
			return fmt.Errorf("security.dev_mode cannot be enabled in production")
		}
	}

	for _, alg := range c.Security.Algorithms {
		if strings.EqualFold(alg, "none") {
			return fmt.Errorf("security.algorithms must not include %q", alg)
		}
	}

	return nil
}
