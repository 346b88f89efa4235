// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package config

// RuntimeMode is the single consolidated answer to "what environment are we
// running in". It is computed exactly once by Load from explicit signals and
// injected into every component that needs it; nothing else in the codebase
// inspects environment variables to decide this.
type RuntimeMode struct {
	production  bool
	devIdentity bool
}

// NewRuntimeMode derives the mode from the validated security settings.
//
// The synthetic dev identity requires two independent signals to be true at
// once: a non-production environment AND the explicit dev_mode flag. Either
// one alone leaves it disabled.
func NewRuntimeMode(sec SecurityConfig) RuntimeMode {
	production := sec.Environment == "production"
	return RuntimeMode{
		production:  production,
		devIdentity: !production && sec.DevMode,
	}
}

// IsProduction reports whether the gateway runs with production rules.
func (m RuntimeMode) IsProduction() bool {
	return m.production
}

// DevIdentityEnabled reports whether the fixed synthetic identity may be
// substituted for real credentials.
func (m RuntimeMode) DevIdentityEnabled() bool {
	return m.devIdentity
}
