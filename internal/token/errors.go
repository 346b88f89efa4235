// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package token verifies bearer JWTs against a remote signing key set and
// projects their claims into the normalized Identity.
package token

import "errors"

// Verification failure taxonomy. Each stage of the pipeline maps onto
// exactly one of these sentinels; callers branch with errors.Is and the
// wrapped detail is for audit trails only, never for the client.
var (
	// ErrMalformedToken means the token could not be parsed at all.
	ErrMalformedToken = errors.New("malformed token")

	// ErrKeyFetch means the signing key could not be resolved from the
	// remote key set.
	ErrKeyFetch = errors.New("signing key fetch failed")

	// ErrSignatureInvalid means the signature did not verify, including the
	// case of a header algorithm outside the configured allow-list.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrClaimValidation means the signature verified but a claim
	// (audience, issuer, expiry) did not match configuration.
	ErrClaimValidation = errors.New("token claim validation failed")
)
