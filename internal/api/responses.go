// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/convergehq/authgate/internal/logging"
	"github.com/convergehq/authgate/internal/ratelimit"
)

// errorResponse is the fixed body for authentication and authorization
// failures. It intentionally carries no detail about which stage failed.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// rateLimitResponse is the fixed body for 429 responses.
type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondAuthRequired sends the fixed 401 contract body.
func respondAuthRequired(w http.ResponseWriter) {
	respondJSON(w, http.StatusUnauthorized, errorResponse{
		Success: false,
		Error:   "Authentication required",
	})
}

// respondForbidden sends the fixed 403 contract body. The body never echoes
// the internal denial reason; that detail belongs to the audit trail only.
func respondForbidden(w http.ResponseWriter) {
	respondJSON(w, http.StatusForbidden, errorResponse{
		Success: false,
		Error:   "Insufficient permissions",
	})
}

// respondRateLimited sends the fixed 429 contract body plus the standard
// rate-limit headers derived from the denial result.
func respondRateLimited(w http.ResponseWriter, result ratelimit.Result) {
	retryAfter := int(result.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	respondJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	})
}
