// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package ratelimit bounds request rates for sensitive anonymous endpoints
// with a fixed-window counter per client key. State is single-process by
// design; scaling out means moving the counters to a shared store, which is
// a deliberate non-goal here.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convergehq/authgate/internal/logging"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authgate_ratelimit_decisions_total",
	Help: "Fixed-window rate limit decisions",
}, []string{"outcome"})

// UnknownClientKey buckets every request lacking usable IP information.
// Sharing one bucket across such clients is a deliberately coarse fallback.
const UnknownClientKey = "unknown"

// Result is the outcome of a CheckAndConsume call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is how long a denied client must wait. Zero when allowed.
	RetryAfter time.Duration
}

// window is one client's fixed window. count never decreases within a
// window; crossing resetAt starts a fresh window at count 1.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter holds the per-key windows. Check-and-increment is atomic under
// the mutex so concurrent bursts from one client cannot undercount.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	sweepInterval time.Duration
}

// NewLimiter creates an empty limiter. sweepInterval controls how often
// expired windows are garbage collected by Serve; zero selects 5 minutes.
func NewLimiter(sweepInterval time.Duration) *Limiter {
	if sweepInterval == 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Limiter{
		windows:       make(map[string]*window),
		sweepInterval: sweepInterval,
	}
}

// CheckAndConsume counts one request for key against max requests per
// windowDuration. Expiry is evaluated lazily: the first request after
// resetAt starts a fresh window regardless of any sweep schedule.
func (l *Limiter) CheckAndConsume(key string, max int, windowDuration time.Duration) Result {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(windowDuration)}
		l.windows[key] = w
	} else {
		w.count++
	}

	if w.count > max {
		retryAfter := time.Until(w.resetAt)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		decisionsTotal.WithLabelValues("denied").Inc()
		return Result{
			Allowed:    false,
			Limit:      max,
			Remaining:  0,
			ResetAt:    w.resetAt,
			RetryAfter: retryAfter,
		}
	}

	decisionsTotal.WithLabelValues("allowed").Inc()
	return Result{
		Allowed:   true,
		Limit:     max,
		Remaining: max - w.count,
		ResetAt:   w.resetAt,
	}
}

// Serve runs the periodic sweep until ctx is canceled. It satisfies the
// supervisor's service contract.
func (l *Limiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops expired windows. It rebuilds the live set rather than
// deleting during iteration so an in-flight increment on a surviving key
// never races a destructive mutation.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := make(map[string]*window, len(l.windows))
	for key, w := range l.windows {
		if now.Before(w.resetAt) {
			live[key] = w
		}
	}
	if removed := len(l.windows) - len(live); removed > 0 {
		logging.Debug().Int("removed", removed).Msg("Swept expired rate-limit windows")
	}
	l.windows = live
}

// Size returns the number of tracked windows. Used by tests and the sweep
// metric.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// ClientKey derives the rate-limit key for a request: the first entry of
// X-Forwarded-For, then X-Real-IP, then the remote address host, then the
// shared unknown bucket.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.Index(xff, ","); idx >= 0 {
			first = xff[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return UnknownClientKey
}
