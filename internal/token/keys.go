// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/logging"
)

var (
	jwksCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_jwks_cache_hits_total",
		Help: "Signing key resolutions served from cache",
	})

	jwksCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_jwks_cache_misses_total",
		Help: "Signing key resolutions that required a remote fetch",
	})

	jwksFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_jwks_fetch_errors_total",
		Help: "Remote key-set fetch failures",
	}, []string{"error_type"})

	jwksKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authgate_jwks_keys_total",
		Help: "Current number of keys in the signing key cache",
	})

	jwksRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_jwks_key_rotations_total",
		Help: "Key rotation events detected between fetches",
	})
)

// KeyCache maps JWT key identifiers to verification material fetched from a
// remote key-set endpoint. Entries are trusted for a TTL (24h by default);
// a stale entry or an unknown kid triggers an on-demand refetch. Concurrent
// readers are cheap; two requests racing to refetch the same cold key both
// fetch, which is an accepted dogpile; the overwrite is idempotent.
type KeyCache struct {
	uri        string
	httpClient *http.Client
	ttl        time.Duration

	// minRefresh bounds how often an unknown kid can force a refetch of a
	// still-fresh key set.
	minRefresh time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	initialized bool

	// failThrottle bounds fetch attempts while the endpoint is erroring so a
	// burst of verifications cannot hammer a down IdP.
	failThrottle *rate.Limiter
	lastFetchErr error
}

// NewKeyCache creates a key cache for the given key-set endpoint.
// A zero ttl selects the 24 hour default; a nil client gets a bounded one.
func NewKeyCache(uri string, client *http.Client, ttl time.Duration) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &KeyCache{
		uri:          uri,
		httpClient:   client,
		ttl:          ttl,
		minRefresh:   30 * time.Second,
		keys:         make(map[string]*rsa.PublicKey),
		failThrottle: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// NewKeyCacheFromConfig builds the cache from the security settings. The
// fetch client is bounded by the configured jwks_fetch_timeout.
func NewKeyCacheFromConfig(sec config.SecurityConfig) *KeyCache {
	var client *http.Client
	if sec.JWKSFetchTimeout > 0 {
		client = &http.Client{Timeout: sec.JWKSFetchTimeout}
	}
	return NewKeyCache(sec.JWKSURL, client, sec.JWKSCacheTTL)
}

// Resolve returns the public key for kid. A cache hit within the TTL makes
// no network call. A miss or stale entry fetches the key set once; fetch
// failure surfaces as ErrKeyFetch; retries are the caller's concern.
func (c *KeyCache) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := c.initialized && time.Since(c.fetchedAt) <= c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		jwksCacheHits.Inc()
		return key, nil
	}

	jwksCacheMisses.Inc()
	keys, err := c.refresh(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrKeyFetch, kid)
	}
	return key, nil
}

// refresh fetches the key set and replaces the cache contents. kid is the
// identifier that triggered the refresh; a concurrent refresh that already
// produced it short-circuits, but a fresh cache without it still refetches
// so a just-rotated key becomes resolvable before the TTL runs out.
func (c *KeyCache) refresh(ctx context.Context, kid string) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()

	// Another goroutine may have refreshed before we took the lock.
	if c.initialized && time.Since(c.fetchedAt) <= c.ttl {
		if _, ok := c.keys[kid]; ok {
			keys := c.keys
			c.mu.Unlock()
			return keys, nil
		}
		// A kid the fresh set genuinely lacks cannot force refetches any
		// faster than this; unknown-kid tokens are cheap to mint.
		if time.Since(c.fetchedAt) < c.minRefresh {
			keys := c.keys
			c.mu.Unlock()
			return keys, nil
		}
	}

	// While the endpoint is failing, allow at most one probe per interval.
	if c.lastFetchErr != nil && !c.failThrottle.Allow() {
		lastErr := c.lastFetchErr
		c.mu.Unlock()
		jwksFetchErrors.WithLabelValues("throttled").Inc()
		return nil, fmt.Errorf("fetch throttled after failure: %w", lastErr)
	}

	// Fetch without the lock so concurrent Resolve calls on fresh kids keep
	// hitting the cache. Two racing refetches overwrite idempotently.
	c.mu.Unlock()
	newKeys, err := c.fetchKeySet(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastFetchErr = err
		return nil, err
	}
	c.lastFetchErr = nil

	c.detectRotation(newKeys)
	c.keys = newKeys
	c.fetchedAt = time.Now()
	c.initialized = true
	jwksKeysTotal.Set(float64(len(newKeys)))

	return c.keys, nil
}

// fetchKeySet performs the single HTTP fetch and parses RSA keys out of the
// standard JWKS document.
func (c *KeyCache) fetchKeySet(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, http.NoBody)
	if err != nil {
		jwksFetchErrors.WithLabelValues("request_creation").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		jwksFetchErrors.WithLabelValues("network").Inc()
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		jwksFetchErrors.WithLabelValues("http_status").Inc()
		return nil, fmt.Errorf("key set fetch returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		jwksFetchErrors.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			logging.Warn().Err(err).Str("kid", k.Kid).Msg("Skipping unparseable key in key set")
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// detectRotation logs and counts key-set membership changes between fetches.
// Must be called with the write lock held.
func (c *KeyCache) detectRotation(newKeys map[string]*rsa.PublicKey) {
	if !c.initialized {
		return
	}

	added, removed := 0, 0
	for kid := range newKeys {
		if _, exists := c.keys[kid]; !exists {
			added++
		}
	}
	for kid := range c.keys {
		if _, exists := newKeys[kid]; !exists {
			removed++
		}
	}

	if added > 0 || removed > 0 {
		jwksRotationsTotal.Inc()
		logging.Info().
			Int("keys_added", added).
			Int("keys_removed", removed).
			Int("total_keys", len(newKeys)).
			Msg("Signing key rotation detected")
	}
}

// KeyCount returns the number of cached keys.
func (c *KeyCache) KeyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// LastFetched returns when the cache last refreshed successfully.
func (c *KeyCache) LastFetched() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// parseRSAPublicKey builds an RSA public key from base64url modulus and
// exponent fields.
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64URLDecode(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64URLDecode(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
