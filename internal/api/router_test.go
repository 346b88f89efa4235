// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/convergehq/authgate/internal/audit"
	"github.com/convergehq/authgate/internal/authz"
	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/directory"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/ratelimit"
)

// captureSink collects emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *captureSink) Emit(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) waitFor(t *testing.T, n int) []*audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := s.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit events, have %d", n, len(s.snapshot()))
	return nil
}

type testEnv struct {
	handler http.Handler
	store   *directory.MemoryStore
	sink    *captureSink
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithAudit(t, mutate, nil)
}

func newTestEnvWithAudit(t *testing.T, mutate func(*config.Config), audits *audit.BadgerStore) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8436},
		Security: config.SecurityConfig{
			Environment:     "production",
			PrincipalHeader: "X-Client-Principal",
			Algorithms:      []string{"RS256"},
			AdminRoles:      []string{"admin", "administrator"},
		},
		RateLimit: config.RateLimitConfig{
			GlobalRequests:       1000,
			GlobalWindow:         time.Minute,
			RegistrationRequests: 5,
			RegistrationWindow:   time.Minute,
			SweepInterval:        time.Minute,
		},
		Directory: config.DirectoryConfig{
			LookupTimeout:      time.Second,
			BreakerMaxFailures: 5,
			BreakerOpenFor:     30 * time.Second,
		},
		Audit: config.AuditConfig{Enabled: true, BufferSize: 64},
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Mode = config.NewRuntimeMode(cfg.Security)

	store := directory.NewMemoryStore()
	sink := &captureSink{}

	recorder := audit.NewRecorder(cfg.Audit.Enabled, cfg.Audit.BufferSize)
	recorder.AddSink("capture", sink)
	if audits != nil {
		recorder.AddSink("badger", audits)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = recorder.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	extractor := identity.NewExtractor(cfg.Security, cfg.Mode, nil)
	resolver := authz.NewResolver(store, cfg.Security, cfg.Directory)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.SweepInterval)

	mw := NewMiddleware(extractor, resolver, limiter, recorder)
	handler := NewHandler(store, recorder, audits, "test")
	router := NewRouter(cfg, mw, handler)

	return &testEnv{
		handler: router.Setup(),
		store:   store,
		sink:    sink,
	}
}

// principalHeader encodes a proxy principal the way the reverse proxy does.
func principalHeader(t *testing.T, userID, email string, roles ...string) string {
	t.Helper()
	payload := map[string]any{
		"userId":           userID,
		"userDetails":      email,
		"identityProvider": "aad",
		"userRoles":        roles,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal principal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRouter_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRouter_AdminWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["error"] != "Authentication required" {
		t.Errorf("unexpected 401 body: %v", body)
	}

	events := env.sink.waitFor(t, 1)
	if events[0].Type != audit.EventTypeAuthzDenied {
		t.Errorf("event type = %s, want %s", events[0].Type, audit.EventTypeAuthzDenied)
	}
	if events[0].Actor.ID != "anonymous" {
		t.Errorf("actor = %q, want anonymous", events[0].Actor.ID)
	}
}

func TestRouter_AdminAllowedViaClaim(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("X-Client-Principal", principalHeader(t, "user-1", "claims@example.com", "admin"))

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	events := env.sink.waitFor(t, 1)
	if events[0].Type != audit.EventTypeAuthzGranted {
		t.Errorf("event type = %s, want %s", events[0].Type, audit.EventTypeAuthzGranted)
	}
	var meta map[string]string
	if err := json.Unmarshal(events[0].Metadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["decision_path"] != authz.PathClaim {
		t.Errorf("decision_path = %q, want %q", meta["decision_path"], authz.PathClaim)
	}
}

func TestRouter_AdminAllowedViaDirectory(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.store.Upsert(context.Background(), &directory.AdminRecord{
		Email:  "granted@example.com",
		Status: directory.StatusActive,
		Roles:  []string{"admin"},
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("X-Client-Principal", principalHeader(t, "user-2", "Granted@Example.com"))

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	events := env.sink.waitFor(t, 1)
	var meta map[string]string
	if err := json.Unmarshal(events[0].Metadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["decision_path"] != authz.PathDirectory {
		t.Errorf("decision_path = %q, want %q", meta["decision_path"], authz.PathDirectory)
	}
}

func TestRouter_AdminDeniedWithoutGrant(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("X-Client-Principal", principalHeader(t, "user-3", "nobody@example.com"))

	rec := env.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["error"] != "Insufficient permissions" {
		t.Errorf("unexpected 403 body: %v", body)
	}
}

func TestRouter_AuthMe(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("anonymous", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}

		events := env.sink.waitFor(t, 1)
		if events[0].Type != audit.EventTypeAuthFailure {
			t.Errorf("event type = %s, want %s", events[0].Type, audit.EventTypeAuthFailure)
		}
		if events[0].Actor.ID != "anonymous" {
			t.Errorf("actor = %q, want anonymous", events[0].Actor.ID)
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		req.Header.Set("X-Client-Principal", principalHeader(t, "user-4", "Someone@Example.com", "reader"))

		rec := env.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["userId"] != "user-4" {
			t.Errorf("userId = %v", body["userId"])
		}
		if body["email"] != "someone@example.com" {
			t.Errorf("email = %v, want lower-cased form", body["email"])
		}
		if body["source"] != string(identity.ProviderProxyHeader) {
			t.Errorf("source = %v", body["source"])
		}

		events := env.sink.waitFor(t, 2)
		var success *audit.Event
		for _, event := range events {
			if event.Type == audit.EventTypeAuthSuccess {
				success = event
			}
		}
		if success == nil {
			t.Fatal("no auth.success event recorded")
		}
		if success.Actor.ID != "user-4" {
			t.Errorf("actor = %q, want user-4", success.Actor.ID)
		}
	})
}

func TestRouter_RegisterRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 5; i++ {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/register", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i+1, rec.Code)
		}
	}

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/register", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset header missing")
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("Retry-After") == "0" {
		t.Errorf("Retry-After = %q, want at least 1", rec.Header().Get("Retry-After"))
	}

	var body rateLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Message != "Too many requests. Please try again later." {
		t.Errorf("message = %q", body.Message)
	}
	if body.RetryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", body.RetryAfter)
	}

	events := env.sink.waitFor(t, 1)
	found := false
	for _, event := range events {
		if event.Type == audit.EventTypeRateLimited {
			found = true
		}
	}
	if !found {
		t.Error("no rate-limit audit event recorded")
	}
}

func TestRouter_RateLimitKeysAreIndependent(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/register", nil)
		req.RemoteAddr = "203.0.113.10:4000"
		env.do(req)
	}

	// A different client still has its full budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", nil)
	req.RemoteAddr = "203.0.113.99:4000"
	rec := env.do(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("fresh client status = %d, want 202", rec.Code)
	}
}

func TestRouter_AdminGrantAndRevoke(t *testing.T) {
	env := newTestEnv(t, nil)

	adminHeader := principalHeader(t, "operator-1", "operator@example.com", "admin")

	grantBody := strings.NewReader(`{"email":"New.Admin@Example.com","roles":["admin"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", grantBody)
	req.Header.Set("X-Client-Principal", adminHeader)

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	record, err := env.store.FindByEmail(context.Background(), "new.admin@example.com")
	if err != nil {
		t.Fatalf("find granted record: %v", err)
	}
	if record.Status != directory.StatusActive {
		t.Errorf("status = %s, want active", record.Status)
	}
	if record.CreatedBy != "operator-1" {
		t.Errorf("createdBy = %q, want operator-1", record.CreatedBy)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/users/new.admin@example.com", nil)
	req.Header.Set("X-Client-Principal", adminHeader)
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	record, err = env.store.FindByEmail(context.Background(), "new.admin@example.com")
	if err != nil {
		t.Fatalf("find revoked record: %v", err)
	}
	if record.Status != directory.StatusInactive {
		t.Errorf("status after revoke = %s, want inactive", record.Status)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/users/ghost@example.com", nil)
	req.Header.Set("X-Client-Principal", adminHeader)
	rec = env.do(req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("revoke unknown status = %d, want 404", rec.Code)
	}
}

func TestRouter_GrantValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	adminHeader := principalHeader(t, "operator-1", "operator@example.com", "admin")

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing email", `{"roles":["admin"]}`},
		{"email without at sign", `{"email":"not-an-address"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", strings.NewReader(tt.body))
			req.Header.Set("X-Client-Principal", adminHeader)

			rec := env.do(req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestRouter_GlobalThrottle(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.GlobalRequests = 3
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		req.RemoteAddr = "198.51.100.7:1000"
		last = env.do(req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after exceeding global ceiling", last.Code)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
}

func TestRouter_DisabledRateLimitPassesThrough(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Disabled = true
		cfg.RateLimit.GlobalRequests = 1
	})

	for i := 0; i < 5; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled with rate limiting disabled", i+1)
		}
	}
}

func TestRouter_RequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id-1")
	rec = env.do(req)
	if got := rec.Header().Get("X-Request-ID"); got != "upstream-id-1" {
		t.Errorf("X-Request-ID = %q, want upstream-id-1", got)
	}
}

func TestRouter_AdminListIncludesRevoked(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, email := range []string{"a@example.com", "b@example.com"} {
		err := env.store.Upsert(ctx, &directory.AdminRecord{
			Email:  email,
			Status: directory.StatusActive,
			Roles:  []string{"admin"},
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	if _, err := env.store.SetStatus(ctx, "b@example.com", directory.StatusInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("X-Client-Principal", principalHeader(t, "operator-1", "a@example.com"))

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success bool              `json:"success"`
		Admins  []adminRecordView `json:"admins"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Admins) != 2 {
		t.Fatalf("admins = %d, want 2 including the revoked one", len(body.Admins))
	}
	statuses := map[string]string{}
	for _, a := range body.Admins {
		statuses[a.Email] = a.Status
	}
	if statuses["b@example.com"] != string(directory.StatusInactive) {
		t.Errorf("revoked record status = %q, want inactive", statuses["b@example.com"])
	}
}

func newAuditBadgerStore(t *testing.T) *audit.BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close badger: %v", err)
		}
	})
	return audit.NewBadgerStore(db)
}

func TestRouter_AdminAuditTrail(t *testing.T) {
	env := newTestEnvWithAudit(t, nil, newAuditBadgerStore(t))
	adminHeader := principalHeader(t, "operator-1", "operator@example.com", "admin")

	// An anonymous probe of the admin surface lands one denial in the trail.
	env.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil))
	env.sink.waitFor(t, 1)

	// Persistence is async behind the recorder; poll until the event lands.
	var body struct {
		Success bool          `json:"success"`
		Events  []audit.Event `json:"events"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
		req.Header.Set("X-Client-Principal", adminHeader)
		rec := env.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.Events) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a persisted event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	found := false
	for _, event := range body.Events {
		if event.Type == audit.EventTypeAuthzDenied && event.Actor.ID == "anonymous" {
			found = true
		}
	}
	if !found {
		t.Error("denial event missing from the trail")
	}

	t.Run("limit validation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit?limit=0", nil)
		req.Header.Set("X-Client-Principal", adminHeader)
		if rec := env.do(req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 for limit=0", rec.Code)
		}
	})
}

func TestRouter_AdminAuditTrailWithoutPersistence(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	req.Header.Set("X-Client-Principal", principalHeader(t, "operator-1", "operator@example.com", "admin"))

	rec := env.do(req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 when no store is configured", rec.Code)
	}
}

func TestClientKeyFormatting(t *testing.T) {
	// Sanity-check the limiter key derivation the register route depends on.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", nil)
	req.RemoteAddr = "203.0.113.5:9999"
	if got := ratelimit.ClientKey(req); got != "203.0.113.5" {
		t.Errorf("ClientKey = %q, want bare host", got)
	}
}
