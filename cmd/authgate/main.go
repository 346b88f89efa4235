// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

// Package main is the entry point for the Authgate server.
//
// Authgate is the authentication and authorization gateway for the Converge
// community platform. It sits behind a reverse proxy, resolves each
// request's identity (proxy-injected principal header or bearer JWT against
// a remote JWKS), decides admin access through an ordered fallback chain
// backed by the authority store, enforces fixed-window rate limits on
// sensitive anonymous routes, and records every decision in the audit trail.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML file,
//     AUTHGATE_* environment variables)
//  2. Logging: zerolog, JSON or console format
//  3. Storage: BadgerDB for the authority store and audit persistence
//     (in-memory fallback when no path is configured)
//  4. Components: JWKS key cache, token verifier, identity extractor,
//     admin resolver, rate limiter, audit recorder
//  5. Supervisor tree: maintenance layer (limiter sweep, audit recorder,
//     retention, database GC) and API layer (HTTP server)
//
// # Signal handling
//
// SIGINT and SIGTERM trigger a graceful shutdown: the listener stops
// accepting connections, in-flight requests drain within the configured
// timeout, buffered audit events flush, and storage closes last.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/convergehq/authgate/internal/api"
	"github.com/convergehq/authgate/internal/audit"
	"github.com/convergehq/authgate/internal/authz"
	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/directory"
	"github.com/convergehq/authgate/internal/identity"
	"github.com/convergehq/authgate/internal/logging"
	"github.com/convergehq/authgate/internal/ratelimit"
	"github.com/convergehq/authgate/internal/supervisor"
	"github.com/convergehq/authgate/internal/supervisor/services"
	"github.com/convergehq/authgate/internal/token"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("environment", cfg.Security.Environment).
		Bool("dev_identity", cfg.Mode.DevIdentityEnabled()).
		Msg("Starting Authgate")

	// Storage. One Badger instance backs both the authority store and
	// audit persistence; an empty path selects in-memory mode for local
	// development.
	var db *badger.DB
	var store directory.Store
	if cfg.Directory.Path != "" {
		opts := badger.DefaultOptions(cfg.Directory.Path).WithLogger(nil)
		db, err = badger.Open(opts)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Directory.Path).Msg("Failed to open database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing database")
			}
		}()
		store = directory.NewBadgerStore(db)
		logging.Info().Str("path", cfg.Directory.Path).Msg("Authority store opened")
	} else {
		store = directory.NewMemoryStore()
		logging.Warn().Msg("No directory path configured, using in-memory authority store")
	}

	// Identity resolution chain.
	keyCache := token.NewKeyCacheFromConfig(cfg.Security)
	verifier := token.NewVerifierWithCache(cfg.Security, cfg.Mode, keyCache)
	extractor := identity.NewExtractor(cfg.Security, cfg.Mode, verifier)
	resolver := authz.NewResolver(store, cfg.Security, cfg.Directory)

	// Rate limiting and audit trail.
	limiter := ratelimit.NewLimiter(cfg.RateLimit.SweepInterval)
	recorder := audit.NewRecorder(cfg.Audit.Enabled, cfg.Audit.BufferSize)
	recorder.AddSink("log", audit.NewLogSink())

	var auditStore *audit.BadgerStore
	if db != nil {
		auditStore = audit.NewBadgerStore(db)
		recorder.AddSink("badger", auditStore)
	}
	if cfg.Audit.NATSURL != "" {
		natsSink, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.NATSSubject)
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.Audit.NATSURL).Msg("Failed to connect audit NATS sink")
		}
		defer natsSink.Close()
		recorder.AddSink("nats", natsSink)
		logging.Info().Str("subject", cfg.Audit.NATSSubject).Msg("Audit NATS sink connected")
	}

	// HTTP surface.
	mw := api.NewMiddleware(extractor, resolver, limiter, recorder)
	handler := api.NewHandler(store, recorder, auditStore, version)
	router := api.NewRouter(cfg, mw, handler)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervisor tree.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)

	tree.AddMaintenanceService(limiter)
	tree.AddMaintenanceService(recorder)
	if db != nil {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		tree.AddMaintenanceService(services.NewAuditRetentionService(auditStore, retention, cfg.Audit.CleanupInterval))
		tree.AddMaintenanceService(services.NewBadgerGCService(db, 10*time.Minute))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Authgate stopped gracefully")
}
