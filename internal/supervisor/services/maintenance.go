// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package services

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/convergehq/authgate/internal/audit"
	"github.com/convergehq/authgate/internal/logging"
)

// AuditRetentionService periodically deletes persisted audit events older
// than the retention window.
type AuditRetentionService struct {
	store     *audit.BadgerStore
	retention time.Duration
	interval  time.Duration
}

// NewAuditRetentionService creates the retention sweeper.
func NewAuditRetentionService(store *audit.BadgerStore, retention, interval time.Duration) *AuditRetentionService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AuditRetentionService{
		store:     store,
		retention: retention,
		interval:  interval,
	}
}

// Serve implements suture.Service.
func (s *AuditRetentionService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				logging.Error().Err(err).Msg("Audit retention sweep failed")
				continue
			}
			if deleted > 0 {
				logging.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Audit retention sweep complete")
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (s *AuditRetentionService) String() string {
	return "audit-retention"
}

// BadgerGCService periodically runs Badger's value-log garbage collection,
// which Badger requires the application to drive.
type BadgerGCService struct {
	db       *badger.DB
	interval time.Duration
}

// NewBadgerGCService creates the GC loop.
func NewBadgerGCService(db *badger.DB, interval time.Duration) *BadgerGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &BadgerGCService{db: db, interval: interval}
}

// Serve implements suture.Service. ErrNoRewrite means there was nothing to
// collect and is not a failure.
func (s *BadgerGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Repeat until a pass finds nothing to rewrite.
			for {
				err := s.db.RunValueLogGC(0.5)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					logging.Warn().Err(err).Msg("Badger value log GC failed")
					break
				}
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (s *BadgerGCService) String() string {
	return "badger-gc"
}
