// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Used for tests and for
// running the gateway without a data directory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]AdminRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]AdminRecord)}
}

// FindByEmail returns the record for email, or ErrNotFound.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	out := record
	return &out, nil
}

// Upsert inserts or replaces a record.
func (s *MemoryStore) Upsert(ctx context.Context, record *AdminRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Email == "" {
		return fmt.Errorf("admin record requires an email")
	}
	if !ValidStatus(record.Status) {
		return fmt.Errorf("invalid admin record status %q", record.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record.Email = strings.ToLower(record.Email)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.Email] = *record
	return nil
}

// SetStatus transitions a record's status.
func (s *MemoryStore) SetStatus(ctx context.Context, email string, status Status) (*AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid admin record status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	record.Status = status
	s.records[key] = record
	out := record
	return &out, nil
}

// List returns all records sorted by email.
func (s *MemoryStore) List(ctx context.Context) ([]AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]AdminRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Email < records[j].Email
	})
	return records, nil
}
