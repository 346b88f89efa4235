// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const adminKeyPrefix = "admin:"

// BadgerStore implements Store on BadgerDB. Records are JSON values under
// "admin:<email>" keys, so the email-equality lookup is a point read.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func adminKey(email string) []byte {
	return []byte(adminKeyPrefix + strings.ToLower(email))
}

// FindByEmail returns the record for email, or ErrNotFound.
func (s *BadgerStore) FindByEmail(ctx context.Context, email string) (*AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record AdminRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(adminKey(email))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get admin record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert inserts or replaces a record. CreatedAt is stamped on first write.
func (s *BadgerStore) Upsert(ctx context.Context, record *AdminRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Email == "" {
		return fmt.Errorf("admin record requires an email")
	}
	if !ValidStatus(record.Status) {
		return fmt.Errorf("invalid admin record status %q", record.Status)
	}

	record.Email = strings.ToLower(record.Email)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal admin record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(adminKey(record.Email), data)
	})
}

// SetStatus transitions a record's status and returns the updated record.
// Revocation is this transition, never a delete.
func (s *BadgerStore) SetStatus(ctx context.Context, email string, status Status) (*AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid admin record status %q", status)
	}

	var record AdminRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		key := adminKey(email)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get admin record: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return err
		}

		record.Status = status
		data, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("marshal admin record: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns all records, for the provisioning surface.
func (s *BadgerStore) List(ctx context.Context) ([]AdminRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []AdminRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(adminKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record AdminRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
