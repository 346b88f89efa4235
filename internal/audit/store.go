// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const eventKeyPrefix = "audit:"

// eventKeyTime is fixed-width so key order matches chronological order;
// RFC3339Nano trims trailing zeros and breaks lexicographic sorting.
const eventKeyTime = "2006-01-02T15:04:05.000000000Z"

// BadgerStore persists audit events for the retention window. Keys embed
// the RFC3339 timestamp so iteration order is chronological and retention
// cleanup is a prefix scan.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func eventKey(event *Event) []byte {
	return []byte(eventKeyPrefix + event.Timestamp.UTC().Format(eventKeyTime) + ":" + event.ID)
}

// Emit persists one event, satisfying the Sink interface.
func (s *BadgerStore) Emit(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event), data)
	})
}

// Recent returns up to limit of the most recent events, newest first.
func (s *BadgerStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventKeyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the prefix range end.
		seek := append([]byte(eventKeyPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(events) < limit; it.Next() {
			var event Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// DeleteOlderThan removes events whose timestamp precedes cutoff and
// returns how many were removed.
func (s *BadgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	boundary := eventKeyPrefix + cutoff.UTC().Format(eventKeyTime)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= boundary {
				break
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return 0, fmt.Errorf("delete audit event: %w", err)
		}
	}
	return len(stale), nil
}
