// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idempotency makes spend execution at-most-once.
//
// Every spend request carries a caller-chosen idempotency key. The
// store's job is to answer one question atomically: has this key been
// seen before? Three answers are possible:
//
//   - Fresh: never seen. The store reserves the key in the same
//     transaction, so a concurrent duplicate cannot also get Fresh.
//   - Replay: seen and finished. The stored decision is returned
//     verbatim; no new spend happens.
//   - InFlight: seen, still executing. The caller backs off rather
//     than racing the original.
//
// Records live in BadgerDB with synchronous writes. Completed records
// carry a TTL and are garbage collected; in-flight records have no TTL
// because only reconciliation may decide their fate after a crash.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/storage/badger"
)

// Status classifies an idempotency key at check time.
type Status string

const (
	// StatusFresh means the key was unseen and is now reserved.
	StatusFresh Status = "fresh"

	// StatusReplay means the key finished; the stored decision applies.
	StatusReplay Status = "replay"

	// StatusInFlight means the key is reserved but not yet completed.
	StatusInFlight Status = "in_flight"
)

// Record states persisted in the store.
const (
	stateInFlight  = "in_flight"
	stateCompleted = "completed"
)

// DefaultRetention is how long completed records are kept for replay.
const DefaultRetention = 48 * time.Hour

// DefaultAbandonTimeout is how old an in-flight record must be before
// reconciliation treats it as abandoned.
const DefaultAbandonTimeout = 10 * time.Minute

// commitRetries bounds the retry loop around transaction conflicts.
const commitRetries = 3

// ErrUnavailable reports that the store could not answer; callers must
// treat it as "do not spend", never as Fresh.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// keyPrefix namespaces idempotency records within the shared database.
var keyPrefix = []byte("idem:")

// record is the stored shape of one idempotency entry.
type record struct {
	Key         string          `json:"key"`
	State       string          `json:"state"`
	Decision    json.RawMessage `json:"decision,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// CheckResult is the outcome of CheckOrReserve.
type CheckResult struct {
	Status Status

	// StoredDecision holds the original decision bytes when Status is
	// StatusReplay, nil otherwise.
	StoredDecision json.RawMessage
}

// Config configures a Store.
type Config struct {
	// DB is the backing database. Required.
	DB *badger.DB

	// Retention is the TTL on completed records. Default DefaultRetention.
	Retention time.Duration

	// Logger for operational messages. Default slog.Default().
	Logger *slog.Logger

	// Now supplies timestamps. Default time.Now.
	Now func() time.Time
}

// Store is the durable idempotency record keeper.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db        *badger.DB
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, errors.New("idempotency: DB is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		db:        cfg.DB,
		retention: cfg.Retention,
		logger:    cfg.Logger.With(slog.String("component", "idempotency_store")),
		now:       cfg.Now,
	}, nil
}

// CheckOrReserve atomically classifies a key, reserving it when Fresh.
//
// Description:
//
//	Read-check-write runs in one BadgerDB transaction. When two
//	requests race on the same unseen key, exactly one transaction
//	commits the reservation; the loser's commit conflicts, and the
//	retry observes the winner's in-flight record.
//
// Outputs:
//
//	CheckResult - Fresh, Replay (with the stored decision), or InFlight.
//	error - ErrUnavailable wrapped when the store cannot answer.
func (s *Store) CheckOrReserve(ctx context.Context, key string) (CheckResult, error) {
	if key == "" {
		return CheckResult{}, errors.New("idempotency: key is required")
	}

	var result CheckResult
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			item, err := txn.Get(storageKey(key))
			switch {
			case errors.Is(err, badgerdb.ErrKeyNotFound):
				rec := record{
					Key:       key,
					State:     stateInFlight,
					CreatedAt: s.now().UTC(),
				}
				data, merr := json.Marshal(rec)
				if merr != nil {
					return merr
				}
				if serr := txn.Set(storageKey(key), data); serr != nil {
					return serr
				}
				result = CheckResult{Status: StatusFresh}
				return nil

			case err != nil:
				return err
			}

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.State == stateCompleted {
				result = CheckResult{Status: StatusReplay, StoredDecision: rec.Decision}
			} else {
				result = CheckResult{Status: StatusInFlight}
			}
			return nil
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, badgerdb.ErrConflict) {
			return CheckResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		lastErr = err
	}
	return CheckResult{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Complete marks a reserved key finished and stores its decision for
// replay. The record gets the retention TTL.
func (s *Store) Complete(ctx context.Context, key string, decision json.RawMessage) error {
	rec := record{
		Key:         key,
		State:       stateCompleted,
		Decision:    decision,
		CompletedAt: s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(storageKey(key), data).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release drops a reservation whose spend never reached a terminal
// decision, so the caller may retry with the same key. Only transient
// failures before any ledger commit take this path.
func (s *Store) Release(ctx context.Context, key string) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(storageKey(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InFlightRecord describes a reservation that never completed, as
// observed after a crash.
type InFlightRecord struct {
	Key       string
	CreatedAt time.Time
}

// InFlight returns all reserved-but-unfinished records. Startup
// reconciliation uses this to repair or abandon reservations orphaned
// by a crash.
func (s *Store) InFlight(ctx context.Context) ([]InFlightRecord, error) {
	var out []InFlightRecord
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.State == stateInFlight {
				out = append(out, InFlightRecord{Key: rec.Key, CreatedAt: rec.CreatedAt})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func storageKey(key string) []byte {
	return append(append([]byte{}, keyPrefix...), key...)
}
