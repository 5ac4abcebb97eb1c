// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault tracks per-product daily budgets and commits spend
// against them.
//
// The in-memory budget table is a cache, never the source of truth. It
// is rebuilt from the event log on startup and only ever advanced by a
// successful critical-tier ledger append: if the append fails, the
// cache does not move, and the request is denied as unavailable rather
// than over budget. Those are different answers for the caller; one
// means "retry later", the other means "the money is gone".
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/safety"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/telemetry"
)

// tracerName identifies the vault's instrumentation scope.
const tracerName = "trendify.spend.vault"

// DenialReason identifies why the vault refused a reservation.
type DenialReason string

const (
	// DenyCapExceeded: committing would push spent past the daily cap.
	DenyCapExceeded DenialReason = "cap_exceeded"

	// DenyBucketUnknown: the request named a bucket the vault does not
	// track.
	DenyBucketUnknown DenialReason = "bucket_unknown"

	// DenyReserveProtected: the automated path asked for reserve money.
	DenyReserveProtected DenialReason = "reserve_protected"

	// DenyUnavailable: the ledger could not durably record the commit.
	// Never reported as cap_exceeded; the budget state is unknown, not
	// exhausted.
	DenyUnavailable DenialReason = "vault_unavailable"
)

// ErrClearanceRequired reports a Reserve call without a gate-issued
// clearance. This is a programming error in the caller, not a denial.
var ErrClearanceRequired = errors.New("vault: valid safety clearance required")

// dayFormat keys budget state by UTC date.
const dayFormat = "2006-01-02"

// BudgetState is the tracked position for one (product, bucket, day).
type BudgetState struct {
	Spent money.Amount `json:"spent"`
	Cap   money.Amount `json:"cap"`
}

// ReserveRequest asks the vault to commit spend.
type ReserveRequest struct {
	ProductID      string
	Bucket         Bucket
	Amount         money.Amount
	IdempotencyKey string
	CorrelationID  string
}

// Outcome is the vault's answer to a reservation.
type Outcome struct {
	// Granted is true when the spend was committed to the ledger.
	Granted bool

	// Reason is set when Granted is false.
	Reason DenialReason

	// Detail is a human-readable elaboration of Reason.
	Detail string

	// LedgerSequence is the committed event's sequence when granted.
	LedgerSequence uint64

	// NewTotal is the bucket's spent total after the commit.
	NewTotal money.Amount

	// Day is the UTC day the spend was booked against.
	Day string
}

// Config configures a Vault.
type Config struct {
	// Ledger is the durable event log. Required.
	Ledger *ledger.Log

	// Caps are the configured daily ceilings. Required.
	Caps CapsConfig

	// Logger for operational messages. Default slog.Default().
	Logger *slog.Logger

	// Metrics records commit append counts and latency. Optional.
	Metrics *telemetry.Metrics

	// Now supplies the clock that picks the UTC day key. Default
	// time.Now.
	Now func() time.Time
}

// Vault is the budget ledger.
//
// Thread Safety: Safe for concurrent use. Reservations for the same
// (product, bucket, day) serialize on a per-key lock; different keys
// proceed in parallel.
type Vault struct {
	ledger  *ledger.Log
	caps    CapsConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	state map[string]*BudgetState
}

// New builds the vault and rebuilds budget state by replaying the
// ledger's SPEND_COMMITTED events.
//
// Outputs:
//
//	*Vault - Ready to serve reservations.
//	error - Non-nil if the replay fails; the vault must not serve with
//	an unreconstructed cache.
func New(cfg Config) (*Vault, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("vault: ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Vault{
		ledger:  cfg.Ledger,
		caps:    cfg.Caps,
		logger:  cfg.Logger.With(slog.String("component", "vault")),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer(tracerName),
		now:     cfg.Now,
		locks:   make(map[string]*sync.Mutex),
		state:   make(map[string]*BudgetState),
	}
	if err := v.rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild budget state: %w", err)
	}
	return v, nil
}

// Reserve commits spend against a product's daily budget.
//
// Description:
//
//	Inside the per-key critical section the vault checks the cap,
//	appends SPEND_COMMITTED on the critical tier, and only then
//	advances the cache. The fsync'd append is the commit point: a crash
//	before it leaves no record and no spend; a crash after it is
//	recovered by replay.
//
// Inputs:
//
//	clearance - Proof the safety gate approved this spend. Reserve is
//	unreachable without one.
//
// Outputs:
//
//	Outcome - Granted, or denied with a specific reason.
//	error - ErrClearanceRequired or input validation failures only.
//	Denials are outcomes, not errors.
func (v *Vault) Reserve(ctx context.Context, clearance safety.Clearance, req ReserveRequest) (Outcome, error) {
	if !clearance.Valid() {
		return Outcome{}, ErrClearanceRequired
	}
	ctx, span := v.tracer.Start(ctx, "vault.Reserve",
		trace.WithAttributes(
			attribute.String("product_id", req.ProductID),
			attribute.String("bucket", string(req.Bucket))))
	defer span.End()
	if req.ProductID == "" {
		return Outcome{}, errors.New("vault: product_id is required")
	}
	if !req.Amount.IsPositive() {
		return Outcome{}, errors.New("vault: amount must be positive")
	}

	if !KnownBucket(req.Bucket) {
		return Outcome{Reason: DenyBucketUnknown, Detail: fmt.Sprintf("unknown bucket %q", req.Bucket)}, nil
	}
	if req.Bucket == BucketReserve {
		return Outcome{Reason: DenyReserveProtected, Detail: "reserve bucket is not spendable by the automated path"}, nil
	}

	day := v.now().UTC().Format(dayFormat)
	ceiling, ok := v.caps.For(req.ProductID).capFor(req.Bucket, day)
	if !ok {
		return Outcome{Reason: DenyBucketUnknown, Detail: fmt.Sprintf("no cap for bucket %q", req.Bucket)}, nil
	}

	key := stateKey(req.ProductID, req.Bucket, day)
	lock := v.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	state := v.stateFor(key, ceiling)
	newTotal := state.Spent.Add(req.Amount)
	if newTotal.GreaterThan(state.Cap) {
		return Outcome{
			Reason: DenyCapExceeded,
			Detail: fmt.Sprintf("spent %s + %s exceeds cap %s", state.Spent, req.Amount, state.Cap),
			Day:    day,
		}, nil
	}

	appendStart := v.now()
	seq, err := v.ledger.Append(ctx, ledger.EventSpendCommitted, req.CorrelationID, ledger.SpendCommitPayload{
		IdempotencyKey: req.IdempotencyKey,
		ProductID:      req.ProductID,
		Bucket:         string(req.Bucket),
		Day:            day,
		Amount:         req.Amount,
		NewTotal:       newTotal,
	})
	if err != nil {
		v.logger.Error("spend commit append failed",
			slog.String("product_id", req.ProductID),
			slog.String("bucket", string(req.Bucket)),
			slog.String("error", err.Error()))
		return Outcome{
			Reason: DenyUnavailable,
			Detail: "budget ledger write failed",
			Day:    day,
		}, nil
	}
	v.metrics.RecordLedgerAppend(ctx, "critical", v.now().Sub(appendStart))

	state.Spent = newTotal
	return Outcome{
		Granted:        true,
		LedgerSequence: seq,
		NewTotal:       newTotal,
		Day:            day,
	}, nil
}

// CapFor returns the effective ceiling for a product's bucket on the
// current UTC day. False for buckets without an automated cap.
func (v *Vault) CapFor(productID string, bucket Bucket) (money.Amount, bool) {
	day := v.now().UTC().Format(dayFormat)
	return v.caps.For(productID).capFor(bucket, day)
}

// Snapshot returns the current-day budget state for a product across
// the spendable buckets.
func (v *Vault) Snapshot(productID string) map[Bucket]BudgetState {
	return v.SnapshotFor(productID, v.now().UTC().Format(dayFormat))
}

// SnapshotFor returns the budget state for a product on a specific UTC
// day (YYYY-MM-DD). Days with no recorded spend report zero against the
// day's effective caps.
func (v *Vault) SnapshotFor(productID, day string) map[Bucket]BudgetState {
	out := make(map[Bucket]BudgetState, 2)

	for _, bucket := range []Bucket{BucketLearning, BucketOperational} {
		ceiling, ok := v.caps.For(productID).capFor(bucket, day)
		if !ok {
			continue
		}
		key := stateKey(productID, bucket, day)
		lock := v.keyLock(key)
		lock.Lock()
		out[bucket] = *v.stateFor(key, ceiling)
		lock.Unlock()
	}
	return out
}

// rebuild replays SPEND_COMMITTED events into the budget table.
func (v *Vault) rebuild() error {
	count := 0
	err := v.ledger.Replay(0, func(evt ledger.Event) error {
		if evt.Type != ledger.EventSpendCommitted {
			return nil
		}
		var p ledger.SpendCommitPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode spend payload at seq %d: %w", evt.Sequence, err)
		}

		bucket := Bucket(p.Bucket)
		ceiling, ok := v.caps.For(p.ProductID).capFor(bucket, p.Day)
		if !ok {
			// Replayed history for a bucket no longer capped still
			// counts as spent money.
			ceiling = money.Amount{}
		}
		key := stateKey(p.ProductID, bucket, p.Day)
		state := v.stateFor(key, ceiling)
		state.Spent = state.Spent.Add(p.Amount)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	v.logger.Info("budget state rebuilt from ledger", slog.Int("commits", count))
	return nil
}

// keyLock returns the mutex serializing one (product, bucket, day).
func (v *Vault) keyLock(key string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[key] = lock
	}
	return lock
}

// stateFor returns the budget entry for key, creating it with the given
// cap. Caller holds the key lock (or is rebuilding pre-serve).
func (v *Vault) stateFor(key string, ceiling money.Amount) *BudgetState {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.state[key]
	if !ok {
		state = &BudgetState{Cap: ceiling}
		v.state[key] = state
	}
	return state
}

func stateKey(productID string, bucket Bucket, day string) string {
	return productID + "|" + string(bucket) + "|" + day
}
