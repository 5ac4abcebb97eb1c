// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/safety"
)

var testDay = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func openTestLedger(t *testing.T, dir string) *ledger.Log {
	t.Helper()
	lg, err := ledger.Open(ledger.Config{Path: filepath.Join(dir, "events.ndjson")})
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })
	return lg
}

func testCaps() CapsConfig {
	return CapsConfig{
		Defaults: Caps{
			DailyLearning:    money.MustParse("30.00"),
			DailyOperational: money.MustParse("100.00"),
		},
	}
}

func newTestVault(t *testing.T, lg *ledger.Log, caps CapsConfig) *Vault {
	t.Helper()
	v, err := New(Config{
		Ledger: lg,
		Caps:   caps,
		Now:    func() time.Time { return testDay },
	})
	require.NoError(t, err)
	return v
}

// clearance obtains a real gate-issued token; the vault cannot be
// exercised without one.
func clearance(t *testing.T) safety.Clearance {
	t.Helper()
	g := safety.NewGate(safety.GateConfig{
		KillSwitch: safety.NewKillSwitch(safety.KillSwitchConfig{}),
		Breaker:    safety.NewCircuitBreaker(safety.CircuitBreakerConfig{}),
		Limits:     safety.RiskLimits{MaxShareBps: 10000},
	})
	c, decision := g.PreSpendCheck(context.Background(), safety.CheckRequest{
		ProductID:     "prod-1",
		Amount:        money.MustParse("1.00"),
		DailyCap:      money.MustParse("1000.00"),
		CorrelationID: "test",
	})
	require.True(t, decision.Allowed)
	return c
}

func reserveReq(amount string) ReserveRequest {
	return ReserveRequest{
		ProductID:      "prod-1",
		Bucket:         BucketLearning,
		Amount:         money.MustParse(amount),
		IdempotencyKey: "idem-" + amount,
		CorrelationID:  "corr-1",
	}
}

func TestReserve_CommitsAndAppendsToLedger(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())

	out, err := v.Reserve(context.Background(), clearance(t), reserveReq("10.00"))
	require.NoError(t, err)

	assert.True(t, out.Granted)
	assert.Equal(t, uint64(1), out.LedgerSequence)
	assert.True(t, out.NewTotal.Equal(money.MustParse("10.00")))
	assert.Equal(t, "2025-06-02", out.Day)

	var events []ledger.Event
	require.NoError(t, lg.Replay(0, func(evt ledger.Event) error {
		events = append(events, evt)
		return nil
	}))
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventSpendCommitted, events[0].Type)

	var p ledger.SpendCommitPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, "prod-1", p.ProductID)
	assert.True(t, p.NewTotal.Equal(money.MustParse("10.00")))
}

func TestReserve_DeniesOverCap(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())
	ctx := context.Background()

	out, err := v.Reserve(ctx, clearance(t), reserveReq("25.00"))
	require.NoError(t, err)
	require.True(t, out.Granted)

	out, err = v.Reserve(ctx, clearance(t), reserveReq("10.00"))
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, DenyCapExceeded, out.Reason)

	// Denial must not move the state; a fitting amount still goes through.
	out, err = v.Reserve(ctx, clearance(t), reserveReq("5.00"))
	require.NoError(t, err)
	assert.True(t, out.Granted)
	assert.True(t, out.NewTotal.Equal(money.MustParse("30.00")))
}

func TestReserve_ConcurrentRequestsNeverExceedCap(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())
	ctx := context.Background()

	// Three $15 requests against a $30 learning cap: exactly two commit.
	const callers = 3
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)
	tokens := make([]safety.Clearance, callers)
	for i := range tokens {
		tokens[i] = clearance(t)
	}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := reserveReq("15.00")
			req.IdempotencyKey = req.IdempotencyKey + string(rune('a'+i))
			outcomes[i], errs[i] = v.Reserve(ctx, tokens[i], req)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	granted := 0
	for _, out := range outcomes {
		if out.Granted {
			granted++
		} else {
			assert.Equal(t, DenyCapExceeded, out.Reason)
		}
	}
	assert.Equal(t, 2, granted)

	state := v.Snapshot("prod-1")[BucketLearning]
	assert.True(t, state.Spent.Equal(money.MustParse("30.00")))
}

func TestReserve_UnknownBucket(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())

	req := reserveReq("5.00")
	req.Bucket = Bucket("marketing")
	out, err := v.Reserve(context.Background(), clearance(t), req)
	require.NoError(t, err)
	assert.Equal(t, DenyBucketUnknown, out.Reason)
}

func TestReserve_ReserveBucketProtected(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())

	req := reserveReq("5.00")
	req.Bucket = BucketReserve
	out, err := v.Reserve(context.Background(), clearance(t), req)
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, DenyReserveProtected, out.Reason)
}

func TestReserve_RequiresClearance(t *testing.T) {
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, testCaps())

	_, err := v.Reserve(context.Background(), safety.Clearance{}, reserveReq("5.00"))
	assert.ErrorIs(t, err, ErrClearanceRequired)
}

func TestReserve_LedgerFailureIsUnavailableNotCapExceeded(t *testing.T) {
	dir := t.TempDir()
	lg, err := ledger.Open(ledger.Config{Path: filepath.Join(dir, "events.ndjson")})
	require.NoError(t, err)

	v := newTestVault(t, lg, testCaps())
	require.NoError(t, lg.Close())

	out, err := v.Reserve(context.Background(), clearance(t), reserveReq("5.00"))
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, DenyUnavailable, out.Reason)
}

func TestNew_RebuildsStateFromLedgerReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	lg1, err := ledger.Open(ledger.Config{Path: filepath.Join(dir, "events.ndjson")})
	require.NoError(t, err)
	v1 := newTestVault(t, lg1, testCaps())

	out, err := v1.Reserve(ctx, clearance(t), reserveReq("12.50"))
	require.NoError(t, err)
	require.True(t, out.Granted)
	require.NoError(t, lg1.Close())

	// Restart: a fresh vault over the same log must see the spend.
	lg2 := openTestLedger(t, dir)
	v2 := newTestVault(t, lg2, testCaps())

	state := v2.Snapshot("prod-1")[BucketLearning]
	assert.True(t, state.Spent.Equal(money.MustParse("12.50")))

	out, err = v2.Reserve(ctx, clearance(t), reserveReq("20.00"))
	require.NoError(t, err)
	assert.Equal(t, DenyCapExceeded, out.Reason)
}

func TestReserve_Day1LearningCapApplies(t *testing.T) {
	caps := CapsConfig{
		Defaults: Caps{
			DailyLearning:    money.MustParse("30.00"),
			DailyOperational: money.MustParse("100.00"),
			MaxDay1Learning:  money.MustParse("10.00"),
			LaunchDay:        "2025-06-02",
		},
	}
	lg := openTestLedger(t, t.TempDir())
	v := newTestVault(t, lg, caps)

	out, err := v.Reserve(context.Background(), clearance(t), reserveReq("15.00"))
	require.NoError(t, err)
	assert.Equal(t, DenyCapExceeded, out.Reason, "launch day uses the tighter cap")

	out, err = v.Reserve(context.Background(), clearance(t), reserveReq("10.00"))
	require.NoError(t, err)
	assert.True(t, out.Granted)
}

func TestCapsConfig_ProductOverridesMergeWithDefaults(t *testing.T) {
	cfg := CapsConfig{
		Defaults: Caps{
			DailyLearning:    money.MustParse("30.00"),
			DailyOperational: money.MustParse("100.00"),
		},
		Products: map[string]Caps{
			"prod-special": {DailyLearning: money.MustParse("50.00")},
		},
	}

	caps := cfg.For("prod-special")
	assert.True(t, caps.DailyLearning.Equal(money.MustParse("50.00")))
	assert.True(t, caps.DailyOperational.Equal(money.MustParse("100.00")), "unset override falls back to default")

	caps = cfg.For("prod-other")
	assert.True(t, caps.DailyLearning.Equal(money.MustParse("30.00")))
}
