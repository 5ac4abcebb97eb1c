// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, clock *fakeClock) *CircuitBreaker {
	t.Helper()
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         5 * time.Minute,
		MaxCooldown:      1 * time.Hour,
		Now:              clock.now,
	})
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, newFakeClock())

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow(ctx))

	cb.RecordFailure(ctx)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(ctx))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t, newFakeClock())

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)
	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	require.Equal(t, CircuitOpen, cb.State())

	clock.advance(5 * time.Minute)
	assert.True(t, cb.Allow(ctx), "first caller after cooldown gets the trial")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(ctx), "second caller must not get a trial")

	cb.RecordSuccess(ctx)
	assert.True(t, cb.Allow(ctx), "slot released after outcome")
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	clock.advance(5 * time.Minute)

	require.True(t, cb.Allow(ctx))
	cb.RecordSuccess(ctx)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.True(t, cb.Allow(ctx))
	cb.RecordSuccess(ctx)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureDoublesCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	assert.Equal(t, 5*time.Minute, cb.Stats().CurrentCooldown)

	// Failed trial: cooldown doubles to 10m.
	clock.advance(5 * time.Minute)
	require.True(t, cb.Allow(ctx))
	cb.RecordFailure(ctx)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 10*time.Minute, cb.Stats().CurrentCooldown)

	// Previous cooldown is no longer enough.
	clock.advance(5 * time.Minute)
	assert.False(t, cb.Allow(ctx))
	clock.advance(5 * time.Minute)
	assert.True(t, cb.Allow(ctx))
}

func TestCircuitBreaker_CooldownCappedAtMax(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	// Repeated failed trials: 5m -> 10m -> 20m -> 40m -> 60m (cap) -> 60m.
	for i := 0; i < 6; i++ {
		clock.advance(2 * time.Hour)
		require.True(t, cb.Allow(ctx))
		cb.RecordFailure(ctx)
	}
	assert.Equal(t, 1*time.Hour, cb.Stats().CurrentCooldown)
}

func TestCircuitBreaker_CooldownResetsOnClose(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	clock.advance(5 * time.Minute)
	require.True(t, cb.Allow(ctx))
	cb.RecordFailure(ctx) // cooldown now 10m

	clock.advance(10 * time.Minute)
	require.True(t, cb.Allow(ctx))
	cb.RecordSuccess(ctx)
	require.True(t, cb.Allow(ctx))
	cb.RecordSuccess(ctx)
	require.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, 5*time.Minute, cb.Stats().CurrentCooldown)
}

func TestCircuitBreaker_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "circuit.json")
	clock := newFakeClock()

	cb1 := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		StatePath:        statePath,
		Now:              clock.now,
	})
	for i := 0; i < 3; i++ {
		cb1.RecordFailure(ctx)
	}
	require.Equal(t, CircuitOpen, cb1.State())

	cb2 := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		StatePath:        statePath,
		Now:              clock.now,
	})
	assert.Equal(t, CircuitOpen, cb2.State())
	assert.False(t, cb2.Allow(ctx))

	clock.advance(5 * time.Minute)
	assert.True(t, cb2.Allow(ctx))
}

func TestCircuitBreaker_InterruptedTrialReopens(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "circuit.json")
	clock := newFakeClock()

	cb1 := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         5 * time.Minute,
		StatePath:        statePath,
		Now:              clock.now,
	})
	cb1.RecordFailure(ctx)
	clock.advance(5 * time.Minute)
	require.True(t, cb1.Allow(ctx))
	require.Equal(t, CircuitHalfOpen, cb1.State())
	// Persist the HALF_OPEN state as a crash mid-trial would leave it.
	cb1.mu.Lock()
	cb1.persistLocked()
	cb1.mu.Unlock()

	cb2 := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         5 * time.Minute,
		StatePath:        statePath,
		Now:              clock.now,
	})
	assert.Equal(t, CircuitOpen, cb2.State())
	assert.False(t, cb2.Allow(ctx), "interrupted trial must wait out a fresh cooldown")
}

func TestCircuitBreaker_CorruptStateFailsClosed(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "circuit.json")
	require.NoError(t, os.WriteFile(statePath, []byte("garbage"), 0600))

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Cooldown:    5 * time.Minute,
		MaxCooldown: 1 * time.Hour,
		StatePath:   statePath,
		Now:         clock.now,
	})

	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 1*time.Hour, cb.Stats().CurrentCooldown)
	assert.False(t, cb.Allow(context.Background()))

	clock.advance(59 * time.Minute)
	assert.False(t, cb.Allow(context.Background()))
	clock.advance(1 * time.Minute)
	assert.True(t, cb.Allow(context.Background()))
}
