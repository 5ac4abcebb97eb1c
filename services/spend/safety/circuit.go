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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState string

const (
	// CircuitClosed allows spend to proceed normally.
	CircuitClosed CircuitState = "CLOSED"

	// CircuitOpen blocks spend until the cooldown elapses.
	CircuitOpen CircuitState = "OPEN"

	// CircuitHalfOpen allows a single trial spend to probe recovery.
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Default breaker tuning.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 2
	DefaultCooldown         = 5 * time.Minute
	DefaultMaxCooldown      = 4 * time.Hour
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker. Default DefaultFailureThreshold.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// required to close again. Default DefaultSuccessThreshold.
	SuccessThreshold int

	// Cooldown is the initial OPEN duration. It doubles each time a
	// HALF_OPEN trial fails, up to MaxCooldown, and resets to this value
	// when the breaker closes. Default DefaultCooldown.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown. Default DefaultMaxCooldown.
	MaxCooldown time.Duration

	// StatePath persists the breaker across restarts. Empty means
	// in-memory only.
	StatePath string

	// Recorder receives CIRCUIT_STATE_CHANGED events on the
	// informational tier. Optional.
	Recorder EventRecorder

	// Logger for state transitions. Default slog.Default().
	Logger *slog.Logger

	// Now supplies the clock. Default time.Now.
	Now func() time.Time
}

// circuitPersist is the on-disk shape of the breaker state.
type circuitPersist struct {
	State           CircuitState `json:"state"`
	Failures        int          `json:"consecutive_failures"`
	Successes       int          `json:"consecutive_successes"`
	OpenedAt        time.Time    `json:"opened_at,omitempty"`
	CooldownSeconds int64        `json:"current_cooldown_seconds"`
}

// CircuitBreaker halts spend after repeated downstream failures.
//
// Description:
//
//	Standard three-state breaker with one twist for a spend system: the
//	cooldown backs off. Every failed HALF_OPEN trial doubles the wait
//	before the next probe, capped at MaxCooldown, so a persistently sick
//	ad platform is probed hourly, not every five minutes. HALF_OPEN
//	admits exactly one in-flight trial; a second caller during the probe
//	is denied, not queued.
//
//	State survives restarts via the same atomic file write the kill
//	switch uses. A corrupt state file fails closed: the breaker comes up
//	OPEN at MaxCooldown and an operator decides from there.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	cooldown  time.Duration
	trialBusy bool

	failureThreshold int
	successThreshold int
	baseCooldown     time.Duration
	maxCooldown      time.Duration

	statePath string
	recorder  EventRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewCircuitBreaker creates the breaker, reloading persisted state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultMaxCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cb := &CircuitBreaker{
		state:            CircuitClosed,
		cooldown:         cfg.Cooldown,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		baseCooldown:     cfg.Cooldown,
		maxCooldown:      cfg.MaxCooldown,
		statePath:        cfg.StatePath,
		recorder:         cfg.Recorder,
		logger:           cfg.Logger.With(slog.String("component", "circuit_breaker")),
		now:              cfg.Now,
	}
	if cb.statePath != "" {
		cb.loadState()
	}
	return cb
}

// Allow reports whether a spend may proceed, transitioning OPEN to
// HALF_OPEN when the cooldown has elapsed. In HALF_OPEN, the first
// caller claims the single trial slot; later callers are denied until
// RecordSuccess or RecordFailure releases it.
func (cb *CircuitBreaker) Allow(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.transitionLocked(ctx, CircuitHalfOpen)
		cb.trialBusy = true
		return true

	case CircuitHalfOpen:
		if cb.trialBusy {
			return false
		}
		cb.trialBusy = true
		return true
	}
	return false
}

// RecordSuccess reports a successful spend outcome.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.trialBusy = false
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.cooldown = cb.baseCooldown
			cb.failures = 0
			cb.successes = 0
			cb.transitionLocked(ctx, CircuitClosed)
		}
	}
	cb.persistLocked()
}

// RecordFailure reports a failed spend outcome. In CLOSED it counts
// toward the trip threshold; in HALF_OPEN it reopens immediately and
// doubles the cooldown.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.openLocked(ctx)
		}

	case CircuitHalfOpen:
		cb.trialBusy = false
		cb.successes = 0
		cb.cooldown = min(cb.cooldown*2, cb.maxCooldown)
		cb.openLocked(ctx)
	}
	cb.persistLocked()
}

// ReleaseTrial returns the single HALF_OPEN trial slot without counting
// an outcome, for requests admitted by Allow but refused by a later
// check before any downstream call happened.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.trialBusy = false
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitStats is a point-in-time snapshot for status endpoints.
type CircuitStats struct {
	State                CircuitState  `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	OpenedAt             time.Time     `json:"opened_at,omitempty"`
	CurrentCooldown      time.Duration `json:"-"`
	CooldownSeconds      int64         `json:"current_cooldown_seconds"`
	RetryInSeconds       int64         `json:"retry_in_seconds"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := CircuitStats{
		State:                cb.state,
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		OpenedAt:             cb.openedAt,
		CurrentCooldown:      cb.cooldown,
		CooldownSeconds:      int64(cb.cooldown / time.Second),
	}
	if cb.state == CircuitOpen {
		remaining := cb.cooldown - cb.now().Sub(cb.openedAt)
		if remaining > 0 {
			s.RetryInSeconds = int64(remaining / time.Second)
		}
	}
	return s
}

// openLocked moves to OPEN and records the opening time. Caller holds
// cb.mu.
func (cb *CircuitBreaker) openLocked(ctx context.Context) {
	cb.openedAt = cb.now()
	cb.transitionLocked(ctx, CircuitOpen)
}

// transitionLocked changes state, logs, and emits the ledger event.
// Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(ctx context.Context, to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.logger.Warn("circuit breaker state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Duration("cooldown", cb.cooldown))

	if cb.recorder != nil {
		if _, err := cb.recorder.AppendInfo(ctx, ledger.EventCircuitStateChanged, "", ledger.CircuitPayload{
			From:            string(from),
			To:              string(to),
			CooldownSeconds: int(cb.cooldown / time.Second),
		}); err != nil {
			cb.logger.Error("circuit breaker ledger write failed", slog.String("error", err.Error()))
		}
	}
}

// persistLocked writes the breaker state file. Caller holds cb.mu.
// Persistence failures are logged, not returned: the in-memory breaker
// keeps protecting the current process either way.
func (cb *CircuitBreaker) persistLocked() {
	if cb.statePath == "" {
		return
	}
	data, err := json.MarshalIndent(circuitPersist{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		OpenedAt:        cb.openedAt,
		CooldownSeconds: int64(cb.cooldown / time.Second),
	}, "", "  ")
	if err != nil {
		cb.logger.Error("marshal circuit state failed", slog.String("error", err.Error()))
		return
	}
	if err := atomicWriteFile(cb.statePath, data); err != nil {
		cb.logger.Error("persist circuit state failed",
			slog.String("path", cb.statePath),
			slog.String("error", err.Error()))
	}
}

func (cb *CircuitBreaker) loadState() {
	data, err := os.ReadFile(cb.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		cb.failClosed(err)
		return
	}

	var p circuitPersist
	if err := json.Unmarshal(data, &p); err != nil {
		cb.failClosed(err)
		return
	}
	switch p.State {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
	default:
		cb.failClosed(fmt.Errorf("unknown state %q", p.State))
		return
	}

	cb.state = p.State
	cb.failures = p.Failures
	cb.successes = p.Successes
	cb.openedAt = p.OpenedAt
	if p.CooldownSeconds > 0 {
		cb.cooldown = time.Duration(p.CooldownSeconds) * time.Second
	}
	// An interrupted HALF_OPEN trial never reported its outcome. Treat
	// it like a failed probe: reopen and wait out the cooldown.
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// failClosed brings the breaker up OPEN at the maximum cooldown when
// its state file cannot be trusted.
func (cb *CircuitBreaker) failClosed(cause error) {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
	cb.cooldown = cb.maxCooldown
	cb.logger.Error("circuit state corrupted; fail-closed to OPEN at max cooldown",
		slog.String("path", cb.statePath),
		slog.String("error", cause.Error()))
}
