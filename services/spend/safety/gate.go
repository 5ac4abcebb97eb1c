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
	"log/slog"
	"time"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
)

// DenyReason identifies which safety check refused a spend.
type DenyReason string

const (
	DenyKillSwitchActive  DenyReason = "killswitch_active"
	DenyCircuitOpen       DenyReason = "circuit_open"
	DenyRiskLimitExceeded DenyReason = "risk_limit_exceeded"
)

// Decision is the outcome of a pre-spend safety check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

// Clearance proves a spend passed the gate. The vault's Reserve requires
// one, and only this package can mint a valid value: the fields are
// unexported, so callers that skip the gate cannot forge a pass and
// cannot compile a bypass.
type Clearance struct {
	ok            bool
	correlationID string
	issuedAt      time.Time
}

// Valid reports whether the clearance was issued by a Gate.
func (c Clearance) Valid() bool { return c.ok }

// CorrelationID returns the request the clearance was issued for.
func (c Clearance) CorrelationID() string { return c.correlationID }

// IssuedAt returns when the gate granted clearance.
func (c Clearance) IssuedAt() time.Time { return c.issuedAt }

// CheckRequest is the input to a pre-spend safety check.
type CheckRequest struct {
	ProductID     string
	Amount        money.Amount
	DailyCap      money.Amount
	CorrelationID string
}

// GateConfig configures a Gate.
type GateConfig struct {
	KillSwitch *KillSwitch
	Breaker    *CircuitBreaker
	Limits     RiskLimits
	Logger     *slog.Logger
	Now        func() time.Time
}

// Gate runs every safety check in a fixed order and issues Clearances.
//
// Description:
//
//	Check order is kill switch, then circuit breaker, then risk limits.
//	The order matters for two reasons: an operator's explicit stop must
//	win over everything else, and a denied kill switch check must not
//	consume the breaker's single HALF_OPEN trial slot.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	killSwitch *KillSwitch
	breaker    *CircuitBreaker
	limits     RiskLimits
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate creates a Gate. KillSwitch and Breaker are required.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		killSwitch: cfg.KillSwitch,
		breaker:    cfg.Breaker,
		limits:     cfg.Limits,
		logger:     cfg.Logger.With(slog.String("component", "safety_gate")),
		now:        cfg.Now,
	}
}

// PreSpendCheck runs the safety checks for one allocation.
//
// Outputs:
//
//	Clearance - Valid only when the decision allows. The zero Clearance
//	is returned on denial and fails Valid().
//	Decision  - Allowed, or the first check that refused.
func (g *Gate) PreSpendCheck(ctx context.Context, req CheckRequest) (Clearance, Decision) {
	if g.killSwitch.Blocks(req.ProductID) {
		g.denyLog(req, DenyKillSwitchActive, "")
		return Clearance{}, Decision{Reason: DenyKillSwitchActive}
	}

	if !g.breaker.Allow(ctx) {
		g.denyLog(req, DenyCircuitOpen, "")
		return Clearance{}, Decision{Reason: DenyCircuitOpen}
	}

	if ok, detail := g.limits.Evaluate(req.Amount, req.DailyCap); !ok {
		// The breaker admitted this request; hand its trial slot back
		// without counting a downstream outcome that never happened.
		g.breaker.ReleaseTrial()
		g.denyLog(req, DenyRiskLimitExceeded, detail)
		return Clearance{}, Decision{Reason: DenyRiskLimitExceeded, Detail: detail}
	}

	return Clearance{
		ok:            true,
		correlationID: req.CorrelationID,
		issuedAt:      g.now().UTC(),
	}, Decision{Allowed: true}
}

func (g *Gate) denyLog(req CheckRequest, reason DenyReason, detail string) {
	g.logger.Warn("spend denied by safety gate",
		slog.String("product_id", req.ProductID),
		slog.String("amount", req.Amount.String()),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
		slog.String("correlation_id", req.CorrelationID))
}
