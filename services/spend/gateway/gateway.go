// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the single entry point for spend execution.
//
// Request order is fixed: idempotency check, safety gate, vault
// commit, idempotency completion. Each step only runs if the previous
// one passed, and every outcome is a typed SpendDecision; there is no
// code path that spends silently or fails into an allow.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/idempotency"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/safety"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/telemetry"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/vault"
)

// tracerName identifies gateway spans.
const tracerName = "trendify.spend.gateway"

// Config wires the gateway's collaborators.
type Config struct {
	Ledger  *ledger.Log        // required
	Store   *idempotency.Store // required
	Gate    *safety.Gate       // required
	Vault   *vault.Vault       // required
	Breaker *safety.CircuitBreaker

	// AbandonTimeout is how old an orphaned in-flight reservation must
	// be before Reconcile deletes it. Default
	// idempotency.DefaultAbandonTimeout.
	AbandonTimeout time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Gateway executes spend requests at most once each.
//
// Thread Safety: Safe for concurrent use.
type Gateway struct {
	ledger         *ledger.Log
	store          *idempotency.Store
	gate           *safety.Gate
	vault          *vault.Vault
	breaker        *safety.CircuitBreaker
	abandonTimeout time.Duration
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	now            func() time.Time
	tracer         trace.Tracer
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Ledger == nil || cfg.Store == nil || cfg.Gate == nil || cfg.Vault == nil {
		return nil, errors.New("gateway: ledger, store, gate, and vault are required")
	}
	if cfg.AbandonTimeout <= 0 {
		cfg.AbandonTimeout = idempotency.DefaultAbandonTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		ledger:         cfg.Ledger,
		store:          cfg.Store,
		gate:           cfg.Gate,
		vault:          cfg.Vault,
		breaker:        cfg.Breaker,
		abandonTimeout: cfg.AbandonTimeout,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With(slog.String("component", "spend_gateway")),
		now:            cfg.Now,
		tracer:         otel.Tracer(tracerName),
	}, nil
}

// Request evaluates one spend request to a terminal decision.
//
// Outputs:
//
//	SpendDecision - Always populated; denials are decisions, not errors.
//	error - Only for requests that never entered the pipeline (invalid
//	input).
func (g *Gateway) Request(ctx context.Context, req SpendRequest) (SpendDecision, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway.Request",
		trace.WithAttributes(
			attribute.String("product_id", req.ProductID),
			attribute.String("bucket", string(req.Bucket)),
		))
	defer span.End()

	if err := req.Validate(); err != nil {
		return SpendDecision{}, err
	}

	decision := g.evaluate(ctx, req)
	span.SetAttributes(attribute.String("reason", string(decision.Reason)))
	g.metrics.RecordSpend(ctx, string(decision.Reason), decision.Replayed, g.now().Sub(start))

	g.logger.Info("spend decision",
		slog.String("product_id", req.ProductID),
		slog.String("bucket", string(req.Bucket)),
		slog.String("amount", req.Amount.String()),
		slog.String("reason", string(decision.Reason)),
		slog.Bool("accepted", decision.Accepted),
		slog.Bool("replayed", decision.Replayed),
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.String("correlation_id", req.CorrelationID))
	return decision, nil
}

func (g *Gateway) evaluate(ctx context.Context, req SpendRequest) SpendDecision {
	check, err := g.store.CheckOrReserve(ctx, req.IdempotencyKey)
	if err != nil {
		// Cannot prove the key is unseen, so do not spend.
		return g.transientDecision(ReasonStoreUnavailable, "idempotency store unavailable")
	}

	switch check.Status {
	case idempotency.StatusReplay:
		var stored SpendDecision
		if uerr := json.Unmarshal(check.StoredDecision, &stored); uerr != nil {
			g.logger.Error("stored decision unreadable",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("error", uerr.Error()))
			return g.transientDecision(ReasonStoreUnavailable, "stored decision unreadable")
		}
		stored.Replayed = true
		return stored

	case idempotency.StatusInFlight:
		return g.transientDecision(ReasonDuplicateRequest, "request with this key is already executing")
	}

	// Fresh: the reservation is ours; every exit below must complete or
	// release it.
	dailyCap, _ := g.vault.CapFor(req.ProductID, req.Bucket)
	clearance, gateDecision := g.gate.PreSpendCheck(ctx, safety.CheckRequest{
		ProductID:     req.ProductID,
		Amount:        req.Amount,
		DailyCap:      dailyCap,
		CorrelationID: req.CorrelationID,
	})
	if !gateDecision.Allowed {
		return g.deny(ctx, req, Reason(gateDecision.Reason), gateDecision.Detail)
	}

	outcome, err := g.vault.Reserve(ctx, clearance, vault.ReserveRequest{
		ProductID:      req.ProductID,
		Bucket:         req.Bucket,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		g.logger.Error("vault rejected request", slog.String("error", err.Error()))
		g.releaseReservation(ctx, req.IdempotencyKey)
		return g.transientDecision(ReasonInvalidRequest, err.Error())
	}

	if !outcome.Granted {
		if outcome.Reason == vault.DenyUnavailable {
			// The budget state is unknown; back off and let the same
			// key retry once the ledger recovers.
			g.recordBreakerFailure(ctx)
			g.releaseReservation(ctx, req.IdempotencyKey)
			return g.transientDecision(ReasonVaultUnavailable, outcome.Detail)
		}
		g.releaseBreakerTrial()
		return g.deny(ctx, req, Reason(outcome.Reason), outcome.Detail)
	}

	g.recordBreakerSuccess(ctx)
	decision := SpendDecision{
		Accepted:        true,
		Reason:          ReasonAccepted,
		AmountCommitted: req.Amount,
		LedgerSequence:  outcome.LedgerSequence,
		DecidedAt:       g.now().UTC(),
	}
	g.completeReservation(ctx, req.IdempotencyKey, decision)
	return decision
}

// deny records a terminal denial: informational ledger event, stored
// decision, typed response. Terminal denials replay; a retry needs a
// new idempotency key.
func (g *Gateway) deny(ctx context.Context, req SpendRequest, reason Reason, detail string) SpendDecision {
	appendStart := g.now()
	if _, err := g.ledger.AppendInfo(ctx, ledger.EventSpendDenied, req.CorrelationID, ledger.SpendDenyPayload{
		IdempotencyKey: req.IdempotencyKey,
		ProductID:      req.ProductID,
		Bucket:         string(req.Bucket),
		Day:            g.now().UTC().Format("2006-01-02"),
		Amount:         req.Amount,
		Reason:         string(reason),
	}); err != nil {
		g.logger.Warn("denial event append failed", slog.String("error", err.Error()))
	} else {
		g.metrics.RecordLedgerAppend(ctx, "informational", g.now().Sub(appendStart))
	}

	decision := SpendDecision{
		Reason:    reason,
		Detail:    detail,
		DecidedAt: g.now().UTC(),
	}
	g.completeReservation(ctx, req.IdempotencyKey, decision)
	return decision
}

// transientDecision builds a denial that is not stored: the caller may
// retry with the same idempotency key.
func (g *Gateway) transientDecision(reason Reason, detail string) SpendDecision {
	return SpendDecision{
		Reason:    reason,
		Detail:    detail,
		DecidedAt: g.now().UTC(),
	}
}

func (g *Gateway) completeReservation(ctx context.Context, key string, decision SpendDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		g.logger.Error("marshal decision failed", slog.String("error", err.Error()))
		return
	}
	if err := g.store.Complete(ctx, key, data); err != nil {
		// The spend itself is already in the ledger; reconciliation
		// will repair this record on next startup.
		g.logger.Error("idempotency completion failed",
			slog.String("idempotency_key", key),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) releaseReservation(ctx context.Context, key string) {
	if err := g.store.Release(ctx, key); err != nil {
		g.logger.Warn("idempotency release failed",
			slog.String("idempotency_key", key),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) recordBreakerSuccess(ctx context.Context) {
	if g.breaker != nil {
		g.breaker.RecordSuccess(ctx)
		g.metrics.SetCircuitState(ctx, string(g.breaker.State()))
	}
}

func (g *Gateway) recordBreakerFailure(ctx context.Context) {
	if g.breaker != nil {
		g.breaker.RecordFailure(ctx)
		g.metrics.SetCircuitState(ctx, string(g.breaker.State()))
	}
}

func (g *Gateway) releaseBreakerTrial() {
	if g.breaker != nil {
		g.breaker.ReleaseTrial()
	}
}

// ReconcileStats summarizes one startup reconciliation pass.
type ReconcileStats struct {
	// Repaired reservations had a ledger outcome and were completed
	// with it.
	Repaired int

	// Abandoned reservations had no ledger outcome and were older than
	// the abandon timeout; they were deleted so the key can retry.
	Abandoned int

	// Pending reservations are young enough that their original request
	// may still be running.
	Pending int
}

// Reconcile repairs idempotency reservations orphaned by a crash.
//
// Description:
//
//	The ledger is the truth. A reservation whose key appears in a
//	SPEND_COMMITTED or SPEND_DENIED event finished, and only the
//	completion write was lost: it is repaired from the event. A
//	reservation with no event past the abandon timeout never reached
//	the commit point and is deleted. Run this before serving requests.
func (g *Gateway) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	inflight, err := g.store.InFlight(ctx)
	if err != nil {
		return stats, fmt.Errorf("list in-flight reservations: %w", err)
	}
	if len(inflight) == 0 {
		return stats, nil
	}

	outcomes, err := g.ledgerOutcomes()
	if err != nil {
		return stats, fmt.Errorf("replay ledger outcomes: %w", err)
	}

	cutoff := g.now().Add(-g.abandonTimeout)
	for _, rec := range inflight {
		if decision, ok := outcomes[rec.Key]; ok {
			g.completeReservation(ctx, rec.Key, decision)
			stats.Repaired++
			g.logger.Info("reservation repaired from ledger",
				slog.String("idempotency_key", rec.Key),
				slog.String("reason", string(decision.Reason)))
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			g.releaseReservation(ctx, rec.Key)
			stats.Abandoned++
			g.logger.Warn("abandoned reservation deleted",
				slog.String("idempotency_key", rec.Key),
				slog.Time("created_at", rec.CreatedAt))
			continue
		}
		stats.Pending++
	}
	return stats, nil
}

// ledgerOutcomes rebuilds terminal decisions by idempotency key from
// the event log.
func (g *Gateway) ledgerOutcomes() (map[string]SpendDecision, error) {
	outcomes := make(map[string]SpendDecision)
	err := g.ledger.Replay(0, func(evt ledger.Event) error {
		switch evt.Type {
		case ledger.EventSpendCommitted:
			var p ledger.SpendCommitPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return fmt.Errorf("decode commit at seq %d: %w", evt.Sequence, err)
			}
			if p.IdempotencyKey == "" {
				return nil
			}
			outcomes[p.IdempotencyKey] = SpendDecision{
				Accepted:        true,
				Reason:          ReasonAccepted,
				AmountCommitted: p.Amount,
				LedgerSequence:  evt.Sequence,
				DecidedAt:       g.now().UTC(),
			}

		case ledger.EventSpendDenied:
			var p ledger.SpendDenyPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return fmt.Errorf("decode denial at seq %d: %w", evt.Sequence, err)
			}
			if p.IdempotencyKey == "" {
				return nil
			}
			outcomes[p.IdempotencyKey] = SpendDecision{
				Reason:    Reason(p.Reason),
				DecidedAt: g.now().UTC(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}
