// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry metrics to a Prometheus
// registry and defines the instruments the spend pipeline records into.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// meterName identifies this instrumentation scope.
const meterName = "trendify.spend"

// NewMeterProvider builds an OTel meter provider that exports through
// the given Prometheus registry. The caller serves the registry on
// /metrics.
func NewMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("spendguard"))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	), nil
}

// Metrics holds the spend pipeline's instruments. A nil *Metrics is
// valid and records nothing, so tests and tools skip the wiring.
type Metrics struct {
	spendRequests      metric.Int64Counter
	idempotencyReplays metric.Int64Counter
	ledgerAppends      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	appendDuration     metric.Float64Histogram
	circuitState       metric.Int64Gauge
	killSwitchActive   metric.Int64Gauge
}

// NewMetrics registers the pipeline's instruments on the provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.spendRequests, err = meter.Int64Counter("spend_requests_total",
		metric.WithDescription("Spend requests by outcome reason")); err != nil {
		return nil, err
	}
	if m.idempotencyReplays, err = meter.Int64Counter("idempotency_replays_total",
		metric.WithDescription("Spend decisions served from the idempotency store")); err != nil {
		return nil, err
	}
	if m.ledgerAppends, err = meter.Int64Counter("ledger_appends_total",
		metric.WithDescription("Event log appends by durability tier")); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram("spend_request_duration_seconds",
		metric.WithDescription("End-to-end spend request latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.appendDuration, err = meter.Float64Histogram("ledger_append_duration_seconds",
		metric.WithDescription("Event log append latency by durability tier"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.circuitState, err = meter.Int64Gauge("circuit_breaker_state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)")); err != nil {
		return nil, err
	}
	if m.killSwitchActive, err = meter.Int64Gauge("killswitch_active",
		metric.WithDescription("Number of active kill switch scopes")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSpend counts one spend decision and its latency.
func (m *Metrics) RecordSpend(ctx context.Context, reason string, replayed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.spendRequests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if replayed {
		m.idempotencyReplays.Add(ctx, 1)
	}
}

// RecordLedgerAppend counts one event log append on the given tier and
// records its latency.
func (m *Metrics) RecordLedgerAppend(ctx context.Context, tier string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	m.ledgerAppends.Add(ctx, 1, attrs)
	m.appendDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// SetCircuitState publishes the breaker state as a gauge.
func (m *Metrics) SetCircuitState(ctx context.Context, state string) {
	if m == nil {
		return
	}
	var v int64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.circuitState.Record(ctx, v)
}

// SetKillSwitchActive publishes the count of active kill scopes.
func (m *Metrics) SetKillSwitchActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.killSwitchActive.Record(ctx, int64(count))
}
