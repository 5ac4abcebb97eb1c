// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command spendguard starts the spend safety daemon.
//
// Spendguard fronts every ad-spend allocation with:
//   - Budget vault with per-product daily caps, rebuilt from the ledger
//   - Idempotency store so retries never double-spend
//   - Kill switch with system/product/channel scopes
//   - Circuit breaker around the downstream ad platform
//   - Hash-chained durable event log
//
// Usage:
//
//	go run ./cmd/spendguard
//	go run ./cmd/spendguard -config spendguard.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8900/healthz
//
//	# Request a spend allocation
//	curl -X POST http://localhost:8900/v1/spend \
//	  -H "Content-Type: application/json" \
//	  -d '{"product_id": "prod-1", "amount": "15.00", "bucket": "learning", "idempotency_key": "a1b2"}'
//
//	# Inspect budgets
//	curl http://localhost:8900/v1/budgets/prod-1
//
//	# Pull the kill switch
//	curl -X POST http://localhost:8900/v1/killswitch \
//	  -H "Content-Type: application/json" \
//	  -d '{"level": "system", "reason": "anomalous spend"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/logging"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/config"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/gateway"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/idempotency"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/safety"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/server"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/storage/badger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/telemetry"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/vault"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("spendguard exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "spendguard",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The event log is the foundation. A corrupt chain halts spend
	// processing but we still come up to serve health and kill switch
	// endpoints for operators.
	degradedReason := ""
	lg, err := ledger.Open(ledger.Config{Path: cfg.LedgerPath(), Logger: log})
	if err != nil {
		if !errors.Is(err, ledger.ErrCorrupt) {
			return fmt.Errorf("open event log: %w", err)
		}
		log.Error("event log failed verification, spend processing halted",
			slog.String("path", cfg.LedgerPath()),
			slog.String("error", err.Error()))
		degradedReason = "corrupt_ledger"
		lg = nil
	}
	if lg != nil {
		defer lg.Close()
	}

	var recorder safety.EventRecorder
	if lg != nil {
		recorder = lg
	}

	killSwitch := safety.NewKillSwitch(safety.KillSwitchConfig{
		StatePath: cfg.KillSwitchPath(),
		Recorder:  recorder,
		Logger:    log,
	})
	breaker := safety.NewCircuitBreaker(safety.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		MaxCooldown:      cfg.Breaker.MaxCooldown.Std(),
		StatePath:        cfg.CircuitPath(),
		Recorder:         recorder,
		Logger:           log,
	})

	registry := prometheus.NewRegistry()
	provider, err := telemetry.NewMeterProvider(registry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	srvCfg := server.Config{
		KillSwitch:     killSwitch,
		Breaker:        breaker,
		Registry:       registry,
		Metrics:        metrics,
		DegradedReason: degradedReason,
		Logger:         log,
	}

	if lg != nil {
		db, err := badger.Open(badger.Config{
			Path:           cfg.BadgerDir(),
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("open idempotency storage: %w", err)
		}
		defer db.Close()

		store, err := idempotency.NewStore(idempotency.Config{
			DB:        db,
			Retention: cfg.Idempotency.Retention.Std(),
			Logger:    log,
		})
		if err != nil {
			return fmt.Errorf("init idempotency store: %w", err)
		}

		gate := safety.NewGate(safety.GateConfig{
			KillSwitch: killSwitch,
			Breaker:    breaker,
			Limits: safety.RiskLimits{
				MaxSingleSpend: cfg.Limits.MaxSingleSpend,
				MaxShareBps:    cfg.Limits.MaxShareBps,
			},
			Logger: log,
		})

		budgetVault, err := vault.New(vault.Config{
			Ledger:  lg,
			Caps:    cfg.Budgets,
			Logger:  log,
			Metrics: metrics,
		})
		if err != nil {
			return fmt.Errorf("rebuild budget vault: %w", err)
		}

		gw, err := gateway.New(gateway.Config{
			Ledger:         lg,
			Store:          store,
			Gate:           gate,
			Vault:          budgetVault,
			Breaker:        breaker,
			AbandonTimeout: cfg.Idempotency.AbandonTimeout.Std(),
			Metrics:        metrics,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("init spend gateway: %w", err)
		}

		// Repair reservations interrupted by the last shutdown before
		// accepting traffic.
		stats, err := gw.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile in-flight requests: %w", err)
		}
		log.Info("startup reconciliation complete",
			slog.Int("repaired", stats.Repaired),
			slog.Int("abandoned", stats.Abandoned),
			slog.Int("pending", stats.Pending))

		srvCfg.Gateway = gw
		srvCfg.Vault = budgetVault
		srvCfg.Ledger = lg
	}

	srv := server.New(srvCfg)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("spendguard listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("state_dir", cfg.StateDir),
			slog.Bool("degraded", degradedReason != ""))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Pick up kill switch changes made by spendctl against the same
	// state directory.
	group.Go(func() error {
		if err := killSwitch.Watch(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("kill switch watcher unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
