// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the spend pipeline over HTTP. The gateway is
// the only spend entry point; nothing here reaches the vault directly.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/gateway"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/safety"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/telemetry"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/vault"
)

// serviceName tags otelgin spans.
const serviceName = "spendguard"

// Config wires the server's collaborators.
type Config struct {
	Gateway    *gateway.Gateway
	Vault      *vault.Vault
	KillSwitch *safety.KillSwitch
	Breaker    *safety.CircuitBreaker
	Ledger     *ledger.Log

	// Registry backs the /metrics endpoint. Optional.
	Registry *prometheus.Registry

	// Metrics for gauge refreshes on status endpoints. Optional.
	Metrics *telemetry.Metrics

	// DegradedReason, when non-empty, puts the server in degraded mode:
	// spend requests get 503 and /healthz reports the reason. Set when
	// the event log failed verification at startup.
	DegradedReason string

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "http_server")),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(serviceName))

	engine.GET("/healthz", s.handleHealth)
	if cfg.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/v1")
	{
		v1.POST("/spend", s.handleSpend)
		v1.GET("/budgets/:product", s.handleBudgets)
		v1.GET("/killswitch", s.handleKillSwitchGet)
		v1.POST("/killswitch", s.handleKillSwitchActivate)
		v1.DELETE("/killswitch", s.handleKillSwitchClear)
		v1.GET("/circuit", s.handleCircuit)
		v1.GET("/ledger/verify", s.handleLedgerVerify)
	}

	s.engine = engine
	return s
}

// Handler returns the http.Handler for the daemon's listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// spendPayload is the POST /v1/spend body.
type spendPayload struct {
	ProductID      string       `json:"product_id" binding:"required"`
	Amount         money.Amount `json:"amount"`
	Bucket         string       `json:"bucket" binding:"required"`
	IdempotencyKey string       `json:"idempotency_key" binding:"required"`
	CorrelationID  string       `json:"correlation_id"`
}

func (s *Server) handleSpend(c *gin.Context) {
	if s.cfg.DegradedReason != "" {
		s.logger.Warn("spend request refused in degraded mode",
			slog.String("cause", s.cfg.DegradedReason))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "spend processing halted",
			"cause": s.cfg.DegradedReason,
		})
		return
	}

	var payload spendPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := gateway.SpendRequest{
		ProductID:      payload.ProductID,
		Amount:         payload.Amount,
		Bucket:         vault.Bucket(payload.Bucket),
		IdempotencyKey: payload.IdempotencyKey,
		CorrelationID:  payload.CorrelationID,
		RequestedAt:    time.Now().UTC(),
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	decision, err := s.cfg.Gateway.Request(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusForDecision(decision), decision)
}

// statusForDecision maps decision reasons onto HTTP semantics: terminal
// answers are 200, retryable conditions are 409/503.
func statusForDecision(d gateway.SpendDecision) int {
	switch d.Reason {
	case gateway.ReasonDuplicateRequest:
		return http.StatusConflict
	case gateway.ReasonVaultUnavailable, gateway.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) handleBudgets(c *gin.Context) {
	if s.cfg.Vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "budget vault unavailable", "cause": s.cfg.DegradedReason})
		return
	}
	productID := c.Param("product")

	var snapshot map[vault.Bucket]vault.BudgetState
	day := c.Query("day")
	if day != "" {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		snapshot = s.cfg.Vault.SnapshotFor(productID, day)
	} else {
		snapshot = s.cfg.Vault.Snapshot(productID)
	}

	if bucket := c.Query("bucket"); bucket != "" {
		state, ok := snapshot[vault.Bucket(bucket)]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no budget for bucket %q", bucket)})
			return
		}
		snapshot = map[vault.Bucket]vault.BudgetState{vault.Bucket(bucket): state}
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"buckets":    snapshot,
	})
}

func (s *Server) handleKillSwitchGet(c *gin.Context) {
	snapshot := s.cfg.KillSwitch.Snapshot()
	s.cfg.Metrics.SetKillSwitchActive(c.Request.Context(), len(snapshot))
	c.JSON(http.StatusOK, gin.H{"active": snapshot})
}

// killSwitchPayload is the POST /v1/killswitch body.
type killSwitchPayload struct {
	Level       string `json:"level" binding:"required"`
	TargetID    string `json:"target_id"`
	Reason      string `json:"reason" binding:"required"`
	TriggeredBy string `json:"triggered_by"`
}

func (s *Server) handleKillSwitchActivate(c *gin.Context) {
	var payload killSwitchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.cfg.KillSwitch.Activate(c.Request.Context(), safety.Activation{
		Level:       safety.Level(payload.Level),
		TargetID:    payload.TargetID,
		Reason:      payload.Reason,
		TriggeredBy: payload.TriggeredBy,
	})
	if err != nil {
		// The in-memory activation holds even when persistence failed;
		// report the failure but confirm spend is blocked.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   err.Error(),
			"blocked": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.cfg.KillSwitch.Snapshot()})
}

func (s *Server) handleKillSwitchClear(c *gin.Context) {
	level := c.Query("level")
	if level == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level query parameter is required"})
		return
	}
	target := c.Query("target_id")

	if err := s.cfg.KillSwitch.Clear(c.Request.Context(), safety.Level(level), target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.cfg.KillSwitch.Snapshot()})
}

func (s *Server) handleCircuit(c *gin.Context) {
	stats := s.cfg.Breaker.Stats()
	s.cfg.Metrics.SetCircuitState(c.Request.Context(), string(stats.State))
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLedgerVerify(c *gin.Context) {
	if s.cfg.Ledger == nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "detail": s.cfg.DegradedReason})
		return
	}
	valid, breakSeq, err := s.cfg.Ledger.Verify()
	if err != nil && valid {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"valid":         valid,
		"last_sequence": s.cfg.Ledger.LastSequence(),
	}
	if !valid {
		resp["break_sequence"] = breakSeq
		if err != nil {
			resp["detail"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.cfg.DegradedReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"cause":  s.cfg.DegradedReason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
