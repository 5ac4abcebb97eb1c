// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
)

const sampleYAML = `
server:
  addr: ":9100"
state_dir: "/var/lib/spendguard"
logging:
  level: debug
  json: true
breaker:
  failure_threshold: 5
  cooldown: 2m
  max_cooldown: 1h
limits:
  max_single_spend: "25.00"
  max_share_bps: 5000
budgets:
  defaults:
    daily_learning: "30.00"
    daily_operational: "100.00"
  products:
    prod-1:
      daily_learning: "50.00"
      max_day1_learning: "10.00"
      launch_day: "2025-06-02"
idempotency:
  retention: 24h
  abandon_timeout: 5m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, DefaultRetention, cfg.Idempotency.Retention)
	assert.Equal(t, DefaultAbandonTimeout, cfg.Idempotency.AbandonTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/spendguard", cfg.StateDir)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, Duration(2*time.Minute), cfg.Breaker.Cooldown)
	assert.True(t, cfg.Limits.MaxSingleSpend.Equal(money.MustParse("25.00")))
	assert.Equal(t, Duration(24*time.Hour), cfg.Idempotency.Retention)

	caps := cfg.Budgets.For("prod-1")
	assert.True(t, caps.DailyLearning.Equal(money.MustParse("50.00")))
	assert.True(t, caps.DailyOperational.Equal(money.MustParse("100.00")))
	assert.Equal(t, "2025-06-02", caps.LaunchDay)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("SPENDGUARD_ADDR", ":7000")
	t.Setenv("SPENDGUARD_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/spendguard", cfg.StateDir, "file value kept where no env set")
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "{not yaml"))
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_CooldownOrdering(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Breaker.Cooldown = Duration(time.Hour)
	cfg.Breaker.MaxCooldown = Duration(time.Minute)
	assert.Error(t, cfg.Validate())
}

func TestValidate_ShareBpsRange(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Limits.MaxShareBps = 10001
	assert.Error(t, cfg.Validate())
}

func TestStatePaths(t *testing.T) {
	cfg := &Config{StateDir: "/data/spend"}

	assert.Equal(t, "/data/spend/events.ndjson", cfg.LedgerPath())
	assert.Equal(t, "/data/spend/killswitch.json", cfg.KillSwitchPath())
	assert.Equal(t, "/data/spend/circuit.json", cfg.CircuitPath())
	assert.Equal(t, "/data/spend/idempotency", cfg.BadgerDir())
}
