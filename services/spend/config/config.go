// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the daemon configuration: a YAML file, then
// environment overrides on top, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/vault"
)

// Defaults applied by Load.
const (
	DefaultAddr           = ":8900"
	DefaultStateDir       = "~/.spendguard"
	DefaultAbandonTimeout = Duration(10 * time.Minute)
	DefaultRetention      = Duration(48 * time.Hour)
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "2m" or "1h30m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses "2m"-style strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration at line %d must be a string like \"5m\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	Dir   string `yaml:"dir"`   // empty disables file logging
	JSON  bool   `yaml:"json"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
	MaxCooldown      Duration `yaml:"max_cooldown"`
}

// LimitsConfig tunes the per-allocation risk limits.
type LimitsConfig struct {
	MaxSingleSpend money.Amount `yaml:"max_single_spend"`
	MaxShareBps    int          `yaml:"max_share_bps"`
}

// IdempotencyConfig tunes the idempotency store.
type IdempotencyConfig struct {
	Retention      Duration `yaml:"retention"`
	AbandonTimeout Duration `yaml:"abandon_timeout"`
}

// Config is the daemon's full configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	StateDir    string            `yaml:"state_dir"`
	Logging     LoggingConfig     `yaml:"logging"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Limits      LimitsConfig      `yaml:"limits"`
	Budgets     vault.CapsConfig  `yaml:"budgets"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// Load reads the configuration.
//
// Description:
//
//	Starts from defaults, merges the YAML file at path (optional; empty
//	path skips it), then applies SPENDGUARD_* environment overrides,
//	then validates. Environment wins over file, file wins over
//	defaults.
//
// Environment overrides:
//
//	SPENDGUARD_ADDR       server.addr
//	SPENDGUARD_STATE_DIR  state_dir
//	SPENDGUARD_LOG_LEVEL  logging.level
//	SPENDGUARD_LOG_DIR    logging.dir
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{Addr: DefaultAddr},
		StateDir: DefaultStateDir,
		Logging:  LoggingConfig{Level: "info", JSON: true},
		Idempotency: IdempotencyConfig{
			Retention:      DefaultRetention,
			AbandonTimeout: DefaultAbandonTimeout,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("SPENDGUARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SPENDGUARD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("SPENDGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SPENDGUARD_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is required")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("config: breaker thresholds must not be negative")
	}
	if c.Breaker.Cooldown < 0 || c.Breaker.MaxCooldown < 0 {
		return fmt.Errorf("config: breaker cooldowns must not be negative")
	}
	if c.Breaker.MaxCooldown > 0 && c.Breaker.Cooldown > c.Breaker.MaxCooldown {
		return fmt.Errorf("config: breaker.cooldown exceeds breaker.max_cooldown")
	}
	if c.Limits.MaxShareBps < 0 || c.Limits.MaxShareBps > 10000 {
		return fmt.Errorf("config: limits.max_share_bps must be within [0, 10000]")
	}
	if c.Idempotency.Retention < 0 || c.Idempotency.AbandonTimeout < 0 {
		return fmt.Errorf("config: idempotency durations must not be negative")
	}
	return nil
}

// Paths derived from the state directory.

// LedgerPath returns the event log file location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.expandedStateDir(), "events.ndjson")
}

// KillSwitchPath returns the kill switch state file location.
func (c *Config) KillSwitchPath() string {
	return filepath.Join(c.expandedStateDir(), "killswitch.json")
}

// CircuitPath returns the circuit breaker state file location.
func (c *Config) CircuitPath() string {
	return filepath.Join(c.expandedStateDir(), "circuit.json")
}

// BadgerDir returns the idempotency database directory.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.expandedStateDir(), "idempotency")
}

func (c *Config) expandedStateDir() string {
	dir := c.StateDir
	if len(dir) > 0 && dir[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			if dir == "~" {
				return home
			}
			return filepath.Join(home, dir[1:])
		}
	}
	return dir
}
