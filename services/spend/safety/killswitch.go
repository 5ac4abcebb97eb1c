// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements the mandatory pre-spend safety layer: the
// kill switch, the circuit breaker, risk limits, and the gate that
// orchestrates them. No spend path reaches the vault without a Clearance
// issued by this package.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
)

// Level scopes a kill switch activation.
type Level string

const (
	// LevelSystem halts every spend request.
	LevelSystem Level = "system"

	// LevelProduct halts spend for a single product (TargetID = product ID).
	LevelProduct Level = "product"

	// LevelChannel halts spend for an ad channel (TargetID = channel name).
	LevelChannel Level = "channel"
)

// EventRecorder is the slice of the event log the safety layer writes to.
// *ledger.Log satisfies it.
type EventRecorder interface {
	Append(ctx context.Context, typ ledger.EventType, correlationID string, payload any) (uint64, error)
	AppendInfo(ctx context.Context, typ ledger.EventType, correlationID string, payload any) (uint64, error)
}

// Activation is one active kill switch entry.
type Activation struct {
	Level       Level  `json:"level"`
	TargetID    string `json:"target_id,omitempty"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`

	// ActivatedAt is stamped by Activate at call time. A supplied value
	// is overwritten: capturing "now" anywhere earlier than the call is
	// the bug class this field exists to prevent.
	ActivatedAt time.Time `json:"activated_at"`
}

// corruptStateReason marks the fail-closed activation written when the
// state file cannot be parsed.
const corruptStateReason = "killswitch_state_corrupted"

// stateFileMode restricts the state file to owner read/write.
const stateFileMode = 0600

// KillSwitchConfig configures a KillSwitch.
type KillSwitchConfig struct {
	// StatePath is the JSON state file. Empty means in-memory only
	// (tests); production always sets it.
	StatePath string

	// Recorder receives KILLSWITCH_ACTIVATED / KILLSWITCH_CLEARED events
	// on the critical tier. Optional.
	Recorder EventRecorder

	// Logger for operational messages. Default slog.Default().
	Logger *slog.Logger

	// Now supplies activation timestamps. Default time.Now.
	Now func() time.Time
}

// KillSwitch is the scoped emergency stop.
//
// Description:
//
//	Activations persist as a small JSON document written atomically
//	(temp file + rename + fsync), so a crash mid-write never leaves a
//	partial state file. Loading is fail-closed: a corrupt or unreadable
//	state file activates a SYSTEM kill rather than silently starting
//	clean. With an unreadable file the operator's intent is unknown, and
//	"blocked" is the only safe default for a spend system.
//
// Thread Safety: Safe for concurrent use.
type KillSwitch struct {
	mu        sync.RWMutex
	active    map[string]Activation
	statePath string
	recorder  EventRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewKillSwitch creates the switch, reloading persisted activations.
//
// Outputs:
//
//	*KillSwitch - Never nil. If the state file was corrupt, the switch
//	comes up with a SYSTEM activation (fail-closed) rather than an error.
func NewKillSwitch(cfg KillSwitchConfig) *KillSwitch {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	k := &KillSwitch{
		active:    make(map[string]Activation),
		statePath: cfg.StatePath,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger.With(slog.String("component", "killswitch")),
		now:       cfg.Now,
	}
	if k.statePath != "" {
		k.loadState()
	}
	return k
}

// Activate sets a kill switch and persists it before returning.
//
// Inputs:
//
//	ctx - For the ledger write.
//	act - The activation. ActivatedAt is stamped here, at call time.
//
// Outputs:
//
//	error - Non-nil if persistence fails; the in-memory activation is
//	kept regardless, so spend is blocked even when the disk is not
//	cooperating.
func (k *KillSwitch) Activate(ctx context.Context, act Activation) error {
	if act.Level == "" {
		return errors.New("killswitch: level is required")
	}
	if act.TriggeredBy == "" {
		act.TriggeredBy = "system"
	}
	act.ActivatedAt = k.now().UTC()

	k.mu.Lock()
	k.active[scopeKey(act.Level, act.TargetID)] = act
	err := k.persistLocked()
	k.mu.Unlock()

	k.logger.Warn("kill switch activated",
		slog.String("level", string(act.Level)),
		slog.String("target_id", act.TargetID),
		slog.String("reason", act.Reason),
		slog.String("triggered_by", act.TriggeredBy))

	if k.recorder != nil {
		if _, rerr := k.recorder.Append(ctx, ledger.EventKillSwitchActivated, "", ledger.KillSwitchPayload{
			Level:       string(act.Level),
			TargetID:    act.TargetID,
			Reason:      act.Reason,
			TriggeredBy: act.TriggeredBy,
		}); rerr != nil {
			k.logger.Error("kill switch ledger write failed", slog.String("error", rerr.Error()))
		}
	}
	return err
}

// Clear removes an activation and persists the change.
func (k *KillSwitch) Clear(ctx context.Context, level Level, targetID string) error {
	k.mu.Lock()
	key := scopeKey(level, targetID)
	_, existed := k.active[key]
	delete(k.active, key)
	err := k.persistLocked()
	k.mu.Unlock()

	if existed {
		k.logger.Info("kill switch cleared",
			slog.String("level", string(level)),
			slog.String("target_id", targetID))
		if k.recorder != nil {
			if _, rerr := k.recorder.Append(ctx, ledger.EventKillSwitchCleared, "", ledger.KillSwitchPayload{
				Level:    string(level),
				TargetID: targetID,
			}); rerr != nil {
				k.logger.Error("kill switch ledger write failed", slog.String("error", rerr.Error()))
			}
		}
	}
	return err
}

// IsActive reports whether the exact (level, target) scope is set.
func (k *KillSwitch) IsActive(level Level, targetID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.active[scopeKey(level, targetID)]
	return ok
}

// Blocks reports whether spend for the given product is halted, checking
// the SYSTEM scope first and then the product scope.
func (k *KillSwitch) Blocks(productID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if _, ok := k.active[scopeKey(LevelSystem, "")]; ok {
		return true
	}
	_, ok := k.active[scopeKey(LevelProduct, productID)]
	return ok
}

// Snapshot returns a copy of all active entries, keyed by scope.
func (k *KillSwitch) Snapshot() map[string]Activation {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]Activation, len(k.active))
	for key, act := range k.active {
		out[key] = act
	}
	return out
}

// Watch reloads state when the file changes on disk, picking up
// activations written by another process (spendctl against a live
// daemon's state dir). Blocks until ctx is done.
func (k *KillSwitch) Watch(ctx context.Context) error {
	if k.statePath == "" {
		return errors.New("killswitch: no state path to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the atomic rename replaces the file node, and
	// clears remove it entirely.
	if err := watcher.Add(filepath.Dir(k.statePath)); err != nil {
		return fmt.Errorf("watch state dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != k.statePath {
				continue
			}
			k.mu.Lock()
			k.active = make(map[string]Activation)
			k.loadStateLocked()
			k.mu.Unlock()
			k.logger.Info("kill switch state reloaded from disk")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("kill switch watcher error", slog.String("error", err.Error()))
		}
	}
}

func scopeKey(level Level, targetID string) string {
	if targetID == "" {
		targetID = "*"
	}
	return string(level) + ":" + targetID
}

// persistLocked writes the state file atomically. Caller holds k.mu.
// An empty activation set removes the file.
func (k *KillSwitch) persistLocked() error {
	if k.statePath == "" {
		return nil
	}

	if len(k.active) == 0 {
		if err := os.Remove(k.statePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove state file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(k.active, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return atomicWriteFile(k.statePath, data)
}

func (k *KillSwitch) loadState() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.loadStateLocked()
}

// loadStateLocked reads the state file. Caller holds k.mu.
func (k *KillSwitch) loadStateLocked() {
	data, err := os.ReadFile(k.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		k.failClosedLocked(err)
		return
	}

	var loaded map[string]Activation
	if err := json.Unmarshal(data, &loaded); err != nil {
		k.failClosedLocked(err)
		return
	}
	for key, act := range loaded {
		if act.Level == "" {
			k.failClosedLocked(fmt.Errorf("entry %q missing level", key))
			return
		}
		k.active[key] = act
	}
}

// failClosedLocked replaces all state with a SYSTEM activation.
func (k *KillSwitch) failClosedLocked(cause error) {
	k.active = map[string]Activation{
		scopeKey(LevelSystem, ""): {
			Level:       LevelSystem,
			Reason:      corruptStateReason,
			TriggeredBy: "killswitch_loader",
			ActivatedAt: k.now().UTC(),
		},
	}
	k.logger.Error("kill switch state corrupted; fail-closed SYSTEM kill activated",
		slog.String("path", k.statePath),
		slog.String("error", cause.Error()))
}

// atomicWriteFile writes data via temp file + fsync + rename so a crash
// mid-write never leaves a partial file at path.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(stateFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	success = true
	return nil
}
