// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	provider, err := NewMeterProvider(reg)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSpend(ctx, "accepted", false, 25*time.Millisecond)
	m.RecordSpend(ctx, "cap_exceeded", true, 10*time.Millisecond)
	m.RecordLedgerAppend(ctx, "critical", 2*time.Millisecond)
	m.SetCircuitState(ctx, "OPEN")
	m.SetKillSwitchActive(ctx, 1)

	families, err := reg.Gather()
	require.NoError(t, err)

	// The exporter may normalize names with unit or _total suffixes, so
	// match on prefix.
	hasFamily := func(prefix string) bool {
		for _, mf := range families {
			if strings.HasPrefix(mf.GetName(), prefix) {
				return true
			}
		}
		return false
	}
	assert.True(t, hasFamily("spend_requests"), "spend counter missing")
	assert.True(t, hasFamily("ledger_appends"), "append counter missing")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordSpend(ctx, "accepted", true, time.Second)
	m.RecordLedgerAppend(ctx, "informational", time.Millisecond)
	m.SetCircuitState(ctx, "CLOSED")
	m.SetKillSwitchActive(ctx, 0)
}
