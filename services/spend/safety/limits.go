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
	"fmt"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
)

// Default risk limit tuning.
const (
	// DefaultMaxShareBps caps a single allocation at 50% of the daily
	// cap (basis points, 10000 = 100%).
	DefaultMaxShareBps = 5000
)

// RiskLimits bounds individual allocations independently of the vault's
// daily caps. The vault stops total overspend; these stop a single
// oversized request from draining the day in one call.
type RiskLimits struct {
	// MaxSingleSpend is an absolute per-allocation ceiling. Zero
	// disables the check.
	MaxSingleSpend money.Amount

	// MaxShareBps caps a single allocation as basis points of the
	// product's daily cap. Zero means DefaultMaxShareBps.
	MaxShareBps int
}

// Evaluate checks an allocation against the limits.
//
// Outputs:
//
//	bool   - True if the allocation is within limits.
//	string - Human-readable detail when it is not.
func (r RiskLimits) Evaluate(amount, dailyCap money.Amount) (bool, string) {
	if !amount.IsPositive() {
		return false, "amount must be positive"
	}

	if !r.MaxSingleSpend.IsZero() && amount.GreaterThan(r.MaxSingleSpend) {
		return false, fmt.Sprintf("amount %s exceeds single-spend ceiling %s", amount, r.MaxSingleSpend)
	}

	shareBps := r.MaxShareBps
	if shareBps <= 0 {
		shareBps = DefaultMaxShareBps
	}
	if shareBps < 10000 && !dailyCap.IsZero() {
		maxShare := dailyCap.MulRatio(int64(shareBps), 10000)
		if amount.GreaterThan(maxShare) {
			return false, fmt.Sprintf("amount %s exceeds %d bps of daily cap %s", amount, shareBps, dailyCap)
		}
	}
	return true, ""
}
