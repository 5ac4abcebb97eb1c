// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import "github.com/3duardoambrosio-bit/trendify-f1/pkg/money"

// SpendCommitPayload is the body of a SPEND_COMMITTED event.
//
// NewTotal is the bucket's cumulative spend after this commit; replaying
// commits in sequence order reconstructs BudgetState exactly.
type SpendCommitPayload struct {
	IdempotencyKey string       `json:"idempotency_key"`
	ProductID      string       `json:"product_id"`
	Bucket         string       `json:"bucket"`
	Day            string       `json:"day"` // UTC date, 2006-01-02
	Amount         money.Amount `json:"amount"`
	NewTotal       money.Amount `json:"new_total"`
}

// SpendDenyPayload is the body of a SPEND_DENIED event.
type SpendDenyPayload struct {
	IdempotencyKey string       `json:"idempotency_key"`
	ProductID      string       `json:"product_id"`
	Bucket         string       `json:"bucket"`
	Day            string       `json:"day"`
	Amount         money.Amount `json:"amount"`
	Reason         string       `json:"reason"`
}

// KillSwitchPayload is the body of KILLSWITCH_ACTIVATED / KILLSWITCH_CLEARED.
type KillSwitchPayload struct {
	Level       string `json:"level"`
	TargetID    string `json:"target_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// CircuitPayload is the body of a CIRCUIT_STATE_CHANGED event.
type CircuitPayload struct {
	From            string `json:"from"`
	To              string `json:"to"`
	CooldownSeconds int    `json:"cooldown_seconds"`
}
