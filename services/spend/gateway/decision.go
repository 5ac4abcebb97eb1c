// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"time"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
)

// Reason explains a spend decision. Accepted decisions carry
// ReasonAccepted; every denial carries the specific check that refused.
type Reason string

const (
	ReasonAccepted Reason = "accepted"

	// Safety gate denials.
	ReasonKillSwitchActive  Reason = "killswitch_active"
	ReasonCircuitOpen       Reason = "circuit_open"
	ReasonRiskLimitExceeded Reason = "risk_limit_exceeded"

	// Vault denials.
	ReasonCapExceeded      Reason = "cap_exceeded"
	ReasonBucketUnknown    Reason = "bucket_unknown"
	ReasonReserveProtected Reason = "reserve_protected"
	ReasonVaultUnavailable Reason = "vault_unavailable"

	// Gateway denials.
	ReasonDuplicateRequest Reason = "duplicate_request"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonStoreUnavailable Reason = "idempotency_unavailable"
)

// SpendDecision is the gateway's terminal answer for one request.
// Exactly one decision exists per idempotency key; replays return the
// stored decision verbatim with Replayed set.
type SpendDecision struct {
	Accepted        bool         `json:"accepted"`
	Reason          Reason       `json:"reason"`
	Detail          string       `json:"detail,omitempty"`
	AmountCommitted money.Amount `json:"amount_committed"`
	LedgerSequence  uint64       `json:"ledger_sequence,omitempty"`
	DecidedAt       time.Time    `json:"decided_at"`

	// Replayed is true when this decision was served from the
	// idempotency store instead of a fresh evaluation. Not persisted;
	// set on the way out.
	Replayed bool `json:"replayed,omitempty"`
}
