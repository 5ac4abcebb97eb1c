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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of record in the event log.
type EventType string

const (
	// EventSpendCommitted records a granted spend reservation. Critical tier.
	EventSpendCommitted EventType = "SPEND_COMMITTED"

	// EventSpendDenied records a denied spend request. Informational tier.
	EventSpendDenied EventType = "SPEND_DENIED"

	// EventKillSwitchActivated records a kill switch activation. Critical tier.
	EventKillSwitchActivated EventType = "KILLSWITCH_ACTIVATED"

	// EventKillSwitchCleared records a kill switch clear. Critical tier.
	EventKillSwitchCleared EventType = "KILLSWITCH_CLEARED"

	// EventCircuitStateChanged records a circuit breaker transition. Informational tier.
	EventCircuitStateChanged EventType = "CIRCUIT_STATE_CHANGED"
)

// GenesisHash is the prev_hash of the first record in a log file.
// Verification always starts from this known value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one append-only record in the spend event log.
//
// Description:
//
//	Events form a tamper-evident chain: Hash covers every field except
//	itself, including PrevHash, so modifying or removing any committed
//	record breaks verification of everything after it. Events are never
//	mutated or deleted once Append has returned.
type Event struct {
	// Sequence is monotonic and gap-free within a log file, starting at 1.
	Sequence uint64 `json:"sequence"`

	// Type is the event kind.
	Type EventType `json:"event_type"`

	// CorrelationID ties the event back to the originating request.
	CorrelationID string `json:"correlation_id"`

	// Payload is the type-specific event body (see payloads.go).
	Payload json.RawMessage `json:"payload"`

	// PrevHash is the Hash of the preceding event (GenesisHash for the first).
	PrevHash string `json:"prev_hash"`

	// Hash is SHA-256 over the canonical form of all other fields.
	Hash string `json:"hash"`

	// WrittenAt is the UTC RFC3339 timestamp captured at append time.
	WrittenAt string `json:"written_at"`
}

// computeEventHash hashes an event's fields excluding Hash itself.
// Field order is fixed; changing it breaks every persisted chain.
func computeEventHash(e Event) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Type,
		e.CorrelationID,
		e.Payload,
		e.PrevHash,
		e.WrittenAt,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
