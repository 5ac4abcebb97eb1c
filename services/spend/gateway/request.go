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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/vault"
)

// validate is the shared struct validator.
var validate = validator.New()

// SpendRequest asks the gateway to authorize and commit spend.
//
// Build one with NewSpendRequest. The constructor is the only way to
// get the invariants checked before the request enters the pipeline;
// a zero SpendRequest fails validation at the gateway anyway.
type SpendRequest struct {
	ProductID      string       `json:"product_id" validate:"required"`
	Amount         money.Amount `json:"amount"`
	Bucket         vault.Bucket `json:"bucket" validate:"required"`
	IdempotencyKey string       `json:"idempotency_key" validate:"required"`
	CorrelationID  string       `json:"correlation_id"`
	RequestedAt    time.Time    `json:"requested_at"`
}

// NewSpendRequest constructs a validated request.
//
// Description:
//
//	The idempotency key is mandatory here, at the type's front door.
//	Making it optional-with-a-default would quietly turn duplicate
//	submissions into double spends, so a missing key is an error the
//	caller has to handle, not a warning.
//
// Outputs:
//
//	SpendRequest - Ready for Gateway.Request. CorrelationID is
//	generated when empty.
//	error - Non-nil for a missing key, non-positive amount, or missing
//	fields.
func NewSpendRequest(productID string, amount money.Amount, bucket vault.Bucket, idempotencyKey string) (SpendRequest, error) {
	req := SpendRequest{
		ProductID:      productID,
		Amount:         amount,
		Bucket:         bucket,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  uuid.NewString(),
		RequestedAt:    time.Now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return SpendRequest{}, err
	}
	return req, nil
}

// Validate checks the request invariants.
func (r SpendRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid spend request: %w", err)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("invalid spend request: amount %s must be positive", r.Amount)
	}
	return nil
}
