// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package money provides fixed-point decimal amounts for spend tracking.
//
// All budget math in the safety core goes through this package. Amounts
// are quantized to cents and compared exactly; float64 never appears in
// a budget computation. Serialization uses decimal strings ("15.00"),
// never JSON numbers, so a round trip through the ledger is lossless.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidAmount is returned when parsing a malformed amount string.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNegativeAmount is returned when a negative amount is rejected.
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// centExponent is the quantization applied to every amount (2 decimal places).
const centExponent = 2

// Amount is a fixed-point monetary value quantized to cents.
//
// The zero value is zero dollars and is valid. Amount is immutable;
// arithmetic methods return new values.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse converts a decimal string ("15.00", "0.01") into an Amount.
//
// Inputs:
//
//	s - Decimal string. Must parse and must be representable in cents.
//
// Outputs:
//
//	Amount - The parsed amount, quantized to cents.
//	error - ErrInvalidAmount if the string does not parse or loses
//	        precision when quantized to cents.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	q := d.Round(centExponent)
	if !q.Equal(d) {
		return Amount{}, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidAmount, s)
	}
	return Amount{d: q}, nil
}

// MustParse is Parse that panics on error. For constants in tests and config defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -centExponent)}
}

// Cents returns the amount as an integer number of cents.
func (a Amount) Cents() int64 {
	return a.d.Shift(centExponent).IntPart()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Cmp compares two amounts exactly: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether two amounts are exactly equal.
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.d.GreaterThan(b.d)
}

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// IsZero reports a == 0.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// MulRatio returns a scaled by num/den, rounded to cents.
//
// Used for risk-limit share computations (e.g. 25% of a daily cap).
// Division by zero is the caller's bug and panics, matching decimal.Div.
func (a Amount) MulRatio(num, den int64) Amount {
	r := a.d.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den))
	return Amount{d: r.Round(centExponent)}
}

// String renders the amount with exactly two decimal places ("30.00").
func (a Amount) String() string {
	return a.d.StringFixed(centExponent)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an amount from a decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML encodes the amount as a decimal string for config files.
func (a Amount) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

// UnmarshalYAML decodes an amount from a YAML scalar. Budget caps in
// config files are quoted strings ("30.00"); bare YAML floats are
// rejected the same way sub-cent strings are.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("%w: yaml node at line %d", ErrInvalidAmount, value.Line)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
