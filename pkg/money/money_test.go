// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in    string
		cents int64
	}{
		{"0", 0},
		{"0.01", 1},
		{"15.00", 1500},
		{"15", 1500},
		{"30.5", 3050},
		{"-2.25", -225},
	}

	for _, tt := range tests {
		a, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", tt.in, err)
			continue
		}
		if a.Cents() != tt.cents {
			t.Errorf("Parse(%q).Cents() = %d, want %d", tt.in, a.Cents(), tt.cents)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10.001", "1.2.3"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidAmount", in, err)
		}
	}
}

func TestAmount_ExactArithmetic(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3. This is the whole point.
	a := MustParse("0.10")
	b := MustParse("0.20")
	sum := a.Add(b)

	if !sum.Equal(MustParse("0.30")) {
		t.Errorf("0.10 + 0.20 = %s, want 0.30", sum)
	}
}

func TestAmount_Comparison(t *testing.T) {
	cap30 := MustParse("30.00")
	spent := MustParse("15.00").Add(MustParse("15.00"))

	if spent.GreaterThan(cap30) {
		t.Errorf("15 + 15 compared greater than 30")
	}
	if spent.Add(MustParse("0.01")).Cmp(cap30) != 1 {
		t.Errorf("30.01 should compare greater than 30.00")
	}
}

func TestAmount_MulRatio(t *testing.T) {
	cap := MustParse("30.00")
	quarter := cap.MulRatio(25, 100)
	if !quarter.Equal(MustParse("7.50")) {
		t.Errorf("25%% of 30.00 = %s, want 7.50", quarter)
	}
}

func TestAmount_JSONRoundTrip(t *testing.T) {
	a := MustParse("12.34")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"12.34"` {
		t.Errorf("marshaled as %s, want string form", data)
	}

	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(a) {
		t.Errorf("round trip changed value: %s != %s", back, a)
	}

	// JSON numbers are rejected: amounts travel as strings only.
	if err := json.Unmarshal([]byte(`12.34`), &back); err == nil {
		t.Error("expected error unmarshaling a bare JSON number")
	}
}

func TestAmount_ZeroValue(t *testing.T) {
	var a Amount
	if !a.IsZero() {
		t.Error("zero value should be zero amount")
	}
	if a.String() != "0.00" {
		t.Errorf("zero value String() = %q, want \"0.00\"", a.String())
	}
}
