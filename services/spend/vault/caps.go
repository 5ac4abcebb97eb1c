// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"github.com/3duardoambrosio-bit/trendify-f1/pkg/money"
)

// Bucket classifies what a spend is for.
type Bucket string

const (
	// BucketLearning funds ad-platform learning phases for new products.
	BucketLearning Bucket = "learning"

	// BucketOperational funds steady-state campaigns.
	BucketOperational Bucket = "operational"

	// BucketReserve is the emergency float. The automated spend path may
	// never touch it; only a human moving money between buckets can.
	BucketReserve Bucket = "reserve"
)

// KnownBucket reports whether b is a bucket this vault tracks.
func KnownBucket(b Bucket) bool {
	switch b {
	case BucketLearning, BucketOperational, BucketReserve:
		return true
	}
	return false
}

// Caps is the daily spend ceiling set for one product.
type Caps struct {
	// DailyLearning caps the learning bucket per UTC day.
	DailyLearning money.Amount `yaml:"daily_learning"`

	// DailyOperational caps the operational bucket per UTC day.
	DailyOperational money.Amount `yaml:"daily_operational"`

	// MaxDay1Learning overrides DailyLearning on the product's launch
	// day. New products get a tighter first-day ceiling while there is
	// no performance signal at all. Zero means no override.
	MaxDay1Learning money.Amount `yaml:"max_day1_learning"`

	// LaunchDay is the product's launch date as a UTC "2006-01-02"
	// string. Required for MaxDay1Learning to apply.
	LaunchDay string `yaml:"launch_day"`
}

// CapsConfig holds the default caps and per-product overrides.
type CapsConfig struct {
	Defaults Caps            `yaml:"defaults"`
	Products map[string]Caps `yaml:"products"`
}

// For resolves the effective caps for a product, falling back to the
// defaults field by field.
func (c CapsConfig) For(productID string) Caps {
	caps := c.Defaults
	override, ok := c.Products[productID]
	if !ok {
		return caps
	}
	if !override.DailyLearning.IsZero() {
		caps.DailyLearning = override.DailyLearning
	}
	if !override.DailyOperational.IsZero() {
		caps.DailyOperational = override.DailyOperational
	}
	if !override.MaxDay1Learning.IsZero() {
		caps.MaxDay1Learning = override.MaxDay1Learning
	}
	if override.LaunchDay != "" {
		caps.LaunchDay = override.LaunchDay
	}
	return caps
}

// capFor returns the ceiling for a bucket on a given UTC day. The
// second return is false for buckets with no automated cap (reserve).
func (caps Caps) capFor(bucket Bucket, day string) (money.Amount, bool) {
	switch bucket {
	case BucketLearning:
		if !caps.MaxDay1Learning.IsZero() && caps.LaunchDay == day {
			return caps.MaxDay1Learning, true
		}
		return caps.DailyLearning, true
	case BucketOperational:
		return caps.DailyOperational, true
	}
	return money.Amount{}, false
}
