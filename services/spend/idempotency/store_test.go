// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(Config{DB: db})
	require.NoError(t, err)
	return s
}

func TestCheckOrReserve_FreshThenInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)

	res, err = s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, res.Status)
}

func TestCheckOrReserve_ReplayReturnsStoredDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)

	decision := json.RawMessage(`{"approved":true,"amount":"15.00"}`)
	require.NoError(t, s.Complete(ctx, "key-1", decision))

	res, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReplay, res.Status)
	assert.JSONEq(t, string(decision), string(res.StoredDecision))
}

func TestCheckOrReserve_RejectsEmptyKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CheckOrReserve(context.Background(), "")
	require.Error(t, err)
}

func TestCheckOrReserve_ConcurrentDuplicatesGetOneFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Status, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.CheckOrReserve(ctx, "shared-key")
			results[i] = res.Status
			errs[i] = err
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i] == StatusFresh {
			fresh++
		} else {
			assert.Equal(t, StatusInFlight, results[i])
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller may win the reservation")
}

func TestRelease_AllowsRetryWithSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "key-1"))

	res, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)
}

func TestInFlight_ListsOnlyUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CheckOrReserve(ctx, "pending-1")
	require.NoError(t, err)
	_, err = s.CheckOrReserve(ctx, "pending-2")
	require.NoError(t, err)
	_, err = s.CheckOrReserve(ctx, "done-1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "done-1", json.RawMessage(`{}`)))

	records, err := s.InFlight(ctx)
	require.NoError(t, err)

	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
		assert.False(t, r.CreatedAt.IsZero())
	}
	assert.ElementsMatch(t, []string{"pending-1", "pending-2"}, keys)
}

func TestComplete_RecordExpiresAfterRetention(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(Config{DB: db, Retention: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "key-1", json.RawMessage(`{}`)))

	time.Sleep(100 * time.Millisecond)

	res, err := s.CheckOrReserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status, "expired record behaves like an unseen key")
}
