/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats_test

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/stats"
)

func withTx(t *testing.T, engine keyval.Engine, fn func(tx keyval.Transaction)) {
	t.Helper()
	ctx := context.Background()
	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	fn(tx)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
}

func TestObserveInsertBumpsRowCount(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"age"}, stats.Config{})
	ctx := context.Background()

	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"age": int64(30)}))
	})
	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"age": int64(31)}))
	})

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	count, err := mgr.RowCount(ctx, tx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestObserveDeleteDecrementsRowCount(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), nil, stats.Config{})
	ctx := context.Background()

	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"id": int64(1)}))
	})
	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, codec.Record{"id": int64(1)}, nil))
	})

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	count, err := mgr.RowCount(ctx, tx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestObserveReKeyLeavesRowCountUnchanged(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), nil, stats.Config{})
	ctx := context.Background()

	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"id": int64(1)}))
	})
	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, codec.Record{"id": int64(1)}, codec.Record{"id": int64(2)}))
	})

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	count, err := mgr.RowCount(ctx, tx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCardinalityEstimateIsWithinToleranceOfKnownDistinctCount(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"email"}, stats.Config{HLLRegisters: 256, SampleSize: 64})
	ctx := context.Background()

	const distinct = 500
	for i := 0; i < distinct; i++ {
		withTx(t, engine, func(tx keyval.Transaction) {
			email := fmt.Sprintf("user-%d@example.com", i)
			require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"email": email}))
		})
	}

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	est, err := mgr.Cardinality(ctx, tx, "email", true)
	require.NoError(t, err)

	// HyperLogLog's standard error with 256 registers is roughly 1/16;
	// allow a generous 30% band so the test isn't flaky on the sketch's
	// own statistical variance.
	lower := uint64(math.Round(distinct * 0.7))
	upper := uint64(math.Round(distinct * 1.3))
	assert.True(t, est >= lower && est <= upper, "estimate %d outside [%d, %d] for %d distinct values", est, lower, upper, distinct)
}

func TestCardinalityOnUntrackedFieldIsZero(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"email"}, stats.Config{})
	ctx := context.Background()

	withTx(t, engine, func(tx keyval.Transaction) {
		require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"email": "a@example.com"}))
	})

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	est, err := mgr.Cardinality(ctx, tx, "age", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), est)
}

func TestHistogramBuildsEquiDepthBucketsCoveringFullSampleRange(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"age"}, stats.Config{SampleSize: 100})
	ctx := context.Background()

	for i := int64(0); i < 100; i++ {
		withTx(t, engine, func(tx keyval.Transaction) {
			require.NoError(t, mgr.Observe(ctx, tx, nil, codec.Record{"age": i}))
		})
	}

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	buckets, err := mgr.Histogram(ctx, tx, "age", 10, true)
	require.NoError(t, err)
	require.Len(t, buckets, 10)

	assert.Equal(t, int64(0), buckets[0].Lower)
	assert.Equal(t, int64(99), buckets[len(buckets)-1].Upper)

	var total int64
	for _, b := range buckets {
		total += b.Count
	}
	assert.InDelta(t, 100, total, 10, "bucket counts scaled to row count should sum close to the total row count")
}

func TestHistogramOnEmptySampleReturnsNil(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"age"}, stats.Config{})
	ctx := context.Background()

	tx, err := engine.NewTransaction(ctx)
	require.NoError(t, err)
	buckets, err := mgr.Histogram(ctx, tx, "age", 10, true)
	require.NoError(t, err)
	assert.Nil(t, buckets)
}
