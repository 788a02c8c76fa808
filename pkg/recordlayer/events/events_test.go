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

package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/events"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/stats"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
)

func TestBatchRoundTripsThroughWireEncoding(t *testing.T) {
	b := events.Batch{
		Partition: "tenant-a/users",
		Events: []events.Event{
			{Kind: events.RecordSaved, RecordType: "User", Key: events.RecordKey(keyval.Tuple{int64(1)}), Seq: 1},
		},
	}
	raw, err := events.Marshal(b)
	require.NoError(t, err)

	got, err := events.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

// recordingHandler captures every event it receives, in delivery order.
type recordingHandler struct {
	mu    sync.Mutex
	calls []events.Event
}

func (h *recordingHandler) Handle(_ context.Context, _ string, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ev)
	return nil
}

func (h *recordingHandler) snapshot() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.calls...)
}

func TestPoolDeliversEveryEventInEachBatch(t *testing.T) {
	h := &recordingHandler{}
	pool := events.NewPool(events.PoolConfig{Concurrency: 2}, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown()

	batch := events.Batch{
		Partition: "tenant-a/users",
		Events: []events.Event{
			{Kind: events.RecordSaved, RecordType: "User", Key: events.RecordKey(keyval.Tuple{int64(1)})},
			{Kind: events.RecordDeleted, RecordType: "User", Key: events.RecordKey(keyval.Tuple{int64(2)})},
		},
	}
	payload, err := events.Marshal(batch)
	require.NoError(t, err)

	pool.AddTask("tenant-a/users", 1, payload)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestPoolSamePartitionProcessedInOrder(t *testing.T) {
	h := &recordingHandler{}
	pool := events.NewPool(events.PoolConfig{Concurrency: 4}, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown()

	for i := 0; i < 5; i++ {
		batch := events.Batch{
			Partition: "tenant-a/users",
			Events:    []events.Event{{Kind: events.RecordSaved, RecordType: "User", Seq: uint64(i)}},
		}
		payload, err := events.Marshal(batch)
		require.NoError(t, err)
		pool.AddTask("tenant-a/users", uint64(i), payload)
	}

	require.Eventually(t, func() bool { return len(h.snapshot()) == 5 }, time.Second, time.Millisecond)
	calls := h.snapshot()
	for i, ev := range calls {
		assert.Equal(t, uint64(i), ev.Seq, "same-partition batches must be delivered in publish order")
	}
}

func TestStatsHandlerBumpsEpochOnIndexStateTransition(t *testing.T) {
	var bumped int
	h := events.NewStatsHandler()
	h.BumpEpoch = func() { bumped++ }

	require.NoError(t, h.Handle(context.Background(), "p", events.Event{Kind: events.IndexStateTransition, RecordType: "User", Key: []byte("by_email")}))
	assert.Equal(t, 1, bumped)
}

// fakeSource is a minimal RecordSource backed by an in-memory map, enough
// to exercise StatsHandler without a full RecordStore.
type fakeSource struct {
	engine  keyval.Engine
	records map[string]codec.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{engine: keyval.NewMemEngine(keyval.DefaultLimits()), records: map[string]codec.Record{}}
}

func (f *fakeSource) Fetch(_ context.Context, pk keyval.Tuple, _ *txn.Context) (codec.Record, bool, error) {
	rec, ok := f.records[string(pk.Pack())]
	return rec, ok, nil
}

func (f *fakeSource) Transact(ctx context.Context, fn func(*txn.Context) error) (keyval.CommitResult, error) {
	tx, err := f.engine.NewTransaction(ctx)
	if err != nil {
		return keyval.CommitResult{}, err
	}
	tc := txn.New(tx, txn.DefaultConfig())
	if err := fn(tc); err != nil {
		tx.Cancel()
		return keyval.CommitResult{}, err
	}
	return tx.Commit(ctx)
}

func TestStatsHandlerObservesSavedRecord(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	pk := keyval.Tuple{int64(1)}
	src.records[string(pk.Pack())] = codec.Record{"id": int64(1), "email": "a@example.com"}

	mgr := stats.New(keyval.NewSubspace([]byte("ST")), []string{"email"}, stats.Config{})
	h := events.NewStatsHandler()
	h.Register("User", src, mgr)

	require.NoError(t, h.Handle(ctx, "p", events.Event{Kind: events.RecordSaved, RecordType: "User", Key: events.RecordKey(pk)}))

	tx, err := src.engine.NewTransaction(ctx)
	require.NoError(t, err)
	count, err := mgr.RowCount(ctx, tx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStatsHandlerObservesDeletedRecordWithoutRefetch(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	pk := keyval.Tuple{int64(1)}
	src.records[string(pk.Pack())] = codec.Record{"id": int64(1)}

	mgr := stats.New(keyval.NewSubspace([]byte("ST")), nil, stats.Config{})
	h := events.NewStatsHandler()
	h.Register("User", src, mgr)

	// Seed the row count via a prior save observation.
	require.NoError(t, h.Handle(ctx, "p", events.Event{Kind: events.RecordSaved, RecordType: "User", Key: events.RecordKey(pk)}))
	require.NoError(t, h.Handle(ctx, "p", events.Event{Kind: events.RecordDeleted, RecordType: "User", Key: events.RecordKey(pk)}))

	tx, err := src.engine.NewTransaction(ctx)
	require.NoError(t, err)
	count, err := mgr.RowCount(ctx, tx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStatsHandlerIgnoresUnregisteredRecordType(t *testing.T) {
	h := events.NewStatsHandler()
	err := h.Handle(context.Background(), "p", events.Event{Kind: events.RecordSaved, RecordType: "Unknown", Key: events.RecordKey(keyval.Tuple{int64(1)})})
	assert.NoError(t, err)
}
