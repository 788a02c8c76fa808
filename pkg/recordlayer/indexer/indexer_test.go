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

package indexer_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexer"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

func userType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "User",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "age", Number: 2, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_age", Kind: schema.IndexValue, KeyExpression: []string{"age"}},
		},
	}
}

func newTestStoreWithWriteOnlyIndex(t *testing.T) *store.RecordStore {
	t.Helper()
	ctx := context.Background()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, userType(), store.Options{
		Sub:      keyval.NewSubspace([]byte("P")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx, "by_age", indexstate.Disabled, indexstate.WriteOnly))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	return s
}

func seedRecords(t *testing.T, s *store.RecordStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		rec := codec.Record{"id": int64(i), "age": int64(20 + i%5)}
		require.NoError(t, s.Save(ctx, rec, nil))
	}
}

func buildIndex(t *testing.T, s *store.RecordStore, cfg indexer.Config) indexstate.State {
	t.Helper()
	deps, ok := s.MaintainerDeps("by_age")
	require.True(t, ok)
	maintainer, ok := s.Maintainer("by_age")
	require.True(t, ok)

	b := indexer.New(deps, maintainer, keyval.NewSubspace([]byte("PROG")), s.Transact, cfg)
	require.NoError(t, b.Run(context.Background()))

	st, err := s.StateManager().Get(context.Background(), mustTx(t, s), "by_age", true)
	require.NoError(t, err)
	return st
}

func mustTx(t *testing.T, s *store.RecordStore) keyval.Transaction {
	t.Helper()
	tx, err := s.OpenSnapshot(context.Background())
	require.NoError(t, err)
	return tx
}

func TestBuildDrivesIndexToReadable(t *testing.T) {
	s := newTestStoreWithWriteOnlyIndex(t)
	seedRecords(t, s, 25)

	res := buildIndex(t, s, indexer.Config{BatchRecords: 4})
	assert.Equal(t, indexstate.Readable, res)
}

func TestBuildIndexesEveryExistingRecordAcrossBatchBoundaries(t *testing.T) {
	s := newTestStoreWithWriteOnlyIndex(t)
	seedRecords(t, s, 37)

	buildIndex(t, s, indexer.Config{BatchRecords: 5})

	ctx := context.Background()
	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	maintainer, ok := s.Maintainer("by_age")
	require.True(t, ok)

	var total int
	for age := 20; age < 25; age++ {
		kvs, err := maintainer.Scan(ctx, tx, index.ScanRange{Begin: keyval.Tuple{int64(age)}, Prefix: true}, false)
		require.NoError(t, err)
		total += len(kvs)
	}
	assert.Equal(t, 37, total, fmt.Sprintf("every one of 37 seeded records must be indexed, got %d", total))
}

func TestBuildClearsProgressOnCompletion(t *testing.T) {
	s := newTestStoreWithWriteOnlyIndex(t)
	seedRecords(t, s, 10)

	progressSub := keyval.NewSubspace([]byte("PROG"))
	buildIndex(t, s, indexer.Config{BatchRecords: 3})

	ctx := context.Background()
	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	begin, end := progressSub.Range()
	kvs, err := tx.GetRange(ctx, begin, end, true, keyval.RangeOptions{})
	require.NoError(t, err)
	assert.Empty(t, kvs, "completed build must leave no progress entries behind")
}
