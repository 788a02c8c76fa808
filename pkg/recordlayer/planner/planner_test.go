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

package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/planner"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

// markReadable drives name through the only sanctioned path to Readable
// (Disabled -> WriteOnly -> Readable), since a freshly declared index
// defaults to Disabled: neither written to nor visible to the planner.
func markReadable(t *testing.T, s *store.RecordStore, name string) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx, name, indexstate.Disabled, indexstate.WriteOnly))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx2, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx2, name, indexstate.WriteOnly, indexstate.Readable))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)
}

func itemType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Item",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "category", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "price", Number: 3, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_category", Kind: schema.IndexValue, KeyExpression: []string{"category"}},
		},
	}
}

func newTestPlanner(t *testing.T) (*planner.Planner, *store.RecordStore) {
	t.Helper()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, itemType(), store.Options{
		Sub:      keyval.NewSubspace([]byte("P")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)
	markReadable(t, s, "by_category")

	ctx := context.Background()
	for _, rec := range []codec.Record{
		{"id": int64(1), "category": "books", "price": int64(10)},
		{"id": int64(2), "category": "books", "price": int64(20)},
		{"id": int64(3), "category": "toys", "price": int64(5)},
	} {
		require.NoError(t, s.Save(ctx, rec, nil))
	}

	fp := [32]byte{1}
	p, err := planner.New(s, func() [32]byte { return fp }, 16)
	require.NoError(t, err)
	return p, s
}

func TestPlanUsesIndexScanForEqualityPredicate(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	node, err := p.Plan(ctx, planner.Query{Filter: planner.Eq("category", "books")})
	require.NoError(t, err)
	assert.Equal(t, planner.NodeIndexScan, node.Kind)
}

func TestExecuteEqualityPredicateReturnsOnlyMatchingRecords(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	recs, err := p.Execute(ctx, store.Query{Filter: planner.Eq("category", "books")})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		// length-delimited fields decode as raw bytes on the fetch path.
		assert.Equal(t, []byte("books"), r["category"])
	}
}

func TestPlanFallsBackToFullScanWithFilterWhenNoIndexMatches(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	node, err := p.Plan(ctx, planner.Query{Filter: planner.Range("price", planner.OpGt, int64(8))})
	require.NoError(t, err)
	require.Equal(t, planner.NodeFilter, node.Kind)
	require.Len(t, node.Children, 1)
	assert.Equal(t, planner.NodeFullScan, node.Children[0].Kind)
}

func TestExecuteFullScanFallbackStillFiltersCorrectly(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	recs, err := p.Execute(ctx, store.Query{Filter: planner.Range("price", planner.OpGt, int64(8))})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Greater(t, r["price"].(int64), int64(8))
	}
}

func TestIndexedOnlyQueryErrorsWhenNoIndexMatches(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	_, err := p.Plan(ctx, planner.Query{Filter: planner.Range("price", planner.OpGt, int64(8)), IndexedOnly: true})
	assert.Error(t, err)
}

func TestOrPredicateAcrossDisjointValuesUnionsBranches(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	filter := planner.Or(planner.Eq("category", "books"), planner.Eq("category", "toys"))
	node, err := p.Plan(ctx, planner.Query{Filter: filter})
	require.NoError(t, err)
	require.Equal(t, planner.NodeUnion, node.Kind)

	recs, err := p.Execute(ctx, store.Query{Filter: filter})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestInPredicateMatchesEveryValueInSet(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	filter := planner.In("category", []any{"books", "toys"})
	recs, err := p.Execute(ctx, store.Query{Filter: filter})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestInPredicateExcludesNonMemberValues(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	filter := planner.In("category", []any{"toys"})
	recs, err := p.Execute(ctx, store.Query{Filter: filter})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("toys"), recs[0]["category"])
}

func TestSortOrdersResultsByRequestedField(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	recs, err := p.Execute(ctx, store.Query{
		Filter: planner.Eq("category", "books"),
		Sort:   []store.SortKey{{Field: "price", Direction: store.Descending}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(20), recs[0]["price"])
	assert.Equal(t, int64(10), recs[1]["price"])
}

func TestLimitCapsReturnedRecords(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	recs, err := p.Execute(ctx, store.Query{Filter: planner.Eq("category", "books"), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPlanCacheReturnsSameNodeForIdenticalQuery(t *testing.T) {
	p, _ := newTestPlanner(t)
	ctx := context.Background()

	q := planner.Query{Filter: planner.Eq("category", "books")}
	first, err := p.Plan(ctx, q)
	require.NoError(t, err)
	second, err := p.Plan(ctx, q)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestQueryBuilderDelegatesToExecutor(t *testing.T) {
	p, s := newTestPlanner(t)
	ctx := context.Background()

	recs, err := s.Query(p).Where(planner.Eq("category", "toys")).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("toys"), recs[0]["category"])
}

func TestSchemaEpochBumpInvalidatesCache(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, itemType(), store.Options{
		Sub:      keyval.NewSubspace([]byte("P")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)
	markReadable(t, s, "by_category")

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "category": "books", "price": int64(10)}, nil))

	var schemaHash [24]byte
	p, err := planner.New(s, planner.EpochFingerprint(schemaHash), 16)
	require.NoError(t, err)

	q := planner.Query{Filter: planner.Eq("category", "books")}
	first, err := p.Plan(ctx, q)
	require.NoError(t, err)

	planner.BumpSchemaEpoch()

	second, err := p.Plan(ctx, q)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
