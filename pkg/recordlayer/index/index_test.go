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

package index_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

// rankReader exposes the rank maintainer's query surface the planner and
// store dispatch against, duplicated here since the concrete type is
// unexported and Maintainer itself only carries Update/Scan/Scrub.
type rankReader interface {
	Rank(ctx context.Context, tx keyval.Transaction, rec codec.Record) (int64, error)
	Select(ctx context.Context, tx keyval.Transaction, grouping keyval.Tuple, idx int64) (keyval.Tuple, error)
}

type vectorSearcher interface {
	Search(ctx context.Context, tx keyval.Transaction, query []float32, topK int) ([]keyval.Tuple, error)
}

type spatialOps interface {
	CellRangeForBox(minCoord, maxCoord []float64) (begin, end keyval.Tuple, err error)
	BoxForRadius(center []float64, radiusMeters float64) (min, max []float64, err error)
	Distance(a, b []float64) (float64, error)
	Coords(rec codec.Record) ([]float64, bool)
}

// markReadable drives name through the only sanctioned path to Readable
// (Disabled -> WriteOnly -> Readable), mirroring the planner package's own
// test helper since a freshly declared index defaults to Disabled.
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

func newStore(t *testing.T, rt schema.RecordTypeDescriptor) *store.RecordStore {
	t.Helper()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, rt, store.Options{
		Sub:      keyval.NewSubspace([]byte("R")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)
	for _, idx := range rt.Indexes {
		markReadable(t, s, idx.Name)
	}
	return s
}

func decodeLE64(t *testing.T, b []byte) int64 {
	t.Helper()
	require.Len(t, b, 8)
	return int64(binary.LittleEndian.Uint64(b))
}

// --- value index ---

func skuType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Product",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "sku", Number: 2, Wire: schema.WireLengthDelimited},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_sku", Kind: schema.IndexValue, KeyExpression: []string{"sku"}, Unique: true},
		},
	}
}

func TestValueIndexRejectsDuplicateForUniqueIndex(t *testing.T) {
	s := newStore(t, skuType())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "sku": "widget-1"}, nil))
	err := s.Save(ctx, codec.Record{"id": int64(2), "sku": "widget-1"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rlerrors.ErrDuplicateKey))
}

func TestValueIndexScanReturnsEntryKeyedByFieldValue(t *testing.T) {
	s := newStore(t, skuType())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "sku": "widget-1"}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(2), "sku": "widget-2"}, nil))

	m, ok := s.Maintainer("by_sku")
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	entries, err := m.Scan(ctx, tx, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, keyval.Tuple{int64(1)}, entries[0].Primary)
	assert.Equal(t, keyval.Tuple{int64(2)}, entries[1].Primary)
}

// --- aggregate (count/sum) index ---

func orderType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Order",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "customer", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "amount", Number: 3, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "orders_by_customer", Kind: schema.IndexCount, KeyExpression: []string{"customer"}, GroupingLen: 1},
			{Name: "total_by_customer", Kind: schema.IndexSum, KeyExpression: []string{"customer", "amount"}, GroupingLen: 1},
		},
	}
}

func TestCountIndexTracksInsertsAndDeletesPerGroup(t *testing.T) {
	s := newStore(t, orderType())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "customer": "alice", "amount": int64(10)}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(2), "customer": "alice", "amount": int64(20)}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(3), "customer": "bob", "amount": int64(5)}, nil))

	m, ok := s.Maintainer("orders_by_customer")
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	entries, err := m.Scan(ctx, tx, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, e := range entries {
		counts[e.IndexKey[0].(string)] = decodeLE64(t, e.RawValue)
	}
	assert.Equal(t, int64(2), counts["alice"])
	assert.Equal(t, int64(1), counts["bob"])

	require.NoError(t, s.Delete(ctx, keyval.Tuple{int64(1)}, nil))

	tx2, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx2.Commit(ctx)
	entries2, err := m.Scan(ctx, tx2, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	counts2 := map[string]int64{}
	for _, e := range entries2 {
		counts2[e.IndexKey[0].(string)] = decodeLE64(t, e.RawValue)
	}
	assert.Equal(t, int64(1), counts2["alice"])
}

func TestSumIndexAccumulatesGroupTotal(t *testing.T) {
	s := newStore(t, orderType())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "customer": "alice", "amount": int64(10)}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(2), "customer": "alice", "amount": int64(20)}, nil))

	m, ok := s.Maintainer("total_by_customer")
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	entries, err := m.Scan(ctx, tx, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(30), decodeLE64(t, entries[0].RawValue))

	// re-key: amount changes from 10 to 15, group total shifts by +5.
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "customer": "alice", "amount": int64(15)}, nil))

	tx2, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx2.Commit(ctx)
	entries2, err := m.Scan(ctx, tx2, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, entries2, 1)
	assert.Equal(t, int64(35), decodeLE64(t, entries2[0].RawValue))
}

// --- min/max index ---

func readingType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Reading",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "sensor", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "value", Number: 3, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "reading_min", Kind: schema.IndexMin, KeyExpression: []string{"sensor", "value"}, GroupingLen: 1},
			{Name: "reading_max", Kind: schema.IndexMax, KeyExpression: []string{"sensor", "value"}, GroupingLen: 1},
		},
	}
}

func TestMinMaxIndexReturnsExtremesPerGroup(t *testing.T) {
	s := newStore(t, readingType())
	ctx := context.Background()

	for i, v := range []int64{30, 10, 20} {
		require.NoError(t, s.Save(ctx, codec.Record{"id": int64(i), "sensor": "a", "value": v}, nil))
	}

	minM, ok := s.Maintainer("reading_min")
	require.True(t, ok)
	maxM, ok := s.Maintainer("reading_max")
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	minEntries, err := minM.Scan(ctx, tx, index.ScanRange{Begin: keyval.Tuple{"a"}, Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, minEntries, 1)
	assert.Equal(t, int64(10), minEntries[0].IndexKey[1])

	maxEntries, err := maxM.Scan(ctx, tx, index.ScanRange{Begin: keyval.Tuple{"a"}, Prefix: true, Reverse: true}, true)
	require.NoError(t, err)
	require.Len(t, maxEntries, 1)
	assert.Equal(t, int64(30), maxEntries[0].IndexKey[1])
}

// --- rank index ---

func leaderboardType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Player",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "score", Number: 2, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{
				Name:          "by_score",
				Kind:          schema.IndexRank,
				KeyExpression: []string{"score"},
				Rank:          schema.RankOptions{Descending: true},
			},
		},
	}
}

func TestRankIndexSelectAndRankAreInverses(t *testing.T) {
	s := newStore(t, leaderboardType())
	ctx := context.Background()

	for i := int64(0); i < 100; i++ {
		require.NoError(t, s.Save(ctx, codec.Record{"id": i, "score": i * 10}, nil))
	}

	m, ok := s.Maintainer("by_score")
	require.True(t, ok)
	rr, ok := m.(rankReader)
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	// descending: id 99 (score 990) is rank 0, id 0 (score 0) is rank 99.
	rank, err := rr.Rank(ctx, tx, codec.Record{"id": int64(99), "score": int64(990)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rank)

	rank, err = rr.Rank(ctx, tx, codec.Record{"id": int64(0), "score": int64(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(99), rank)

	for i := int64(0); i < 100; i++ {
		score := i * 10
		rank, err := rr.Rank(ctx, tx, codec.Record{"id": i, "score": score})
		require.NoError(t, err)

		pk, err := rr.Select(ctx, tx, nil, rank)
		require.NoError(t, err)
		assert.Equal(t, keyval.Tuple{i}, pk)
	}
}

func TestRankOfMatchesCountOfStrictlyHigherScores(t *testing.T) {
	s := newStore(t, leaderboardType())
	ctx := context.Background()

	for i := int64(0); i < 100; i++ {
		require.NoError(t, s.Save(ctx, codec.Record{"id": i, "score": i * 10}, nil))
	}

	m, ok := s.Maintainer("by_score")
	require.True(t, ok)
	rr := m.(rankReader)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	// scores strictly greater than 750 are 760..990 step 10: 24 values.
	rank, err := rr.Rank(ctx, tx, codec.Record{"id": int64(75), "score": int64(750)})
	require.NoError(t, err)
	assert.Equal(t, int64(24), rank)
}

// --- spatial index ---

func venueType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Venue",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "lat", Number: 2, Wire: schema.WireFixed64},
			{Name: "lon", Number: 3, Wire: schema.WireFixed64},
		},
		Indexes: []schema.IndexDefinition{
			{
				Name:          "by_location",
				Kind:          schema.IndexSpatial,
				KeyExpression: []string{"lat", "lon"},
				Spatial: schema.SpatialOptions{
					Kind:   schema.Spatial2DGeo,
					Fields: []string{"lat", "lon"},
				},
			},
		},
	}
}

func TestSpatialRadiusPostFilterExcludesCoverCellFalsePositives(t *testing.T) {
	s := newStore(t, venueType())
	ctx := context.Background()

	// San Francisco center, plus one venue ~1km away and one ~47km away;
	// both land in the same coarse cover-cell scan since CellRangeForBox
	// is deliberately approximate, so only the exact-distance post-filter
	// tells them apart.
	center := []float64{37.7749, -122.4194}
	near := codec.Record{"id": int64(1), "lat": 37.7839, "lon": -122.4194} // ~1.0km north
	far := codec.Record{"id": int64(2), "lat": 38.2000, "lon": -122.4194} // ~47km north
	records := map[int64]codec.Record{1: near, 2: far}
	require.NoError(t, s.Save(ctx, near, nil))
	require.NoError(t, s.Save(ctx, far, nil))

	m, ok := s.Maintainer("by_location")
	require.True(t, ok)
	sp, ok := m.(spatialOps)
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	entries, err := m.Scan(ctx, tx, index.ScanRange{Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var kept []keyval.Tuple
	for _, e := range entries {
		coords, complete := sp.Coords(records[e.Primary[0].(int64)])
		require.True(t, complete)
		dist, err := sp.Distance(center, coords)
		require.NoError(t, err)
		if dist <= 5000 {
			kept = append(kept, e.Primary)
		}
	}

	require.Len(t, kept, 1)
	assert.Equal(t, keyval.Tuple{int64(1)}, kept[0])
}

func TestBoxForRadiusAndCellRangeForBoxProduceAnOrderedScanRange(t *testing.T) {
	s := newStore(t, venueType())
	m, ok := s.Maintainer("by_location")
	require.True(t, ok)
	sp := m.(spatialOps)

	minBox, maxBox, err := sp.BoxForRadius([]float64{37.7749, -122.4194}, 5000)
	require.NoError(t, err)
	require.Len(t, minBox, 2)
	require.Len(t, maxBox, 2)
	assert.Less(t, minBox[0], maxBox[0])
	assert.Less(t, minBox[1], maxBox[1])

	begin, end, err := sp.CellRangeForBox(minBox, maxBox)
	require.NoError(t, err)
	require.Len(t, begin, 1)
	require.Len(t, end, 1)
	assert.Less(t, begin[0].(int64), end[0].(int64))
}

func TestSpatialDistanceIsExactGreatCircleMeters(t *testing.T) {
	s := newStore(t, venueType())
	m, ok := s.Maintainer("by_location")
	require.True(t, ok)
	sp := m.(spatialOps)

	// two points one degree of longitude apart on the equator: ~111.2km.
	dist, err := sp.Distance([]float64{0, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 111195.0, dist, 500.0)
}

// --- vector index ---

func embeddingType(strategy schema.VectorStrategy, inline, ack bool) schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Embedding",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "vec", Number: 2, Wire: schema.WireLengthDelimited, Repeated: true},
		},
		Indexes: []schema.IndexDefinition{
			{
				Name:          "by_vec",
				Kind:          schema.IndexVector,
				KeyExpression: []string{"vec"},
				Vector: schema.VectorOptions{
					Dimensions:      3,
					Metric:          schema.MetricEuclidean,
					Strategy:        strategy,
					InlineIndexing:  inline,
					AcknowledgeRisk: ack,
				},
			},
		},
	}
}

func TestVectorFlatScanSearchReturnsNearestByEuclideanDistance(t *testing.T) {
	s := newStore(t, embeddingType(schema.VectorFlatScan, false, false))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "vec": []float64{0, 0, 0}}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(2), "vec": []float64{10, 10, 10}}, nil))
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(3), "vec": []float64{1, 0, 0}}, nil))

	m, ok := s.Maintainer("by_vec")
	require.True(t, ok)
	vs, ok := m.(vectorSearcher)
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	results, err := vs.Search(ctx, tx, []float32{0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, keyval.Tuple{int64(1)}, results[0])
	assert.Equal(t, keyval.Tuple{int64(3)}, results[1])
}

func TestVectorHNSWInlineIndexingWithoutAcknowledgeRiskIsRefused(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	_, err := store.New(engine, embeddingType(schema.VectorHNSW, true, false), store.Options{
		Sub:      keyval.NewSubspace([]byte("R")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rlerrors.ErrInlineHNSWNotAcknowledged))
}

func TestVectorHNSWInlineIndexingSucceedsWhenRiskAcknowledged(t *testing.T) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	_, err := store.New(engine, embeddingType(schema.VectorHNSW, true, true), store.Options{
		Sub:      keyval.NewSubspace([]byte("R")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)
}
