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

package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// vectorMaintainer implements spec §4.3.7's flat-scan strategy: entries
// keyed `I/<name>/<primaryKey...> -> vector bytes`, searched by decoding
// every entry in range and scoring it against the query vector with the
// index's configured metric. HNSW entries share the same flat storage
// scheme but are additionally linked through a small navigable-graph layer
// so nearest-neighbor search doesn't have to touch every vector.
//
// Vectors written by Update, and vectors the HNSW graph walk loads, are
// cached in a ristretto cache sized by estimated byte cost (go-humanize
// renders the configured budget in the cache construction error), so the
// graph search does not re-read and decode the same hot vectors. The
// flat-scan Search decodes every entry from the store and does not use
// the cache.
type vectorMaintainer struct {
	deps  Deps
	cache *ristretto.Cache[string, []float32]
}

const vectorCacheBudget = 64 << 20 // 64MiB of estimated decoded-vector cost

func newVectorMaintainer(deps Deps) (Maintainer, error) {
	if deps.Def.Vector.Strategy == schema.VectorHNSW && deps.Def.Vector.InlineIndexing && !deps.Def.Vector.AcknowledgeRisk {
		// schema.Register already refuses to register such an index, but a
		// maintainer can be constructed directly against a hand-built
		// schema.IndexDefinition in tests, so the gate is re-checked here.
		return nil, rlerrors.ErrInlineHNSWNotAcknowledged
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 1_000_000,
		MaxCost:     vectorCacheBudget,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: vector cache (budget %s): %w", humanize.Bytes(vectorCacheBudget), err)
	}

	return &vectorMaintainer{deps: deps, cache: cache}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (m *vectorMaintainer) vectorField(rec codec.Record) ([]float32, bool) {
	fields := m.deps.Def.IndexedFields()
	if len(fields) != 1 {
		return nil, false
	}
	raw, ok := rec[fields[0]]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, true
	case []float32:
		return v, true
	default:
		return nil, false
	}
}

func (m *vectorMaintainer) entryKey(pk keyval.Tuple) []byte {
	return m.deps.IndexSub.Pack(pk)
}

func (m *vectorMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		pk := primaryKeyTuple(m.deps.RecordType, old)
		if err := tx.Clear(m.entryKey(pk)); err != nil {
			return fmt.Errorf("recordlayer/index: vector clear old: %w", err)
		}
		m.cache.Del(string(pk.Pack()))
		if m.deps.Def.Vector.Strategy == schema.VectorHNSW {
			if err := m.removeFromGraph(ctx, tx, pk); err != nil {
				return err
			}
		}
	}
	if new != nil {
		vec, complete := m.vectorField(new)
		if !complete {
			return nil
		}
		if m.deps.Def.Vector.Dimensions != 0 && len(vec) != m.deps.Def.Vector.Dimensions {
			return fmt.Errorf("recordlayer/index: vector index %q expects dimension %d, got %d",
				m.deps.Def.Name, m.deps.Def.Vector.Dimensions, len(vec))
		}
		pk := primaryKeyTuple(m.deps.RecordType, new)
		enc := encodeVector(vec)
		if err := tx.Set(m.entryKey(pk), enc); err != nil {
			return fmt.Errorf("recordlayer/index: vector set: %w", err)
		}
		m.cache.Set(string(pk.Pack()), vec, int64(len(enc)))
		if m.deps.Def.Vector.Strategy == schema.VectorHNSW {
			if err := m.insertIntoGraph(ctx, tx, pk, vec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *vectorMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
	if !snapshot {
		ok, err := m.deps.scannable(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, rlerrors.ErrIndexNotReady
		}
	}

	begin := m.deps.IndexSub.Pack(r.Begin)
	var end []byte
	switch {
	case r.Prefix:
		end = keyval.StrInc(begin)
	case r.End != nil:
		end = m.deps.IndexSub.Pack(r.End)
	default:
		_, end = m.deps.IndexSub.Range()
	}

	kvs, err := tx.GetRange(ctx, begin, end, snapshot, keyval.RangeOptions{Limit: r.Limit})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: vector scan: %w", err)
	}

	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		pk, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Primary: pk, RawValue: kv.Value})
	}
	return entries, nil
}

func (m *vectorMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	return scrubGeneric(ctx, tx, m.deps, phase, r, func(rec codec.Record) ([]keyval.Tuple, error) {
		if _, complete := m.vectorField(rec); !complete {
			return nil, nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, rec)
		return []keyval.Tuple{pk}, nil
	})
}

// scored pairs a flat-scan candidate with its similarity score; sorting by
// Score ascending or descending depends on the metric's "better" direction
// (cosine/dot: higher is closer, euclidean: lower is closer).
type scored struct {
	pk    keyval.Tuple
	score float64
}

// Search runs a brute-force nearest-neighbor query over every entry in the
// index (or, for HNSW, a greedy graph descent), returning the topK closest
// primary keys by the index's configured metric.
func (m *vectorMaintainer) Search(ctx context.Context, tx keyval.Transaction, query []float32, topK int) ([]keyval.Tuple, error) {
	if m.deps.Def.Vector.Strategy == schema.VectorHNSW {
		return m.searchGraph(ctx, tx, query, topK)
	}

	begin, end := m.deps.IndexSub.Range()
	kvs, err := tx.GetRange(ctx, begin, end, true, keyval.RangeOptions{})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: vector flat-scan search: %w", err)
	}

	candidates := make([]scored, 0, len(kvs))
	for _, kv := range kvs {
		pk, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		vec := decodeVector(kv.Value)
		candidates = append(candidates, scored{pk: pk, score: m.distance(query, vec)})
	}
	return topCandidates(candidates, topK, m.deps.Def.Vector.Metric), nil
}

func topCandidates(candidates []scored, topK int, metric schema.DistanceMetric) []keyval.Tuple {
	higherIsCloser := metric != schema.MetricEuclidean
	sort.Slice(candidates, func(i, j int) bool {
		if higherIsCloser {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].score < candidates[j].score
	})
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	out := make([]keyval.Tuple, len(candidates))
	for i, c := range candidates {
		out[i] = c.pk
	}
	return out
}

func (m *vectorMaintainer) distance(a, b []float32) float64 {
	switch m.deps.Def.Vector.Metric {
	case schema.MetricEuclidean:
		return euclidean(a, b)
	case schema.MetricDot:
		return dot(a, b)
	default:
		return cosine(a, b)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosine(a, b []float32) float64 {
	d := dot(a, b)
	var na, nb float64
	for _, f := range a {
		na += float64(f) * float64(f)
	}
	for _, f := range b {
		nb += float64(f) * float64(f)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
