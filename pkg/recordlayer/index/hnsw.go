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
	"fmt"
	"math/rand"
	"sort"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// HNSW nodes live at `I/<name>/layers/<level>/<primaryKey...> -> neighbor
// list`, one key per (level, node). A node's top level is chosen with the
// usual exponential-decay distribution; level 0 carries every node, higher
// levels carry exponentially fewer, letting search descend from a sparse
// top layer into the dense base layer in O(log n) hops.
const (
	hnswM              = 16  // neighbors kept per node per layer
	hnswEfConstruction = 64  // candidate list size while inserting
	hnswEfSearch       = 48  // candidate list size while searching
	hnswLevelNormalize = 1.0 / 0.36 // ~ln(M); its reciprocal is the per-level promotion probability
)

func (m *vectorMaintainer) layerSub() keyval.Subspace {
	return m.deps.IndexSub.Sub("layers")
}

func (m *vectorMaintainer) entryPointKey() []byte {
	return m.deps.IndexSub.Pack(keyval.Tuple{"entrypoint"})
}

func (m *vectorMaintainer) neighborsKey(level int, pk keyval.Tuple) []byte {
	return m.layerSub().Sub(level).Pack(pk)
}

func hnswRandomLevel() int {
	level := 0
	for rand.Float64() < 1.0/hnswLevelNormalize && level < 32 { //nolint:gosec // graph balancing, not cryptographic
		level++
	}
	return level
}

type hnswNeighbor struct {
	pk    keyval.Tuple
	score float64
}

func encodeNeighbors(ns []keyval.Tuple) []byte {
	t := make(keyval.Tuple, len(ns))
	for i, n := range ns {
		t[i] = n.Pack()
	}
	return t.Pack()
}

func decodeNeighbors(b []byte) ([]keyval.Tuple, error) {
	t, err := keyval.Unpack(b)
	if err != nil {
		return nil, err
	}
	out := make([]keyval.Tuple, 0, len(t))
	for _, raw := range t {
		bs, ok := raw.([]byte)
		if !ok {
			continue
		}
		pk, err := keyval.Unpack(bs)
		if err != nil {
			continue
		}
		out = append(out, pk)
	}
	return out, nil
}

func (m *vectorMaintainer) getNeighbors(ctx context.Context, tx keyval.Transaction, level int, pk keyval.Tuple) ([]keyval.Tuple, error) {
	v, found, err := tx.Get(ctx, m.neighborsKey(level, pk), false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return decodeNeighbors(v)
}

func (m *vectorMaintainer) setNeighbors(tx keyval.Transaction, level int, pk keyval.Tuple, ns []keyval.Tuple) error {
	return tx.Set(m.neighborsKey(level, pk), encodeNeighbors(ns))
}

func (m *vectorMaintainer) vectorOf(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple) ([]float32, bool, error) {
	if v, ok := m.cache.Get(string(pk.Pack())); ok {
		return v, true, nil
	}
	raw, found, err := tx.Get(ctx, m.entryKey(pk), false)
	if err != nil || !found {
		return nil, found, err
	}
	vec := decodeVector(raw)
	m.cache.Set(string(pk.Pack()), vec, int64(len(raw)))
	return vec, true, nil
}

func (m *vectorMaintainer) getEntryPoint(ctx context.Context, tx keyval.Transaction) (keyval.Tuple, int, bool, error) {
	v, found, err := tx.Get(ctx, m.entryPointKey(), false)
	if err != nil || !found {
		return nil, 0, found, err
	}
	t, err := keyval.Unpack(v)
	if err != nil || len(t) < 2 {
		return nil, 0, false, err
	}
	level, ok := t[len(t)-1].(int64)
	if !ok {
		return nil, 0, false, fmt.Errorf("recordlayer/index: corrupt hnsw entry point")
	}
	return keyval.Tuple(t[:len(t)-1]), int(level), true, nil
}

func (m *vectorMaintainer) setEntryPoint(tx keyval.Transaction, pk keyval.Tuple, level int) error {
	full := append(append(keyval.Tuple{}, pk...), int64(level))
	return tx.Set(m.entryPointKey(), full.Pack())
}

// insertIntoGraph links a newly saved vector into the HNSW graph: it
// greedily descends from the current entry point to the node's own top
// level, then at every level from there down to 0 it picks the M closest
// neighbors found by searchLayer and connects both ways.
func (m *vectorMaintainer) insertIntoGraph(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple, vec []float32) error {
	nodeLevel := hnswRandomLevel()

	entryPK, entryLevel, found, err := m.getEntryPoint(ctx, tx)
	if err != nil {
		return fmt.Errorf("recordlayer/index: hnsw read entry point: %w", err)
	}
	if !found {
		for l := 0; l <= nodeLevel; l++ {
			if err := m.setNeighbors(tx, l, pk, nil); err != nil {
				return err
			}
		}
		return m.setEntryPoint(tx, pk, nodeLevel)
	}

	cur := entryPK
	for l := entryLevel; l > nodeLevel; l-- {
		cur, err = m.greedyDescend(ctx, tx, vec, cur, l)
		if err != nil {
			return err
		}
	}

	for l := min(entryLevel, nodeLevel); l >= 0; l-- {
		candidates, err := m.searchLayer(ctx, tx, vec, cur, l, hnswEfConstruction)
		if err != nil {
			return err
		}
		neighbors := selectNeighbors(candidates, hnswM)
		if err := m.setNeighbors(tx, l, pk, neighbors); err != nil {
			return err
		}
		for _, n := range neighbors {
			existing, err := m.getNeighbors(ctx, tx, l, n)
			if err != nil {
				return err
			}
			existing = append(existing, pk)
			if len(existing) > hnswM {
				existing = m.pruneNeighbors(ctx, tx, n, l, existing)
			}
			if err := m.setNeighbors(tx, l, n, existing); err != nil {
				return err
			}
		}
		if len(candidates) > 0 {
			cur = candidates[0].pk
		}
	}

	if nodeLevel > entryLevel {
		return m.setEntryPoint(tx, pk, nodeLevel)
	}
	return nil
}

func (m *vectorMaintainer) pruneNeighbors(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple, level int, ns []keyval.Tuple) []keyval.Tuple {
	vec, found, err := m.vectorOf(ctx, tx, pk)
	if err != nil || !found {
		return ns[:hnswM]
	}
	scored := make([]hnswNeighbor, 0, len(ns))
	for _, n := range ns {
		nv, found, err := m.vectorOf(ctx, tx, n)
		if err != nil || !found {
			continue
		}
		scored = append(scored, hnswNeighbor{pk: n, score: m.distance(vec, nv)})
	}
	higherIsCloser := m.deps.Def.Vector.Metric != schema.MetricEuclidean
	sort.Slice(scored, func(i, j int) bool {
		if higherIsCloser {
			return scored[i].score > scored[j].score
		}
		return scored[i].score < scored[j].score
	})
	if len(scored) > hnswM {
		scored = scored[:hnswM]
	}
	out := make([]keyval.Tuple, len(scored))
	for i, s := range scored {
		out[i] = s.pk
	}
	return out
}

func selectNeighbors(candidates []hnswNeighbor, m int) []keyval.Tuple {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]keyval.Tuple, len(candidates))
	for i, c := range candidates {
		out[i] = c.pk
	}
	return out
}

// greedyDescend returns the single closest node to vec reachable from cur
// at level, used while dropping down through the sparse upper layers.
func (m *vectorMaintainer) greedyDescend(ctx context.Context, tx keyval.Transaction, vec []float32, cur keyval.Tuple, level int) (keyval.Tuple, error) {
	best := cur
	bestVec, _, err := m.vectorOf(ctx, tx, cur)
	if err != nil {
		return cur, err
	}
	bestScore := m.distance(vec, bestVec)
	higherIsCloser := m.deps.Def.Vector.Metric != schema.MetricEuclidean

	improved := true
	for improved {
		improved = false
		neighbors, err := m.getNeighbors(ctx, tx, level, best)
		if err != nil {
			return best, err
		}
		for _, n := range neighbors {
			nv, found, err := m.vectorOf(ctx, tx, n)
			if err != nil || !found {
				continue
			}
			score := m.distance(vec, nv)
			if (higherIsCloser && score > bestScore) || (!higherIsCloser && score < bestScore) {
				best, bestScore, improved = n, score, true
			}
		}
	}
	return best, nil
}

// searchLayer runs a best-first traversal at level starting from entry,
// visiting every node reachable from it at that level, and returns the ef
// closest of them ordered closest-first.
func (m *vectorMaintainer) searchLayer(ctx context.Context, tx keyval.Transaction, vec []float32, entry keyval.Tuple, level, ef int) ([]hnswNeighbor, error) {
	visited := map[string]bool{string(entry.Pack()): true}
	entryVec, _, err := m.vectorOf(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	frontier := []hnswNeighbor{{pk: entry, score: m.distance(vec, entryVec)}}
	result := append([]hnswNeighbor{}, frontier...)
	higherIsCloser := m.deps.Def.Vector.Metric != schema.MetricEuclidean

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			if higherIsCloser {
				return frontier[i].score > frontier[j].score
			}
			return frontier[i].score < frontier[j].score
		})
		cur := frontier[0]
		frontier = frontier[1:]

		neighbors, err := m.getNeighbors(ctx, tx, level, cur.pk)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			key := string(n.Pack())
			if visited[key] {
				continue
			}
			visited[key] = true
			nv, found, err := m.vectorOf(ctx, tx, n)
			if err != nil || !found {
				continue
			}
			cand := hnswNeighbor{pk: n, score: m.distance(vec, nv)}
			frontier = append(frontier, cand)
			result = append(result, cand)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if higherIsCloser {
			return result[i].score > result[j].score
		}
		return result[i].score < result[j].score
	})
	if len(result) > ef {
		result = result[:ef]
	}
	return result, nil
}

func (m *vectorMaintainer) searchGraph(ctx context.Context, tx keyval.Transaction, vec []float32, topK int) ([]keyval.Tuple, error) {
	entryPK, entryLevel, found, err := m.getEntryPoint(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: hnsw read entry point: %w", err)
	}
	if !found {
		return nil, nil
	}

	cur := entryPK
	for l := entryLevel; l > 0; l-- {
		cur, err = m.greedyDescend(ctx, tx, vec, cur, l)
		if err != nil {
			return nil, err
		}
	}

	ef := hnswEfSearch
	if topK > ef {
		ef = topK
	}
	candidates, err := m.searchLayer(ctx, tx, vec, cur, 0, ef)
	if err != nil {
		return nil, err
	}
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	out := make([]keyval.Tuple, len(candidates))
	for i, c := range candidates {
		out[i] = c.pk
	}
	return out, nil
}

// removeFromGraph unlinks pk from every layer it participates in. The
// graph is left intentionally un-repaired beyond splicing pk out of its
// neighbors' lists: HNSW tolerates a node's absence from the set its
// neighbors would have chosen fresh. Nothing re-links the neighbors
// afterwards; the vector index's Scrub repairs index entries, not
// neighbor lists.
func (m *vectorMaintainer) removeFromGraph(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple) error {
	entryPK, entryLevel, found, err := m.getEntryPoint(ctx, tx)
	if err != nil {
		return fmt.Errorf("recordlayer/index: hnsw read entry point: %w", err)
	}
	if !found {
		return nil
	}

	for l := entryLevel; l >= 0; l-- {
		ns, err := m.getNeighbors(ctx, tx, l, pk)
		if err != nil {
			continue
		}
		if err := tx.Clear(m.neighborsKey(l, pk)); err != nil {
			return fmt.Errorf("recordlayer/index: hnsw clear node: %w", err)
		}
		for _, n := range ns {
			peers, err := m.getNeighbors(ctx, tx, l, n)
			if err != nil {
				continue
			}
			filtered := peers[:0]
			for _, p := range peers {
				if !tuplesEqual(p, pk) {
					filtered = append(filtered, p)
				}
			}
			if err := m.setNeighbors(tx, l, n, filtered); err != nil {
				return err
			}
		}
	}

	if bytesCompare(entryPK.Pack(), pk.Pack()) == 0 {
		return tx.Clear(m.entryPointKey())
	}
	return nil
}

