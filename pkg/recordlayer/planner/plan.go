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

package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
)

// NodeKind tags a PlanNode the way index.Maintainer's dispatcher tags
// maintainers: one closed union, switched over once at execution time.
type NodeKind int

const (
	NodeIndexScan NodeKind = iota
	NodeFullScan
	NodeFilter
	NodeSort
	NodeUnion
	NodeIntersection
	NodeInJoin
	NodeCovering
	NodeDistinct
	NodeFirst
	NodeRankScan
	NodeVectorSearch
	NodeSpatialScan
)

// PlanNode is one node of the executable plan tree the planner builds from
// a Query. Fields are populated according to Kind; unused fields are zero.
type PlanNode struct {
	Kind NodeKind

	// NodeIndexScan / NodeCovering / NodeRankScan / NodeVectorSearch / NodeSpatialScan
	IndexName string
	Begin     keyval.Tuple
	End       keyval.Tuple
	Prefix    bool // no finite End tuple bounds an equality match; derive it from Begin's packed bytes instead
	Reverse   bool

	// NodeFilter
	Residual *Predicate

	// NodeSort
	SortKeys []SortKey

	// NodeUnion / NodeIntersection
	Children []*PlanNode

	// NodeInJoin
	Template *PlanNode
	Values   []any

	// NodeCovering
	CoveredFields []string

	// NodeFirst
	Limit int

	// NodeVectorSearch
	VectorQuery []float32
	K           int

	// NodeSpatialScan: BoxMin/BoxMax bound the cover-cell scan. Center and
	// RadiusMeters are additionally set for an OpSpatialRadius predicate, so
	// execution can post-filter the coarse cell range down to the exact
	// disc instead of returning the whole bounding box.
	BoxMin, BoxMax []float64
	Center         []float64
	RadiusMeters   float64

	// estimatedCost is filled in by costing during candidate selection;
	// exposed so tests and the cache key logic can reason about why a
	// candidate won.
	estimatedCost float64
}

// String renders a compact, human-readable trace of the plan tree, used in
// logs and EXPLAIN-style debugging.
func (n *PlanNode) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case NodeIndexScan:
		return fmt.Sprintf("IndexScan(%s, reverse=%v)", n.IndexName, n.Reverse)
	case NodeFullScan:
		return "FullScan()"
	case NodeFilter:
		return fmt.Sprintf("Filter(%s)", n.Children[0])
	case NodeSort:
		return fmt.Sprintf("Sort(%s, keys=%v)", n.Children[0], n.SortKeys)
	case NodeUnion:
		return fmt.Sprintf("Union(%v)", n.Children)
	case NodeIntersection:
		return fmt.Sprintf("Intersection(%v)", n.Children)
	case NodeInJoin:
		return fmt.Sprintf("InJoin(%s, values=%d)", n.Template, len(n.Values))
	case NodeCovering:
		return fmt.Sprintf("Covering(%s, fields=%v)", n.IndexName, n.CoveredFields)
	case NodeDistinct:
		return fmt.Sprintf("Distinct(%s)", n.Children[0])
	case NodeFirst:
		return fmt.Sprintf("First(%s, n=%d)", n.Children[0], n.Limit)
	case NodeRankScan:
		return fmt.Sprintf("RankScan(%s)", n.IndexName)
	case NodeVectorSearch:
		return fmt.Sprintf("VectorSearch(%s, k=%d)", n.IndexName, n.K)
	case NodeSpatialScan:
		return fmt.Sprintf("SpatialScan(%s)", n.IndexName)
	default:
		return "?"
	}
}

// execCtx bundles the collaborators plan-node execution needs, threaded
// through the recursive evaluator instead of stored on PlanNode itself so
// the same tree can be replayed against different transactions.
type execCtx struct {
	backend  Backend
	tx       keyval.Transaction
	snapshot bool
}

// run evaluates n, returning the primary keys it produces in order. Record
// materialization happens once, at the top level, after dedup/sort/limit
// have trimmed the key set.
func (n *PlanNode) run(ctx context.Context, ec *execCtx) ([]keyval.Tuple, error) {
	switch n.Kind {
	case NodeIndexScan, NodeCovering:
		m, ok := ec.backend.Maintainer(n.IndexName)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: unknown index %q", n.IndexName)
		}
		entries, err := m.Scan(ctx, ec.tx, index.ScanRange{Begin: n.Begin, End: n.End, Prefix: n.Prefix, Reverse: n.Reverse}, ec.snapshot)
		if err != nil {
			return nil, err
		}
		out := make([]keyval.Tuple, len(entries))
		for i, e := range entries {
			out[i] = e.Primary
		}
		return out, nil

	case NodeFullScan:
		return ec.backend.ScanAllPrimaryKeys(ctx, ec.tx, ec.snapshot)

	case NodeFilter:
		keys, err := n.Children[0].run(ctx, ec)
		if err != nil {
			return nil, err
		}
		return filterByPredicate(ctx, ec, keys, n.Residual)

	case NodeSort:
		keys, err := n.Children[0].run(ctx, ec)
		if err != nil {
			return nil, err
		}
		return sortKeys(ctx, ec, keys, n.SortKeys)

	case NodeUnion:
		seen := map[string]bool{}
		var out []keyval.Tuple
		for _, c := range n.Children {
			ks, err := c.run(ctx, ec)
			if err != nil {
				return nil, err
			}
			for _, k := range ks {
				sig := k.Pack()
				if !seen[string(sig)] {
					seen[string(sig)] = true
					out = append(out, k)
				}
			}
		}
		return out, nil

	case NodeIntersection:
		if len(n.Children) == 0 {
			return nil, nil
		}
		counts := map[string]int{}
		byKey := map[string]keyval.Tuple{}
		for _, c := range n.Children {
			ks, err := c.run(ctx, ec)
			if err != nil {
				return nil, err
			}
			for _, k := range ks {
				sig := string(k.Pack())
				if counts[sig] == 0 {
					byKey[sig] = k
				}
				counts[sig]++
			}
		}
		var out []keyval.Tuple
		for sig, c := range counts {
			if c == len(n.Children) {
				out = append(out, byKey[sig])
			}
		}
		return out, nil

	case NodeInJoin:
		var out []keyval.Tuple
		seen := map[string]bool{}
		for _, v := range n.Values {
			child := n.Template.bindValue(v)
			ks, err := child.run(ctx, ec)
			if err != nil {
				return nil, err
			}
			for _, k := range ks {
				sig := string(k.Pack())
				if !seen[sig] {
					seen[sig] = true
					out = append(out, k)
				}
			}
		}
		return out, nil

	case NodeDistinct:
		keys, err := n.Children[0].run(ctx, ec)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		var out []keyval.Tuple
		for _, k := range keys {
			sig := string(k.Pack())
			if !seen[sig] {
				seen[sig] = true
				out = append(out, k)
			}
		}
		return out, nil

	case NodeFirst:
		keys, err := n.Children[0].run(ctx, ec)
		if err != nil {
			return nil, err
		}
		if n.Limit > 0 && len(keys) > n.Limit {
			keys = keys[:n.Limit]
		}
		return keys, nil

	case NodeRankScan:
		m, ok := ec.backend.Maintainer(n.IndexName)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: unknown index %q", n.IndexName)
		}
		entries, err := m.Scan(ctx, ec.tx, index.ScanRange{Begin: n.Begin, End: n.End, Prefix: n.Prefix, Reverse: n.Reverse, Limit: n.Limit}, ec.snapshot)
		if err != nil {
			return nil, err
		}
		out := make([]keyval.Tuple, len(entries))
		for i, e := range entries {
			out[i] = e.Primary
		}
		return out, nil

	case NodeVectorSearch:
		searcher, ok := ec.backend.Maintainer(n.IndexName).(vectorSearcher)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: index %q does not support vector search", n.IndexName)
		}
		return searcher.Search(ctx, ec.tx, n.VectorQuery, n.K)

	case NodeSpatialScan:
		m, ok := ec.backend.Maintainer(n.IndexName)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: unknown index %q", n.IndexName)
		}
		ranger, ok := m.(cellRanger)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: index %q does not support cell ranges", n.IndexName)
		}
		extractor, ok := m.(spatialCoords)
		if !ok {
			return nil, fmt.Errorf("recordlayer/planner: index %q does not expose coordinates", n.IndexName)
		}
		begin, end, err := ranger.CellRangeForBox(n.BoxMin, n.BoxMax)
		if err != nil {
			return nil, err
		}
		entries, err := m.Scan(ctx, ec.tx, index.ScanRange{Begin: begin, End: end}, ec.snapshot)
		if err != nil {
			return nil, err
		}

		// The cover-cell range is a coarse superset: materialize each
		// candidate and keep only the ones that actually satisfy the exact
		// containment (box) or great-circle/Euclidean distance (radius)
		// query. A dangling cell entry whose record is already gone is
		// dropped rather than treated as an error.
		out := make([]keyval.Tuple, 0, len(entries))
		for _, e := range entries {
			rec, found, err := ec.backend.FetchByKey(ctx, e.Primary, ec.tx, ec.snapshot)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			coords, complete := extractor.Coords(rec)
			if !complete {
				continue
			}
			if n.Center != nil {
				measurer, ok := m.(spatialDistance)
				if !ok {
					return nil, fmt.Errorf("recordlayer/planner: index %q does not support distance", n.IndexName)
				}
				dist, err := measurer.Distance(n.Center, coords)
				if err != nil {
					return nil, err
				}
				if dist > n.RadiusMeters {
					continue
				}
			} else if !coordsWithinBox(coords, n.BoxMin, n.BoxMax) {
				continue
			}
			out = append(out, e.Primary)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("recordlayer/planner: unexecutable node kind %d", n.Kind)
	}
}

// coordsWithinBox reports whether coords falls within [min, max] on every
// dimension both bounds cover.
func coordsWithinBox(coords, min, max []float64) bool {
	for i := range coords {
		if i >= len(min) || i >= len(max) {
			break
		}
		if coords[i] < min[i] || coords[i] > max[i] {
			return false
		}
	}
	return true
}

// vectorSearcher is satisfied by the vector index maintainer; kept as a
// narrow local interface so planner needn't import the concrete type.
type vectorSearcher interface {
	Search(ctx context.Context, tx keyval.Transaction, query []float32, topK int) ([]keyval.Tuple, error)
}

// cellRanger is satisfied by the spatial index maintainer.
type cellRanger interface {
	CellRangeForBox(minCoord, maxCoord []float64) (begin, end keyval.Tuple, err error)
}

// spatialCoords is satisfied by the spatial index maintainer, extracting a
// fetched record's indexed coordinates for post-filtering.
type spatialCoords interface {
	Coords(rec codec.Record) ([]float64, bool)
}

// spatialDistance is satisfied by the spatial index maintainer, computing
// the exact distance an OpSpatialRadius post-filter tests against its
// radius.
type spatialDistance interface {
	Distance(a, b []float64) (float64, error)
}

// bindValue returns a copy of the InJoin template with its single
// equality placeholder bound to v; used once per IN-predicate value.
func (n *PlanNode) bindValue(v any) *PlanNode {
	cp := *n
	for i, elem := range cp.Begin {
		if elem == inPlaceholder {
			cp.Begin = append(keyval.Tuple{}, cp.Begin...)
			cp.Begin[i] = v
			break
		}
	}
	for i, elem := range cp.End {
		if elem == inPlaceholder {
			cp.End = append(keyval.Tuple{}, cp.End...)
			cp.End[i] = v
			break
		}
	}
	return &cp
}

// inPlaceholder marks the slot within an InJoin template's Begin/End
// tuples that bindValue substitutes per IN-predicate value.
var inPlaceholder = struct{ placeholder string }{"in"}

func filterByPredicate(ctx context.Context, ec *execCtx, keys []keyval.Tuple, p *Predicate) ([]keyval.Tuple, error) {
	if p == nil {
		return keys, nil
	}
	var out []keyval.Tuple
	for _, k := range keys {
		rec, found, err := ec.backend.FetchByKey(ctx, k, ec.tx, ec.snapshot)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if evalPredicate(p, rec) {
			out = append(out, k)
		}
	}
	return out, nil
}

func sortKeys(ctx context.Context, ec *execCtx, keys []keyval.Tuple, order []SortKey) ([]keyval.Tuple, error) {
	if len(order) == 0 {
		return keys, nil
	}
	type row struct {
		key keyval.Tuple
		rec codec.Record
	}
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		rec, found, err := ec.backend.FetchByKey(ctx, k, ec.tx, ec.snapshot)
		if err != nil {
			return nil, err
		}
		if found {
			rows = append(rows, row{key: k, rec: rec})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, sk := range order {
			vi, vj := rows[i].rec[sk.Field], rows[j].rec[sk.Field]
			c := compareAny(vi, vj)
			if c == 0 {
				continue
			}
			if sk.Direction == Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	out := make([]keyval.Tuple, len(rows))
	for i, r := range rows {
		out[i] = r.key
	}
	return out, nil
}

// evalPredicate applies a residual filter tree to a materialized record.
func evalPredicate(p *Predicate, rec codec.Record) bool {
	if p.isLeaf() {
		return evalLeaf(p, rec)
	}
	switch p.Bool {
	case BoolAnd:
		for _, c := range p.Children {
			if !evalPredicate(c, rec) {
				return false
			}
		}
		return true
	case BoolOr:
		for _, c := range p.Children {
			if evalPredicate(c, rec) {
				return true
			}
		}
		return false
	case BoolNot:
		return !evalPredicate(p.Children[0], rec)
	default:
		return false
	}
}

func evalLeaf(p *Predicate, rec codec.Record) bool {
	v, ok := rec[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return compareAny(v, p.Value) == 0
	case OpLt:
		return compareAny(v, p.Value) < 0
	case OpLte:
		return compareAny(v, p.Value) <= 0
	case OpGt:
		return compareAny(v, p.Value) > 0
	case OpGte:
		return compareAny(v, p.Value) >= 0
	case OpIn:
		for _, s := range p.Set {
			if compareAny(v, s) == 0 {
				return true
			}
		}
		return false
	default:
		return true // spatial/vector leaves are handled by their own plan nodes, never as residuals
	}
}

func compareAny(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// materialize fetches the full records for keys, in order, skipping any
// key whose record has vanished since the scan (benign under snapshot
// isolation).
func materialize(ctx context.Context, backend Backend, keys []keyval.Tuple, tx keyval.Transaction, snapshot bool) ([]codec.Record, error) {
	out := make([]codec.Record, 0, len(keys))
	for _, k := range keys {
		rec, found, err := backend.FetchByKey(ctx, k, tx, snapshot)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}
