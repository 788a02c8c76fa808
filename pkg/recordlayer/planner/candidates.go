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
	"math"
	"sort"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// scanCostPerRow is the constant per-row cost of an index scan, used by
// the cost formula alongside sort and fetch costs.
const scanCostPerRow = 1.0

// fullScanCostPerRow penalizes a FullScan relative to an index scan,
// reflecting that it reads every record regardless of selectivity.
const fullScanCostPerRow = 4.0

// candidate is one enumerated plan option for a single DNF disjunct,
// alongside the estimated cost driving the final selection.
type candidate struct {
	node         *PlanNode
	cost         float64
	covering     bool
	sortSatisfied bool
	residual     []*Predicate
}

// planDisjunct builds the lowest-cost plan for one conjunction of atomic
// predicates, falling back to FullScan unless the query forbids it.
func planDisjunct(ctx context.Context, backend Backend, conjuncts []*Predicate, q *Query, statsFn cardinalityFn) (*PlanNode, []*Predicate, error) {
	var candidates []*candidate

	for _, def := range backend.IndexDefinitions() {
		st, err := indexReadable(ctx, backend, def.Name)
		if err != nil {
			return nil, nil, err
		}
		if !st {
			continue
		}

		if c := candidateForIndex(def, conjuncts, q, statsFn); c != nil {
			candidates = append(candidates, c)
		}
		if c := candidateForInJoin(def, conjuncts, statsFn); c != nil {
			candidates = append(candidates, c)
		}
	}

	// Spatial and vector leaves are not expressible as key-prefix
	// candidates above; check them explicitly since each implies its own
	// index by name via the predicate itself having already been matched
	// to a declared index during query construction.
	for _, p := range conjuncts {
		if p.Op == OpSpatialBox || p.Op == OpSpatialRadius || p.Op == OpVectorKNN {
			if c := candidateForSpecialPredicate(backend, p, conjuncts); c != nil {
				candidates = append(candidates, c)
			}
		}
	}


	if len(candidates) > 0 {
		sortCandidatesByTieBreak(candidates)
		best := candidates[0]
		return best.node, best.residual, nil
	}
	if q.IndexedOnly {
		return nil, nil, errIndexedOnlyNoMatch
	}

	card := float64(statsFn("", conjuncts))
	return &PlanNode{Kind: NodeFullScan, estimatedCost: card * fullScanCostPerRow}, conjuncts, nil
}

// candidateForIndex builds the IndexScan/RankScan/Covering candidate for
// one index definition, or nil if the index's key prefix matches none of
// the conjuncts.
func candidateForIndex(def schema.IndexDefinition, conjuncts []*Predicate, q *Query, statsFn cardinalityFn) *candidate {
	fields := def.KeyExpression
	if len(fields) == 0 {
		return nil
	}

	begin, end, covered, exact := keyExpressionBounds(fields, conjuncts)
	if covered == 0 {
		return nil
	}

	residual := residualAfterCoverage(conjuncts, fields[:min(covered, len(fields))])

	sortSatisfied := sortMatchesIndexOrder(q.Sort, fields)
	kind := NodeIndexScan
	if def.Kind == schema.IndexRank {
		kind = NodeRankScan
	}

	node := &PlanNode{
		Kind:      kind,
		IndexName: def.Name,
		Begin:     begin,
		End:       end,
		Prefix:    exact,
		Reverse:   sortSatisfied && len(q.Sort) > 0 && q.Sort[0].Direction == Descending,
	}

	covering := q.RequiredFields != nil && isSubset(q.RequiredFields, fields)
	if covering {
		node = &PlanNode{Kind: NodeCovering, IndexName: def.Name, Begin: begin, End: end, Prefix: exact, Reverse: node.Reverse, CoveredFields: fields}
	}

	card := float64(statsFn(def.Name, conjuncts))
	cost := card * scanCostPerRow
	if len(q.Sort) > 0 && !sortSatisfied {
		cost += card * math.Log2(card+1)
	}
	if !covering {
		cost += card // fetch_cost_if_not_covering
	}

	return &candidate{node: node, cost: cost, covering: covering, sortSatisfied: sortSatisfied, residual: residual}
}

// candidateForInJoin builds an InJoin candidate when conjuncts contains an
// OpIn predicate on def's leading key field: one IndexScan instance per
// value, unioned at execution time, rather than a FullScan with a residual
// membership test.
func candidateForInJoin(def schema.IndexDefinition, conjuncts []*Predicate, statsFn cardinalityFn) *candidate {
	if len(def.KeyExpression) == 0 {
		return nil
	}
	leading := def.KeyExpression[0]

	var inPred *Predicate
	for _, c := range conjuncts {
		if c.isLeaf() && c.Op == OpIn && c.Field == leading {
			inPred = c
			break
		}
	}
	if inPred == nil || len(inPred.Set) == 0 {
		return nil
	}

	template := &PlanNode{
		Kind:      NodeIndexScan,
		IndexName: def.Name,
		Begin:     keyval.Tuple{inPlaceholder},
		Prefix:    true,
	}
	node := &PlanNode{Kind: NodeInJoin, Template: template, Values: inPred.Set}

	card := float64(statsFn(def.Name, conjuncts)) * float64(len(inPred.Set))
	return &candidate{node: node, cost: card * scanCostPerRow, residual: without(conjuncts, inPred)}
}

// candidateForSpecialPredicate builds a VectorSearch or SpatialScan
// candidate for a leaf whose Op names an index directly via its Field
// (the index name, by convention, for these predicate kinds).
func candidateForSpecialPredicate(backend Backend, p *Predicate, conjuncts []*Predicate) *candidate {
	def, ok := indexDefByName(backend, p.Field)
	if !ok {
		return nil
	}
	residual := without(conjuncts, p)

	switch p.Op {
	case OpVectorKNN:
		vec, ok := p.Value.([]float32)
		if !ok {
			return nil
		}
		return &candidate{
			node:     &PlanNode{Kind: NodeVectorSearch, IndexName: def.Name, VectorQuery: vec, K: p.K},
			cost:     math.Log2(float64(p.K) + 2),
			residual: residual,
		}
	case OpSpatialBox:
		return &candidate{
			node:     &PlanNode{Kind: NodeSpatialScan, IndexName: def.Name, BoxMin: p.Box[0], BoxMax: p.Box[1]},
			cost:     scanCostPerRow * 16, // cover-cell union, cheaper than FullScan, costlier than a tight prefix match
			residual: residual,
		}
	case OpSpatialRadius:
		m, ok := backend.Maintainer(def.Name)
		if !ok {
			return nil
		}
		boxer, ok := m.(radiusBoxer)
		if !ok {
			return nil
		}
		min, max, err := boxer.BoxForRadius(p.Center, p.RadiusMeters)
		if err != nil {
			return nil
		}
		return &candidate{
			node: &PlanNode{
				Kind:         NodeSpatialScan,
				IndexName:    def.Name,
				BoxMin:       min,
				BoxMax:       max,
				Center:       p.Center,
				RadiusMeters: p.RadiusMeters,
			},
			cost:     scanCostPerRow * 16,
			residual: residual,
		}
	}
	return nil
}

// radiusBoxer is implemented by spatial index maintainers that can turn a
// center point and a radius into a covering bounding box, for converting
// an OpSpatialRadius predicate into the same cover-cell scan an OpSpatialBox
// predicate uses.
type radiusBoxer interface {
	BoxForRadius(center []float64, radiusMeters float64) (min, max []float64, err error)
}

func indexDefByName(backend Backend, name string) (schema.IndexDefinition, bool) {
	for _, d := range backend.IndexDefinitions() {
		if d.Name == name {
			return d, true
		}
	}
	return schema.IndexDefinition{}, false
}

func indexReadable(ctx context.Context, backend Backend, name string) (bool, error) {
	tx, err := backend.OpenSnapshot(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Cancel()
	st, err := backend.StateManager().Get(ctx, tx, name, true)
	if err != nil {
		return false, err
	}
	return st == indexstate.Readable, nil
}

// sortMatchesIndexOrder reports whether an index's key-expression prefix
// already delivers the requested sort order, so the planner can skip a
// later in-memory Sort node.
func sortMatchesIndexOrder(sort []SortKey, fields []string) bool {
	if len(sort) == 0 {
		return true
	}
	if len(sort) > len(fields) {
		return false
	}
	for i, sk := range sort {
		if sk.Field != fields[i] {
			return false
		}
	}
	return true
}

// residualAfterCoverage returns every conjunct not fully subsumed by an
// index's covered key-prefix fields, for the wrapping Filter node.
func residualAfterCoverage(conjuncts []*Predicate, covered []string) []*Predicate {
	coveredSet := make(map[string]bool, len(covered))
	for _, f := range covered {
		coveredSet[f] = true
	}
	var out []*Predicate
	for _, c := range conjuncts {
		if c.isLeaf() && c.Op == OpEq && coveredSet[c.Field] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func without(conjuncts []*Predicate, target *Predicate) []*Predicate {
	out := make([]*Predicate, 0, len(conjuncts))
	for _, c := range conjuncts {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

func isSubset(required, fields []string) bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// cardinalityFn estimates the number of rows a conjunction of predicates
// matches against an index (or "" for a full scan), backed by the
// statistics manager's histograms and cardinality sketches.
type cardinalityFn func(indexName string, conjuncts []*Predicate) int64

// sortCandidatesByTieBreak orders one disjunct's candidates by estimated
// cost, lowest first; equal-cost candidates prefer covering, then
// sort-order match, then the lexicographically lower index name. Each
// candidate is a single disjunct's plan, so no union-branch count enters
// the comparison.
func sortCandidatesByTieBreak(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.covering != b.covering {
			return a.covering
		}
		if a.sortSatisfied != b.sortSatisfied {
			return a.sortSatisfied
		}
		return a.node.IndexName < b.node.IndexName
	})
}
