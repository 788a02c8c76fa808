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

// Package planner turns a declarative Query into an executable plan tree
// over a record type's indexes (spec §4.8): candidate enumeration, cost
// based selection, and an LRU plan cache keyed by schema fingerprint so a
// schema evolution invalidates every cached plan for free.
package planner

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
)

// PredicateOp is an atomic comparison or set-membership test against one
// field.
type PredicateOp int

const (
	OpEq PredicateOp = iota
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpSpatialBox
	OpSpatialRadius
	OpVectorKNN
)

// BoolOp combines child predicates.
type BoolOp int

const (
	BoolAnd BoolOp = iota
	BoolOr
	BoolNot
)

// Predicate is a node in the filter tree: either a boolean combinator over
// children, or an atomic leaf comparing one field.
type Predicate struct {
	Bool     BoolOp
	Children []*Predicate

	Field string
	Op    PredicateOp
	Value any          // OpEq/Lt/Lte/Gt/Gte
	Set   []any        // OpIn
	Box   [2][]float64 // OpSpatialBox: [min, max] coordinates
	Center       []float64 // OpSpatialRadius: query point
	RadiusMeters float64   // OpSpatialRadius
	K     int      // OpVectorKNN
}

// And builds a conjunction.
func And(children ...*Predicate) *Predicate { return &Predicate{Bool: BoolAnd, Children: children} }

// Or builds a disjunction.
func Or(children ...*Predicate) *Predicate { return &Predicate{Bool: BoolOr, Children: children} }

// Not negates a single child.
func Not(child *Predicate) *Predicate { return &Predicate{Bool: BoolNot, Children: []*Predicate{child}} }

// Eq builds a field-equality leaf.
func Eq(field string, value any) *Predicate { return &Predicate{Field: field, Op: OpEq, Value: value} }

// Range builds a field comparison leaf.
func Range(field string, op PredicateOp, value any) *Predicate {
	return &Predicate{Field: field, Op: op, Value: value}
}

// In builds a set-membership leaf.
func In(field string, set []any) *Predicate { return &Predicate{Field: field, Op: OpIn, Set: set} }

// SpatialBox builds a bounding-box containment leaf against a spatial
// index named by field.
func SpatialBox(field string, min, max []float64) *Predicate {
	return &Predicate{Field: field, Op: OpSpatialBox, Box: [2][]float64{min, max}}
}

// SpatialRadius builds a within-radius leaf against a spatial index named
// by field: every record within radiusMeters great-circle (or Euclidean,
// for cartesian indexes) distance of center.
func SpatialRadius(field string, center []float64, radiusMeters float64) *Predicate {
	return &Predicate{Field: field, Op: OpSpatialRadius, Center: center, RadiusMeters: radiusMeters}
}

// VectorKNN builds a k-nearest-neighbor leaf against a vector index named
// by field.
func VectorKNN(field string, query []float32, k int) *Predicate {
	return &Predicate{Field: field, Op: OpVectorKNN, Value: query, K: k}
}

// isLeaf reports whether p has no boolean children (an atomic predicate).
func (p *Predicate) isLeaf() bool { return len(p.Children) == 0 }

// SortDirection orders a sort key.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// SortKey is one field in a requested sort order.
type SortKey struct {
	Field     string
	Direction SortDirection
}

// Query is the planner's input: spec §4.8's { record-type, filter-tree,
// sort, limit, required-fields }.
type Query struct {
	RecordType     string
	Filter         *Predicate
	Sort           []SortKey
	Limit          int
	RequiredFields []string // non-nil enables Covering plan consideration
	IndexedOnly    bool     // refuse FullScan fallback
}

// fingerprint derives a stable cache key from the query shape and the
// schema version it was planned against, so a schema-fingerprint change
// naturally misses the cache instead of needing explicit invalidation
// bookkeeping.
func (q Query) fingerprint(schemaFingerprint [32]byte) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|", q.RecordType)
	writePredicate(h, q.Filter)
	for _, s := range q.Sort {
		fmt.Fprintf(h, "|sort:%s:%d", s.Field, s.Direction)
	}
	fmt.Fprintf(h, "|limit:%d|req:%v|idxonly:%v|schema:%x", q.Limit, q.RequiredFields, q.IndexedOnly, schemaFingerprint)
	return fmt.Sprintf("%x", h.Sum64())
}

func writePredicate(h *xxhash.Digest, p *Predicate) {
	if p == nil {
		fmt.Fprint(h, "nil")
		return
	}
	if p.isLeaf() {
		fmt.Fprintf(h, "(%s %d %v %v %v %v %g)", p.Field, p.Op, p.Value, p.Set, p.Box, p.Center, p.RadiusMeters)
		return
	}
	fmt.Fprintf(h, "(%d", p.Bool)
	for _, c := range p.Children {
		writePredicate(h, c)
	}
	fmt.Fprint(h, ")")
}

// keyExpressionBounds derives a [begin,end) key range, as a keyval.Tuple
// prefix pair, from a conjunction of atomic predicates matched against an
// index's key expression prefix. Only equality and single range bounds on
// a contiguous prefix are supported; a field not covered by an equality
// leaf stops the prefix. exact reports whether every matched field was an
// equality, meaning begin and end describe the same value and the caller
// must derive the scan's upper bound from begin's packed bytes (no range
// operator supplied a finite end).
func keyExpressionBounds(fields []string, conjuncts []*Predicate) (begin, end keyval.Tuple, covered int, exact bool) {
	byField := map[string]*Predicate{}
	for _, c := range conjuncts {
		if c.isLeaf() {
			byField[c.Field] = c
		}
	}

	for _, f := range fields {
		p, ok := byField[f]
		if !ok {
			break
		}
		switch p.Op {
		case OpEq:
			begin = append(begin, p.Value)
			end = append(end, p.Value)
			covered++
			continue
		case OpGte, OpGt:
			begin = append(begin, p.Value)
			covered++
		case OpLte, OpLt:
			end = append(end, p.Value)
			covered++
		}
		// OpIn/OpSpatialBox/OpSpatialRadius/OpVectorKNN leaves stop the prefix
		// uncovered: a dedicated candidate (InJoin, VectorSearch, SpatialScan)
		// handles them instead of a meaningless whole-index key-range scan.
		break
	}
	exact = covered > 0 && len(begin) == covered && len(end) == covered
	return begin, end, covered, exact
}
