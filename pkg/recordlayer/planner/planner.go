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
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// errIndexedOnlyNoMatch is returned when a query marked IndexedOnly has no
// matching index candidate for some disjunct.
var errIndexedOnlyNoMatch = errors.New("recordlayer/planner: no index candidate and FullScan is forbidden")

// Backend is the view of a record store the planner needs. *store.RecordStore
// satisfies it structurally; planner never needs store to import it back.
type Backend interface {
	RecordType() schema.RecordTypeDescriptor
	IndexDefinitions() []schema.IndexDefinition
	Maintainer(name string) (index.Maintainer, bool)
	Maintainers() []index.Maintainer
	StateManager() *indexstate.Manager
	OpenSnapshot(ctx context.Context) (keyval.Transaction, error)
	FetchByKey(ctx context.Context, pk keyval.Tuple, tx keyval.Transaction, snapshot bool) (codec.Record, bool, error)
	ScanAllPrimaryKeys(ctx context.Context, tx keyval.Transaction, snapshot bool) ([]keyval.Tuple, error)
}

// planCacheEntry is one cached (PlanNode, schema-fingerprint) pair.
type planCacheEntry struct {
	node              *PlanNode
	schemaFingerprint [32]byte
}

// Planner builds and caches executable plans for one Backend, per spec
// §4.8: DNF conversion, per-disjunct candidate enumeration, cost-based
// selection, wrapped in Union/Filter/Sort/First, memoized in an LRU cache
// keyed by query shape and invalidated wholesale whenever SchemaFingerprint
// changes (schema evolution bumps an epoch rather than walking the cache).
type Planner struct {
	backend  Backend
	stats    cardinalityFn
	cache    *lru.Cache[string, planCacheEntry]
	fpSource func() [32]byte
}

// defaultCardinality is a crude, stats-free fallback: equality predicates
// are assumed selective, everything else assumed to match the whole
// relation. A real deployment wires statsFn from the Statistics Manager;
// this keeps the planner usable standalone.
func defaultCardinality(indexName string, conjuncts []*Predicate) int64 {
	const unknownCardinality = 1000
	for _, c := range conjuncts {
		if c.isLeaf() && c.Op == OpEq {
			return 1
		}
	}
	return unknownCardinality
}

// New builds a Planner over backend with a plan cache of cacheSize
// entries. fpSource returns the schema fingerprint to stamp each cached
// plan with (typically schema.Schema's current fingerprint); a plan found
// in cache under a stale fingerprint is treated as a miss.
func New(backend Backend, fpSource func() [32]byte, cacheSize int) (*Planner, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, planCacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/planner: building plan cache: %w", err)
	}
	return &Planner{backend: backend, stats: defaultCardinality, cache: cache, fpSource: fpSource}, nil
}

// WithStats overrides the cardinality estimator, wiring in the Statistics
// Manager's histogram/sketch-backed estimates.
func (p *Planner) WithStats(fn cardinalityFn) *Planner {
	p.stats = fn
	return p
}

// Plan builds (or reuses from cache) the executable plan tree for q.
func (p *Planner) Plan(ctx context.Context, q Query) (*PlanNode, error) {
	fp := p.fpSource()
	key := q.fingerprint(fp)

	if cached, ok := p.cache.Get(key); ok && cached.schemaFingerprint == fp {
		return cached.node, nil
	}

	node, err := p.build(ctx, q)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, planCacheEntry{node: node, schemaFingerprint: fp})
	return node, nil
}

func (p *Planner) build(ctx context.Context, q Query) (*PlanNode, error) {
	disjuncts := toDNF(q.Filter)

	var branches []*PlanNode
	var allResidual []*Predicate
	for _, conjuncts := range disjuncts {
		node, residual, err := planDisjunct(ctx, p.backend, conjuncts, &q, p.stats)
		if err != nil {
			return nil, err
		}
		branches = append(branches, node)
		allResidual = append(allResidual, residual...)
	}

	var root *PlanNode
	if len(branches) == 1 {
		root = branches[0]
	} else {
		root = &PlanNode{Kind: NodeUnion, Children: branches}
	}

	if residual := dedupPredicates(allResidual); len(residual) > 0 {
		root = &PlanNode{Kind: NodeFilter, Children: []*PlanNode{root}, Residual: And(residual...)}
	}

	if len(q.Sort) > 0 && !sortAlreadyDelivered(p.backend, root, q.Sort) {
		root = &PlanNode{Kind: NodeSort, Children: []*PlanNode{root}, SortKeys: q.Sort}
	}

	if q.Limit > 0 {
		root = &PlanNode{Kind: NodeFirst, Children: []*PlanNode{root}, Limit: q.Limit}
	}

	return root, nil
}

// sortAlreadyDelivered reports whether a single, non-union IndexScan/
// RankScan root already emits rows in the requested sort order (the
// degenerate single-disjunct case; a Union of differently-ordered branches
// always needs an explicit Sort): the sort fields must be a prefix of the
// index's key expression and every sort key's direction must match the
// scan direction.
func sortAlreadyDelivered(backend Backend, root *PlanNode, want []SortKey) bool {
	switch root.Kind {
	case NodeIndexScan, NodeCovering, NodeRankScan:
		def, ok := indexDefByName(backend, root.IndexName)
		if !ok || !sortMatchesIndexOrder(want, def.KeyExpression) {
			return false
		}
		for _, sk := range want {
			if (sk.Direction == Descending) != root.Reverse {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func dedupPredicates(preds []*Predicate) []*Predicate {
	seen := map[*Predicate]bool{}
	var out []*Predicate
	for _, p := range preds {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Execute satisfies store.Executor: it converts q into a planner.Query,
// plans it, runs the plan tree against a fresh snapshot transaction, and
// materializes the resulting primary keys into full records.
func (p *Planner) Execute(ctx context.Context, q store.Query) ([]codec.Record, error) {
	filter, _ := q.Filter.(*Predicate)

	sortKeys := make([]SortKey, len(q.Sort))
	for i, sk := range q.Sort {
		dir := Ascending
		if sk.Direction == store.Descending {
			dir = Descending
		}
		sortKeys[i] = SortKey{Field: sk.Field, Direction: dir}
	}

	plan, err := p.Plan(ctx, Query{
		Filter:         filter,
		Sort:           sortKeys,
		Limit:          q.Limit,
		RequiredFields: q.RequiredFields,
		IndexedOnly:    q.IndexedOnly,
	})
	if err != nil {
		return nil, err
	}

	tx, err := p.backend.OpenSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Cancel()

	ec := &execCtx{backend: p.backend, tx: tx, snapshot: true}
	keys, err := plan.run(ctx, ec)
	if err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("executed query plan", "plan", plan.String(), "matched", len(keys))
	return materialize(ctx, p.backend, keys, tx, true)
}

// schemaEpoch is a process-wide counter a schema evolution bumps; wiring
// fpSource to read it (folded into a fixed-width fingerprint) gives the
// plan cache wholesale invalidation without walking every entry.
var schemaEpoch atomic.Uint64

// BumpSchemaEpoch invalidates every Planner's cache sharing this epoch
// source on the next Plan call, by changing the fingerprint every cached
// entry is compared against.
func BumpSchemaEpoch() { schemaEpoch.Add(1) }

// EpochFingerprint derives a fpSource from the shared schema epoch plus a
// fixed schema hash, for callers with no richer per-record-type
// fingerprint of their own.
func EpochFingerprint(schemaHash [24]byte) func() [32]byte {
	return func() [32]byte {
		var out [32]byte
		copy(out[:24], schemaHash[:])
		e := schemaEpoch.Load()
		out[24] = byte(e)
		out[25] = byte(e >> 8)
		out[26] = byte(e >> 16)
		out[27] = byte(e >> 24)
		out[28] = byte(e >> 32)
		out[29] = byte(e >> 40)
		out[30] = byte(e >> 48)
		out[31] = byte(e >> 56)
		return out
	}
}
