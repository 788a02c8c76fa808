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

// Package index implements the per-kind index maintainers: one polymorphic
// interface over a closed tagged union of index kinds (value, count, sum,
// min, max, rank, version, permuted, vector, spatial), replacing
// inheritance the way spec §9 calls for: a dispatcher that, given a kind
// and an index definition, produces the concrete maintainer, so the query
// planner reasons over the tag rather than an abstract interface.
package index

import (
	"context"
	"fmt"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// ScanRange bounds a maintainer scan by a begin/end key-expression value
// tuple, mirroring the planner's IndexScan plan node. When Prefix is set,
// End is ignored and the scan's upper bound is derived from Begin's packed
// bytes via keyval.StrInc, covering every entry whose leading fields equal
// Begin regardless of what follows (primary key, grouping suffix, etc.) —
// an equality-only match has no finite End tuple that expresses this.
type ScanRange struct {
	Begin, End keyval.Tuple
	Prefix     bool
	Reverse    bool
	Limit      int
}

// Entry is one index-entry/primary-key pair produced by a scan.
type Entry struct {
	IndexKey  keyval.Tuple
	Primary   keyval.Tuple
	RawValue  []byte // raw index-entry value, kind-specific (e.g. count bytes, vector bytes)
}

// ScrubPhase selects which half of the two-phase scrub a maintainer runs.
type ScrubPhase int

const (
	// ScrubDangling scans index space, verifying each entry's record
	// still exists and still produces it.
	ScrubDangling ScrubPhase = iota
	// ScrubMissing scans record space, verifying each record's expected
	// entries exist in index space.
	ScrubMissing
)

func (p ScrubPhase) String() string {
	switch p {
	case ScrubDangling:
		return "dangling"
	case ScrubMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// ScrubResult reports what one scrub batch found and repaired.
type ScrubResult struct {
	Checked int
	Fixed   int
}

// Maintainer is the single polymorphic interface every index kind
// implements. Index state gates its use: disabled -> update is a no-op
// and scan is forbidden; write-only -> update maintains fully but scan is
// forbidden to the planner (only the scrubber scans write-only indexes
// directly); readable -> both are available.
type Maintainer interface {
	// Update reflects a save (old==nil), delete (new==nil), or re-key
	// (both non-nil) into the index, within tx. Must be a no-op if the
	// index's persisted state is Disabled.
	Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error
	// Scan produces every (index-entry, primary-key) pair in range,
	// ascending by default. Snapshot controls isolation exactly as
	// keyval.Transaction.Get does.
	Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error)
	// Scrub runs one bounded batch of the given phase over range,
	// repairing any inconsistency it finds.
	Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error)
}

// Deps bundles the shared collaborators every maintainer needs: its
// definition, the owning record type, where its entries live, the record
// subspace (to re-derive expected entries during a scrub), and the index
// state manager (so Update can check gating without re-deriving the key).
type Deps struct {
	Def         schema.IndexDefinition
	RecordType  schema.RecordTypeDescriptor
	IndexSub    keyval.Subspace
	RecordSub   keyval.Subspace
	StateMgr    *indexstate.Manager
	RecordCodec *codec.RecordCodec
}

// New dispatches on def.Kind to construct the concrete Maintainer, the
// one place in the module that switches over IndexKind so every other
// caller depends only on the Maintainer interface.
func New(deps Deps) (Maintainer, error) {
	switch deps.Def.Kind {
	case schema.IndexValue:
		return newValueMaintainer(deps), nil
	case schema.IndexCount, schema.IndexSum:
		return newAggregateMaintainer(deps), nil
	case schema.IndexMin, schema.IndexMax:
		return newMinMaxMaintainer(deps), nil
	case schema.IndexRank:
		return newRankMaintainer(deps), nil
	case schema.IndexVersion:
		return newVersionMaintainer(deps), nil
	case schema.IndexPermuted:
		return newPermutedMaintainer(deps), nil
	case schema.IndexVector:
		return newVectorMaintainer(deps)
	case schema.IndexSpatial:
		return newSpatialMaintainer(deps), nil
	default:
		return nil, fmt.Errorf("recordlayer/index: unknown index kind %v", deps.Def.Kind)
	}
}

// writable reports whether def's persisted state allows Update to do real
// work: write-only and readable both maintain fully; disabled is a no-op.
func (d Deps) writable(ctx context.Context, tx keyval.Transaction) (bool, error) {
	st, err := d.StateMgr.Get(ctx, tx, d.Def.Name, false)
	if err != nil {
		return false, err
	}
	return st == indexstate.WriteOnly || st == indexstate.Readable, nil
}

// scannable reports whether def's persisted state allows Scan: only
// readable indexes are visible to the planner; write-only indexes are
// scanned directly by the scrubber via ScrubDangling/ScrubMissing instead.
func (d Deps) scannable(ctx context.Context, tx keyval.Transaction) (bool, error) {
	st, err := d.StateMgr.Get(ctx, tx, d.Def.Name, false)
	if err != nil {
		return false, err
	}
	return st == indexstate.Readable, nil
}

// primaryKeyTuple extracts a record's primary-key values, in descriptor
// order, as a Tuple.
func primaryKeyTuple(rt schema.RecordTypeDescriptor, rec codec.Record) keyval.Tuple {
	t := make(keyval.Tuple, len(rt.PrimaryKey))
	for i, f := range rt.PrimaryKey {
		t[i] = recordFieldValue(rec, f)
	}
	return t
}

// keyExpressionTuple extracts the values of an index's key expression
// fields, in order, from a record. If any field is absent from the record
// (optional and unset) it returns (nil, false), and the caller skips
// indexing the record.
func keyExpressionTuple(fields []string, rec codec.Record) (keyval.Tuple, bool) {
	t := make(keyval.Tuple, len(fields))
	for i, f := range fields {
		v, ok := rec[f]
		if !ok {
			return nil, false
		}
		t[i] = normalizeTupleValue(v)
	}
	return t, true
}

func recordFieldValue(rec codec.Record, field string) any {
	return normalizeTupleValue(rec[field])
}

// normalizeTupleValue maps codec.Record's decoded Go types onto the
// subset keyval.Tuple natively supports.
func normalizeTupleValue(v any) any {
	switch x := v.(type) {
	case int64, uint64, float64, string, bool, []byte, nil:
		return x
	case int:
		return int64(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
