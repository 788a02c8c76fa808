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

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
)

// rankMaintainer implements spec §4.3.4. Each grouping gets its own
// skipList rooted at IndexSub.Sub(groupingTuple...); rank(value) and
// select(index) are served by that list's Rank/Select in O(log n). Deletes
// splice the node out of the list directly rather than deferring to a
// full group rebuild, since the list already tracks the span/predecessor
// bookkeeping rank/select need.
type rankMaintainer struct {
	deps Deps
}

func newRankMaintainer(deps Deps) *rankMaintainer {
	return &rankMaintainer{deps: deps}
}

func (m *rankMaintainer) groupList(rec codec.Record) (*skipList, bool) {
	grouping, complete := keyExpressionTuple(m.deps.Def.GroupingFields(), rec)
	if !complete {
		return nil, false
	}
	sub := m.deps.IndexSub.Sub(append([]any{}, tupleToAnySlice(grouping)...)...)
	desc := m.deps.Def.Rank.Descending
	return newSkipList(sub, desc), true
}

func tupleToAnySlice(t keyval.Tuple) []any {
	out := make([]any, len(t))
	copy(out, t)
	return out
}

func (m *rankMaintainer) rankedValue(rec codec.Record) (keyval.Tuple, bool) {
	return keyExpressionTuple(m.deps.Def.IndexedFields(), rec)
}

func (m *rankMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		list, complete := m.groupList(old)
		if complete {
			if val, complete2 := m.rankedValue(old); complete2 {
				pk := primaryKeyTuple(m.deps.RecordType, old)
				if err := list.Delete(ctx, tx, val, pk.Pack()); err != nil {
					return fmt.Errorf("recordlayer/index: rank delete old: %w", err)
				}
			}
		}
	}
	if new != nil {
		list, complete := m.groupList(new)
		if complete {
			if val, complete2 := m.rankedValue(new); complete2 {
				pk := primaryKeyTuple(m.deps.RecordType, new)
				if err := list.Insert(ctx, tx, val, pk.Pack()); err != nil {
					return fmt.Errorf("recordlayer/index: rank insert new: %w", err)
				}
			}
		}
	}
	return nil
}

// Scan walks a grouping's list in list order, returning each node's value
// and primary key as an Entry. r.Begin is interpreted as the grouping
// tuple and r.End is not used; ScanRange.Limit bounds how many ranks are
// fetched starting from rank 0. Reverse reverses the order of the fetched
// entries; it does not start the walk from the list's end.
func (m *rankMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
	if !snapshot {
		ok, err := m.deps.scannable(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, rlerrors.ErrIndexNotReady
		}
	}

	sub := m.deps.IndexSub.Sub(append([]any{}, tupleToAnySlice(r.Begin)...)...)
	list := newSkipList(sub, m.deps.Def.Rank.Descending)

	limit := r.Limit
	if limit <= 0 {
		limit = 1 << 20
	}

	entries := make([]Entry, 0, limit)
	for i := int64(0); i < int64(limit); i++ {
		val, pk, err := list.Select(ctx, tx, i)
		if err != nil {
			break
		}
		pkTuple, err := keyval.Unpack(pk)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{IndexKey: val, Primary: pkTuple})
	}
	if r.Reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// Rank returns the 0-based rank of pk's current value within its grouping.
func (m *rankMaintainer) Rank(ctx context.Context, tx keyval.Transaction, rec codec.Record) (int64, error) {
	list, complete := m.groupList(rec)
	if !complete {
		return 0, fmt.Errorf("recordlayer/index: rank query on incomplete grouping")
	}
	val, complete := m.rankedValue(rec)
	if !complete {
		return 0, fmt.Errorf("recordlayer/index: rank query on incomplete value")
	}
	return list.Rank(ctx, tx, val)
}

// Select returns the primary key at 0-based rank idx within the grouping
// identified by the record fields present in grouping.
func (m *rankMaintainer) Select(ctx context.Context, tx keyval.Transaction, grouping keyval.Tuple, idx int64) (keyval.Tuple, error) {
	sub := m.deps.IndexSub.Sub(append([]any{}, tupleToAnySlice(grouping)...)...)
	list := newSkipList(sub, m.deps.Def.Rank.Descending)
	_, pk, err := list.Select(ctx, tx, idx)
	if err != nil {
		return nil, err
	}
	return keyval.Unpack(pk)
}

// Scrub walks the records in r's slice of the record subspace. For
// ScrubMissing it inserts a node for any record whose primary key has no
// node in its grouping's list. ScrubDangling walks the same live records
// and removes nothing: nodes whose record no longer exists are not
// detected by this maintainer.
func (m *rankMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	var res ScrubResult
	beginKey, endKey := recordRange(m.deps, r)

	kvs, err := tx.GetRange(ctx, beginKey, endKey, false, keyval.RangeOptions{Limit: r.Limit})
	if err != nil {
		return res, fmt.Errorf("recordlayer/index: rank scrub record range: %w", err)
	}

	for _, kv := range kvs {
		res.Checked++
		t, err := m.deps.RecordSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		rec, err := m.deps.RecordCodec.Unmarshal(kv.Value)
		if err != nil {
			continue
		}
		list, complete := m.groupList(rec)
		if !complete {
			continue
		}
		val, complete := m.rankedValue(rec)
		if !complete {
			continue
		}
		pk := keyval.Tuple(t)

		switch phase {
		case ScrubMissing:
			_, present, err := list.getValue(ctx, tx, pk.Pack())
			if err != nil {
				continue
			}
			if !present {
				if err := list.Insert(ctx, tx, val, pk.Pack()); err == nil {
					res.Fixed++
				}
			}
		case ScrubDangling:
			// handled by the record-keyed walk above: every record we see
			// here is, by definition, live, so there is nothing dangling
			// to remove from this side of the walk.
		}
	}
	return res, nil
}
