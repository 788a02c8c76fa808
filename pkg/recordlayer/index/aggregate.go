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

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// aggregateMaintainer implements spec §4.3.2: count and sum indexes, keyed
// `I/<name>/<groupingFields...> -> int64 little-endian`, maintained purely
// by atomic-add so concurrent savers in the same group never conflict with
// each other (invariant I4). Count adds +-1 per save/delete; sum adds the
// delta between the old and new summed-field value.
type aggregateMaintainer struct {
	deps Deps
}

func newAggregateMaintainer(deps Deps) *aggregateMaintainer {
	return &aggregateMaintainer{deps: deps}
}

func (m *aggregateMaintainer) groupKey(rec codec.Record) ([]byte, bool) {
	grouping, complete := keyExpressionTuple(m.deps.Def.GroupingFields(), rec)
	if !complete {
		return nil, false
	}
	return m.deps.IndexSub.Pack(grouping), true
}

func le64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func (m *aggregateMaintainer) summedValue(rec codec.Record) (int64, error) {
	fields := m.deps.Def.IndexedFields()
	if len(fields) != 1 {
		return 0, fmt.Errorf("recordlayer/index: sum index %q must have exactly one summed field", m.deps.Def.Name)
	}
	v, ok := rec[fields[0]]
	if !ok {
		return 0, nil
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("recordlayer/index: sum index %q field %q is not numeric", m.deps.Def.Name, fields[0])
	}
}

func (m *aggregateMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	var oldKey, newKey []byte
	var oldOK, newOK bool
	if old != nil {
		oldKey, oldOK = m.groupKey(old)
	}
	if new != nil {
		newKey, newOK = m.groupKey(new)
	}

	isCount := m.deps.Def.Kind == schema.IndexCount

	if isCount {
		if oldOK && newOK && string(oldKey) == string(newKey) {
			return nil // same group, count unchanged
		}
		if oldOK {
			if err := tx.Atomic(oldKey, le64(-1), keyval.OpAdd); err != nil {
				return fmt.Errorf("recordlayer/index: count decrement: %w", err)
			}
		}
		if newOK {
			if err := tx.Atomic(newKey, le64(1), keyval.OpAdd); err != nil {
				return fmt.Errorf("recordlayer/index: count increment: %w", err)
			}
		}
		return nil
	}

	// sum
	var oldVal, newVal int64
	if old != nil {
		oldVal, err = m.summedValue(old)
		if err != nil {
			return err
		}
	}
	if new != nil {
		newVal, err = m.summedValue(new)
		if err != nil {
			return err
		}
	}

	if oldOK && newOK && string(oldKey) == string(newKey) {
		delta := newVal - oldVal
		if delta == 0 {
			return nil
		}
		if err := tx.Atomic(newKey, le64(delta), keyval.OpAdd); err != nil {
			return fmt.Errorf("recordlayer/index: sum update: %w", err)
		}
		return nil
	}
	if oldOK {
		if err := tx.Atomic(oldKey, le64(-oldVal), keyval.OpAdd); err != nil {
			return fmt.Errorf("recordlayer/index: sum remove old: %w", err)
		}
	}
	if newOK {
		if err := tx.Atomic(newKey, le64(newVal), keyval.OpAdd); err != nil {
			return fmt.Errorf("recordlayer/index: sum add new: %w", err)
		}
	}
	return nil
}

func (m *aggregateMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
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

	kvs, err := tx.GetRange(ctx, begin, end, snapshot, keyval.RangeOptions{Reverse: r.Reverse, Limit: r.Limit})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: aggregate scan: %w", err)
	}

	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		t, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{IndexKey: t, RawValue: kv.Value})
	}
	return entries, nil
}

// Scrub is a no-op for aggregate indexes. Invariant I4 is enforced by
// construction (every save/delete issues exactly one atomic delta against
// the group's counter inside the same transaction as the record write), so
// there is no per-record entry to detect as dangling or missing; a
// from-scratch recount is a distinct "stats repair" operation, not covered
// by the dangling/missing entry model the other index kinds share.
func (m *aggregateMaintainer) Scrub(_ context.Context, _ keyval.Transaction, _ ScrubPhase, _ ScanRange) (ScrubResult, error) {
	return ScrubResult{}, nil
}
