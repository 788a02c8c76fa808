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

// valueMaintainer implements spec §4.3.1: a flat packed-tuple entry per
// record, `I/<name>/<indexedFields...>/<primaryKey...> -> empty`, so range
// reads come out naturally ordered by indexed-field value. Uniqueness is
// enforced within the same transaction by checking for any other primary
// key sharing the indexed value.
type valueMaintainer struct {
	deps Deps
}

func newValueMaintainer(deps Deps) *valueMaintainer {
	return &valueMaintainer{deps: deps}
}

func (m *valueMaintainer) entryKey(indexed, pk keyval.Tuple) []byte {
	full := append(append(keyval.Tuple{}, indexed...), pk...)
	return m.deps.IndexSub.Pack(full)
}

func (m *valueMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	fields := m.deps.Def.IndexedFields()

	if old != nil {
		if indexed, complete := keyExpressionTuple(fields, old); complete {
			pk := primaryKeyTuple(m.deps.RecordType, old)
			if err := tx.Clear(m.entryKey(indexed, pk)); err != nil {
				return fmt.Errorf("recordlayer/index: value clear old entry: %w", err)
			}
		}
	}
	if new != nil {
		indexed, complete := keyExpressionTuple(fields, new)
		if !complete {
			return nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, new)

		if m.deps.Def.Unique {
			prefixSub := m.deps.IndexSub.Sub(indexed...)
			begin, end := prefixSub.Range()
			existing, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{})
			if err != nil {
				return fmt.Errorf("recordlayer/index: value uniqueness scan: %w", err)
			}
			for _, kv := range existing {
				t, err := m.deps.IndexSub.Unpack(kv.Key)
				if err != nil {
					continue
				}
				existingPK := t[len(indexed):]
				if !tuplesEqual(existingPK, pk) {
					return rlerrors.ErrDuplicateKey
				}
			}
		}

		if err := tx.Set(m.entryKey(indexed, pk), nil); err != nil {
			return fmt.Errorf("recordlayer/index: value set entry: %w", err)
		}
	}
	return nil
}

func (m *valueMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
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
		return nil, fmt.Errorf("recordlayer/index: value scan: %w", err)
	}

	fields := m.deps.Def.IndexedFields()
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		t, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			IndexKey: t[:len(fields)],
			Primary:  t[len(fields):],
		})
	}
	return entries, nil
}

func (m *valueMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	return scrubGeneric(ctx, tx, m.deps, phase, r, func(rec codec.Record) ([]keyval.Tuple, error) {
		indexed, complete := keyExpressionTuple(m.deps.Def.IndexedFields(), rec)
		if !complete {
			return nil, nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, rec)
		full := append(append(keyval.Tuple{}, indexed...), pk...)
		return []keyval.Tuple{full}, nil
	})
}

func tuplesEqual(a, b keyval.Tuple) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}
