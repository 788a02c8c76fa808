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

// permutedMaintainer implements spec §4.3.6: a value index whose key tuple
// is a fixed permutation of KeyExpression, so a query whose predicate/sort
// prefix matches a non-original field order can still be served by a
// single index scan instead of a Sort node.
type permutedMaintainer struct {
	deps Deps
}

func newPermutedMaintainer(deps Deps) *permutedMaintainer {
	return &permutedMaintainer{deps: deps}
}

// permutedFields reorders fields according to deps.Def.Permutation. An empty
// Permutation is the identity.
func (m *permutedMaintainer) permutedFields() []string {
	fields := m.deps.Def.KeyExpression
	perm := m.deps.Def.Permutation
	if len(perm) == 0 {
		return fields
	}
	out := make([]string, len(perm))
	for i, idx := range perm {
		out[i] = fields[idx]
	}
	return out
}

func (m *permutedMaintainer) entryKey(rec codec.Record) ([]byte, bool) {
	full, complete := keyExpressionTuple(m.permutedFields(), rec)
	if !complete {
		return nil, false
	}
	pk := primaryKeyTuple(m.deps.RecordType, rec)
	return m.deps.IndexSub.Pack(append(append(keyval.Tuple{}, full...), pk...)), true
}

func (m *permutedMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		if key, complete := m.entryKey(old); complete {
			if err := tx.Clear(key); err != nil {
				return fmt.Errorf("recordlayer/index: permuted clear old: %w", err)
			}
		}
	}
	if new != nil {
		if key, complete := m.entryKey(new); complete {
			if m.deps.Def.Unique {
				if err := checkPermutedUnique(ctx, tx, m.deps, m.permutedFields(), new); err != nil {
					return err
				}
			}
			if err := tx.Set(key, nil); err != nil {
				return fmt.Errorf("recordlayer/index: permuted set: %w", err)
			}
		}
	}
	return nil
}

func checkPermutedUnique(ctx context.Context, tx keyval.Transaction, deps Deps, fields []string, rec codec.Record) error {
	indexed, complete := keyExpressionTuple(fields, rec)
	if !complete {
		return nil
	}
	pk := primaryKeyTuple(deps.RecordType, rec)
	prefixSub := deps.IndexSub.Sub(indexed...)
	begin, end := prefixSub.Range()
	existing, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{})
	if err != nil {
		return fmt.Errorf("recordlayer/index: permuted uniqueness scan: %w", err)
	}
	for _, kv := range existing {
		t, err := deps.IndexSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		if !tuplesEqual(t[len(indexed):], pk) {
			return rlerrors.ErrDuplicateKey
		}
	}
	return nil
}

func (m *permutedMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
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
		return nil, fmt.Errorf("recordlayer/index: permuted scan: %w", err)
	}

	fields := m.permutedFields()
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

func (m *permutedMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	return scrubGeneric(ctx, tx, m.deps, phase, r, func(rec codec.Record) ([]keyval.Tuple, error) {
		full, complete := keyExpressionTuple(m.permutedFields(), rec)
		if !complete {
			return nil, nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, rec)
		return []keyval.Tuple{append(append(keyval.Tuple{}, full...), pk...)}, nil
	})
}
