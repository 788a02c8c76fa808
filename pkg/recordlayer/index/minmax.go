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

// minMaxMaintainer implements spec §4.3.3: entries keyed
// `I/<name>/<groupingFields...>/<value>/<primaryKey...> -> empty`. The min
// of a group is the first key at or after the group prefix; the max is the
// last key strictly before the group's upper bound. Both are O(log n)
// range reads regardless of group size.
type minMaxMaintainer struct {
	deps Deps
}

func newMinMaxMaintainer(deps Deps) *minMaxMaintainer {
	return &minMaxMaintainer{deps: deps}
}

func (m *minMaxMaintainer) entryKey(rec codec.Record) ([]byte, bool) {
	full, complete := keyExpressionTuple(m.deps.Def.KeyExpression, rec)
	if !complete {
		return nil, false
	}
	pk := primaryKeyTuple(m.deps.RecordType, rec)
	return m.deps.IndexSub.Pack(append(append(keyval.Tuple{}, full...), pk...)), true
}

func (m *minMaxMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		if key, complete := m.entryKey(old); complete {
			if err := tx.Clear(key); err != nil {
				return fmt.Errorf("recordlayer/index: minmax clear old: %w", err)
			}
		}
	}
	if new != nil {
		if key, complete := m.entryKey(new); complete {
			if err := tx.Set(key, nil); err != nil {
				return fmt.Errorf("recordlayer/index: minmax set: %w", err)
			}
		}
	}
	return nil
}

func (m *minMaxMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
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

	opts := keyval.RangeOptions{Reverse: r.Reverse, Limit: r.Limit}
	if opts.Limit == 0 {
		opts.Limit = 1 // min/max scans default to "first matching entry"
	}

	kvs, err := tx.GetRange(ctx, begin, end, snapshot, opts)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: minmax scan: %w", err)
	}

	fields := m.deps.Def.KeyExpression
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

func (m *minMaxMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	return scrubGeneric(ctx, tx, m.deps, phase, r, func(rec codec.Record) ([]keyval.Tuple, error) {
		full, complete := keyExpressionTuple(m.deps.Def.KeyExpression, rec)
		if !complete {
			return nil, nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, rec)
		return []keyval.Tuple{append(append(keyval.Tuple{}, full...), pk...)}, nil
	})
}
