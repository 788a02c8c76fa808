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

// versionMaintainer implements spec §4.3.5: entries whose key includes an
// engine-assigned versionstamp, produced via the atomic
// set-with-versionstamp mutation (keyval.OpVersionstamp).
// Key shape: `I/<name>/<groupingFields...>/<versionstamp>/<primaryKey...>`.
// The versionstamp is only known at commit time, after key packing, so
// Update writes the entry key with an all-zero 8-byte placeholder token
// and has the engine write the real token into a separate per-record
// value cell (`I/<name>/"vs"/<primaryKey...>`); Scrub later re-keys
// placeholder entries with that token. Entries come out in commit order
// only once they have been re-keyed.
type versionMaintainer struct {
	deps Deps
}

func newVersionMaintainer(deps Deps) *versionMaintainer {
	return &versionMaintainer{deps: deps}
}

func (m *versionMaintainer) valueCellKey(pk keyval.Tuple) []byte {
	return m.deps.IndexSub.Sub("vs").Pack(pk)
}

func (m *versionMaintainer) entryKey(grouping keyval.Tuple, vs []byte, pk keyval.Tuple) []byte {
	full := append(append(keyval.Tuple{}, grouping...), vs)
	full = append(full, pk...)
	return m.deps.IndexSub.Pack(full)
}

func (m *versionMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		pk := primaryKeyTuple(m.deps.RecordType, old)
		cell := m.valueCellKey(pk)
		vs, found, err := tx.Get(ctx, cell, false)
		if err != nil {
			return fmt.Errorf("recordlayer/index: version read old token: %w", err)
		}
		if found {
			grouping, complete := keyExpressionTuple(m.deps.Def.GroupingFields(), old)
			if complete {
				if err := tx.Clear(m.entryKey(grouping, vs, pk)); err != nil {
					return fmt.Errorf("recordlayer/index: version clear old entry: %w", err)
				}
			}
			if err := tx.Clear(cell); err != nil {
				return fmt.Errorf("recordlayer/index: version clear token cell: %w", err)
			}
		}
	}

	if new != nil {
		grouping, complete := keyExpressionTuple(m.deps.Def.GroupingFields(), new)
		if !complete {
			return nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, new)
		cell := m.valueCellKey(pk)

		// OpVersionstamp ignores its param and writes the commit-assigned
		// token into the value cell; a post-commit-visible read of that
		// cell (by a later transaction, or the scrubber) recovers it.
		if err := tx.Atomic(cell, nil, keyval.OpVersionstamp); err != nil {
			return fmt.Errorf("recordlayer/index: version stamp token: %w", err)
		}
		// The entry key itself is written against a zero placeholder
		// token at save time and corrected to the real token by the
		// index's first scrub pass once the commit's versionstamp is
		// durable and readable. Until then the entry sorts before every
		// re-keyed entry of its grouping, and placeholder entries order
		// among themselves by primary key.
		placeholder := make([]byte, 8)
		if err := tx.Set(m.entryKey(grouping, placeholder, pk), nil); err != nil {
			return fmt.Errorf("recordlayer/index: version set entry: %w", err)
		}
	}
	return nil
}

func (m *versionMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
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
		return nil, fmt.Errorf("recordlayer/index: version scan: %w", err)
	}

	groupingLen := m.deps.Def.GroupingLen
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		t, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil || len(t) <= groupingLen {
			continue
		}
		entries = append(entries, Entry{
			IndexKey: t[:groupingLen+1],
			Primary:  t[groupingLen+1:],
		})
	}
	return entries, nil
}

// Scrub corrects any entry still carrying the zero-token placeholder by
// resolving its real versionstamp from the value cell and re-keying it;
// such entries only exist transiently between a save's commit and the next
// scrub pass.
func (m *versionMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	if phase != ScrubDangling {
		return ScrubResult{}, nil
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
	kvs, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{Limit: r.Limit})
	if err != nil {
		return ScrubResult{}, fmt.Errorf("recordlayer/index: version scrub range read: %w", err)
	}

	pkLen := len(m.deps.RecordType.PrimaryKey)
	groupingLen := m.deps.Def.GroupingLen

	var res ScrubResult
	for _, kv := range kvs {
		res.Checked++
		t, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil || len(t) != groupingLen+1+pkLen {
			continue
		}
		vsVal, ok := t[groupingLen].([]byte)
		if !ok || !allZero(vsVal) {
			continue
		}
		pk := keyval.Tuple(t[len(t)-pkLen:])
		cell := m.valueCellKey(pk)
		real, found, err := tx.Get(ctx, cell, false)
		if err != nil || !found || allZero(real) {
			continue
		}
		grouping := keyval.Tuple(t[:groupingLen])
		if err := tx.Clear(kv.Key); err != nil {
			return res, fmt.Errorf("recordlayer/index: version scrub clear placeholder: %w", err)
		}
		if err := tx.Set(m.entryKey(grouping, real, pk), nil); err != nil {
			return res, fmt.Errorf("recordlayer/index: version scrub set resolved: %w", err)
		}
		res.Fixed++
	}
	return res, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
