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

// Package rangeset persists the "which key ranges have already been
// processed" progress a resumable bulk operation needs: the online
// indexer's record-space build progress and the scrubber's per-phase scan
// progress both live under a "progress/<operation-id>/" subspace (spec
// §3), represented as a sorted set of disjoint, coalesced [begin, end)
// byte ranges.
package rangeset

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
)

// Range is one half-open byte-key interval.
type Range struct {
	Begin, End []byte
}

// RangeSet tracks completed sub-ranges of one logical [fullBegin, fullEnd)
// operation, persisted under sub so a crash or cancellation can resume at
// the next uncovered gap instead of restarting from scratch.
type RangeSet struct {
	sub keyval.Subspace
}

// New returns a RangeSet persisted under sub.
func New(sub keyval.Subspace) *RangeSet {
	return &RangeSet{sub: sub}
}

// Load returns every completed range, sorted and already coalesced (adjacent
// or overlapping stored entries are merged on read so a caller never has to
// reason about fragmentation left by a partially-applied MarkDone).
func (r *RangeSet) Load(ctx context.Context, tx keyval.Transaction) ([]Range, error) {
	begin, end := r.sub.Range()
	kvs, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/rangeset: load: %w", err)
	}
	ranges := make([]Range, 0, len(kvs))
	for _, kv := range kvs {
		t, err := r.sub.Unpack(kv.Key)
		if err != nil || len(t) != 1 {
			continue
		}
		b, ok := t[0].([]byte)
		if !ok {
			continue
		}
		ranges = append(ranges, Range{Begin: b, End: kv.Value})
	}
	return coalesce(ranges), nil
}

// MarkDone records [begin, end) as completed, merging it with whatever
// overlapping or touching ranges are already persisted and rewriting only
// the affected keys.
func (r *RangeSet) MarkDone(ctx context.Context, tx keyval.Transaction, begin, end []byte) error {
	if bytes.Compare(begin, end) >= 0 {
		return nil
	}
	existing, err := r.Load(ctx, tx)
	if err != nil {
		return err
	}
	merged := coalesce(append(existing, Range{Begin: begin, End: end}))

	for _, old := range existing {
		if err := tx.Clear(r.sub.Pack(keyval.Tuple{old.Begin})); err != nil {
			return fmt.Errorf("recordlayer/rangeset: clear stale entry: %w", err)
		}
	}
	for _, rg := range merged {
		if err := tx.Set(r.sub.Pack(keyval.Tuple{rg.Begin}), rg.End); err != nil {
			return fmt.Errorf("recordlayer/rangeset: set merged entry: %w", err)
		}
	}
	return nil
}

// NextGap returns the next uncovered sub-range within [fullBegin, fullEnd),
// i.e. the range a caller should claim and process next. done is true once
// the whole [fullBegin, fullEnd) span is covered, in which case begin/end
// are nil.
func (r *RangeSet) NextGap(ctx context.Context, tx keyval.Transaction, fullBegin, fullEnd []byte) (begin, end []byte, done bool, err error) {
	ranges, err := r.Load(ctx, tx)
	if err != nil {
		return nil, nil, false, err
	}

	cursor := fullBegin
	for _, rg := range ranges {
		if bytes.Compare(rg.Begin, cursor) > 0 {
			// Gap before this stored range starts.
			gapEnd := rg.Begin
			if bytes.Compare(gapEnd, fullEnd) > 0 {
				gapEnd = fullEnd
			}
			return cursor, gapEnd, false, nil
		}
		if bytes.Compare(rg.End, cursor) > 0 {
			cursor = rg.End
		}
		if bytes.Compare(cursor, fullEnd) >= 0 {
			return nil, nil, true, nil
		}
	}
	if bytes.Compare(cursor, fullEnd) >= 0 {
		return nil, nil, true, nil
	}
	return cursor, fullEnd, false, nil
}

// Covers reports whether [fullBegin, fullEnd) is entirely covered by the
// persisted ranges.
func (r *RangeSet) Covers(ctx context.Context, tx keyval.Transaction, fullBegin, fullEnd []byte) (bool, error) {
	_, _, done, err := r.NextGap(ctx, tx, fullBegin, fullEnd)
	return done, err
}

// Clear removes every persisted range, for when the bulk operation the
// RangeSet tracked has finished.
func (r *RangeSet) Clear(ctx context.Context, tx keyval.Transaction) error {
	begin, end := r.sub.Range()
	if err := tx.ClearRange(begin, end); err != nil {
		return fmt.Errorf("recordlayer/rangeset: clear: %w", err)
	}
	return nil
}

// coalesce sorts ranges by Begin and merges any that touch or overlap.
func coalesce(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Begin, sorted[j].Begin) < 0 })

	out := []Range{sorted[0]}
	for _, rg := range sorted[1:] {
		last := &out[len(out)-1]
		if bytes.Compare(rg.Begin, last.End) <= 0 {
			if bytes.Compare(rg.End, last.End) > 0 {
				last.End = rg.End
			}
			continue
		}
		out = append(out, rg)
	}
	return out
}
