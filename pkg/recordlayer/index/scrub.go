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
)

// expectedEntriesFn recomputes, for one decoded record, the full index-key
// tuples (indexed fields, or cell id, etc, followed by the primary key)
// that record is expected to produce. Maintainers whose entries are a
// one-tuple-per-record flat shape (value, min/max, permuted, spatial,
// vector) all share the same dangling/missing scrub walk; only the
// recompute function differs between them.
type expectedEntriesFn func(rec codec.Record) ([]keyval.Tuple, error)

// scrubGeneric runs one bounded batch of the two-phase scrub shared by the
// flat-entry maintainers (spec §4.7): phase ScrubMissing walks record space
// and writes any entry recompute finds absent from index space; phase
// ScrubDangling walks index space and deletes any entry whose record has
// vanished or no longer reproduces it.
func scrubGeneric(ctx context.Context, tx keyval.Transaction, deps Deps, phase ScrubPhase, r ScanRange, expected expectedEntriesFn) (ScrubResult, error) {
	switch phase {
	case ScrubMissing:
		return scrubMissing(ctx, tx, deps, r, expected)
	case ScrubDangling:
		return scrubDangling(ctx, tx, deps, r, expected)
	default:
		return ScrubResult{}, fmt.Errorf("recordlayer/index: unknown scrub phase %d", phase)
	}
}

func scrubMissing(ctx context.Context, tx keyval.Transaction, deps Deps, r ScanRange, expected expectedEntriesFn) (ScrubResult, error) {
	begin, end := recordRange(deps, r)
	kvs, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{Limit: r.Limit})
	if err != nil {
		return ScrubResult{}, fmt.Errorf("recordlayer/index: scrub-missing range read: %w", err)
	}

	var res ScrubResult
	for _, kv := range kvs {
		rec, err := deps.RecordCodec.Unmarshal(kv.Value)
		if err != nil {
			continue // corrupt record bytes are out of scope for index scrubbing
		}
		res.Checked++

		entries, err := expected(rec)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			key := deps.IndexSub.Pack(e)
			_, found, err := tx.Get(ctx, key, false)
			if err != nil {
				return res, fmt.Errorf("recordlayer/index: scrub-missing probe: %w", err)
			}
			if !found {
				if err := tx.Set(key, nil); err != nil {
					return res, fmt.Errorf("recordlayer/index: scrub-missing repair: %w", err)
				}
				res.Fixed++
			}
		}
	}
	return res, nil
}

func scrubDangling(ctx context.Context, tx keyval.Transaction, deps Deps, r ScanRange, expected expectedEntriesFn) (ScrubResult, error) {
	begin := deps.IndexSub.Pack(r.Begin)
	var end []byte
	if r.End != nil {
		end = deps.IndexSub.Pack(r.End)
	} else {
		_, e := deps.IndexSub.Range()
		end = e
	}

	kvs, err := tx.GetRange(ctx, begin, end, false, keyval.RangeOptions{Limit: r.Limit})
	if err != nil {
		return ScrubResult{}, fmt.Errorf("recordlayer/index: scrub-dangling range read: %w", err)
	}

	pkLen := len(deps.RecordType.PrimaryKey)

	var res ScrubResult
	for _, kv := range kvs {
		res.Checked++

		full, err := deps.IndexSub.Unpack(kv.Key)
		if err != nil || len(full) < pkLen {
			continue
		}
		pk := full[len(full)-pkLen:]

		recKey := deps.RecordSub.Pack(pk)
		raw, found, err := tx.Get(ctx, recKey, false)
		if err != nil {
			return res, fmt.Errorf("recordlayer/index: scrub-dangling record probe: %w", err)
		}
		if !found {
			if err := tx.Clear(kv.Key); err != nil {
				return res, fmt.Errorf("recordlayer/index: scrub-dangling delete: %w", err)
			}
			res.Fixed++
			continue
		}

		rec, err := deps.RecordCodec.Unmarshal(raw)
		if err != nil {
			continue
		}
		entries, err := expected(rec)
		if err != nil {
			return res, err
		}
		if !tupleInSet(full, entries) {
			if err := tx.Clear(kv.Key); err != nil {
				return res, fmt.Errorf("recordlayer/index: scrub-dangling delete stale: %w", err)
			}
			res.Fixed++
		}
	}
	return res, nil
}

func tupleInSet(needle keyval.Tuple, haystack []keyval.Tuple) bool {
	for _, t := range haystack {
		if tuplesEqual(needle, t) {
			return true
		}
	}
	return false
}

// recordRange derives the [begin, end) record-subspace range a ScrubMissing
// batch should cover. Empty r.Begin/r.End means "the whole record
// subspace", matching full-subspace ScanRange semantics elsewhere.
func recordRange(deps Deps, r ScanRange) (begin, end []byte) {
	if r.Begin == nil && r.End == nil {
		return deps.RecordSub.Range()
	}
	begin = deps.RecordSub.Pack(r.Begin)
	if r.End != nil {
		end = deps.RecordSub.Pack(r.End)
	} else {
		_, end = deps.RecordSub.Range()
	}
	return begin, end
}
