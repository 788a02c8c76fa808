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

package store

import (
	"context"
	"fmt"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
)

// vectorSearcher, cellRanger, radiusBoxer, coordExtractor and
// distanceMeasurer mirror the structural interfaces the planner package
// declares against the same maintainer methods (the planner names the last
// two spatialCoords and spatialDistance); rankSelector and rankRanker have
// no planner counterpart. Store can't import planner (planner imports
// store), so these query-surface entry points duplicate the interfaces
// rather than the plan-building logic behind them.
type rankSelector interface {
	Select(ctx context.Context, tx keyval.Transaction, grouping keyval.Tuple, idx int64) (keyval.Tuple, error)
}

type rankRanker interface {
	Rank(ctx context.Context, tx keyval.Transaction, rec codec.Record) (int64, error)
}

type vectorSearcher interface {
	Search(ctx context.Context, tx keyval.Transaction, query []float32, topK int) ([]keyval.Tuple, error)
}

type cellRanger interface {
	CellRangeForBox(minCoord, maxCoord []float64) (begin, end keyval.Tuple, err error)
}

type radiusBoxer interface {
	BoxForRadius(center []float64, radiusMeters float64) (min, max []float64, err error)
}

type coordExtractor interface {
	Coords(rec codec.Record) ([]float64, bool)
}

type distanceMeasurer interface {
	Distance(a, b []float64) (float64, error)
}

// bottomNScanCap bounds how many rank entries BottomN reads to find a
// grouping's tail, matching the rank maintainer's own Scan default.
const bottomNScanCap = 1 << 20

// readTx resolves the raw transaction and snapshot flag a read-only lookup
// runs against: the caller's own transaction if supplied, or a fresh
// snapshot this call opens and the returned cleanup cancels.
func (s *RecordStore) readTx(ctx context.Context, tx *txn.Context) (raw keyval.Transaction, snapshot bool, cleanup func(), err error) {
	if tx != nil {
		return tx.Raw(), false, func() {}, nil
	}
	raw, err = s.OpenSnapshot(ctx)
	if err != nil {
		return nil, false, nil, err
	}
	return raw, true, func() { raw.Cancel() }, nil
}

func (s *RecordStore) fetchMany(ctx context.Context, pks []keyval.Tuple, tx keyval.Transaction, snapshot bool) ([]codec.Record, error) {
	out := make([]codec.Record, 0, len(pks))
	for _, pk := range pks {
		rec, err := s.fetchRaw(ctx, tx, pk, snapshot)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// coordsWithinBox reports whether coords falls within [min, max] on every
// dimension both bounds cover.
func coordsWithinBox(coords, min, max []float64) bool {
	for i := range coords {
		if i >= len(min) || i >= len(max) {
			break
		}
		if coords[i] < min[i] || coords[i] > max[i] {
			return false
		}
	}
	return true
}

// TopN returns the n records ranked [0, n) within grouping on the named
// rank index, in the index's own declared order (spec §6's
// store.top_n(n, by=index) entry point). A descending-leaderboard index
// (schema.RankOptions.Descending) makes rank 0 the highest value; an
// ascending one makes it the lowest.
func (s *RecordStore) TopN(ctx context.Context, indexName string, grouping keyval.Tuple, n int, tx *txn.Context) ([]codec.Record, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	selector, ok := m.(rankSelector)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a rank index", indexName)
	}

	raw, snapshot, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pks := make([]keyval.Tuple, 0, n)
	for i := int64(0); i < int64(n); i++ {
		pk, err := selector.Select(ctx, raw, grouping, i)
		if err != nil {
			break
		}
		pks = append(pks, pk)
	}
	return s.fetchMany(ctx, pks, raw, snapshot)
}

// BottomN returns the last n records of grouping's rank order on the named
// rank index, in ascending-rank order (spec §6's
// store.bottom_n(n, by=index) entry point). Unlike TopN, finding the tail
// needs the whole grouping's extent, so BottomN reads up to
// bottomNScanCap entries before slicing off the last n.
func (s *RecordStore) BottomN(ctx context.Context, indexName string, grouping keyval.Tuple, n int, tx *txn.Context) ([]codec.Record, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	if _, ok := m.(rankSelector); !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a rank index", indexName)
	}

	raw, snapshot, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	entries, err := m.Scan(ctx, raw, index.ScanRange{Begin: grouping, Limit: bottomNScanCap}, snapshot)
	if err != nil {
		return nil, err
	}
	if n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	pks := make([]keyval.Tuple, len(entries))
	for i, e := range entries {
		pks[i] = e.Primary
	}
	return s.fetchMany(ctx, pks, raw, snapshot)
}

// RankOf returns rec's 0-based rank within its grouping on the named rank
// index (spec §6's store.rank_of(value, by=index) entry point). rec needs
// only the grouping and ranked-value fields populated.
func (s *RecordStore) RankOf(ctx context.Context, indexName string, rec codec.Record, tx *txn.Context) (int64, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return 0, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	ranker, ok := m.(rankRanker)
	if !ok {
		return 0, fmt.Errorf("recordlayer/store: index %q is not a rank index", indexName)
	}

	raw, _, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	return ranker.Rank(ctx, raw, rec)
}

// NearestNeighbors returns the topK records closest to query on the named
// vector index (spec §6's store.nearest_neighbors(k, of=vector, on=index)
// entry point).
func (s *RecordStore) NearestNeighbors(ctx context.Context, indexName string, query []float32, topK int, tx *txn.Context) ([]codec.Record, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	searcher, ok := m.(vectorSearcher)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a vector index", indexName)
	}

	raw, snapshot, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pks, err := searcher.Search(ctx, raw, query, topK)
	if err != nil {
		return nil, err
	}
	return s.fetchMany(ctx, pks, raw, snapshot)
}

// WithinBounds returns every record whose named spatial index coordinates
// fall within [min, max] (spec §6's store.within_bounds(min, max,
// on=index) entry point). The cover-cell scan is a coarse superset;
// WithinBounds post-filters each candidate by exact containment before
// returning it.
func (s *RecordStore) WithinBounds(ctx context.Context, indexName string, min, max []float64, tx *txn.Context) ([]codec.Record, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	ranger, ok := m.(cellRanger)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a spatial index", indexName)
	}
	extractor, ok := m.(coordExtractor)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q does not expose coordinates", indexName)
	}

	raw, snapshot, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	begin, end, err := ranger.CellRangeForBox(min, max)
	if err != nil {
		return nil, err
	}
	entries, err := m.Scan(ctx, raw, index.ScanRange{Begin: begin, End: end}, snapshot)
	if err != nil {
		return nil, err
	}

	out := make([]codec.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := s.fetchRaw(ctx, raw, e.Primary, snapshot)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		coords, complete := extractor.Coords(rec)
		if !complete || !coordsWithinBox(coords, min, max) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// WithinRadius returns every record within radiusMeters great-circle (geo
// indexes) or Euclidean (cartesian indexes) distance of center on the
// named spatial index (spec §6's store.within_radius(meters, of=point,
// on=index) entry point). The radius is converted to a covering bounding
// box for the cell scan, then each candidate is post-filtered by its
// exact distance from center.
func (s *RecordStore) WithinRadius(ctx context.Context, indexName string, center []float64, radiusMeters float64, tx *txn.Context) ([]codec.Record, error) {
	m, ok := s.Maintainer(indexName)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: unknown index %q: %w", indexName, rlerrors.ErrIndexNotFound)
	}
	boxer, ok := m.(radiusBoxer)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a spatial index", indexName)
	}
	ranger, ok := m.(cellRanger)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q is not a spatial index", indexName)
	}
	extractor, ok := m.(coordExtractor)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q does not expose coordinates", indexName)
	}
	measurer, ok := m.(distanceMeasurer)
	if !ok {
		return nil, fmt.Errorf("recordlayer/store: index %q does not support distance", indexName)
	}

	raw, snapshot, cleanup, err := s.readTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	min, max, err := boxer.BoxForRadius(center, radiusMeters)
	if err != nil {
		return nil, err
	}
	begin, end, err := ranger.CellRangeForBox(min, max)
	if err != nil {
		return nil, err
	}
	entries, err := m.Scan(ctx, raw, index.ScanRange{Begin: begin, End: end}, snapshot)
	if err != nil {
		return nil, err
	}

	out := make([]codec.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := s.fetchRaw(ctx, raw, e.Primary, snapshot)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		coords, complete := extractor.Coords(rec)
		if !complete {
			continue
		}
		dist, err := measurer.Distance(center, coords)
		if err != nil {
			return nil, err
		}
		if dist > radiusMeters {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
