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

// Package scrubber implements the two-phase index consistency scrubber
// (spec §4.7 / C11): phase ScrubMissing walks record space repairing any
// entry a maintainer's recompute finds absent from index space; phase
// ScrubDangling walks index space deleting any entry whose record has
// vanished or no longer reproduces it. Each phase tracks its own
// resumable progress, the same bounded-batch discipline the online
// indexer uses.
package scrubber

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rangeset"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// Config bounds one scrub batch.
type Config struct {
	BatchRecords int `json:"batchRecords"`
}

// DefaultConfig mirrors the online indexer's default batch size.
func DefaultConfig() Config {
	return Config{BatchRecords: 1000}
}

// Transactor runs fn inside one retried, auto-committed transaction.
type Transactor func(context.Context, func(*txn.Context) error) (keyval.CommitResult, error)

// Result accumulates what a scrub run found and repaired.
type Result struct {
	MissingChecked, MissingFixed int
	DanglingChecked, DanglingFixed int
}

// Scrubber drives both phases of one index's consistency check.
type Scrubber struct {
	deps       index.Deps
	maintainer index.Maintainer
	missing    *rangeset.RangeSet
	dangling   *rangeset.RangeSet
	transact   Transactor
	cfg        Config
}

// New builds a Scrubber for the index described by deps, persisting each
// phase's progress under progressRoot.Sub(deps.Def.Name, phase).
func New(deps index.Deps, maintainer index.Maintainer, progressRoot keyval.Subspace, transact Transactor, cfg Config) *Scrubber {
	if cfg.BatchRecords == 0 {
		cfg = DefaultConfig()
	}
	base := progressRoot.Sub(deps.Def.Name)
	return &Scrubber{
		deps:       deps,
		maintainer: maintainer,
		missing:    rangeset.New(base.Sub("missing")),
		dangling:   rangeset.New(base.Sub("dangling")),
		transact:   transact,
		cfg:        cfg,
	}
}

// Run drives both phases to completion, restoring invariant I2 for this
// index (spec §4.7). It is always safe to re-run: each batch is an
// independent transaction and a quiescent, consistent store yields zero
// repairs (testable property #6).
func (s *Scrubber) Run(ctx context.Context) (Result, error) {
	var res Result
	log := klog.FromContext(ctx).WithName("scrubber").WithValues("index", s.deps.Def.Name)

	for {
		done, batch, err := s.runBatch(ctx, index.ScrubMissing, s.missing)
		if err != nil {
			return res, fmt.Errorf("recordlayer/scrubber: missing phase: %w", err)
		}
		res.MissingChecked += batch.Checked
		res.MissingFixed += batch.Fixed
		if done {
			break
		}
	}
	log.V(logging.DEBUG).Info("missing phase complete", "checked", res.MissingChecked, "fixed", res.MissingFixed)

	for {
		done, batch, err := s.runBatch(ctx, index.ScrubDangling, s.dangling)
		if err != nil {
			return res, fmt.Errorf("recordlayer/scrubber: dangling phase: %w", err)
		}
		res.DanglingChecked += batch.Checked
		res.DanglingFixed += batch.Fixed
		if done {
			break
		}
	}
	log.V(logging.DEBUG).Info("dangling phase complete", "checked", res.DanglingChecked, "fixed", res.DanglingFixed)

	return res, nil
}

// subspaceFor returns the byte-ordered subspace a phase walks: record
// space for ScrubMissing, index space for ScrubDangling.
func (s *Scrubber) subspaceFor(phase index.ScrubPhase) keyval.Subspace {
	if phase == index.ScrubMissing {
		return s.deps.RecordSub
	}
	return s.deps.IndexSub
}

// runBatch claims the next bounded, uncovered range of one phase's
// subspace and delegates the actual recompute-and-repair logic to the
// maintainer's own Scrub, so per-kind recompute rules never have to be
// reimplemented here.
func (s *Scrubber) runBatch(ctx context.Context, phase index.ScrubPhase, progress *rangeset.RangeSet) (done bool, res index.ScrubResult, err error) {
	sub := s.subspaceFor(phase)
	budget := s.cfg.BatchRecords

	_, err = s.transact(ctx, func(tc *txn.Context) error {
		raw := tc.Raw()

		cursor, err := lastCursor(ctx, raw, progress)
		if err != nil {
			return err
		}
		begin, fullEnd := sub.Range()
		if cursor != nil {
			begin = cursor
		}

		kvs, err := raw.GetRange(ctx, begin, fullEnd, false, keyval.RangeOptions{Limit: budget + 1})
		if err != nil {
			return fmt.Errorf("read batch: %w", err)
		}

		complete := len(kvs) <= budget
		var scanRange index.ScanRange
		if cursor != nil {
			t, uerr := sub.Unpack(cursor)
			if uerr != nil {
				return fmt.Errorf("unpack cursor: %w", uerr)
			}
			scanRange.Begin = t
		}
		var nextCursor []byte
		if !complete {
			nextCursor = kvs[budget].Key
			t, uerr := sub.Unpack(nextCursor)
			if uerr != nil {
				return fmt.Errorf("unpack lookahead key: %w", uerr)
			}
			scanRange.End = t
		}
		scanRange.Limit = budget

		r, serr := s.maintainer.Scrub(ctx, raw, phase, scanRange)
		if serr != nil {
			return fmt.Errorf("maintainer scrub: %w", serr)
		}
		res = r

		if complete {
			done = true
			return nil
		}
		return progress.MarkDone(ctx, raw, []byte{}, nextCursor)
	})
	if err != nil {
		return false, index.ScrubResult{}, err
	}
	return done, res, nil
}

// lastCursor returns the raw key to resume this phase's scan from, or nil
// if nothing has been covered yet.
func lastCursor(ctx context.Context, tx keyval.Transaction, progress *rangeset.RangeSet) ([]byte, error) {
	ranges, err := progress.Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	return ranges[len(ranges)-1].End, nil
}
