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

// Package indexer implements the online index builder (spec §4.6): it
// drives a write-only index to readable by walking the owning record
// type's record space in bounded, resumable batches, never touching more
// than one transaction's worth of work at a time so a build never risks
// the KV engine's per-transaction 5s/10MB limits.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/events"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rangeset"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// Config bounds one builder batch, mirroring the external "batch_records"
// / "batch_bytes" / "batch_time" options (spec §6); a batch ends at
// whichever bound it reaches first, and a zero BatchBytes or BatchTime
// leaves that bound off. The defaults (1000 records, 5MB, 3s) stay well
// under the KV engine's hard 10MB/5s transaction limits.
type Config struct {
	BatchRecords int           `json:"batchRecords"`
	BatchBytes   int           `json:"batchBytes"`
	BatchTime    time.Duration `json:"batchTime"`
}

// DefaultConfig mirrors spec §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchRecords: 1000,
		BatchBytes:   5 * 1024 * 1024,
		BatchTime:    3 * time.Second,
	}
}

// Builder drives one write-only index to readable.
type Builder struct {
	deps       index.Deps
	maintainer index.Maintainer
	stateMgr   *indexstate.Manager
	progress   *rangeset.RangeSet
	transact   func(context.Context, func(*txn.Context) error) (keyval.CommitResult, error)
	cfg        Config

	eventPub  *events.Publisher
	partition string
}

// SetEventPublisher arms the builder to publish an IndexStateTransition
// event once the index reaches Readable, so a remote planner sharing this
// index's plan cache can invalidate it without polling index state.
func (b *Builder) SetEventPublisher(pub *events.Publisher, partition string) {
	b.eventPub = pub
	b.partition = partition
}

// Transactor is the subset of store.RecordStore the builder needs: run a
// function inside one retried, auto-committed transaction.
type Transactor func(context.Context, func(*txn.Context) error) (keyval.CommitResult, error)

// New builds an online indexer for the index described by deps, persisting
// its progress under progressRoot.Sub(deps.Def.Name).
func New(deps index.Deps, maintainer index.Maintainer, progressRoot keyval.Subspace, transact Transactor, cfg Config) *Builder {
	if cfg.BatchRecords == 0 {
		cfg = DefaultConfig()
	}
	return &Builder{
		deps:       deps,
		maintainer: maintainer,
		stateMgr:   deps.StateMgr,
		progress:   rangeset.New(progressRoot.Sub(deps.Def.Name)),
		transact:   transact,
		cfg:        cfg,
	}
}

// Run drives the build to completion: it repeatedly claims and processes
// the next bounded batch until the record subspace is fully covered, then
// transitions the index write-only -> readable and deletes its progress
// record (spec §4.6 step 5). It returns early, preserving progress, if ctx
// is cancelled (spec §5 "stop at the next batch boundary").
func (b *Builder) Run(ctx context.Context) error {
	log := klog.FromContext(ctx).WithName("online-indexer").WithValues("index", b.deps.Def.Name)
	budget := b.cfg.BatchRecords

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, processed, err := b.runBatch(ctx, budget)
		if err != nil {
			if halvable(err) && budget > 1 {
				budget = (budget + 1) / 2
				log.V(logging.DEBUG).Info("halving build batch after retryable failure", "newBudget", budget, "cause", err)
				continue
			}
			return fmt.Errorf("recordlayer/indexer: batch: %w", err)
		}
		if processed > 0 {
			log.V(logging.DEBUG).Info("indexed batch", "records", processed)
		}
		// Restore the configured budget once a batch at the halved size
		// succeeds, so one transient conflict doesn't permanently shrink
		// every subsequent batch.
		budget = b.cfg.BatchRecords

		if done {
			return b.finish(ctx)
		}
	}
}

// halvable reports whether err is the class of failure the builder
// recovers from by shrinking its batch size and retrying the same range,
// per spec §4.6 step 4.
func halvable(err error) bool {
	return errors.Is(err, rlerrors.ErrTransactionTooLarge) || errors.Is(err, rlerrors.ErrTransactionConflict)
}

// runBatch claims and processes up to budget records starting at the
// persisted cursor, committing the index updates and the advanced cursor
// atomically. done reports whether the whole record subspace has now been
// covered.
func (b *Builder) runBatch(ctx context.Context, budget int) (done bool, processed int, err error) {
	_, err = b.transact(ctx, func(tc *txn.Context) error {
		raw := tc.Raw()

		begin, err := b.cursor(ctx, raw)
		if err != nil {
			return err
		}
		_, fullEnd := b.deps.RecordSub.Range()

		kvs, err := raw.GetRange(ctx, begin, fullEnd, false, keyval.RangeOptions{Limit: budget + 1})
		if err != nil {
			return fmt.Errorf("read record batch: %w", err)
		}

		batch := kvs
		var nextCursor []byte
		complete := len(kvs) <= budget
		if !complete {
			batch = kvs[:budget]
			nextCursor = kvs[budget].Key
		}

		start := time.Now()
		var batchBytes int
		for i, kv := range batch {
			if i > 0 && ((b.cfg.BatchBytes > 0 && batchBytes >= b.cfg.BatchBytes) ||
				(b.cfg.BatchTime > 0 && time.Since(start) >= b.cfg.BatchTime)) {
				batch, nextCursor, complete = batch[:i], kv.Key, false
				break
			}
			batchBytes += len(kv.Key) + len(kv.Value)
			rec, err := b.deps.RecordCodec.Unmarshal(kv.Value)
			if err != nil {
				continue // corrupt record bytes are out of scope for index building
			}
			if err := b.maintainer.Update(ctx, raw, nil, rec); err != nil {
				return fmt.Errorf("update index for batch record: %w", err)
			}
		}
		processed = len(batch)

		if complete {
			done = true
			return nil
		}
		return b.progress.MarkDone(ctx, raw, []byte{}, nextCursor)
	})
	if err != nil {
		return false, 0, err
	}
	return done, processed, nil
}

// cursor returns the raw engine key to resume scanning from: the end of
// the single forward-growing completed range the builder persists, or the
// record subspace's own start if nothing has been indexed yet.
func (b *Builder) cursor(ctx context.Context, tx keyval.Transaction) ([]byte, error) {
	ranges, err := b.progress.Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		begin, _ := b.deps.RecordSub.Range()
		return begin, nil
	}
	return ranges[len(ranges)-1].End, nil
}

// finish performs the builder's terminal step: CAS write-only -> readable
// and drop the progress record, in one transaction so a crash between the
// two never leaves a readable index with stale progress state.
func (b *Builder) finish(ctx context.Context) error {
	_, err := b.transact(ctx, func(tc *txn.Context) error {
		raw := tc.Raw()
		if err := b.stateMgr.Transition(ctx, raw, b.deps.Def.Name, indexstate.WriteOnly, indexstate.Readable); err != nil {
			return fmt.Errorf("transition to readable: %w", err)
		}
		if b.eventPub != nil {
			pub, partition, indexName := b.eventPub, b.partition, b.deps.Def.Name
			raw.AddPostCommitHook(func(keyval.CommitResult) {
				pub.PublishBestEffort(events.Batch{
					Partition: partition,
					Events:    []events.Event{{Kind: events.IndexStateTransition, RecordType: b.deps.RecordType.Name, Key: []byte(indexName)}},
				})
			})
		}
		return b.progress.Clear(ctx, raw)
	})
	return err
}
