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

// Package store implements the per-(subspace x record type) Record Store:
// save, fetch, delete, and lazy query construction, keeping every declared
// index consistent with its owning record inside the same commit.
package store

import (
	"context"
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/events"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/stats"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
	"github.com/recordlayer-go/recordlayer/pkg/utils"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// namedMaintainer pairs a built Maintainer with the index definition it
// serves, so Save/Delete can report which indexes ran without re-deriving
// Deps.
type namedMaintainer struct {
	def        schema.IndexDefinition
	maintainer index.Maintainer
	indexSub   keyval.Subspace
}

// RecordStore is the public contract for one (subspace x record type)
// pair: save, fetch, delete, and query, with every declared index
// maintained transactionally alongside the record itself.
type RecordStore struct {
	recordType schema.RecordTypeDescriptor
	recordSub  keyval.Subspace
	versionSub keyval.Subspace
	codec      *codec.RecordCodec
	stateMgr   *indexstate.Manager
	engine     keyval.Engine
	driver     *txn.Driver
	statsMgr   *stats.Manager
	eventPub   *events.Publisher
	partition  string

	maintainers []namedMaintainer
	byName      map[string]index.Maintainer
}

// Options configures a new RecordStore.
type Options struct {
	// Sub is the root subspace this record type's record/version/index
	// data lives under; typically a partition directory subspace.
	Sub keyval.Subspace
	// StateSub is the subspace the index-state manager persists under,
	// typically shared by every record type opened against one schema.
	StateSub keyval.Subspace
	// Instrument wraps every maintainer for Prometheus observability when
	// true.
	Instrument bool
	TxnConfig  txn.Config
	// StatsManager, if set, is fed every save/delete in the same
	// transaction as the record write, so row count and field sketches
	// never drift from what was actually committed.
	StatsManager *stats.Manager
	// EventPublisher, if set, publishes a RecordSaved/RecordDeleted event
	// once a save/delete commits, for the asynchronous change feed (spec
	// §9 supplement). A publish failure is logged, never propagated: the
	// feed is a supplement to the committed mutation, not a condition of
	// it.
	EventPublisher *events.Publisher
	// Partition names the event feed's Batch.Partition for every event
	// this store publishes; typically the tenant/collection path.
	Partition string
}

// New builds a RecordStore for rt over engine, constructing one
// index.Maintainer per declared index.
func New(engine keyval.Engine, rt schema.RecordTypeDescriptor, opts Options) (*RecordStore, error) {
	recordSub := opts.Sub.Sub("R", rt.Name)
	versionSub := opts.Sub.Sub("V", rt.Name)
	indexRootSub := opts.Sub.Sub("I")
	stateMgr := indexstate.NewManager(opts.StateSub)
	rc := codec.NewRecordCodec(rt)

	s := &RecordStore{
		recordType: rt,
		recordSub:  recordSub,
		versionSub: versionSub,
		codec:      rc,
		stateMgr:   stateMgr,
		engine:     engine,
		driver:     txn.NewDriver(engine, opts.TxnConfig),
		statsMgr:   opts.StatsManager,
		eventPub:   opts.EventPublisher,
		partition:  opts.Partition,
		byName:     make(map[string]index.Maintainer, len(rt.Indexes)),
	}

	for _, def := range rt.Indexes {
		indexSub := indexRootSub.Sub(def.Name)
		if def.Scope == schema.ScopeGlobal {
			// Global indexes still live under the same engine; they are
			// simply not keyed by this record type's own subspace.
			indexSub = opts.Sub.Sub("I", def.Name)
		}

		m, err := index.New(index.Deps{
			Def:         def,
			RecordType:  rt,
			IndexSub:    indexSub,
			RecordSub:   recordSub,
			StateMgr:    stateMgr,
			RecordCodec: rc,
		})
		if err != nil {
			return nil, fmt.Errorf("recordlayer/store: building maintainer for index %q: %w", def.Name, err)
		}
		if opts.Instrument {
			m = index.NewInstrumented(m, def.Name, def.Kind.String())
		}
		s.maintainers = append(s.maintainers, namedMaintainer{def: def, maintainer: m, indexSub: indexSub})
		s.byName[def.Name] = m
	}

	return s, nil
}

// RecordType returns the descriptor this store was opened against.
func (s *RecordStore) RecordType() schema.RecordTypeDescriptor { return s.recordType }

// MaintainerDeps returns the fully-resolved Deps a declared index's
// maintainer was constructed from, for the online indexer and scrubber
// (spec §4.6/§4.7): both drive bounded, resumable batches directly
// against record/index subspaces and need the same subspace layout and
// codec the maintainer itself uses.
func (s *RecordStore) MaintainerDeps(name string) (index.Deps, bool) {
	for _, nm := range s.maintainers {
		if nm.def.Name == name {
			return index.Deps{
				Def:         nm.def,
				RecordType:  s.recordType,
				IndexSub:    nm.indexSub,
				RecordSub:   s.recordSub,
				StateMgr:    s.stateMgr,
				RecordCodec: s.codec,
			}, true
		}
	}
	return index.Deps{}, false
}

// Transact runs fn inside one retried, auto-committed transaction via this
// store's own Driver, for collaborators (the online indexer, the
// scrubber) that need the same conflict-retry policy Save/Delete use but
// drive their own batch logic instead of a single record mutation.
func (s *RecordStore) Transact(ctx context.Context, fn func(*txn.Context) error) (keyval.CommitResult, error) {
	return s.driver.Transact(ctx, fn)
}

// Engine returns the underlying KV engine, for collaborators that need to
// open an independent transaction outside the retry driver (e.g. a
// snapshot peek that must not be retried).
func (s *RecordStore) Engine() keyval.Engine { return s.engine }

// Maintainer looks up a declared index's maintainer by name, for the
// planner and for the online indexer/scrubber.
func (s *RecordStore) Maintainer(name string) (index.Maintainer, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// Maintainers returns every declared index's maintainer alongside its
// definition, in declaration order.
func (s *RecordStore) Maintainers() []index.Maintainer {
	return utils.SliceMap(s.maintainers, func(nm namedMaintainer) index.Maintainer { return nm.maintainer })
}

// MaintainerDef looks up a declared index's definition by name, for
// planner candidate enumeration.
func (s *RecordStore) MaintainerDef(name string) (schema.IndexDefinition, bool) {
	for _, nm := range s.maintainers {
		if nm.def.Name == name {
			return nm.def, true
		}
	}
	return schema.IndexDefinition{}, false
}

// StateManager returns the index-state manager this store's maintainers
// consult, for the planner's plan-time readability check.
func (s *RecordStore) StateManager() *indexstate.Manager { return s.stateMgr }

// IndexDefinitions returns every index declared on this store's record
// type, in declaration order, for the planner's candidate enumeration.
func (s *RecordStore) IndexDefinitions() []schema.IndexDefinition {
	return utils.SliceMap(s.maintainers, func(nm namedMaintainer) schema.IndexDefinition { return nm.def })
}

// OpenSnapshot opens a fresh, never-conflicting transaction for the
// planner's independent index scans and the statistics manager's
// background reads; the caller commits or cancels it once done. This is
// the "fire-and-forget lookup outside a user-opened transaction" isolation
// mode spec §4.1 calls for.
func (s *RecordStore) OpenSnapshot(ctx context.Context) (keyval.Transaction, error) {
	tx, err := s.engine.NewTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/store: open snapshot: %w", err)
	}
	return tx, nil
}

func (s *RecordStore) recordKey(pk keyval.Tuple) []byte { return s.recordSub.Pack(pk) }
func (s *RecordStore) versionKey(pk keyval.Tuple) []byte { return s.versionSub.Pack(pk) }

// pkOf extracts rec's primary key as a Tuple.
func (s *RecordStore) pkOf(rec codec.Record) keyval.Tuple {
	t := make(keyval.Tuple, len(s.recordType.PrimaryKey))
	for i, f := range s.recordType.PrimaryKey {
		t[i] = normalizeValue(rec[f])
	}
	return t
}

// normalizeValue maps a decoded field value onto a type keyval.Tuple
// natively packs, the same coercion the index maintainers apply to field
// values pulled out of a codec.Record.
func normalizeValue(v any) any {
	if iv, ok := v.(int); ok {
		return int64(iv)
	}
	return v
}

// Save writes rec, running every declared index's Update(old, rec, tx)
// within one transaction. If tx is nil, Save opens and commits its own
// transaction via the configured Driver.
func (s *RecordStore) Save(ctx context.Context, rec codec.Record, tx *txn.Context) error {
	return s.save(ctx, rec, nil, tx)
}

// SaveWithExpectedVersion performs an optimistic-concurrency save: the
// write is rejected with rlerrors.ErrVersionMismatch if the record's
// currently persisted version does not equal expectedVersion (0 means "no
// record must currently exist").
func (s *RecordStore) SaveWithExpectedVersion(ctx context.Context, rec codec.Record, expectedVersion uint64, tx *txn.Context) error {
	return s.save(ctx, rec, &expectedVersion, tx)
}

func (s *RecordStore) save(ctx context.Context, rec codec.Record, expectedVersion *uint64, tx *txn.Context) error {
	fn := func(tc *txn.Context) error {
		pk := s.pkOf(rec)
		raw := tc.Raw()

		if expectedVersion != nil {
			cur, err := s.currentVersion(ctx, raw, pk)
			if err != nil {
				return err
			}
			if cur != *expectedVersion {
				return fmt.Errorf("recordlayer/store: record %v at version %d, expected %d: %w", pk, cur, *expectedVersion, rlerrors.ErrVersionMismatch)
			}
		}

		old, err := s.fetchRaw(ctx, raw, pk, false)
		if err != nil {
			return err
		}

		buf, err := s.codec.Marshal(rec)
		if err != nil {
			return err // already wraps rlerrors.ErrSerializationFailed
		}
		if err := raw.Set(s.recordKey(pk), buf); err != nil {
			return fmt.Errorf("recordlayer/store: set record: %w", err)
		}
		if err := s.bumpVersion(raw, pk); err != nil {
			return err
		}

		for _, nm := range s.maintainers {
			if err := nm.maintainer.Update(ctx, raw, old, rec); err != nil {
				return fmt.Errorf("recordlayer/store: index %q update: %w", nm.def.Name, err)
			}
		}
		if s.statsMgr != nil {
			if err := s.statsMgr.Observe(ctx, raw, old, rec); err != nil {
				return fmt.Errorf("recordlayer/store: observe statistics: %w", err)
			}
		}
		if s.eventPub != nil {
			s.publishOnCommit(raw, events.RecordSaved, pk)
		}
		return nil
	}

	if tx != nil {
		return fn(tx)
	}
	_, err := s.driver.Transact(ctx, fn)
	return err
}

// publishOnCommit registers a post-commit hook that publishes a single
// mutation event for pk, so the feed only ever reports mutations that
// actually committed.
func (s *RecordStore) publishOnCommit(raw keyval.Transaction, kind events.Kind, pk keyval.Tuple) {
	pub := s.eventPub
	recordType := s.recordType.Name
	partition := s.partition
	raw.AddPostCommitHook(func(keyval.CommitResult) {
		pub.PublishBestEffort(events.Batch{
			Partition: partition,
			Events: []events.Event{
				{Kind: kind, RecordType: recordType, Key: events.RecordKey(pk)},
			},
		})
	})
}

// currentVersion reads a record's persisted version (0 if the record does
// not exist).
func (s *RecordStore) currentVersion(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple) (uint64, error) {
	v, found, err := tx.Get(ctx, s.versionKey(pk), false)
	if err != nil {
		return 0, fmt.Errorf("recordlayer/store: read version: %w", err)
	}
	if !found || len(v) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(v), nil
}

// bumpVersion increments the persisted version via an atomic add, so two
// concurrent savers of distinct records never conflict on unrelated
// version cells, and a single record's own version strictly increases
// across the retries the transaction driver performs for it.
func (s *RecordStore) bumpVersion(tx keyval.Transaction, pk keyval.Tuple) error {
	delta := make([]byte, 8)
	binary.LittleEndian.PutUint64(delta, 1)
	if err := tx.Atomic(s.versionKey(pk), delta, keyval.OpAdd); err != nil {
		return fmt.Errorf("recordlayer/store: bump version: %w", err)
	}
	return nil
}

// Fetch reads one record by primary key. snapshot=true suppresses conflict
// detection, matching spec §4.2's "snapshot read" contract for calls made
// outside a caller-supplied transaction.
func (s *RecordStore) Fetch(ctx context.Context, pk keyval.Tuple, tx *txn.Context) (codec.Record, bool, error) {
	if tx != nil {
		rec, err := s.fetchRaw(ctx, tx.Raw(), pk, false)
		return rec, rec != nil, err
	}

	var rec codec.Record
	_, err := s.driver.Transact(ctx, func(tc *txn.Context) error {
		r, err := s.fetchRaw(ctx, tc.Raw(), pk, true)
		rec = r
		return err
	})
	return rec, rec != nil, err
}

// FetchByKey reads one record by primary key against an already-open raw
// transaction, for the planner's residual-filter, sort, and materialization
// passes over keys a plan node already produced.
func (s *RecordStore) FetchByKey(ctx context.Context, pk keyval.Tuple, tx keyval.Transaction, snapshot bool) (codec.Record, bool, error) {
	rec, err := s.fetchRaw(ctx, tx, pk, snapshot)
	return rec, rec != nil, err
}

// ScanAllPrimaryKeys walks the entire record subspace, returning every
// primary key, for the planner's FullScan fallback when no index matches a
// query.
func (s *RecordStore) ScanAllPrimaryKeys(ctx context.Context, tx keyval.Transaction, snapshot bool) ([]keyval.Tuple, error) {
	begin, end := s.recordSub.Range()
	kvs, err := tx.GetRange(ctx, begin, end, snapshot, keyval.RangeOptions{})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/store: full scan: %w", err)
	}
	out := make([]keyval.Tuple, 0, len(kvs))
	for _, kv := range kvs {
		t, err := s.recordSub.Unpack(kv.Key)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RecordStore) fetchRaw(ctx context.Context, tx keyval.Transaction, pk keyval.Tuple, snapshot bool) (codec.Record, error) {
	buf, found, err := tx.Get(ctx, s.recordKey(pk), snapshot)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/store: fetch: %w", err)
	}
	if !found {
		return nil, nil
	}
	rec, err := s.codec.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record at pk, running every declared index's
// Update(old, nil, tx).
func (s *RecordStore) Delete(ctx context.Context, pk keyval.Tuple, tx *txn.Context) error {
	fn := func(tc *txn.Context) error {
		raw := tc.Raw()
		old, err := s.fetchRaw(ctx, raw, pk, false)
		if err != nil {
			return err
		}
		if old == nil {
			return rlerrors.ErrNotFound
		}

		if err := raw.Clear(s.recordKey(pk)); err != nil {
			return fmt.Errorf("recordlayer/store: clear record: %w", err)
		}
		if err := raw.Clear(s.versionKey(pk)); err != nil {
			return fmt.Errorf("recordlayer/store: clear version: %w", err)
		}

		for _, nm := range s.maintainers {
			if err := nm.maintainer.Update(ctx, raw, old, nil); err != nil {
				return fmt.Errorf("recordlayer/store: index %q update: %w", nm.def.Name, err)
			}
		}
		if s.statsMgr != nil {
			if err := s.statsMgr.Observe(ctx, raw, old, nil); err != nil {
				return fmt.Errorf("recordlayer/store: observe statistics: %w", err)
			}
		}
		if s.eventPub != nil {
			s.publishOnCommit(raw, events.RecordDeleted, pk)
		}
		return nil
	}

	if tx != nil {
		return fn(tx)
	}
	klog.FromContext(ctx).V(logging.DEBUG).Info("deleting record", "type", s.recordType.Name, "pk", pk)
	_, err := s.driver.Transact(ctx, fn)
	return err
}
