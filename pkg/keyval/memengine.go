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

package keyval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemEngine is an in-process, ordered KV store with optimistic, serializable
// transactions. It is used for tests and single-process deployments where no
// external KV cluster is available.
type MemEngine struct {
	limits Limits

	mu          sync.RWMutex
	data        map[string][]byte
	version     uint64
	keyVersion  map[string]uint64 // last commit version that wrote each key
	rangeWrites []versionedRange  // bounded history of committed range/point writes, newest last
}

type versionedRange struct {
	begin, end []byte // end==nil means a single point write at begin
	version    uint64
}

// maxRangeHistory bounds how many past commits' write ranges a new
// transaction's range reads are checked against. Older entries age out,
// trading strict serializability on long-lived transactions for bounded
// memory, the same trade the KV engine's own resolver makes with its
// configurable conflict-range retention window.
const maxRangeHistory = 10000

var _ Engine = (*MemEngine)(nil)

// NewMemEngine returns an empty MemEngine with the given resource limits.
func NewMemEngine(limits Limits) *MemEngine {
	return &MemEngine{
		limits:     limits,
		data:       make(map[string][]byte),
		keyVersion: make(map[string]uint64),
	}
}

// NewTransaction opens a new optimistic transaction.
func (e *MemEngine) NewTransaction(_ context.Context) (Transaction, error) {
	e.mu.RLock()
	startVersion := e.version
	e.mu.RUnlock()
	return &memTransaction{
		engine:       e,
		startedAt:    time.Now(),
		startVersion: startVersion,
		reads:        make(map[string]bool),
		writes:       make(map[string]*[]byte),
	}, nil
}

// Close is a no-op for MemEngine; nothing is held beyond the process heap.
func (e *MemEngine) Close() error { return nil }

type rangeWrite struct {
	begin, end []byte
}

type memTransaction struct {
	engine       *MemEngine
	startedAt    time.Time
	startVersion uint64

	mu         sync.Mutex
	terminal   bool
	mutationSz int
	reads      map[string]bool
	readRanges []rangeWrite
	writes     map[string]*[]byte // nil value means cleared
	preHooks   []PreCommitHook
	postHooks  []PostCommitHook
}

var _ Transaction = (*memTransaction)(nil)

func (t *memTransaction) checkNotTerminal() error {
	if t.terminal {
		return ErrTerminal
	}
	if time.Since(t.startedAt) > t.engine.limits.MaxDuration {
		return ErrTooOld
	}
	return nil
}

func (t *memTransaction) Get(_ context.Context, key []byte, snapshot bool) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return nil, false, err
	}

	k := string(key)
	if v, ok := t.writes[k]; ok {
		if v == nil {
			return nil, false, nil
		}
		return cloneBytes(*v), true, nil
	}

	t.engine.mu.RLock()
	v, ok := t.engine.data[k]
	t.engine.mu.RUnlock()

	if !snapshot {
		t.reads[k] = true
	}
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (t *memTransaction) GetRange(_ context.Context, begin, end []byte, snapshot bool, opts RangeOptions) ([]KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return nil, err
	}

	t.engine.mu.RLock()
	merged := make(map[string][]byte, len(t.engine.data))
	for k, v := range t.engine.data {
		if inRange(k, begin, end) {
			merged[k] = v
		}
	}
	t.engine.mu.RUnlock()

	for k, v := range t.writes {
		if !inRange(k, begin, end) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = *v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: []byte(k), Value: cloneBytes(merged[k])})
	}

	if !snapshot {
		t.readRanges = append(t.readRanges, rangeWrite{begin: cloneBytes(begin), end: cloneBytes(end)})
	}
	return out, nil
}

func (t *memTransaction) Set(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}
	if len(key) > t.engine.limits.MaxKeyBytes {
		return ErrTooLarge
	}
	if len(value) > t.engine.limits.MaxValueBytes {
		return ErrTooLarge
	}
	t.mutationSz += len(key) + len(value)
	if t.mutationSz > t.engine.limits.MaxMutationBytes {
		return ErrTooLarge
	}
	v := cloneBytes(value)
	t.writes[string(key)] = &v
	return nil
}

func (t *memTransaction) Clear(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}
	t.mutationSz += len(key)
	if t.mutationSz > t.engine.limits.MaxMutationBytes {
		return ErrTooLarge
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *memTransaction) ClearRange(begin, end []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}

	t.engine.mu.RLock()
	for k := range t.engine.data {
		if inRange(k, begin, end) {
			t.writes[k] = nil
		}
	}
	t.engine.mu.RUnlock()
	for k := range t.writes {
		if inRange(k, begin, end) {
			t.writes[k] = nil
		}
	}
	t.readRanges = append(t.readRanges, rangeWrite{begin: cloneBytes(begin), end: cloneBytes(end)})
	return nil
}

func (t *memTransaction) Atomic(key []byte, param []byte, op AtomicOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}

	k := string(key)
	var current []byte
	if v, ok := t.writes[k]; ok {
		if v != nil {
			current = *v
		}
	} else {
		t.engine.mu.RLock()
		current = t.engine.data[k]
		t.engine.mu.RUnlock()
	}

	next, err := applyAtomic(current, param, op, t.engine.nextVersion())
	if err != nil {
		return err
	}
	t.mutationSz += len(key) + len(next)
	if t.mutationSz > t.engine.limits.MaxMutationBytes {
		return ErrTooLarge
	}
	t.writes[k] = &next
	return nil
}

func (t *memTransaction) AddPreCommitHook(fn PreCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preHooks = append(t.preHooks, fn)
}

func (t *memTransaction) AddPostCommitHook(fn PostCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postHooks = append(t.postHooks, fn)
}

// Cancel abandons the transaction; it is idempotent and never returns an
// error since a MemEngine transaction holds no external resources.
func (t *memTransaction) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal = true
}

// Commit validates the transaction's read set against the engine's current
// state and, if nothing it read has changed since the transaction began,
// applies its buffered writes atomically under the engine lock.
func (t *memTransaction) Commit(ctx context.Context) (CommitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return CommitResult{}, err
	}

	for _, hook := range t.preHooks {
		if err := hook(ctx); err != nil {
			t.terminal = true
			return CommitResult{}, err
		}
	}

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	if !t.validateLocked() {
		t.terminal = true
		return CommitResult{}, ErrConflict
	}

	t.engine.version++
	version := t.engine.version

	for k, v := range t.writes {
		if v == nil {
			delete(t.engine.data, k)
		} else {
			t.engine.data[k] = *v
		}
		t.engine.keyVersion[k] = version
		t.engine.rangeWrites = append(t.engine.rangeWrites, versionedRange{begin: []byte(k), version: version})
	}
	if overflow := len(t.engine.rangeWrites) - maxRangeHistory; overflow > 0 {
		t.engine.rangeWrites = t.engine.rangeWrites[overflow:]
	}

	result := CommitResult{Version: version}
	t.terminal = true

	for _, hook := range t.postHooks {
		hook(result)
	}
	return result, nil
}

// validateLocked must be called with engine.mu held. It reports whether the
// transaction may commit: false if any key or range this transaction read
// has been written by a commit that landed after the transaction's snapshot
// was taken, the same optimistic read-your-snapshot check FDB-style
// resolvers perform.
func (t *memTransaction) validateLocked() bool {
	for k := range t.reads {
		if v, ok := t.engine.keyVersion[k]; ok && v > t.startVersion {
			return false
		}
	}
	for _, rr := range t.readRanges {
		for _, w := range t.engine.rangeWrites {
			if w.version <= t.startVersion {
				continue
			}
			if inRange(string(w.begin), rr.begin, rr.end) {
				return false
			}
		}
	}
	return true
}

func (e *MemEngine) nextVersion() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version + 1
}

func inRange(key string, begin, end []byte) bool {
	if begin != nil && key < string(begin) {
		return false
	}
	if end != nil && key >= string(end) {
		return false
	}
	return true
}
