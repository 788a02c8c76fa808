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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEngine is a KV engine backend over a single Redis keyspace. Keys
// live as members of a sorted set (ordered lexicographically, matching the
// tuple codec's byte order) with their values held in a companion hash.
// Transactions are optimistic: reads are buffered against a WATCH on every
// key they touch, and the whole write set is applied in one TxPipelined
// block so a concurrent mutation of a watched key aborts the commit.
type RedisEngine struct {
	client *redis.Client
	limits Limits
	keysZ  string
	valsH  string

	mu      sync.Mutex
	version uint64
}

var _ Engine = (*RedisEngine)(nil)

// NewRedisEngine wires a RedisEngine on top of an already-constructed
// go-redis client, namespacing its sorted-set and hash under namespace so
// multiple engines can share one Redis instance.
func NewRedisEngine(client *redis.Client, namespace string, limits Limits) *RedisEngine {
	return &RedisEngine{
		client: client,
		limits: limits,
		keysZ:  namespace + ":keys",
		valsH:  namespace + ":vals",
	}
}

func (e *RedisEngine) Close() error {
	return e.client.Close()
}

func (e *RedisEngine) NewTransaction(_ context.Context) (Transaction, error) {
	return &redisTransaction{
		engine:    e,
		startedAt: time.Now(),
		writes:    make(map[string]*[]byte),
	}, nil
}

type redisTransaction struct {
	engine    *RedisEngine
	startedAt time.Time

	mu         sync.Mutex
	terminal   bool
	mutationSz int
	watched    map[string]bool
	writes     map[string]*[]byte
	preHooks   []PreCommitHook
	postHooks  []PostCommitHook
}

var _ Transaction = (*redisTransaction)(nil)

func (t *redisTransaction) checkNotTerminal() error {
	if t.terminal {
		return ErrTerminal
	}
	if time.Since(t.startedAt) > t.engine.limits.MaxDuration {
		return ErrTooOld
	}
	return nil
}

func (t *redisTransaction) watch(key string) {
	if t.watched == nil {
		t.watched = make(map[string]bool)
	}
	t.watched[key] = true
}

func (t *redisTransaction) Get(ctx context.Context, key []byte, snapshot bool) ([]byte, bool, error) {
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

	if !snapshot {
		t.watch(k)
	}
	v, err := t.engine.client.HGet(ctx, t.engine.valsH, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keyval: redis HGET: %w", err)
	}
	return v, true, nil
}

// GetRange scans the ordered key set via ZRANGEBYLEX. snapshot is honored
// best-effort: RedisEngine watches only individual keys it resolves out of
// the range at GetRange time, not the open-ended range itself, so a key
// inserted into the range after the scan but before commit is not detected
// as a conflict. This mirrors the bounded, best-effort retry guarantee the
// in-memory reference backend documents rather than full range-conflict
// tracking.
func (t *redisTransaction) GetRange(ctx context.Context, begin, end []byte, snapshot bool, opts RangeOptions) ([]KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return nil, err
	}

	min := "[" + string(begin)
	max := "(" + string(end)
	if end == nil {
		max = "+"
	}
	if begin == nil {
		min = "-"
	}

	var members []string
	var err error
	if opts.Reverse {
		// ZREVRANGEBYLEX takes max before min.
		members, err = t.engine.client.ZRevRangeByLex(ctx, t.engine.keysZ, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if err == nil && opts.Limit > 0 && len(members) > opts.Limit {
			members = members[:opts.Limit]
		}
	} else {
		zOpts := &redis.ZRangeBy{Min: min, Max: max}
		if opts.Limit > 0 {
			zOpts.Count = int64(opts.Limit)
		}
		members, err = t.engine.client.ZRangeByLex(ctx, t.engine.keysZ, zOpts).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("keyval: redis ZRANGEBYLEX: %w", err)
	}

	merged := make(map[string][]byte, len(members))
	order := make([]string, 0, len(members))
	if len(members) > 0 {
		vals, err := t.engine.client.HMGet(ctx, t.engine.valsH, members...).Result()
		if err != nil {
			return nil, fmt.Errorf("keyval: redis HMGET: %w", err)
		}
		for i, m := range members {
			if vals[i] == nil {
				continue
			}
			merged[m] = []byte(vals[i].(string))
			order = append(order, m)
		}
	}

	for k, v := range t.writes {
		if !inRange(k, begin, end) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		if _, already := merged[k]; !already {
			order = append(order, k)
		}
		merged[k] = *v
	}
	sort.Strings(order)
	if opts.Reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	if opts.Limit > 0 && len(order) > opts.Limit {
		order = order[:opts.Limit]
	}

	out := make([]KeyValue, 0, len(order))
	for _, k := range order {
		out = append(out, KeyValue{Key: []byte(k), Value: cloneBytes(merged[k])})
		if !snapshot {
			t.watch(k)
		}
	}
	return out, nil
}

func (t *redisTransaction) Set(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}
	if len(key) > t.engine.limits.MaxKeyBytes || len(value) > t.engine.limits.MaxValueBytes {
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

func (t *redisTransaction) Clear(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNotTerminal(); err != nil {
		return err
	}
	t.writes[string(key)] = nil
	return nil
}

// ClearRange resolves the range eagerly, at call time, into per-key Clear
// entries. This trades exactness under concurrent inserts into the range
// (a key added after this call but before commit survives) for a dramatically
// simpler commit path, a documented simplification analogous to MemEngine's
// bounded conflict-range history.
func (t *redisTransaction) ClearRange(begin, end []byte) error {
	ctx := context.Background()
	kvs, err := t.GetRange(ctx, begin, end, true, RangeOptions{})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kv := range kvs {
		t.writes[string(kv.Key)] = nil
	}
	return nil
}

func (t *redisTransaction) Atomic(key []byte, param []byte, op AtomicOp) error {
	ctx := context.Background()
	current, _, err := t.Get(ctx, key, false)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := applyAtomic(current, param, op, t.engine.nextVersion())
	if err != nil {
		return err
	}
	t.mutationSz += len(key) + len(next)
	if t.mutationSz > t.engine.limits.MaxMutationBytes {
		return ErrTooLarge
	}
	t.writes[string(key)] = &next
	return nil
}

func (t *redisTransaction) AddPreCommitHook(fn PreCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preHooks = append(t.preHooks, fn)
}

func (t *redisTransaction) AddPostCommitHook(fn PostCommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postHooks = append(t.postHooks, fn)
}

func (t *redisTransaction) Commit(ctx context.Context) (CommitResult, error) {
	t.mu.Lock()
	if err := t.checkNotTerminal(); err != nil {
		t.mu.Unlock()
		return CommitResult{}, err
	}
	for _, hook := range t.preHooks {
		if err := hook(ctx); err != nil {
			t.terminal = true
			t.mu.Unlock()
			return CommitResult{}, err
		}
	}

	watchKeys := make([]string, 0, len(t.watched))
	for k := range t.watched {
		watchKeys = append(watchKeys, k)
	}
	writes := t.writes
	t.mu.Unlock()

	applyWrites := func(pipe redis.Pipeliner) error {
		for k, v := range writes {
			if v == nil {
				pipe.ZRem(ctx, t.engine.keysZ, k)
				pipe.HDel(ctx, t.engine.valsH, k)
			} else {
				pipe.ZAddNX(ctx, t.engine.keysZ, redis.Z{Score: 0, Member: k})
				pipe.HSet(ctx, t.engine.valsH, k, *v)
			}
		}
		return nil
	}

	var result CommitResult
	var err error
	if len(watchKeys) > 0 {
		err = t.engine.client.Watch(ctx, func(redisTx *redis.Tx) error {
			_, txErr := redisTx.TxPipelined(ctx, applyWrites)
			return txErr
		}, watchKeys...)
	} else {
		_, err = t.engine.client.TxPipelined(ctx, applyWrites)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal = true
	if errors.Is(err, redis.TxFailedErr) {
		return CommitResult{}, ErrConflict
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("keyval: redis commit: %w", err)
	}

	result = CommitResult{Version: t.engine.nextVersion()}
	for _, hook := range t.postHooks {
		hook(result)
	}
	return result, nil
}

func (t *redisTransaction) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal = true
}

func (e *RedisEngine) nextVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version++
	return e.version
}
