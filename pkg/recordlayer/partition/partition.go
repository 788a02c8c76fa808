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

// Package partition implements the Partition Manager (spec §4.10 / C13):
// it derives a per-(tenant, collection, record-type) directory subspace,
// opens a RecordStore bound to it, and caches the result in a bounded
// hot map, mirroring the teacher's cached-tokenizer-per-model pattern
// (pkg/tokenization: an LRU cache plus singleflight so concurrent cold
// opens of the same key collapse into one).
package partition

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
)

// Config controls the partition manager's hot-cache bound.
type Config struct {
	// StoreCacheCapacity bounds the number of open RecordStores kept hot,
	// mirroring the external "store_cache_capacity" option (spec §6).
	StoreCacheCapacity int `json:"storeCacheCapacity"`
	Instrument         bool
	TxnConfig          txn.Config
}

// DefaultConfig picks a cache bound generous enough for a modest number
// of simultaneously active tenants.
func DefaultConfig() Config {
	return Config{StoreCacheCapacity: 256}
}

// key identifies one cached store: a tenant, a collection name, and the
// record type it serves.
type key struct {
	tenant     string
	collection string
	recordType string
}

func (k key) cacheKey() string { return k.tenant + "\x00" + k.collection + "\x00" + k.recordType }

// Manager opens and caches per-tenant, per-collection RecordStores,
// isolated from one another by directory subspace, and supports
// whole-tenant deletion.
type Manager struct {
	engine keyval.Engine
	dir    *keyval.DirectoryLayer
	schema *schema.Schema
	cache  *lru.Cache[string, *store.RecordStore]
	group  singleflight.Group
	cfg    Config
}

// New builds a Manager rooted at root, opening tenant/collection
// subspaces through dir and record-type descriptors through sch.
func New(engine keyval.Engine, dir *keyval.DirectoryLayer, sch *schema.Schema, cfg Config) (*Manager, error) {
	if cfg.StoreCacheCapacity == 0 {
		cfg = DefaultConfig()
	}
	cache, err := lru.New[string, *store.RecordStore](cfg.StoreCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/partition: init store cache: %w", err)
	}
	return &Manager{engine: engine, dir: dir, schema: sch, cache: cache, cfg: cfg}, nil
}

// Open returns the RecordStore for (tenant, collection, recordType),
// opening and caching it on first use. Concurrent cold opens of the same
// key collapse into a single store.New call via singleflight, the same
// guard the teacher's tokenizer cache uses against duplicate loads.
func (m *Manager) Open(ctx context.Context, tenant, collection, recordType string) (*store.RecordStore, error) {
	k := key{tenant: tenant, collection: collection, recordType: recordType}
	ck := k.cacheKey()

	if s, ok := m.cache.Get(ck); ok {
		return s, nil
	}

	result, err, _ := m.group.Do(ck, func() (any, error) {
		return m.open(k)
	})
	if err != nil {
		return nil, err
	}
	s, ok := result.(*store.RecordStore)
	if !ok {
		return nil, fmt.Errorf("recordlayer/partition: unexpected store type from singleflight result")
	}
	m.cache.Add(ck, s)
	return s, nil
}

func (m *Manager) open(k key) (*store.RecordStore, error) {
	rt, ok := m.schema.RecordType(k.recordType)
	if !ok {
		return nil, fmt.Errorf("recordlayer/partition: unknown record type %q", k.recordType)
	}

	sub := m.dir.Open(partitionPath(k.tenant, k.collection))
	s, err := store.New(m.engine, rt, store.Options{
		Sub:        sub,
		StateSub:   sub.Sub("S"),
		Instrument: m.cfg.Instrument,
		TxnConfig:  m.cfg.TxnConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/partition: open store for %+v: %w", k, err)
	}
	return s, nil
}

// DeleteTenant clears, in one transaction, tenant's own directory
// subspace and the directory subspace of every collection of tenant whose
// store is currently in this manager's cache, then evicts every cached
// store belonging to the tenant. Directory prefixes are derived from a
// hash of the full path, so a collection's data does not live under the
// tenant's prefix: collections whose stores are not in this manager's
// cache (opened only by another Manager, or already evicted) are not
// cleared.
func (m *Manager) DeleteTenant(ctx context.Context, tenant string) error {
	tx, err := m.engine.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("recordlayer/partition: open delete transaction: %w", err)
	}

	sub := m.dir.Open([]string{"tenants", tenant})
	begin, end := sub.Range()
	if err := tx.ClearRange(begin, end); err != nil {
		tx.Cancel()
		return fmt.Errorf("recordlayer/partition: clear tenant range: %w", err)
	}
	for _, ck := range m.cache.Keys() {
		parts := strings.SplitN(ck, "\x00", 3)
		if len(parts) != 3 || parts[0] != tenant {
			continue
		}
		cb, ce := m.dir.Open(partitionPath(tenant, parts[1])).Range()
		if err := tx.ClearRange(cb, ce); err != nil {
			tx.Cancel()
			return fmt.Errorf("recordlayer/partition: clear collection range: %w", err)
		}
	}
	if _, err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("recordlayer/partition: commit tenant delete: %w", err)
	}

	m.evictTenant(tenant)
	return nil
}

// evictTenant drops every cached store belonging to tenant. golang-lru
// doesn't expose a predicate-based bulk remove, so this walks the current
// key snapshot once, mirroring how the teacher's callers invalidate an
// LRU by key rather than reach into its internals.
func (m *Manager) evictTenant(tenant string) {
	prefix := tenant + "\x00"
	for _, ck := range m.cache.Keys() {
		if len(ck) >= len(prefix) && ck[:len(prefix)] == prefix {
			m.cache.Remove(ck)
		}
	}
}

// partitionPath derives the directory path for one tenant/collection pair.
func partitionPath(tenant, collection string) []string {
	return []string{"tenants", tenant, collection}
}
