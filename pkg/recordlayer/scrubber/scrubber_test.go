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

package scrubber_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/scrubber"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

func productType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "Product",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "sku", Number: 2, Wire: schema.WireLengthDelimited},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_sku", Kind: schema.IndexValue, KeyExpression: []string{"sku"}},
		},
	}
}

// newReadyStore builds a store whose sole index is already Readable, so
// every Save the test issues maintains the index normally; tests corrupt
// it afterward to give the scrubber something to repair.
func newReadyStore(t *testing.T) (*store.RecordStore, index.Deps, index.Maintainer) {
	t.Helper()
	ctx := context.Background()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, productType(), store.Options{
		Sub:      keyval.NewSubspace([]byte("P")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx, "by_sku", indexstate.Disabled, indexstate.WriteOnly))
	require.NoError(t, s.StateManager().Transition(ctx, tx, "by_sku", indexstate.WriteOnly, indexstate.Readable))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	deps, ok := s.MaintainerDeps("by_sku")
	require.True(t, ok)
	maintainer, ok := s.Maintainer("by_sku")
	require.True(t, ok)
	return s, deps, maintainer
}

func newScrubber(s *store.RecordStore, deps index.Deps, maintainer index.Maintainer) *scrubber.Scrubber {
	return scrubber.New(deps, maintainer, keyval.NewSubspace([]byte("PROG")), s.Transact, scrubber.Config{BatchRecords: 4})
}

func TestRunOnQuiescentConsistentStoreFixesNothing(t *testing.T) {
	s, deps, maintainer := newReadyStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Save(ctx, codec.Record{"id": int64(i), "sku": "sku-" + string(rune('a'+i))}, nil))
	}

	res, err := newScrubber(s, deps, maintainer).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, res.MissingChecked)
	assert.Equal(t, 0, res.MissingFixed)
	assert.Equal(t, 0, res.DanglingFixed)
}

func TestRunRepairsEntryMissingFromIndexSpace(t *testing.T) {
	s, deps, maintainer := newReadyStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "sku": "widget"}, nil))

	// Simulate an index entry lost to a crash between the record write
	// and the index update: clear it directly, bypassing Save.
	snap, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	entries, err := maintainer.Scan(ctx, snap, index.ScanRange{Begin: keyval.Tuple{"widget"}, Prefix: true}, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	full := append(append(keyval.Tuple{}, entries[0].IndexKey...), entries[0].Primary...)
	tx, err := s.Engine().NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Clear(deps.IndexSub.Pack(full)))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	res, err := newScrubber(s, deps, maintainer).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingFixed)

	snap2, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	restored, err := maintainer.Scan(ctx, snap2, index.ScanRange{Begin: keyval.Tuple{"widget"}, Prefix: true}, true)
	require.NoError(t, err)
	assert.Len(t, restored, 1, "scrub must restore the missing index entry")
}

func TestRunRepairsDanglingIndexEntry(t *testing.T) {
	s, deps, maintainer := newReadyStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "sku": "gadget"}, nil))
	require.NoError(t, s.Delete(ctx, keyval.Tuple{int64(1)}, nil))

	// A normal delete already clears its own index entry; inject a stray
	// entry for a primary key that no longer has a backing record, as a
	// crash between the record delete and the index update would leave.
	stray := deps.IndexSub.Pack(keyval.Tuple{"ghost", int64(99)})
	tx, err := s.Engine().NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set(stray, nil))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	res, err := newScrubber(s, deps, maintainer).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DanglingFixed)

	snap, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	remaining, err := maintainer.Scan(ctx, snap, index.ScanRange{Begin: keyval.Tuple{"ghost"}, Prefix: true}, true)
	require.NoError(t, err)
	assert.Empty(t, remaining, "scrub must delete the dangling entry")
}
