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

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

func indexScanRange(value any) index.ScanRange {
	return index.ScanRange{Begin: keyval.Tuple{value}, Prefix: true}
}

// markReadable drives name through the only sanctioned path to Readable
// (Disabled -> WriteOnly -> Readable), since a freshly declared index
// defaults to Disabled: neither written to nor scannable.
func markReadable(t *testing.T, s *store.RecordStore, name string) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx, name, indexstate.Disabled, indexstate.WriteOnly))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx2, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StateManager().Transition(ctx, tx2, name, indexstate.WriteOnly, indexstate.Readable))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)
}

func userType() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "User",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "email", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "age", Number: 3, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_email", Kind: schema.IndexValue, KeyExpression: []string{"email"}, Unique: true},
		},
	}
}

func newTestStore(t *testing.T) (*store.RecordStore, keyval.Engine) {
	t.Helper()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	s, err := store.New(engine, userType(), store.Options{
		Sub:      keyval.NewSubspace([]byte("P")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
	require.NoError(t, err)
	markReadable(t, s, "by_email")
	return s, engine
}

func TestSaveAndFetchRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := codec.Record{"id": int64(1), "email": "a@example.com", "age": int64(30)}
	require.NoError(t, s.Save(ctx, rec, nil))

	got, found, err := s.Fetch(ctx, keyval.Tuple{int64(1)}, nil)
	require.NoError(t, err)
	require.True(t, found)
	// length-delimited fields decode as raw bytes; the codec has no way to
	// tell a string field from an opaque byte field at this wire type.
	assert.Equal(t, []byte("a@example.com"), got["email"])
	assert.Equal(t, int64(30), got["age"])
}

func TestFetchMissingRecordNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, found, err := s.Fetch(ctx, keyval.Tuple{int64(99)}, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRemovesRecordAndReportsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := codec.Record{"id": int64(1), "email": "a@example.com", "age": int64(30)}
	require.NoError(t, s.Save(ctx, rec, nil))
	require.NoError(t, s.Delete(ctx, keyval.Tuple{int64(1)}, nil))

	_, found, err := s.Fetch(ctx, keyval.Tuple{int64(1)}, nil)
	require.NoError(t, err)
	assert.False(t, found)

	err = s.Delete(ctx, keyval.Tuple{int64(1)}, nil)
	assert.ErrorIs(t, err, rlerrors.ErrNotFound)
}

func TestSaveWithExpectedVersionRejectsStaleWriter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := codec.Record{"id": int64(1), "email": "a@example.com", "age": int64(30)}
	require.NoError(t, s.SaveWithExpectedVersion(ctx, rec, 0, nil))

	rec["age"] = int64(31)
	err := s.SaveWithExpectedVersion(ctx, rec, 0, nil)
	assert.ErrorIs(t, err, rlerrors.ErrVersionMismatch)

	require.NoError(t, s.SaveWithExpectedVersion(ctx, rec, 1, nil))
	got, _, err := s.Fetch(ctx, keyval.Tuple{int64(1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(31), got["age"])
}

func TestSaveMaintainsValueIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := codec.Record{"id": int64(1), "email": "a@example.com", "age": int64(30)}
	require.NoError(t, s.Save(ctx, rec, nil))

	m, ok := s.Maintainer("by_email")
	require.True(t, ok)

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Cancel()

	entries, err := m.Scan(ctx, tx, indexScanRange("a@example.com"), true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keyval.Tuple{int64(1)}, entries[0].Primary)
}

func TestDuplicateUniqueValueRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Save(ctx, codec.Record{"id": int64(1), "email": "dup@example.com", "age": int64(1)}, nil))
	err := s.Save(ctx, codec.Record{"id": int64(2), "email": "dup@example.com", "age": int64(2)}, nil)
	assert.ErrorIs(t, err, rlerrors.ErrDuplicateKey)
}

func TestScanAllPrimaryKeysReturnsEverySavedRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Save(ctx, codec.Record{"id": i, "email": "x", "age": i}, nil))
	}

	tx, err := s.OpenSnapshot(ctx)
	require.NoError(t, err)
	defer tx.Cancel()

	keys, err := s.ScanAllPrimaryKeys(ctx, tx, true)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestIndexDefinitionsAndRecordTypeAccessors(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "User", s.RecordType().Name)
	defs := s.IndexDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "by_email", defs[0].Name)

	_, ok := s.MaintainerDef("missing")
	assert.False(t, ok)
	def, ok := s.MaintainerDef("by_email")
	assert.True(t, ok)
	assert.Equal(t, schema.IndexValue, def.Kind)
}
