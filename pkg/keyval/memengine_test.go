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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemEngineSetGet(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine(DefaultLimits())

	tx, err := e.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("a"), []byte("1")))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx2, err := e.NewTransaction(ctx)
	require.NoError(t, err)
	v, found, err := tx2.Get(ctx, []byte("a"), false)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)
}

func TestMemEngineGetRangeOrdered(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine(DefaultLimits())
	tx, _ := e.NewTransaction(ctx)
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, tx.Set([]byte(k), []byte(k)))
	}
	_, err := tx.Commit(ctx)
	require.NoError(t, err)

	tx2, _ := e.NewTransaction(ctx)
	kvs, err := tx2.GetRange(ctx, []byte("a"), StrInc([]byte("c")), false, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, "a", string(kvs[0].Key))
	assert.Equal(t, "b", string(kvs[1].Key))
	assert.Equal(t, "c", string(kvs[2].Key))
}

func TestMemEngineConflictDetection(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine(DefaultLimits())

	seed, _ := e.NewTransaction(ctx)
	require.NoError(t, seed.Set([]byte("k"), []byte("0")))
	_, err := seed.Commit(ctx)
	require.NoError(t, err)

	txA, _ := e.NewTransaction(ctx)
	txB, _ := e.NewTransaction(ctx)

	_, _, err = txA.Get(ctx, []byte("k"), false)
	require.NoError(t, err)
	_, _, err = txB.Get(ctx, []byte("k"), false)
	require.NoError(t, err)

	require.NoError(t, txB.Set([]byte("k"), []byte("b")))
	_, err = txB.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, txA.Set([]byte("k"), []byte("a")))
	_, err = txA.Commit(ctx)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemEngineAtomicAdd(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine(DefaultLimits())

	param := make([]byte, 8)
	binary.LittleEndian.PutUint64(param, 5)

	tx, _ := e.NewTransaction(ctx)
	require.NoError(t, tx.Atomic([]byte("counter"), param, OpAdd))
	_, err := tx.Commit(ctx)
	require.NoError(t, err)

	tx2, _ := e.NewTransaction(ctx)
	require.NoError(t, tx2.Atomic([]byte("counter"), param, OpAdd))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)

	tx3, _ := e.NewTransaction(ctx)
	v, found, err := tx3.Get(ctx, []byte("counter"), true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(v))
}

func TestMemEngineMutationTooLarge(t *testing.T) {
	ctx := context.Background()
	limits := DefaultLimits()
	limits.MaxMutationBytes = 4
	e := NewMemEngine(limits)

	tx, _ := e.NewTransaction(ctx)
	err := tx.Set([]byte("k"), []byte("toolongvalue"))
	assert.ErrorIs(t, err, ErrTooLarge)
}
