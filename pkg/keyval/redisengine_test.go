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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisEngine(t *testing.T) *RedisEngine {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisEngine(client, "recordlayer-test", DefaultLimits())
}

func TestRedisEngineSetGet(t *testing.T) {
	ctx := context.Background()
	e := newTestRedisEngine(t)

	tx, err := e.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("a"), []byte("1")))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx2, _ := e.NewTransaction(ctx)
	v, found, err := tx2.Get(ctx, []byte("a"), false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

func TestRedisEngineRangeScan(t *testing.T) {
	ctx := context.Background()
	e := newTestRedisEngine(t)

	tx, _ := e.NewTransaction(ctx)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tx.Set([]byte(k), []byte(k)))
	}
	_, err := tx.Commit(ctx)
	require.NoError(t, err)

	tx2, _ := e.NewTransaction(ctx)
	kvs, err := tx2.GetRange(ctx, []byte("b"), StrInc([]byte("c")), true, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "b", string(kvs[0].Key))
	require.Equal(t, "c", string(kvs[1].Key))
}

func TestRedisEngineConflict(t *testing.T) {
	ctx := context.Background()
	e := newTestRedisEngine(t)

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
	require.ErrorIs(t, err, ErrConflict)
}
