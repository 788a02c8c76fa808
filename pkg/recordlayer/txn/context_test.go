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

package txn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
)

func TestDriverCommitsSuccessfulTransaction(t *testing.T) {
	ctx := context.Background()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	driver := txn.NewDriver(engine, txn.DefaultConfig())

	_, err := driver.Transact(ctx, func(tc *txn.Context) error {
		return tc.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	tx, _ := engine.NewTransaction(ctx)
	v, found, err := tx.Get(ctx, []byte("k"), true)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestDriverRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	driver := txn.NewDriver(engine, txn.Config{MaxRetries: 3, BaseBackoff: 0, MaxBackoff: 0})

	seed, _ := engine.NewTransaction(ctx)
	require.NoError(t, seed.Set([]byte("k"), []byte("0")))
	_, err := seed.Commit(ctx)
	require.NoError(t, err)

	attempts := 0
	_, err = driver.Transact(ctx, func(tc *txn.Context) error {
		attempts++
		_, _, getErr := tc.Get(ctx, []byte("k"), false)
		if getErr != nil {
			return getErr
		}
		if attempts < 2 {
			// Simulate a concurrent writer winning the race by committing
			// a conflicting change to "k" out from under this attempt via
			// a side transaction before this one commits.
			side, _ := engine.NewTransaction(ctx)
			_ = side.Set([]byte("k"), []byte("racer"))
			_, _ = side.Commit(ctx)
		}
		return tc.Set([]byte("k"), []byte("mine"))
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestDriverAbortsOnPreCommitHookError(t *testing.T) {
	ctx := context.Background()
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	driver := txn.NewDriver(engine, txn.DefaultConfig())

	_, err := driver.Transact(ctx, func(tc *txn.Context) error {
		if err := tc.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		tc.AddPreCommitHook(func(context.Context) error {
			return assertErr
		})
		return nil
	})
	assert.ErrorIs(t, err, assertErr)
}

var assertErr = assertError{}

type assertError struct{}

func (assertError) Error() string { return "boom" }
