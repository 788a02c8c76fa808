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

// Package txn wraps a keyval.Transaction with the record layer's own
// lifecycle and retry policy: a thin layer so the rest of the module
// depends on "a transaction context" rather than directly on the keyval
// engine contract.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// Config controls the retry driver wrapping every user transaction.
type Config struct {
	MaxRetries    int           `json:"maxRetries"`
	BaseBackoff   time.Duration `json:"baseBackoff"`
	MaxBackoff    time.Duration `json:"maxBackoff"`
	ReadTimeoutMs int           `json:"defaultReadTimeoutMs"`
}

// DefaultConfig mirrors the spec's default 5 s client-side transaction
// timeout and a conservative exponential-backoff retry budget.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BaseBackoff:   5 * time.Millisecond,
		MaxBackoff:    200 * time.Millisecond,
		ReadTimeoutMs: 5000,
	}
}

// Context wraps one keyval.Transaction for the duration of a single
// logical operation: save, delete, fetch, a query execution, or a builder
// batch. It never outlives Commit/Cancel.
type Context struct {
	tx  keyval.Transaction
	cfg Config
}

// New wraps an already-open keyval.Transaction.
func New(tx keyval.Transaction, cfg Config) *Context {
	return &Context{tx: tx, cfg: cfg}
}

// Get reads one key. snapshot=true suppresses conflict detection.
func (c *Context) Get(ctx context.Context, key []byte, snapshot bool) ([]byte, bool, error) {
	return c.tx.Get(ctx, key, snapshot)
}

// GetRange reads a key range in order.
func (c *Context) GetRange(ctx context.Context, begin, end []byte, snapshot bool, opts keyval.RangeOptions) ([]keyval.KeyValue, error) {
	return c.tx.GetRange(ctx, begin, end, snapshot, opts)
}

// Set writes a key unconditionally.
func (c *Context) Set(key, value []byte) error { return c.tx.Set(key, value) }

// Clear removes one key.
func (c *Context) Clear(key []byte) error { return c.tx.Clear(key) }

// ClearRange removes every key in [begin, end).
func (c *Context) ClearRange(begin, end []byte) error { return c.tx.ClearRange(begin, end) }

// Atomic applies an atomic read-modify-write mutation.
func (c *Context) Atomic(key, param []byte, op keyval.AtomicOp) error {
	return c.tx.Atomic(key, param, op)
}

// AddPreCommitHook registers a hook to run just before commit, in
// registration order; an error aborts the transaction.
func (c *Context) AddPreCommitHook(fn keyval.PreCommitHook) { c.tx.AddPreCommitHook(fn) }

// AddPostCommitHook registers a hook to run after a successful commit.
func (c *Context) AddPostCommitHook(fn keyval.PostCommitHook) { c.tx.AddPostCommitHook(fn) }

// Commit attempts to commit the wrapped transaction, translating keyval
// sentinel errors into the record layer's own error kinds.
func (c *Context) Commit(ctx context.Context) (keyval.CommitResult, error) {
	res, err := c.tx.Commit(ctx)
	if err == nil {
		return res, nil
	}
	switch {
	case errors.Is(err, keyval.ErrConflict):
		return res, fmt.Errorf("%w", rlerrors.ErrTransactionConflict)
	case errors.Is(err, keyval.ErrTooLarge):
		return res, fmt.Errorf("%w", rlerrors.ErrTransactionTooLarge)
	case errors.Is(err, keyval.ErrTooOld):
		return res, fmt.Errorf("%w", rlerrors.ErrTransactionTooOld)
	default:
		return res, err
	}
}

// Cancel abandons the wrapped transaction.
func (c *Context) Cancel() { c.tx.Cancel() }

// Raw returns the underlying keyval.Transaction, for collaborators (index
// maintainers, the statistics manager) whose interfaces predate this
// wrapper and operate against the engine contract directly.
func (c *Context) Raw() keyval.Transaction { return c.tx }

// Driver runs user functions inside a retried, auto-committed Context: it
// is the implementation behind the external "context.transaction(fn)"
// entry point, retrying only the transient, retryable failure kinds with
// exponential backoff plus jitter.
type Driver struct {
	engine keyval.Engine
	cfg    Config
}

// NewDriver builds a Driver over engine using cfg (zero value defaults to
// DefaultConfig's retry budget).
func NewDriver(engine keyval.Engine, cfg Config) *Driver {
	if cfg.MaxRetries == 0 && cfg.BaseBackoff == 0 {
		cfg = DefaultConfig()
	}
	return &Driver{engine: engine, cfg: cfg}
}

// Transact runs fn inside one serializable transaction, retrying on
// rlerrors.ErrTransactionConflict up to cfg.MaxRetries times with
// exponential backoff. fn must be idempotent under retry: it may be
// invoked more than once against a fresh Context each time.
func (d *Driver) Transact(ctx context.Context, fn func(*Context) error) (keyval.CommitResult, error) {
	log := klog.FromContext(ctx).WithName("txn-driver")

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		tx, err := d.engine.NewTransaction(ctx)
		if err != nil {
			return keyval.CommitResult{}, fmt.Errorf("recordlayer/txn: open transaction: %w", err)
		}
		tc := New(tx, d.cfg)

		if err := fn(tc); err != nil {
			tc.Cancel()
			return keyval.CommitResult{}, err
		}

		res, err := tc.Commit(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.Is(err, rlerrors.ErrTransactionConflict) {
			return keyval.CommitResult{}, err
		}

		backoff := time.Duration(math.Min(
			float64(d.cfg.MaxBackoff),
			float64(d.cfg.BaseBackoff)*math.Pow(2, float64(attempt)),
		))
		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		log.V(logging.DEBUG).Info("retrying after conflict", "attempt", attempt, "backoff", backoff+jitter)

		select {
		case <-ctx.Done():
			return keyval.CommitResult{}, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return keyval.CommitResult{}, fmt.Errorf("recordlayer/txn: exhausted %d retries: %w", d.cfg.MaxRetries, lastErr)
}
