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

package store

import (
	"context"

	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
)

// Executor runs a planned Query and returns the matching records. The
// planner package's Planner satisfies this structurally: store never
// imports planner, so anything implementing Execute(ctx, Query) can be
// wired in at QueryBuilder construction time.
type Executor interface {
	Execute(ctx context.Context, q Query) ([]codec.Record, error)
}

// Query mirrors the planner's input shape without importing it: a
// caller-opaque filter value (the planner package defines the concrete
// predicate tree type behind this), a sort order, a limit, and an optional
// covering field set.
type Query struct {
	Filter         any // *planner.Predicate, opaque here
	Sort           []SortKey
	Limit          int
	RequiredFields []string
	IndexedOnly    bool
}

// SortDirection orders a sort key.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// SortKey is one field in a requested sort order.
type SortKey struct {
	Field     string
	Direction SortDirection
}

// QueryBuilder is the lazy, type-safe predicate/sort/limit builder spec
// §4.2 calls for: RecordStore.Query() returns one, and Execute runs it
// through the wired Executor (the query planner) once every clause is set.
type QueryBuilder struct {
	store    *RecordStore
	executor Executor
	q        Query
}

// Query begins a new QueryBuilder against this store's record type,
// executed through executor (typically a *planner.Planner wired against
// this store's planner.Backend view).
func (s *RecordStore) Query(executor Executor) *QueryBuilder {
	return &QueryBuilder{store: s, executor: executor}
}

// Where attaches a filter predicate, opaque to store (see Query.Filter).
func (b *QueryBuilder) Where(filter any) *QueryBuilder {
	b.q.Filter = filter
	return b
}

// OrderBy appends a sort key, evaluated in the order added.
func (b *QueryBuilder) OrderBy(field string, dir SortDirection) *QueryBuilder {
	b.q.Sort = append(b.q.Sort, SortKey{Field: field, Direction: dir})
	return b
}

// Limit caps the number of returned records.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.q.Limit = n
	return b
}

// Require marks fields the caller needs back, enabling Covering plans when
// an index's key fields already contain them.
func (b *QueryBuilder) Require(fields ...string) *QueryBuilder {
	b.q.RequiredFields = fields
	return b
}

// IndexedOnly refuses a FullScan fallback: Execute fails rather than
// scanning every record when no index matches.
func (b *QueryBuilder) IndexedOnly() *QueryBuilder {
	b.q.IndexedOnly = true
	return b
}

// Execute runs the built query through the wired Executor.
func (b *QueryBuilder) Execute(ctx context.Context) ([]codec.Record, error) {
	return b.executor.Execute(ctx, b.q)
}
