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

package events

import (
	"context"
	"fmt"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/stats"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/txn"
)

// RecordSource is the subset of a RecordStore the statistics handler needs
// to turn a compact mutation event back into the full record its sketches
// are built from. *store.RecordStore satisfies this directly.
type RecordSource interface {
	Fetch(ctx context.Context, pk keyval.Tuple, tx *txn.Context) (codec.Record, bool, error)
	Transact(ctx context.Context, fn func(*txn.Context) error) (keyval.CommitResult, error)
}

// StatsHandler feeds a RecordSaved/RecordDeleted event into the owning
// record type's Statistics Manager, and calls BumpEpoch for every
// IndexStateTransition so a planner sharing that epoch's plan cache
// invalidates stale plans without this package depending on the planner
// package directly.
type StatsHandler struct {
	sources   map[string]RecordSource
	managers  map[string]*stats.Manager
	BumpEpoch func()
}

// NewStatsHandler builds an empty handler; call Register for every record
// type whose mutations should feed its statistics.
func NewStatsHandler() *StatsHandler {
	return &StatsHandler{
		sources:  make(map[string]RecordSource),
		managers: make(map[string]*stats.Manager),
	}
}

// Register wires recordType's mutation events to src/mgr.
func (h *StatsHandler) Register(recordType string, src RecordSource, mgr *stats.Manager) {
	h.sources[recordType] = src
	h.managers[recordType] = mgr
}

// Handle implements Handler.
func (h *StatsHandler) Handle(ctx context.Context, partition string, ev Event) error {
	switch ev.Kind {
	case IndexStateTransition:
		if h.BumpEpoch != nil {
			h.BumpEpoch()
		}
		return nil
	case RecordSaved, RecordDeleted:
		return h.handleMutation(ctx, ev)
	default:
		return fmt.Errorf("recordlayer/events: unknown event kind %q", ev.Kind)
	}
}

func (h *StatsHandler) handleMutation(ctx context.Context, ev Event) error {
	src, ok := h.sources[ev.RecordType]
	if !ok {
		return nil // no statistics manager registered for this record type
	}
	mgr := h.managers[ev.RecordType]

	pk, err := keyval.Unpack(ev.Key)
	if err != nil {
		return fmt.Errorf("recordlayer/events: unpack event key: %w", err)
	}

	_, err = src.Transact(ctx, func(tc *txn.Context) error {
		if ev.Kind == RecordDeleted {
			// Observe's delete branch only inspects old/new nilness, never
			// old's contents, so a placeholder non-nil record is enough to
			// signal "a row went away" without re-reading it.
			return mgr.Observe(ctx, tc.Raw(), codec.Record{}, nil)
		}

		rec, found, err := src.Fetch(ctx, pk, tc)
		if err != nil {
			return err
		}
		if !found {
			// Already deleted again by the time this event was processed;
			// nothing to observe.
			return nil
		}
		return mgr.Observe(ctx, tc.Raw(), nil, rec)
	})
	if err != nil {
		return fmt.Errorf("recordlayer/events: observe %s: %w", ev.Kind, err)
	}
	return nil
}
