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

// Package indexstate persists and reads the three-state lifecycle status
// of every index: disabled, write-only, or readable.
package indexstate

import (
	"context"
	"fmt"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
)

// State is one of an index's three lifecycle states.
type State byte

const (
	Disabled State = iota
	WriteOnly
	Readable
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case WriteOnly:
		return "write-only"
	case Readable:
		return "readable"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the sanctioned state transitions: disabled
// -> write-only (begin building); write-only -> readable (builder
// finished); write-only -> disabled (abort); readable -> disabled
// (retire).
var validTransitions = map[State]map[State]bool{
	Disabled:  {WriteOnly: true},
	WriteOnly: {Readable: true, Disabled: true},
	Readable:  {Disabled: true},
}

// IsValidTransition reports whether from->to is one of the sanctioned
// direction changes.
func IsValidTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Manager persists one state byte per index under the "S/<indexName>"
// subspace (spec §4.4), and is consulted by the planner at plan time and
// by index maintainers at update time.
type Manager struct {
	sub keyval.Subspace
}

// NewManager builds a Manager rooted at sub (typically the store's
// "S/" subspace).
func NewManager(sub keyval.Subspace) *Manager {
	return &Manager{sub: sub}
}

func (m *Manager) key(indexName string) []byte {
	return m.sub.Pack(keyval.Tuple{indexName})
}

// Get reads an index's current state. An index with no persisted state is
// reported as Disabled, matching the "no entries required" default.
func (m *Manager) Get(ctx context.Context, tx keyval.Transaction, indexName string, snapshot bool) (State, error) {
	v, found, err := tx.Get(ctx, m.key(indexName), snapshot)
	if err != nil {
		return Disabled, fmt.Errorf("recordlayer/indexstate: get %q: %w", indexName, err)
	}
	if !found || len(v) == 0 {
		return Disabled, nil
	}
	return State(v[0]), nil
}

// Set unconditionally persists an index's state within tx.
func (m *Manager) Set(tx keyval.Transaction, indexName string, state State) error {
	if err := tx.Set(m.key(indexName), []byte{byte(state)}); err != nil {
		return fmt.Errorf("recordlayer/indexstate: set %q: %w", indexName, err)
	}
	return nil
}

// Transition performs a compare-and-swap: it reads the current state
// (serializable, so the surrounding transaction conflicts with any
// concurrent transition attempt), verifies it equals expected and that
// expected->target is a sanctioned direction, then writes target.
func (m *Manager) Transition(ctx context.Context, tx keyval.Transaction, indexName string, expected, target State) error {
	if !IsValidTransition(expected, target) {
		return fmt.Errorf("recordlayer/indexstate: %s -> %s is not a sanctioned transition", expected, target)
	}
	current, err := m.Get(ctx, tx, indexName, false)
	if err != nil {
		return err
	}
	if current != expected {
		return fmt.Errorf("recordlayer/indexstate: expected %s, found %s for index %q", expected, current, indexName)
	}
	return m.Set(tx, indexName, target)
}
