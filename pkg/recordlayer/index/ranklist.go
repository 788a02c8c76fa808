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

package index

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	rlcodec "github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
)

// skipList persists a skip list across KV keys, one grouping at a time
// (spec §4.3.4): `I/<name>/<groupingFields...>/ranked/<level>/<nodeId>`
// holds one level's forward pointer and span for nodeId, and a sibling
// "value/<nodeId>" key holds the node's indexed value tuple. Using the
// record's own packed primary-key tuple as nodeId means Delete never needs
// a separate id allocator and ties break deterministically by primary key.
//
// This is the classic (Pugh 1990 / redis zskiplist) algorithm: search
// descends from the highest populated level, walking forward while the
// next node's (value, nodeId) orders before the target, then splices in
// (or removes) the target at every level up to its randomly assigned
// height, updating span counts so rank/select stay O(log n + k).
type skipList struct {
	sub      keyval.Subspace // grouping-scoped subspace for this skip list
	maxLevel int
	p        float64
	desc     bool
}

const (
	defaultMaxLevel = 24
	defaultP        = 0.25
)

var headNodeID = []byte{} // sorts before every non-empty packed primary key

func newSkipList(sub keyval.Subspace, desc bool) *skipList {
	return &skipList{sub: sub, maxLevel: defaultMaxLevel, p: defaultP, desc: desc}
}

func (s *skipList) levelKey(level int, nodeID []byte) []byte {
	return s.sub.Sub("ranked", level).Pack(keyval.Tuple{nodeID})
}

func (s *skipList) valueKey(nodeID []byte) []byte {
	return s.sub.Sub("value").Pack(keyval.Tuple{nodeID})
}

func (s *skipList) headLevelKey() []byte {
	return s.sub.Pack(keyval.Tuple{"maxlevel"})
}

type forward struct {
	next []byte // nil means tail
	span int64
}

func encodeForward(f forward) []byte {
	var buf []byte
	if f.next == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = rlcodec.AppendVarint(buf, uint64(len(f.next)))
		buf = append(buf, f.next...)
	}
	buf = rlcodec.AppendZigZag(buf, f.span)
	return buf
}

func decodeForward(b []byte) (forward, error) {
	if len(b) == 0 {
		return forward{}, fmt.Errorf("recordlayer/index: empty forward entry")
	}
	has := b[0] == 1
	b = b[1:]
	var f forward
	if has {
		n, k, err := rlcodec.ReadVarint(b)
		if err != nil {
			return forward{}, err
		}
		b = b[k:]
		if len(b) < int(n) {
			return forward{}, fmt.Errorf("recordlayer/index: truncated forward next id")
		}
		f.next = append([]byte(nil), b[:n]...)
		b = b[n:]
	}
	span, _, err := rlcodec.ReadZigZag(b)
	if err != nil {
		return forward{}, err
	}
	f.span = span
	return f, nil
}

func (s *skipList) getForward(ctx context.Context, tx keyval.Transaction, level int, nodeID []byte) (forward, bool, error) {
	v, found, err := tx.Get(ctx, s.levelKey(level, nodeID), false)
	if err != nil || !found {
		return forward{}, found, err
	}
	f, err := decodeForward(v)
	return f, true, err
}

func (s *skipList) getMaxLevel(ctx context.Context, tx keyval.Transaction) (int, error) {
	v, found, err := tx.Get(ctx, s.headLevelKey(), false)
	if err != nil {
		return 0, err
	}
	if !found || len(v) == 0 {
		return 0, nil
	}
	n, _, err := rlcodec.ReadVarint(v)
	return int(n), err
}

func (s *skipList) setMaxLevel(tx keyval.Transaction, n int) error {
	return tx.Set(s.headLevelKey(), rlcodec.AppendVarint(nil, uint64(n)))
}

func (s *skipList) getValue(ctx context.Context, tx keyval.Transaction, nodeID []byte) (keyval.Tuple, bool, error) {
	v, found, err := tx.Get(ctx, s.valueKey(nodeID), false)
	if err != nil || !found {
		return nil, found, err
	}
	t, err := keyval.Unpack(v)
	return t, true, err
}

func (s *skipList) less(a keyval.Tuple, aID []byte, b keyval.Tuple, bID []byte) bool {
	cmp := bytesCompare(a.Pack(), b.Pack())
	if cmp == 0 {
		cmp = bytesCompare(aID, bID)
	}
	if s.desc {
		return cmp > 0
	}
	return cmp < 0
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func randomLevel(maxLevel int, p float64) int {
	level := 0
	for level < maxLevel-1 && rand.Float64() < p { //nolint:gosec // skip-list balancing, not cryptographic
		level++
	}
	return level
}

// search walks every level from the current max down to 0, returning, for
// each level, the predecessor node id immediately before where value/id
// belongs and the cumulative rank (count of level-0 nodes) traversed to
// reach that predecessor.
func (s *skipList) search(ctx context.Context, tx keyval.Transaction, value keyval.Tuple, id []byte) (update [][]byte, rank []int64, topLevel int, err error) {
	topLevel, err = s.getMaxLevel(ctx, tx)
	if err != nil {
		return nil, nil, 0, err
	}

	update = make([][]byte, topLevel+1)
	rank = make([]int64, topLevel+1)
	cur := headNodeID

	for l := topLevel; l >= 0; l-- {
		if l < topLevel {
			rank[l] = rank[l+1]
		}
		for {
			f, found, ferr := s.getForward(ctx, tx, l, cur)
			if ferr != nil {
				return nil, nil, 0, ferr
			}
			if !found || f.next == nil {
				break
			}
			nextVal, _, verr := s.getValue(ctx, tx, f.next)
			if verr != nil {
				return nil, nil, 0, verr
			}
			if !s.less(nextVal, f.next, value, id) {
				break
			}
			rank[l] += f.span
			cur = f.next
		}
		update[l] = cur
	}
	return update, rank, topLevel, nil
}

// Insert adds (value, id) to the skip list. Caller must not insert the
// same id twice without an intervening Delete.
func (s *skipList) Insert(ctx context.Context, tx keyval.Transaction, value keyval.Tuple, id []byte) error {
	update, rank, topLevel, err := s.search(ctx, tx, value, id)
	if err != nil {
		return fmt.Errorf("recordlayer/index: rank insert search: %w", err)
	}

	if err := tx.Set(s.valueKey(id), value.Pack()); err != nil {
		return fmt.Errorf("recordlayer/index: rank insert value: %w", err)
	}

	level := randomLevel(s.maxLevel, s.p)
	if level > topLevel {
		for l := topLevel + 1; l <= level; l++ {
			update = append(update, headNodeID)
			rank = append(rank, 0)
		}
		if err := s.setMaxLevel(tx, level); err != nil {
			return fmt.Errorf("recordlayer/index: rank insert grow head: %w", err)
		}
		// the head's new top levels point directly past every existing
		// node until spliced below; leave them as "no forward" until the
		// splice loop below sets them for levels <= `level`.
		topLevel = level
	}

	for l := 0; l <= level; l++ {
		pred := update[l]
		predFwd, found, err := s.getForward(ctx, tx, l, pred)
		if err != nil {
			return fmt.Errorf("recordlayer/index: rank insert read pred forward: %w", err)
		}
		if !found {
			predFwd = forward{}
		}
		newSpan := predFwd.span - (rank[0] - rank[l])
		if newSpan < 0 {
			newSpan = 0
		}
		if err := tx.Set(s.levelKey(l, id), encodeForward(forward{next: predFwd.next, span: newSpan})); err != nil {
			return fmt.Errorf("recordlayer/index: rank insert new node forward: %w", err)
		}
		if err := tx.Set(s.levelKey(l, pred), encodeForward(forward{next: id, span: rank[0] - rank[l] + 1})); err != nil {
			return fmt.Errorf("recordlayer/index: rank insert pred forward: %w", err)
		}
	}

	for l := level + 1; l <= topLevel; l++ {
		pred := update[l]
		predFwd, found, err := s.getForward(ctx, tx, l, pred)
		if err != nil {
			return fmt.Errorf("recordlayer/index: rank insert read upper pred: %w", err)
		}
		if !found {
			continue
		}
		predFwd.span++
		if err := tx.Set(s.levelKey(l, pred), encodeForward(predFwd)); err != nil {
			return fmt.Errorf("recordlayer/index: rank insert bump upper span: %w", err)
		}
	}
	return nil
}

// Delete removes id (whose indexed value is known to the caller, since the
// record's current/old field value identifies it) from the skip list.
func (s *skipList) Delete(ctx context.Context, tx keyval.Transaction, value keyval.Tuple, id []byte) error {
	update, _, topLevel, err := s.search(ctx, tx, value, id)
	if err != nil {
		return fmt.Errorf("recordlayer/index: rank delete search: %w", err)
	}

	spliced := make([]bool, topLevel+1)
	for l := 0; l <= topLevel; l++ {
		pred := update[l]
		predFwd, found, err := s.getForward(ctx, tx, l, pred)
		if err != nil {
			return fmt.Errorf("recordlayer/index: rank delete read pred: %w", err)
		}
		if !found || predFwd.next == nil || !bytesEqual(predFwd.next, id) {
			continue
		}
		nodeFwd, nfound, err := s.getForward(ctx, tx, l, id)
		if err != nil {
			return fmt.Errorf("recordlayer/index: rank delete read node: %w", err)
		}
		var next []byte
		var nodeSpan int64 = 1
		if nfound {
			next = nodeFwd.next
			nodeSpan = nodeFwd.span
		}
		predFwd.next = next
		predFwd.span += nodeSpan - 1
		if err := tx.Set(s.levelKey(l, pred), encodeForward(predFwd)); err != nil {
			return fmt.Errorf("recordlayer/index: rank delete splice: %w", err)
		}
		if err := tx.Clear(s.levelKey(l, id)); err != nil {
			return fmt.Errorf("recordlayer/index: rank delete clear level: %w", err)
		}
		spliced[l] = true
	}
	for l := 0; l <= topLevel; l++ {
		pred := update[l]
		if pred == nil {
			break
		}
		predFwd, found, err := s.getForward(ctx, tx, l, pred)
		if err != nil || !found {
			continue
		}
		if spliced[l] {
			continue // spliced out above
		}
		predFwd.span--
		if predFwd.span < 0 {
			predFwd.span = 0
		}
		if err := tx.Set(s.levelKey(l, pred), encodeForward(predFwd)); err != nil {
			return fmt.Errorf("recordlayer/index: rank delete bump upper span: %w", err)
		}
	}
	return tx.Clear(s.valueKey(id))
}

func bytesEqual(a, b []byte) bool { return bytesCompare(a, b) == 0 }

// Rank returns the 0-based rank of the first node whose value equals
// target, i.e. the count of nodes ordering strictly before it.
func (s *skipList) Rank(ctx context.Context, tx keyval.Transaction, target keyval.Tuple) (int64, error) {
	topLevel, err := s.getMaxLevel(ctx, tx)
	if err != nil {
		return 0, err
	}
	var rank int64
	cur := headNodeID
	for l := topLevel; l >= 0; l-- {
		for {
			f, found, err := s.getForward(ctx, tx, l, cur)
			if err != nil {
				return 0, err
			}
			if !found || f.next == nil {
				break
			}
			nextVal, _, err := s.getValue(ctx, tx, f.next)
			if err != nil {
				return 0, err
			}
			c := bytesCompare(nextVal.Pack(), target.Pack())
			if s.desc {
				c = -c
			}
			if c >= 0 {
				break
			}
			rank += f.span
			cur = f.next
		}
	}
	return rank, nil
}

// Select returns the (value, primaryKeyID) of the node at 0-based index.
func (s *skipList) Select(ctx context.Context, tx keyval.Transaction, rankIdx int64) (keyval.Tuple, []byte, error) {
	if rankIdx < 0 {
		return nil, nil, rlerrors.ErrInvalidRank
	}
	topLevel, err := s.getMaxLevel(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	var traveled int64
	cur := headNodeID
	for l := topLevel; l >= 0; l-- {
		for {
			f, found, err := s.getForward(ctx, tx, l, cur)
			if err != nil {
				return nil, nil, err
			}
			if !found || f.next == nil {
				break
			}
			if traveled+f.span > rankIdx {
				break
			}
			traveled += f.span
			cur = f.next
		}
	}
	f, found, err := s.getForward(ctx, tx, 0, cur)
	if err != nil {
		return nil, nil, err
	}
	if !found || f.next == nil {
		return nil, nil, rlerrors.ErrRankOutOfBounds
	}
	val, _, err := s.getValue(ctx, tx, f.next)
	if err != nil {
		return nil, nil, err
	}
	return val, f.next, nil
}
