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

// Package stats implements the Statistics Manager (spec §4.9 / C9): a
// row count maintained the same way a count index's grouping total is
// (atomic add alongside the owning record's write), a per-field
// cardinality estimate via a HyperLogLog sketch merged with the KV
// engine's byte-max atomic op, and a per-field equi-depth histogram built
// from a reservoir sample. Readers see all three as of a recent committed
// snapshot; the planner's default cardinality estimate does not read
// them, and only an estimator passed to Planner.WithStats can. Stale stats
// degrade plan quality, never correctness (spec §4.9, testable property
// set).
package stats

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
)

// Config controls the precision/cost tradeoffs of the sketches this
// manager maintains.
type Config struct {
	// HLLRegisters is the HyperLogLog sketch width; must be a power of
	// two. Larger values trade more per-field storage for a tighter
	// cardinality estimate.
	HLLRegisters int `json:"hllRegisters"`
	// SampleSize bounds the reservoir sample each tracked field's
	// histogram is built from.
	SampleSize int `json:"sampleSize"`
}

// DefaultConfig mirrors the teacher's habit of small, constant-cost
// default sketch sizes rather than scaling with expected data volume.
func DefaultConfig() Config {
	return Config{HLLRegisters: 64, SampleSize: 256}
}

// Bucket is one equi-depth histogram bucket: every sampled value in
// [Lower, Upper], Lower and Upper being the bucket's smallest and largest
// sampled values, with an
// approximate row count scaled from the sample back to the full
// population via RowCount.
type Bucket struct {
	Lower, Upper any
	Count        int64
}

// Manager maintains statistics for one record type's declared fields.
type Manager struct {
	sub    keyval.Subspace
	fields map[string]bool
	cfg    Config
}

// New builds a Manager persisting under sub, tracking cardinality/histogram
// sketches for fields.
func New(sub keyval.Subspace, fields []string, cfg Config) *Manager {
	if cfg.HLLRegisters == 0 {
		cfg = DefaultConfig()
	}
	if !isPowerOfTwo(cfg.HLLRegisters) {
		cfg.HLLRegisters = 64
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Manager{sub: sub, fields: set, cfg: cfg}
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Observe reflects a save (old==nil), delete (new==nil), or re-key into
// the row count and, for inserts, every tracked field's sketches. Deletes
// only decrement the row count: HyperLogLog and reservoir sampling are
// insertion-only approximations by construction, so a deleted value's
// contribution to cardinality/histogram estimates is left in place, the
// same staleness the spec already tolerates for snapshot-read stats.
func (m *Manager) Observe(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	switch {
	case old == nil && new != nil:
		if err := m.bumpRowCount(tx, 1); err != nil {
			return err
		}
		for field := range m.fields {
			v, ok := new[field]
			if !ok {
				continue
			}
			if err := m.observeHLL(tx, field, v); err != nil {
				return err
			}
			if err := m.observeSample(ctx, tx, field, v); err != nil {
				return err
			}
		}
	case old != nil && new == nil:
		if err := m.bumpRowCount(tx, -1); err != nil {
			return err
		}
	default:
		// Re-key (old and new both set): row count unchanged; sketches
		// are left as-is, matching the delete case's staleness policy.
	}
	return nil
}

func (m *Manager) rowCountKey() []byte { return m.sub.Pack(keyval.Tuple{"rowcount"}) }

func (m *Manager) bumpRowCount(tx keyval.Transaction, delta int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(delta))
	if err := tx.Atomic(m.rowCountKey(), buf, keyval.OpAdd); err != nil {
		return fmt.Errorf("recordlayer/stats: bump row count: %w", err)
	}
	return nil
}

// RowCount returns the current row count, exact (it is maintained by
// atomic add alongside every save/delete, the same way a count index's
// empty-grouping total is).
func (m *Manager) RowCount(ctx context.Context, tx keyval.Transaction, snapshot bool) (int64, error) {
	v, found, err := tx.Get(ctx, m.rowCountKey(), snapshot)
	if err != nil {
		return 0, fmt.Errorf("recordlayer/stats: read row count: %w", err)
	}
	if !found || len(v) != 8 {
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

func (m *Manager) hllKey(field string, register int) []byte {
	return m.sub.Pack(keyval.Tuple{"hll", field, int64(register)})
}

// observeHLL hashes v into one of cfg.HLLRegisters buckets and keeps the
// largest leading-zero-run-plus-one seen for that bucket, merged via the
// KV engine's byte-max atomic op so concurrent savers of distinct records
// never conflict on the same counter the way a plain read-modify-write
// would.
func (m *Manager) observeHLL(tx keyval.Transaction, field string, v any) error {
	h := xxhash.Sum64(encodeForHash(v))
	regBits := bits.TrailingZeros(uint(m.cfg.HLLRegisters))
	register := int(h & uint64(m.cfg.HLLRegisters-1))
	rest := h >> uint(regBits)
	rho := byte(bits.LeadingZeros64(rest)-regBits) + 1
	return tx.Atomic(m.hllKey(field, register), []byte{rho}, keyval.OpMax)
}

// Cardinality returns the HyperLogLog estimate of field's distinct-value
// count.
func (m *Manager) Cardinality(ctx context.Context, tx keyval.Transaction, field string, snapshot bool) (uint64, error) {
	m2 := float64(m.cfg.HLLRegisters)
	var sumInv float64
	var zeros int
	for i := 0; i < m.cfg.HLLRegisters; i++ {
		v, found, err := tx.Get(ctx, m.hllKey(field, i), snapshot)
		if err != nil {
			return 0, fmt.Errorf("recordlayer/stats: read hll register: %w", err)
		}
		var rho byte
		if found && len(v) == 1 {
			rho = v[0]
		} else {
			zeros++
		}
		sumInv += math.Pow(2, -float64(rho))
	}
	alpha := 0.7213 / (1 + 1.079/m2)
	raw := alpha * m2 * m2 / sumInv

	// Small-range linear-counting correction, standard for HLL.
	if raw <= 2.5*m2 && zeros > 0 {
		return uint64(m2 * math.Log(m2/float64(zeros))), nil
	}
	return uint64(raw), nil
}

func (m *Manager) sampleCountKey(field string) []byte {
	return m.sub.Pack(keyval.Tuple{"sample-seen", field})
}

func (m *Manager) sampleSlotKey(field string, slot int) []byte {
	return m.sub.Pack(keyval.Tuple{"sample", field, int64(slot)})
}

// observeSample runs reservoir sampling (Algorithm R) over every observed
// value of field, keeping a uniform random sample of at most
// cfg.SampleSize values to build equi-depth histogram buckets from.
func (m *Manager) observeSample(ctx context.Context, tx keyval.Transaction, field string, v any) error {
	seen, _, err := tx.Get(ctx, m.sampleCountKey(field), false)
	if err != nil {
		return fmt.Errorf("recordlayer/stats: read sample count: %w", err)
	}
	var n int64
	if len(seen) == 8 {
		n = int64(binary.LittleEndian.Uint64(seen))
	}
	n++
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	if err := tx.Set(m.sampleCountKey(field), buf); err != nil {
		return fmt.Errorf("recordlayer/stats: write sample count: %w", err)
	}

	k := int64(m.cfg.SampleSize)
	var slot int64 = -1
	switch {
	case n <= k:
		slot = n - 1
	default:
		//nolint:gosec // sampling decision, not a security boundary
		if j := rand.Int63n(n); j < k {
			slot = j
		}
	}
	if slot < 0 {
		return nil
	}
	packed := keyval.Tuple{v}.Pack()
	if err := tx.Set(m.sampleSlotKey(field, int(slot)), packed); err != nil {
		return fmt.Errorf("recordlayer/stats: write sample slot: %w", err)
	}
	return nil
}

// Histogram builds up to numBuckets equi-depth buckets from field's
// reservoir sample, scaling each bucket's sample count back to the full
// population via the current row count.
func (m *Manager) Histogram(ctx context.Context, tx keyval.Transaction, field string, numBuckets int, snapshot bool) ([]Bucket, error) {
	begin := m.sub.Pack(keyval.Tuple{"sample", field})
	end := keyval.StrInc(begin)
	kvs, err := tx.GetRange(ctx, begin, end, snapshot, keyval.RangeOptions{})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/stats: scan sample: %w", err)
	}
	if len(kvs) == 0 {
		return nil, nil
	}

	values := make([]any, 0, len(kvs))
	for _, kv := range kvs {
		t, err := keyval.Unpack(kv.Value)
		if err != nil || len(t) != 1 {
			continue
		}
		values = append(values, t[0])
	}
	sort.Slice(values, func(i, j int) bool { return compareAny(values[i], values[j]) < 0 })

	rowCount, err := m.RowCount(ctx, tx, snapshot)
	if err != nil {
		return nil, err
	}

	if numBuckets <= 0 {
		numBuckets = 10
	}
	if numBuckets > len(values) {
		numBuckets = len(values)
	}
	perBucket := len(values) / numBuckets
	if perBucket == 0 {
		perBucket = 1
	}

	var buckets []Bucket
	for i := 0; i < len(values); i += perBucket {
		end := i + perBucket
		if end > len(values) || len(buckets) == numBuckets-1 {
			end = len(values)
		}
		sampleCount := end - i
		scaled := sampleCount
		if len(values) > 0 {
			scaled = int(float64(sampleCount) / float64(len(values)) * float64(rowCount))
		}
		buckets = append(buckets, Bucket{
			Lower: values[i],
			Upper: values[end-1],
			Count: int64(scaled),
		})
		if end == len(values) {
			break
		}
	}
	return buckets, nil
}

// encodeForHash renders v to a stable byte form for hashing into the HLL
// sketch, reusing Tuple's own byte-ordered encoding so equal logical
// values (including equal numeric values of different Go integer widths)
// hash identically.
func encodeForHash(v any) []byte {
	return keyval.Tuple{v}.Pack()
}

// compareAny orders two tuple-packable scalar values the same way
// keyval.Tuple's byte encoding would, for sorting a histogram sample.
func compareAny(a, b any) int {
	pa := keyval.Tuple{a}.Pack()
	pb := keyval.Tuple{b}.Pack()
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return len(pa) - len(pb)
}
