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

package schema

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Fingerprint is a stable hash of a schema's shape: sorted record type
// names, field wire-numbers, index kinds, grouping/key shape, and the
// former-index list. Two schemas with equal Fingerprint are
// interchangeable from the evolution validator's point of view.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:])
}

// canonicalField/canonicalIndex/canonicalType/canonicalFormer are
// stripped-down, deterministically-ordered projections of the schema used
// only to compute the fingerprint: map iteration order never leaks in,
// because every field here is a slice built from a sorted key list.
type canonicalField struct {
	Name     string
	Number   int
	Wire     int
	Repeated bool
	Optional bool
}

type canonicalIndex struct {
	Name          string
	Kind          int
	KeyExpression []string
	GroupingLen   int
	Unique        bool
	Scope         int
}

type canonicalFormer struct {
	IndexName string
	AddedIn   string
	RemovedIn string
}

type canonicalType struct {
	Name       string
	PrimaryKey []string
	Fields     []canonicalField
	Indexes    []canonicalIndex
	Former     []canonicalFormer
}

// Fingerprint computes the schema's canonical-CBOR-then-hash fingerprint:
// encode a deterministically-sorted projection with CBOR's canonical
// encoding options, then SHA-256 it. Canonical CBOR guarantees map keys
// and indefinite-length forms don't introduce nondeterminism; the
// sort.Slice/sort.Strings calls below guarantee the same for the slices
// CBOR doesn't canonicalize on its own.
func (s *Schema) Fingerprint() (Fingerprint, error) {
	names := s.RecordTypeNames()
	types := make([]canonicalType, 0, len(names))
	for _, name := range names {
		d := s.recordTypes[name]

		fields := make([]canonicalField, len(d.Fields))
		for i, f := range d.Fields {
			fields[i] = canonicalField{
				Name: f.Name, Number: f.Number, Wire: int(f.Wire),
				Repeated: f.Repeated, Optional: f.Optional,
			}
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Number < fields[j].Number })

		indexes := make([]canonicalIndex, len(d.Indexes))
		for i, idx := range d.Indexes {
			indexes[i] = canonicalIndex{
				Name: idx.Name, Kind: int(idx.Kind), KeyExpression: append([]string(nil), idx.KeyExpression...),
				GroupingLen: idx.GroupingLen, Unique: idx.Unique, Scope: int(idx.Scope),
			}
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })

		formers := s.formerByType[name]
		cformers := make([]canonicalFormer, len(formers))
		for i, fi := range formers {
			cformers[i] = canonicalFormer{IndexName: fi.IndexName, AddedIn: fi.AddedIn.String(), RemovedIn: fi.RemovedIn.String()}
		}
		sort.Slice(cformers, func(i, j int) bool { return cformers[i].IndexName < cformers[j].IndexName })

		types = append(types, canonicalType{
			Name: name, PrimaryKey: append([]string(nil), d.PrimaryKey...),
			Fields: fields, Indexes: indexes, Former: cformers,
		})
	}

	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("recordlayer/schema: build canonical cbor mode: %w", err)
	}
	encoded, err := opts.Marshal(types)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("recordlayer/schema: encode schema for fingerprint: %w", err)
	}
	return sha256.Sum256(encoded), nil
}
