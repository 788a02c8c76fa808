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
	"fmt"
	"sort"
)

// Version is a (major, minor, patch) schema version, compared
// lexicographically.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// FormerIndex is the tombstone retained when an index is removed from a
// record type, so the evolution validator can authorize its deletion on a
// later schema and operators can reclaim its key space.
type FormerIndex struct {
	RecordType string
	IndexName  string
	AddedIn    Version
	RemovedIn  Version
}

// Schema is the runtime aggregate of every registered record type
// descriptor plus every former-index tombstone. It is constructed once per
// store-open and is immutable thereafter; evolving it means building a new
// Schema and running it through the Validator.
type Schema struct {
	Version      Version
	recordTypes  map[string]RecordTypeDescriptor
	formerByType map[string][]FormerIndex
}

// New returns an empty schema at the given version.
func New(version Version) *Schema {
	return &Schema{
		Version:      version,
		recordTypes:  make(map[string]RecordTypeDescriptor),
		formerByType: make(map[string][]FormerIndex),
	}
}

// Register adds a record type descriptor to the schema. It returns an
// error if the type name is already registered, if the primary key
// references an unknown field, or if a global index's scope is
// inconsistent with the type's partition path (spec invariant: a global
// index on a partitioned type requires every partition field to appear in
// the primary key).
func (s *Schema) Register(d RecordTypeDescriptor) error {
	if _, exists := s.recordTypes[d.Name]; exists {
		return fmt.Errorf("recordlayer/schema: record type %q already registered", d.Name)
	}
	if len(d.PrimaryKey) == 0 {
		return fmt.Errorf("recordlayer/schema: record type %q has no primary key fields", d.Name)
	}
	for _, pk := range d.PrimaryKey {
		if _, ok := d.FieldByName(pk); !ok {
			return fmt.Errorf("recordlayer/schema: record type %q primary key references unknown field %q", d.Name, pk)
		}
	}

	partitionFields := make(map[string]bool)
	for _, seg := range d.PartitionPath {
		if seg.IsField() {
			partitionFields[seg.Field] = true
		}
	}

	pkFields := make(map[string]bool, len(d.PrimaryKey))
	for _, pk := range d.PrimaryKey {
		pkFields[pk] = true
	}

	for _, idx := range d.Indexes {
		for _, f := range idx.KeyExpression {
			if _, ok := d.FieldByName(f); !ok {
				return fmt.Errorf("recordlayer/schema: index %q on %q references unknown field %q", idx.Name, d.Name, f)
			}
		}
		if idx.Scope == ScopeGlobal && len(partitionFields) > 0 {
			for pf := range partitionFields {
				if !pkFields[pf] {
					return fmt.Errorf(
						"recordlayer/schema: global index %q on partitioned type %q requires partition field %q in the primary key",
						idx.Name, d.Name, pf)
				}
			}
		}
		if idx.Kind == IndexVector {
			if idx.Vector.Strategy == VectorHNSW && idx.Vector.InlineIndexing && !idx.Vector.AcknowledgeRisk {
				return fmt.Errorf(
					"recordlayer/schema: index %q on %q enables inline HNSW indexing without acknowledging the timeout risk",
					idx.Name, d.Name)
			}
		}
	}

	s.recordTypes[d.Name] = d
	return nil
}

// RecordType looks up a registered descriptor by name.
func (s *Schema) RecordType(name string) (RecordTypeDescriptor, bool) {
	d, ok := s.recordTypes[name]
	return d, ok
}

// RecordTypeNames returns every registered type name, sorted.
func (s *Schema) RecordTypeNames() []string {
	names := make([]string, 0, len(s.recordTypes))
	for n := range s.recordTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RetireIndex removes idx from d's active index list and records a
// FormerIndex tombstone for it.
func (s *Schema) RetireIndex(recordType, indexName string, removedIn Version) error {
	d, ok := s.recordTypes[recordType]
	if !ok {
		return fmt.Errorf("recordlayer/schema: unknown record type %q", recordType)
	}
	idx, ok := d.IndexByName(indexName)
	if !ok {
		return fmt.Errorf("recordlayer/schema: unknown index %q on %q", indexName, recordType)
	}
	kept := make([]IndexDefinition, 0, len(d.Indexes)-1)
	for _, i := range d.Indexes {
		if i.Name != indexName {
			kept = append(kept, i)
		}
	}
	d.Indexes = kept
	s.recordTypes[recordType] = d
	s.formerByType[recordType] = append(s.formerByType[recordType], FormerIndex{
		RecordType: recordType,
		IndexName:  indexName,
		AddedIn:    Version{}, // unknown at this layer; caller may track it in a real registry
		RemovedIn:  removedIn,
	})
	_ = idx
	return nil
}

// AddFormerIndex registers a former-index tombstone directly, as when
// reconstructing a Schema from persisted metadata rather than retiring a
// live index via RetireIndex.
func (s *Schema) AddFormerIndex(fi FormerIndex) {
	s.formerByType[fi.RecordType] = append(s.formerByType[fi.RecordType], fi)
}

// FormerIndexes returns every former-index tombstone for a record type.
func (s *Schema) FormerIndexes(recordType string) []FormerIndex {
	return s.formerByType[recordType]
}
