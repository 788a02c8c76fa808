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

// Package schema holds the runtime metadata that describes record types,
// their indexes, and the aggregate schema registered against a store: the
// compile-time-produced descriptors this repo treats as data rather than
// generated code, plus the fingerprinting and evolution-validation logic
// that guards changes to them across restarts.
package schema

import "github.com/cespare/xxhash/v2"

// WireType mirrors the handful of wire shapes the record codec supports.
type WireType int

const (
	WireVarint WireType = iota
	WireFixed64
	WireLengthDelimited
	WireFixed32
)

// FieldDescriptor is one field of a record type: its wire number, wire
// type, and whether it repeats or is optional.
type FieldDescriptor struct {
	Name     string
	Number   int
	Wire     WireType
	Repeated bool
	Optional bool
}

// IndexKind is the closed tagged union of index kinds the maintainer
// dispatcher understands. Adding a kind means adding one case to the
// dispatcher, not touching the planner's shape.
type IndexKind int

const (
	IndexValue IndexKind = iota
	IndexCount
	IndexSum
	IndexMin
	IndexMax
	IndexRank
	IndexVersion
	IndexPermuted
	IndexVector
	IndexSpatial
)

func (k IndexKind) String() string {
	switch k {
	case IndexValue:
		return "value"
	case IndexCount:
		return "count"
	case IndexSum:
		return "sum"
	case IndexMin:
		return "min"
	case IndexMax:
		return "max"
	case IndexRank:
		return "rank"
	case IndexVersion:
		return "version"
	case IndexPermuted:
		return "permuted"
	case IndexVector:
		return "vector"
	case IndexSpatial:
		return "spatial"
	default:
		return "unknown"
	}
}

// IndexScope controls whether an index's entries live under the owning
// record type's partition subspace or under the root's global-indexes
// subspace.
type IndexScope int

const (
	ScopePartition IndexScope = iota
	ScopeGlobal
)

// DistanceMetric is the similarity function a vector index scores by.
type DistanceMetric int

const (
	MetricCosine DistanceMetric = iota
	MetricEuclidean
	MetricDot
)

// VectorStrategy chooses how a vector index stores and searches its
// entries.
type VectorStrategy int

const (
	VectorFlatScan VectorStrategy = iota
	VectorHNSW
)

// SpatialKind selects the coordinate system and cell-identifier scheme a
// spatial index uses.
type SpatialKind int

const (
	Spatial2DGeo SpatialKind = iota
	Spatial3DGeo
	Spatial2DCartesian
	Spatial3DCartesian
)

// VectorOptions configures a vector-kind index.
type VectorOptions struct {
	Dimensions      int
	Metric          DistanceMetric
	Strategy        VectorStrategy
	InlineIndexing  bool // only meaningful when Strategy == VectorHNSW
	AcknowledgeRisk bool // must be true to opt into InlineIndexing
}

// SpatialOptions configures a spatial-kind index.
type SpatialOptions struct {
	Kind      SpatialKind
	CellLevel int // 0-30 for geo, <=32 (2D) / <=21 (3D) for cartesian
	Fields    []string
}

// RankOptions configures a rank-kind index.
type RankOptions struct {
	Descending bool
}

// IndexDefinition is the declarative shape of one index over a record
// type.
type IndexDefinition struct {
	Name string
	Kind IndexKind
	// KeyExpression lists, in order, the grouping field names (if any)
	// followed by the indexed field names. Grouping fields are the
	// leading prefix consulted by count/sum/min/max aggregation.
	KeyExpression []string
	GroupingLen   int
	Unique        bool // value indexes only
	Scope         IndexScope

	Vector  VectorOptions  // Kind == IndexVector
	Spatial SpatialOptions // Kind == IndexSpatial
	Rank    RankOptions    // Kind == IndexRank
	// Permutation reorders KeyExpression for a permuted index; indices
	// into KeyExpression.
	Permutation []int
}

// GroupingFields returns the leading grouping prefix of the key expression.
func (d IndexDefinition) GroupingFields() []string {
	return d.KeyExpression[:d.GroupingLen]
}

// IndexedFields returns the non-grouping, indexed suffix of the key
// expression.
func (d IndexDefinition) IndexedFields() []string {
	return d.KeyExpression[d.GroupingLen:]
}

// RecordTypeDescriptor is the compile-time metadata for one record type:
// normally produced by the host project's codegen, consumed here as plain
// data.
type RecordTypeDescriptor struct {
	Name           string
	PrimaryKey     []string // ordered field names, 1..N
	Fields         []FieldDescriptor
	Indexes        []IndexDefinition
	PartitionPath  []PathSegment
}

// PathSegment is one element of a record type's partition directory path:
// either a literal string or a reference to one of the type's own fields
// (resolved per-record at store-open / save time).
type PathSegment struct {
	Literal string
	Field   string // non-empty means "reference this field instead of Literal"
}

func (p PathSegment) IsField() bool { return p.Field != "" }

// FieldByName looks up a field descriptor by name.
func (d RecordTypeDescriptor) FieldByName(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// IndexByName looks up an index definition by name.
func (d RecordTypeDescriptor) IndexByName(name string) (IndexDefinition, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDefinition{}, false
}

// NameHash is the stable hash used to prefix this type's record keys,
// derived from its name the same way the teacher derives a deterministic
// directory prefix from a logical path.
func (d RecordTypeDescriptor) NameHash() uint64 {
	return xxhash.Sum64String(d.Name)
}
