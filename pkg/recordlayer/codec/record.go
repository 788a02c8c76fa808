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

package codec

import (
	"fmt"
	"math"
	"sort"

	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// Record is a decoded record's field values keyed by field name. Scalar
// varint and fixed32 fields decode to int64, fixed64 fields to float64, and
// length-delimited fields to []byte (strings are not restored); repeated
// fields decode to []int64/[]float64/[][]byte depending on the field's wire
// type; nested messages are out of scope for
// this minimal codec (spec.md treats full message nesting as belonging to
// the external serialization format).
type Record map[string]any

// RecordCodec marshals and unmarshals Records against one
// RecordTypeDescriptor's field list, honoring each field's wire type,
// repeated-ness, and optionality per the spec's wire-rule subtleties:
// optional primitives use their own primitive's wire type, never forced
// to length-delimited, and repeated primitives use packed encoding.
type RecordCodec struct {
	desc   schema.RecordTypeDescriptor
	byName map[string]schema.FieldDescriptor
}

// NewRecordCodec builds a RecordCodec for desc.
func NewRecordCodec(desc schema.RecordTypeDescriptor) *RecordCodec {
	byName := make(map[string]schema.FieldDescriptor, len(desc.Fields))
	for _, f := range desc.Fields {
		byName[f.Name] = f
	}
	return &RecordCodec{desc: desc, byName: byName}
}

// Marshal encodes rec into the wire format, in ascending field-number
// order for determinism.
func (c *RecordCodec) Marshal(rec Record) ([]byte, error) {
	fields := append([]schema.FieldDescriptor(nil), c.desc.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Number < fields[j].Number })

	var buf []byte
	for _, f := range fields {
		val, present := rec[f.Name]
		if !present {
			if !f.Optional && !f.Repeated {
				return nil, fmt.Errorf("recordlayer/codec: required field %q missing: %w", f.Name, rlerrors.ErrSerializationFailed)
			}
			continue
		}

		var err error
		switch {
		case f.Repeated:
			buf, err = c.marshalRepeated(buf, f, val)
		default:
			buf, err = c.marshalScalar(buf, f, val)
		}
		if err != nil {
			return nil, fmt.Errorf("recordlayer/codec: field %q: %w: %v", f.Name, rlerrors.ErrSerializationFailed, err)
		}
	}
	return buf, nil
}

func (c *RecordCodec) marshalScalar(buf []byte, f schema.FieldDescriptor, val any) ([]byte, error) {
	switch f.Wire {
	case schema.WireVarint:
		iv, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		buf = AppendVarint(buf, Tag(f.Number, WireVarint))
		buf = AppendZigZag(buf, iv)
	case schema.WireFixed64:
		fv, err := toFloat64(val)
		if err != nil {
			return nil, err
		}
		buf = AppendVarint(buf, Tag(f.Number, WireFixed64))
		buf = AppendFixed64(buf, math.Float64bits(fv))
	case schema.WireFixed32:
		iv, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		buf = AppendVarint(buf, Tag(f.Number, WireFixed32))
		buf = AppendFixed32(buf, uint32(iv))
	case schema.WireLengthDelimited:
		b, err := toBytes(val)
		if err != nil {
			return nil, err
		}
		buf = AppendVarint(buf, Tag(f.Number, WireLengthDelimited))
		buf = AppendBytes(buf, b)
	default:
		return nil, fmt.Errorf("unsupported wire type %d", f.Wire)
	}
	return buf, nil
}

func (c *RecordCodec) marshalRepeated(buf []byte, f schema.FieldDescriptor, val any) ([]byte, error) {
	switch f.Wire {
	case schema.WireLengthDelimited:
		// Strings/bytes can't be packed; repeat the tag per element.
		items, err := toBytesSlice(val)
		if err != nil {
			return nil, err
		}
		for _, b := range items {
			buf = AppendVarint(buf, Tag(f.Number, WireLengthDelimited))
			buf = AppendBytes(buf, b)
		}
	case schema.WireVarint:
		items, err := toInt64Slice(val)
		if err != nil {
			return nil, err
		}
		zz := make([]uint64, len(items))
		for i, v := range items {
			zz[i] = uint64((v << 1) ^ (v >> 63))
		}
		buf = AppendPackedVarint(buf, f.Number, zz)
	case schema.WireFixed64:
		items, err := toFloat64Slice(val)
		if err != nil {
			return nil, err
		}
		var payload []byte
		for _, v := range items {
			payload = AppendFixed64(payload, math.Float64bits(v))
		}
		buf = AppendVarint(buf, Tag(f.Number, WireLengthDelimited))
		buf = AppendBytes(buf, payload)
	default:
		return nil, fmt.Errorf("unsupported repeated wire type %d", f.Wire)
	}
	return buf, nil
}

// Unmarshal decodes buf into a Record keyed by this descriptor's field
// names, according to each field's declared wire type and repeated-ness.
func (c *RecordCodec) Unmarshal(buf []byte) (Record, error) {
	raw, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/codec: %w: %v", rlerrors.ErrSerializationFailed, err)
	}

	numberToField := make(map[int]schema.FieldDescriptor, len(c.desc.Fields))
	for _, f := range c.desc.Fields {
		numberToField[f.Number] = f
	}

	rec := make(Record)
	repeatedVarint := make(map[string][]int64)
	repeatedBytes := make(map[string][][]byte)
	repeatedFloat := make(map[string][]float64)

	for _, rf := range raw {
		f, ok := numberToField[rf.Number]
		if !ok {
			continue // unknown field from a newer schema version; ignore
		}
		switch {
		case f.Repeated && f.Wire == schema.WireVarint && rf.Value.Wire == WireLengthDelimited:
			zz, err := DecodePackedVarint(rf.Value.Bytes)
			if err != nil {
				return nil, fmt.Errorf("recordlayer/codec: %w: %v", rlerrors.ErrSerializationFailed, err)
			}
			for _, v := range zz {
				repeatedVarint[f.Name] = append(repeatedVarint[f.Name], int64(v>>1)^-int64(v&1))
			}
		case f.Repeated && f.Wire == schema.WireLengthDelimited:
			repeatedBytes[f.Name] = append(repeatedBytes[f.Name], rf.Value.Bytes)
		case f.Repeated && f.Wire == schema.WireFixed64:
			for i := 0; i+8 <= len(rf.Value.Bytes); i += 8 {
				u, err := ReadFixed64(rf.Value.Bytes[i:])
				if err != nil {
					return nil, fmt.Errorf("recordlayer/codec: %w: %v", rlerrors.ErrSerializationFailed, err)
				}
				repeatedFloat[f.Name] = append(repeatedFloat[f.Name], math.Float64frombits(u))
			}
		case f.Wire == schema.WireVarint:
			rec[f.Name] = int64(rf.Value.Varint>>1) ^ -int64(rf.Value.Varint&1)
		case f.Wire == schema.WireFixed64:
			rec[f.Name] = math.Float64frombits(rf.Value.Fixed)
		case f.Wire == schema.WireFixed32:
			rec[f.Name] = int64(int32(rf.Value.Fixed))
		case f.Wire == schema.WireLengthDelimited:
			rec[f.Name] = rf.Value.Bytes
		}
	}
	for name, vs := range repeatedVarint {
		rec[name] = vs
	}
	for name, vs := range repeatedBytes {
		rec[name] = vs
	}
	for name, vs := range repeatedFloat {
		rec[name] = vs
	}
	return rec, nil
}

func toInt64(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", val)
	}
}

func toFloat64(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", val)
	}
}

func toBytes(val any) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected string/[]byte, got %T", val)
	}
}

func toInt64Slice(val any) ([]int64, error) {
	switch v := val.(type) {
	case []int64:
		return v, nil
	default:
		return nil, fmt.Errorf("expected []int64, got %T", val)
	}
}

func toFloat64Slice(val any) ([]float64, error) {
	switch v := val.(type) {
	case []float64:
		return v, nil
	default:
		return nil, fmt.Errorf("expected []float64, got %T", val)
	}
}

func toBytesSlice(val any) ([][]byte, error) {
	switch v := val.(type) {
	case [][]byte:
		return v, nil
	case []string:
		out := make([][]byte, len(v))
		for i, s := range v {
			out[i] = []byte(s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected [][]byte/[]string, got %T", val)
	}
}
