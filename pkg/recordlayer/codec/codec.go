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

// Package codec implements the record wire format: a stable, numbered-field
// binary encoding equivalent to Protocol Buffers' wire rules. The record
// layer's external-interfaces contract treats "record serialization" as an
// outside concern with a fixed format; this package supplies a concrete,
// minimal instance of that format so the Record Store has something real
// to round-trip save/fetch against.
package codec

import (
	"encoding/binary"
	"fmt"
)

// WireType is the on-the-wire shape of one field's value, matching the
// schema package's WireType enumeration one-to-one.
type WireType uint8

const (
	WireVarint         WireType = 0
	WireFixed64        WireType = 1
	WireLengthDelimited WireType = 2
	WireFixed32        WireType = 5
)

// Tag packs a field number and wire type the way the reference format
// does: (number << 3) | wireType.
func Tag(number int, wire WireType) uint64 {
	return uint64(number)<<3 | uint64(wire)
}

// UntagWire recovers a field number and wire type from a decoded tag.
func UntagWire(tag uint64) (number int, wire WireType) {
	return int(tag >> 3), WireType(tag & 0x7)
}

// AppendVarint appends an unsigned LEB128 varint.
func AppendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// AppendZigZag appends a signed integer zigzag-encoded then varint-packed,
// so small-magnitude negative numbers stay cheap to encode.
func AppendZigZag(buf []byte, v int64) []byte {
	zz := uint64((v << 1) ^ (v >> 63))
	return AppendVarint(buf, zz)
}

// AppendFixed64 appends a little-endian 8-byte value.
func AppendFixed64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AppendFixed32 appends a little-endian 4-byte value.
func AppendFixed32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AppendBytes appends a length-prefixed (varint length) byte string, used
// for strings, raw bytes, and nested messages alike.
func AppendBytes(buf []byte, v []byte) []byte {
	buf = AppendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// ReadVarint decodes an unsigned LEB128 varint, returning the value and
// the number of bytes consumed.
func ReadVarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if i >= 10 {
			return 0, 0, fmt.Errorf("codec: varint too long")
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("codec: truncated varint")
}

// ReadZigZag decodes a zigzag-varint-encoded signed integer.
func ReadZigZag(buf []byte) (int64, int, error) {
	zz, n, err := ReadVarint(buf)
	if err != nil {
		return 0, 0, err
	}
	return int64(zz>>1) ^ -int64(zz&1), n, nil
}

// ReadFixed64 decodes a little-endian 8-byte value.
func ReadFixed64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("codec: truncated fixed64")
	}
	return binary.LittleEndian.Uint64(buf[:8]), nil
}

// ReadFixed32 decodes a little-endian 4-byte value.
func ReadFixed32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("codec: truncated fixed32")
	}
	return binary.LittleEndian.Uint32(buf[:4]), nil
}

// ReadBytes decodes a length-prefixed byte string, returning the bytes and
// the number of buf bytes consumed (prefix + payload).
func ReadBytes(buf []byte) ([]byte, int, error) {
	length, n, err := ReadVarint(buf)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(buf) {
		return nil, 0, fmt.Errorf("codec: truncated length-delimited field")
	}
	out := make([]byte, length)
	copy(out, buf[n:end])
	return out, end, nil
}

// Value is one decoded field value alongside the wire type it arrived as,
// used by the generic decoder below so callers can reassemble typed
// records without depending on reflection.
type Value struct {
	Wire   WireType
	Varint uint64
	Fixed  uint64
	Bytes  []byte
}

// Field pairs a decoded Value with the field number it was tagged with.
type Field struct {
	Number int
	Value  Value
}

// Decode walks a record's wire bytes and returns every field found, in
// encounter order (a field number may repeat, e.g. for a non-packed
// repeated field or an evolved schema that appended entries twice).
func Decode(buf []byte) ([]Field, error) {
	var fields []Field
	for len(buf) > 0 {
		tag, n, err := ReadVarint(buf)
		if err != nil {
			return nil, fmt.Errorf("codec: read tag: %w", err)
		}
		buf = buf[n:]
		number, wire := UntagWire(tag)

		var v Value
		v.Wire = wire
		switch wire {
		case WireVarint:
			val, n, err := ReadVarint(buf)
			if err != nil {
				return nil, fmt.Errorf("codec: read varint field %d: %w", number, err)
			}
			v.Varint = val
			buf = buf[n:]
		case WireFixed64:
			val, err := ReadFixed64(buf)
			if err != nil {
				return nil, fmt.Errorf("codec: read fixed64 field %d: %w", number, err)
			}
			v.Fixed = val
			buf = buf[8:]
		case WireFixed32:
			val, err := ReadFixed32(buf)
			if err != nil {
				return nil, fmt.Errorf("codec: read fixed32 field %d: %w", number, err)
			}
			v.Fixed = uint64(val)
			buf = buf[4:]
		case WireLengthDelimited:
			raw, n, err := ReadBytes(buf)
			if err != nil {
				return nil, fmt.Errorf("codec: read bytes field %d: %w", number, err)
			}
			v.Bytes = raw
			buf = buf[n:]
		default:
			return nil, fmt.Errorf("codec: unknown wire type %d on field %d", wire, number)
		}
		fields = append(fields, Field{Number: number, Value: v})
	}
	return fields, nil
}

// AppendPackedVarint appends a packed-repeated field of varint-encoded
// values as one length-delimited payload: the wire shape the spec
// mandates for repeated primitive fields instead of repeating the tag.
func AppendPackedVarint(buf []byte, number int, values []uint64) []byte {
	var payload []byte
	for _, v := range values {
		payload = AppendVarint(payload, v)
	}
	buf = AppendVarint(buf, Tag(number, WireLengthDelimited))
	return AppendBytes(buf, payload)
}

// DecodePackedVarint unpacks a packed-repeated varint payload previously
// produced by AppendPackedVarint.
func DecodePackedVarint(payload []byte) ([]uint64, error) {
	var out []uint64
	for len(payload) > 0 {
		v, n, err := ReadVarint(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: decode packed varint: %w", err)
		}
		out = append(out, v)
		payload = payload[n:]
	}
	return out, nil
}
