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

package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		buf := codec.AppendVarint(nil, v)
		got, n, err := codec.ReadVarint(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestZigZagRoundTrip(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -1000000, 1000000} {
		buf := codec.AppendZigZag(nil, v)
		got, _, err := codec.ReadZigZag(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func userDescriptor() schema.RecordTypeDescriptor {
	return schema.RecordTypeDescriptor{
		Name:       "User",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "email", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "age", Number: 3, Wire: schema.WireVarint, Optional: true},
			{Name: "scores", Number: 4, Wire: schema.WireVarint, Repeated: true},
		},
	}
}

func TestRecordCodecRoundTrip(t *testing.T) {
	c := codec.NewRecordCodec(userDescriptor())
	rec := codec.Record{
		"id":     int64(1),
		"email":  "alice@example.com",
		"age":    int64(30),
		"scores": []int64{10, -5, 300},
	}

	buf, err := c.Marshal(rec)
	require.NoError(t, err)

	got, err := c.Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["id"])
	assert.Equal(t, []byte("alice@example.com"), got["email"])
	assert.Equal(t, int64(30), got["age"])
	assert.Equal(t, []int64{10, -5, 300}, got["scores"])
}

func TestRecordCodecOptionalFieldOmitted(t *testing.T) {
	c := codec.NewRecordCodec(userDescriptor())
	rec := codec.Record{"id": int64(1), "email": "bob@example.com"}

	buf, err := c.Marshal(rec)
	require.NoError(t, err)

	got, err := c.Unmarshal(buf)
	require.NoError(t, err)
	_, hasAge := got["age"]
	assert.False(t, hasAge)
}

func TestRecordCodecMissingRequiredFieldFails(t *testing.T) {
	c := codec.NewRecordCodec(userDescriptor())
	_, err := c.Marshal(codec.Record{"id": int64(1)})
	assert.Error(t, err)
}

func TestRecordCodecEmptyRepeatedFieldOmitted(t *testing.T) {
	c := codec.NewRecordCodec(userDescriptor())
	rec := codec.Record{"id": int64(1), "email": "c@example.com", "scores": []int64{}}
	buf, err := c.Marshal(rec)
	require.NoError(t, err)
	got, err := c.Unmarshal(buf)
	require.NoError(t, err)
	_, has := got["scores"]
	assert.False(t, has)
}
