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

// Package events implements the committed-mutation change feed (spec §9
// supplement): every record save, delete, and index state transition a
// RecordStore commits is published as an event, fanned out over a ZMQ PUB
// socket and consumed by a sharded workqueue pool so downstream listeners
// (the Statistics Manager of a replica, the query planner's plan cache)
// learn about a commit without coupling to the store that made it. The
// wire shape and the sharded-consumer pool are adapted from the KV-cache
// manager's own block-event feed.
package events

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
)

// Kind distinguishes the mutations this feed reports.
type Kind string

const (
	RecordSaved          Kind = "saved"
	RecordDeleted        Kind = "deleted"
	IndexStateTransition Kind = "index-state"
)

// Event is one committed mutation.
type Event struct {
	_ struct{} `msgpack:",array"`

	Kind       Kind
	RecordType string
	// Key is the packed primary key tuple for RecordSaved/RecordDeleted, or
	// the index name for IndexStateTransition.
	Key []byte
	// Seq is the record's post-commit version for RecordSaved, unused
	// otherwise.
	Seq uint64
}

// Batch groups the events one transaction committed, the unit this feed
// publishes and consumes, mirroring EventBatch's per-commit grouping.
type Batch struct {
	_ struct{} `msgpack:",array"`

	Partition string
	Events    []Event
}

// Marshal encodes b for the wire.
func Marshal(b Batch) ([]byte, error) {
	buf, err := msgpack.Marshal(b)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes a Batch previously produced by Marshal.
func Unmarshal(raw []byte) (Batch, error) {
	var b Batch
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// RecordKey derives the primary key bytes an Event carries for a record
// mutation, so a publisher and its consumers agree on one encoding.
func RecordKey(pk keyval.Tuple) []byte { return pk.Pack() }
