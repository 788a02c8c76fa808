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

package keyval

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Subspace is a byte-ordered key prefix under which a logical namespace
// lives. Sub derives a child subspace by tuple-encoding extra path
// elements onto the prefix.
type Subspace struct {
	prefix []byte
}

// NewSubspace returns the root subspace for a raw prefix.
func NewSubspace(prefix []byte) Subspace {
	cp := make([]byte, len(prefix))
	copy(cp, prefix)
	return Subspace{prefix: cp}
}

// Sub returns a child subspace nested under this one via extra, tuple-encoded.
func (s Subspace) Sub(extra ...any) Subspace {
	out := make([]byte, len(s.prefix))
	copy(out, s.prefix)
	out = append(out, Tuple(extra).Pack()...)
	return Subspace{prefix: out}
}

// Pack returns the key for a tuple within this subspace.
func (s Subspace) Pack(t Tuple) []byte {
	out := make([]byte, len(s.prefix), len(s.prefix)+32)
	copy(out, s.prefix)
	return append(out, t.Pack()...)
}

// Bytes returns the subspace's raw prefix.
func (s Subspace) Bytes() []byte {
	return s.prefix
}

// Range returns the [begin, end) key range covering every key in this
// subspace and its children.
func (s Subspace) Range() (begin, end []byte) {
	begin = s.prefix
	if len(s.prefix) == 0 {
		return nil, nil
	}
	return begin, StrInc(s.prefix)
}

// Unpack strips the subspace prefix from key and decodes the remainder as a
// Tuple. It errors if key does not belong to this subspace.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if len(key) < len(s.prefix) {
		return nil, fmt.Errorf("keyval: key shorter than subspace prefix")
	}
	for i, b := range s.prefix {
		if key[i] != b {
			return nil, fmt.Errorf("keyval: key does not belong to subspace")
		}
	}
	return Unpack(key[len(s.prefix):])
}

// DirectoryLayer maps logical, hierarchical path segments (tenant ids,
// collection names, literal path components) onto short, deterministic
// key prefixes, the way the KV engine's directory layer would. Paths are
// cached so repeated Open calls for the same path are idempotent and cheap.
type DirectoryLayer struct {
	root Subspace

	mu    sync.RWMutex
	paths map[string]Subspace
}

// NewDirectoryLayer returns a DirectoryLayer rooted at root.
func NewDirectoryLayer(root Subspace) *DirectoryLayer {
	return &DirectoryLayer{
		root:  root,
		paths: make(map[string]Subspace),
	}
}

// Open returns the subspace for path, creating and caching its prefix on
// first use. Equal paths always resolve to equal subspaces.
func (d *DirectoryLayer) Open(path []string) Subspace {
	key := joinPath(path)

	d.mu.RLock()
	sub, ok := d.paths[key]
	d.mu.RUnlock()
	if ok {
		return sub
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.paths[key]; ok {
		return sub
	}

	h := xxhash.Sum64String(key)
	sub = d.root.Sub("dir", h)
	d.paths[key] = sub
	return sub
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
