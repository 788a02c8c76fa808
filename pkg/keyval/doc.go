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

// Package keyval plays the role the record layer assigns to "the KV
// engine": byte-ordered keys, a tuple codec, hierarchical subspaces, and
// transactions with atomic mutation operations. It ships two backends,
// MemEngine and RedisEngine, that satisfy the same Engine contract so the
// rest of the module never depends on which one is wired in.
package keyval
