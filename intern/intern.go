//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package intern is a process-global string cache, grounded on the
// original implementation's cache::string (src/cache/string.rs):
// Store hashes a string and keeps exactly one copy of it behind that
// hash, so that repeated values — above all a Telemetry's tag
// fingerprint, reused on every bucket lookup for the lifetime of a
// series — are compared and hashed as a single uint64 rather than
// rehashed and re-walked as a string on every call.
//
// Like the original, this trades a vanishingly small risk of hash
// collision (two distinct strings mapping to the same id, silently
// merging their bucket entries) for O(1) comparisons; cache/string.rs
// accepts the same risk with the same justification (a 64-bit hash
// over the cardinality a single process ever sees).
package intern

import (
	"hash/fnv"
	"sync"
)

var (
	mu   sync.RWMutex
	byID = make(map[uint64]string)
)

// Store hashes value with FNV-1a and records it in the global cache
// if not already present, returning the hash as its id. Calling Store
// again with the same value is idempotent and returns the same id.
func Store(value string) uint64 {
	id := hash(value)

	mu.RLock()
	_, ok := byID[id]
	mu.RUnlock()
	if ok {
		return id
	}

	mu.Lock()
	byID[id] = value
	mu.Unlock()
	return id
}

// Lookup returns the string last stored under id, if any.
func Lookup(id uint64) (string, bool) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := byID[id]
	return v, ok
}

func hash(value string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(value))
	return h.Sum64()
}
