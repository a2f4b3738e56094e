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

package filter

import (
	lru "github.com/hashicorp/golang-lru"
)

// StateCache bounds the per-tag-set mutable state a scripted filter
// keeps (spec.md §4.4: "each filter instance owns independent user
// state... state lives only in process memory"). Tag cardinality is
// attacker-controllable, so a filter that keys its state by tag
// fingerprint needs an eviction policy rather than an unbounded map —
// the same role golang-lru plays for the reference's per-series state
// in dsl/ds_lru.go.
type StateCache struct {
	cache *lru.Cache
}

// NewStateCache returns a cache holding at most capacity entries,
// evicting least-recently-used when full. capacity <= 0 falls back to
// a capacity of 4096.
func NewStateCache(capacity int) *StateCache {
	if capacity <= 0 {
		capacity = 4096
	}
	c, _ := lru.New(capacity)
	return &StateCache{cache: c}
}

// Get returns the state for key and whether it was present.
func (s *StateCache) Get(key string) (interface{}, bool) {
	return s.cache.Get(key)
}

// GetOrCreate returns the existing state for key, or creates it via
// create and stores it if absent.
func (s *StateCache) GetOrCreate(key string, create func() interface{}) interface{} {
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	v := create()
	s.cache.Add(key, v)
	return v
}

// Len reports the number of live entries.
func (s *StateCache) Len() int { return s.cache.Len() }
