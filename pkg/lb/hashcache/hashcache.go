/*
Copyright 2025 The Morph Authors.

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

// Package hashcache caches completed hash results. The unit of work is a
// pure function of its input, so a cached result is always valid; only
// memory pressure bounds the cache.
package hashcache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is a TTL-bounded input -> digest cache.
type Cache struct {
	cache *ttlcache.Cache[string, string]
}

// New creates a started Cache. Entries expire after ttl; capacity bounds the
// number of entries (0 means unbounded).
func New(ttl time.Duration, capacity uint64) *Cache {
	c := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithCapacity[string, string](capacity),
		// A digest never goes stale, so reads don't need to extend an
		// entry's lifetime; expiry stays deterministic.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &Cache{cache: c}
}

// Get returns the cached digest for input, if present.
func (c *Cache) Get(input string) (string, bool) {
	item := c.cache.Get(input)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Set stores the digest for input.
func (c *Cache) Set(input, digest string) {
	c.cache.Set(input, digest, ttlcache.DefaultTTL)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Stop halts the background expiration loop.
func (c *Cache) Stop() {
	c.cache.Stop()
}
