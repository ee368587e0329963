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

package hashcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheRoundTrip(t *testing.T) {
	c := New(time.Minute, 16)
	defer c.Stop()

	_, ok := c.Get("abc")
	assert.False(t, ok)

	c.Set("abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	got, ok := c.Get("abc")
	assert.True(t, ok)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}

func TestCacheExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 16)
	defer c.Stop()

	c.Set("abc", "digest")
	assert.Eventually(t, func() bool {
		_, ok := c.Get("abc")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCacheCapacity(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Stop()

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")
	assert.Equal(t, 2, c.Len())
}
