// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package state holds the proxy's copy of the device state.
//
// The cache keeps the latest serialized form of every distinguishable piece
// of device state, in order of first appearance. That order is the replay
// order for consoles that connect mid-session.
package state

import (
	"container/list"
	"sync"
)

// DefaultMaxSynthetic is the default bound on synthetic entries.
const DefaultMaxSynthetic = 4096

type entry struct {
	key   Key
	value []byte
}

// Cache is an ordered, deduplicating key to bytes store. It is safe for
// concurrent use; every operation is atomic with respect to the others.
type Cache struct {
	mu    sync.RWMutex
	order *list.List
	index map[Key]*list.Element

	// synthetic keys in allocation order, oldest first
	synthetic    []Key
	nextSeq      uint64
	maxSynthetic int
	evicted      uint64
}

// New creates a cache holding at most maxSynthetic synthetic entries. When
// the bound is exceeded the oldest synthetic entry is evicted. Known
// entries are never evicted. Zero disables the bound.
func New(maxSynthetic int) *Cache {
	return &Cache{
		order:        list.New(),
		index:        make(map[Key]*list.Element),
		maxSynthetic: maxSynthetic,
	}
}

// Set upserts value under key. An existing key keeps its position.
func (c *Cache) Set(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value)
}

// Append stores value under the next synthetic key and returns the key.
func (c *Cache) Append(value []byte) Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Synthetic(c.nextSeq)
	c.nextSeq++
	c.set(key, value)
	return key
}

func (c *Cache) set(key Key, value []byte) {
	value = append([]byte(nil), value...)

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).value = value
		return
	}

	c.index[key] = c.order.PushBack(&entry{key: key, value: value})
	if !key.IsSynthetic() {
		return
	}

	c.synthetic = append(c.synthetic, key)
	for c.maxSynthetic > 0 && len(c.synthetic) > c.maxSynthetic {
		oldest := c.synthetic[0]
		c.synthetic = c.synthetic[1:]
		if el, ok := c.index[oldest]; ok {
			c.order.Remove(el)
			delete(c.index, oldest)
			c.evicted++
		}
	}
}

// Get returns the value stored under key.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}

// Values returns the current values in replay order. The returned slices
// must not be modified.
func (c *Cache) Values() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values := make([][]byte, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		values = append(values, el.Value.(*entry).value)
	}
	return values
}

// Keys returns the current keys in replay order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]Key, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Clear empties the cache and restarts synthetic key allocation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.index = make(map[Key]*list.Element)
	c.synthetic = nil
	c.nextSeq = 0
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Evicted returns how many synthetic entries were dropped by the bound.
func (c *Cache) Evicted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}
