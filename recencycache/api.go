// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package recencycache provides a fixed capacity cache that evicts its least
// recently used entry once full. The overflow variant writes each evicted entry
// to a private diskcache.DiskCache and consults it on a memory miss.
//
// Keys must be comparable (usable as Go map keys). Others, such as []byte,
// are rejected with a blunder.InvalidArgError.
package recencycache

import (
	"container/list"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/crawlstate/diskcache"
)

// Order selects the direction of Values() and ForEach().
type Order uint8

const (
	LeastRecentFirst Order = iota
	MostRecentFirst
)

// Cache is the interface shared by both variants.
type Cache interface {
	Get(key sortedmap.Key) (value sortedmap.Value, ok bool, err error)
	Set(key sortedmap.Key, value sortedmap.Value) (err error)
	Contains(key sortedmap.Key) (ok bool, err error)
	Remove(key sortedmap.Key) (ok bool, err error)
	Len() (numberOfItems int)
	Cap() (capacity uint64)
	Clear() (err error)
	Values(order Order) (values []sortedmap.Value)
	ForEach(order Order, fn func(key sortedmap.Key, value sortedmap.Value) (keepGoing bool))
	Close() (err error)
}

// Config selects a variant. DiskCache is used only when Overflow is set.
type Config struct {
	Capacity  uint64 // Clamped to at least 1
	Overflow  bool
	DiskCache diskcache.Config
}

type Stats struct {
	Hits      uint64 // Served from memory
	DiskHits  uint64 // Served from the overflow disk cache
	Misses    uint64
	Evictions uint64
}

// RecencyCache implements Cache. Every method is serialized on its mutex.
type RecencyCache struct {
	sync.Mutex
	capacity uint64
	lru      *list.List // Front is least recently used; values are *entryStruct
	index    map[sortedmap.Key]*list.Element
	overflow *diskcache.DiskCache // nil for the plain variant
	stats    Stats
	closed   bool
}

type entryStruct struct {
	key   sortedmap.Key
	value sortedmap.Value
}

// New returns a plain cache that discards evicted entries.
func New(capacity uint64) (cache *RecencyCache) {
	cache = newRecencyCache(capacity)
	return
}

// NewOverflow returns a cache whose evicted entries are written to a private
// disk cache created from diskConfig.
func NewOverflow(capacity uint64, diskConfig diskcache.Config, compare sortedmap.Compare, callbacks diskcache.Callbacks) (cache *RecencyCache, err error) {
	cache, err = newOverflowCache(capacity, diskConfig, compare, callbacks)
	return
}

// NewFromConfig returns the variant config selects. compare and callbacks
// are only consulted for the overflow variant.
func NewFromConfig(config Config, compare sortedmap.Compare, callbacks diskcache.Callbacks) (cache *RecencyCache, err error) {
	if config.Overflow {
		cache, err = newOverflowCache(config.Capacity, config.DiskCache, compare, callbacks)
	} else {
		cache = newRecencyCache(config.Capacity)
		err = nil
	}
	return
}

// Get returns key's value and makes it the most recently used entry. On a
// memory miss the overflow variant consults its disk cache; a value found
// there is returned without being brought back into memory.
func (cache *RecencyCache) Get(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	value, ok, err = cache.get(key)
	return
}

// Set inserts or replaces key's value as the most recently used entry,
// evicting the least recently used entry if the cache is over capacity.
func (cache *RecencyCache) Set(key sortedmap.Key, value sortedmap.Value) (err error) {
	err = cache.set(key, value)
	return
}

// Contains reports whether key is cached (in memory or, for the overflow
// variant, on disk) without affecting recency.
func (cache *RecencyCache) Contains(key sortedmap.Key) (ok bool, err error) {
	ok, err = cache.contains(key)
	return
}

// Remove drops key from memory and from the overflow disk cache.
func (cache *RecencyCache) Remove(key sortedmap.Key) (ok bool, err error) {
	ok, err = cache.remove(key)
	return
}

// Len counts the entries held in memory.
func (cache *RecencyCache) Len() (numberOfItems int) {
	cache.Lock()
	numberOfItems = cache.lru.Len()
	cache.Unlock()
	return
}

func (cache *RecencyCache) Cap() (capacity uint64) {
	capacity = cache.capacity
	return
}

// Overflowing reports whether this is the overflow variant.
func (cache *RecencyCache) Overflowing() bool {
	return nil != cache.overflow
}

// Clear drops every entry, including those in the overflow disk cache.
func (cache *RecencyCache) Clear() (err error) {
	err = cache.clear()
	return
}

// Values returns the in-memory values in the requested order.
func (cache *RecencyCache) Values(order Order) (values []sortedmap.Value) {
	values = make([]sortedmap.Value, 0, cache.Len())
	cache.ForEach(order, func(key sortedmap.Key, value sortedmap.Value) bool {
		values = append(values, value)
		return true
	})
	return
}

// ForEach calls fn for each in-memory entry in the requested order until fn
// returns false. fn must not call back into the cache.
func (cache *RecencyCache) ForEach(order Order, fn func(key sortedmap.Key, value sortedmap.Value) (keepGoing bool)) {
	cache.forEach(order, fn)
}

func (cache *RecencyCache) Stats() (stats Stats) {
	cache.Lock()
	stats = cache.stats
	cache.Unlock()
	return
}

// Close clears the cache and releases the overflow disk cache and its
// directory. Later Get, Set, Contains, Remove and Clear calls fail with a
// blunder.InvalidArgError.
func (cache *RecencyCache) Close() (err error) {
	err = cache.close()
	return
}
