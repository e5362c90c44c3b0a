// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package recencycache

import (
	"container/list"
	"reflect"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/diskcache"
	"github.com/NVIDIA/crawlstate/logger"
)

const defaultDirPrefix = "recencycache"

func newRecencyCache(capacity uint64) (cache *RecencyCache) {
	if 0 == capacity {
		capacity = 1
	}

	cache = &RecencyCache{
		capacity: capacity,
		lru:      list.New(),
		index:    make(map[sortedmap.Key]*list.Element),
	}

	return
}

func newOverflowCache(capacity uint64, diskConfig diskcache.Config, compare sortedmap.Compare, callbacks diskcache.Callbacks) (cache *RecencyCache, err error) {
	if 0 == diskConfig.Frequency {
		diskConfig.Frequency = diskcache.DefaultFrequency
	}
	if "" == diskConfig.DirPrefix {
		diskConfig.DirPrefix = defaultDirPrefix
	}

	overflow, err := diskcache.New(diskConfig, compare, callbacks)
	if nil != err {
		return
	}

	cache = newRecencyCache(capacity)
	cache.overflow = overflow

	err = nil
	return
}

func (cache *RecencyCache) checkOpen() (err error) {
	if cache.closed {
		err = blunder.NewError(blunder.InvalidArgError, "recencycache is closed")
		return
	}
	err = nil
	return
}

// checkKey rejects keys that cannot index a Go map
func checkKey(key sortedmap.Key) (err error) {
	keyType := reflect.TypeOf(key)
	if (nil == keyType) || !keyType.Comparable() {
		err = blunder.NewError(blunder.InvalidArgError, "recencycache key of type %T is not comparable", key)
		return
	}
	err = nil
	return
}

func (cache *RecencyCache) get(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	cache.Lock()
	defer cache.Unlock()

	err = cache.checkOpen()
	if nil != err {
		return
	}

	err = checkKey(key)
	if nil != err {
		return
	}

	element, ok := cache.index[key]
	if ok {
		cache.lru.MoveToBack(element)
		cache.stats.Hits++
		value = element.Value.(*entryStruct).value
		return
	}

	if nil != cache.overflow {
		value, ok, err = cache.overflow.Get(key)
		if nil != err {
			return
		}
		if ok {
			cache.stats.DiskHits++
			return
		}
	}

	cache.stats.Misses++

	return
}

func (cache *RecencyCache) set(key sortedmap.Key, value sortedmap.Value) (err error) {
	cache.Lock()
	defer cache.Unlock()

	err = cache.checkOpen()
	if nil != err {
		return
	}

	err = checkKey(key)
	if nil != err {
		return
	}

	element, ok := cache.index[key]
	if ok {
		element.Value.(*entryStruct).value = value
		cache.lru.MoveToBack(element)
		err = nil
		return
	}

	if nil != cache.overflow {
		// Any earlier evicted copy is now stale
		_, err = cache.overflow.Delete(key)
		if nil != err {
			return
		}
	}

	cache.index[key] = cache.lru.PushBack(&entryStruct{key: key, value: value})

	for uint64(cache.lru.Len()) > cache.capacity {
		err = cache.evictOldest()
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// evictOldest drops the least recently used entry after handing it to the
// overflow disk cache, if any. On failure the entry is kept. Called with the lock held.
func (cache *RecencyCache) evictOldest() (err error) {
	element := cache.lru.Front()
	entry := element.Value.(*entryStruct)

	if nil != cache.overflow {
		err = cache.overflow.Set(entry.key, entry.value)
		if nil != err {
			logger.WarnfWithError(err, "recencycache unable to overflow %v", entry.key)
			return
		}
	}

	cache.lru.Remove(element)
	delete(cache.index, entry.key)
	cache.stats.Evictions++

	logger.Tracef("evicted %v", entry.key)

	err = nil
	return
}

func (cache *RecencyCache) contains(key sortedmap.Key) (ok bool, err error) {
	cache.Lock()
	defer cache.Unlock()

	err = cache.checkOpen()
	if nil != err {
		return
	}

	err = checkKey(key)
	if nil != err {
		return
	}

	_, ok = cache.index[key]
	if ok || (nil == cache.overflow) {
		return
	}

	_, ok, err = cache.overflow.Get(key)

	return
}

func (cache *RecencyCache) remove(key sortedmap.Key) (ok bool, err error) {
	var onDisk bool

	cache.Lock()
	defer cache.Unlock()

	err = cache.checkOpen()
	if nil != err {
		return
	}

	err = checkKey(key)
	if nil != err {
		return
	}

	element, ok := cache.index[key]
	if ok {
		cache.lru.Remove(element)
		delete(cache.index, key)
	}

	if nil != cache.overflow {
		onDisk, err = cache.overflow.Delete(key)
		if nil != err {
			return
		}
		ok = ok || onDisk
	}

	return
}

func (cache *RecencyCache) clear() (err error) {
	cache.Lock()
	defer cache.Unlock()

	err = cache.checkOpen()
	if nil != err {
		return
	}

	cache.lru.Init()
	cache.index = make(map[sortedmap.Key]*list.Element)

	if nil != cache.overflow {
		err = cache.overflow.Clear()
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func (cache *RecencyCache) forEach(order Order, fn func(key sortedmap.Key, value sortedmap.Value) (keepGoing bool)) {
	var entry *entryStruct

	cache.Lock()
	defer cache.Unlock()

	if MostRecentFirst == order {
		for element := cache.lru.Back(); nil != element; element = element.Prev() {
			entry = element.Value.(*entryStruct)
			if !fn(entry.key, entry.value) {
				return
			}
		}
	} else {
		for element := cache.lru.Front(); nil != element; element = element.Next() {
			entry = element.Value.(*entryStruct)
			if !fn(entry.key, entry.value) {
				return
			}
		}
	}
}

func (cache *RecencyCache) close() (err error) {
	cache.Lock()
	defer cache.Unlock()

	if cache.closed {
		err = nil
		return
	}

	cache.lru.Init()
	cache.index = make(map[sortedmap.Key]*list.Element)
	cache.closed = true

	if nil != cache.overflow {
		err = cache.overflow.Close()
		if nil != err {
			return
		}
	}

	err = nil
	return
}
