// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package diskcache implements a write-buffered, batch-indexed, disk-backed
// mapping. Writes collect in an in-memory buffer; once the buffer holds
// Frequency entries it is written out as one immutable batch file and an
// index entry is recorded for every key it holds. The most recently
// written or read batch is kept in memory to serve clustered lookups.
//
// A DiskCache is a cache, not a source of truth: a batch file that has
// vanished from underneath it reads as a miss.
package diskcache

import (
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/crawlstate/bucketstats"
)

// Callbacks specifies the interface to a set of callbacks provided by the client
// to serialize keys and values. Packed keys identify entries on disk, so two keys
// that compare equal must pack to the same bytes.
type Callbacks interface {
	sortedmap.DumpCallbacks
	PackKey(key sortedmap.Key) (packedKey []byte, err error)
	PackValue(value sortedmap.Value) (packedValue []byte, err error)
	UnpackValue(packedValue []byte) (value sortedmap.Value, err error)
}

// Config selects where and how often a DiskCache writes batches.
type Config struct {
	RootDir   string // Parent of the instance directory; "" means os.TempDir()
	DirPrefix string // Leading component of the instance directory name; "" means "diskcache"
	Frequency uint64 // Number of buffered entries that triggers a batch flush
}

// Stats is a snapshot of a DiskCache's counters.
type Stats struct {
	BufferHits         uint64
	BatchHits          uint64 // Served from the last loaded batch
	DiskHits           uint64 // Required a fresh batch load
	Misses             uint64
	Flushes            uint64
	CumulativeLoadTime time.Duration
	AverageLoadTime    time.Duration // CumulativeLoadTime / Len()
}

// BatchInfo describes one flushed batch.
type BatchInfo struct {
	Cycle   uint64
	Records uint64
	Bytes   uint64
}

// Less orders BatchInfo by Cycle in the batch table.
func (batchInfo BatchInfo) Less(than btree.Item) bool {
	return batchInfo.Cycle < than.(BatchInfo).Cycle
}

type statsStruct struct {
	BufferHits bucketstats.Total
	BatchHits  bucketstats.Total
	DiskHits   bucketstats.Total
	Misses     bucketstats.Total
	Flushes    bucketstats.Total

	LoadUsecs  bucketstats.BucketLog2Round
	FlushUsecs bucketstats.BucketLog2Round
	BatchBytes bucketstats.BucketLog2Round
}

// DiskCache is safe for concurrent use. Calls are serialized on an internal
// mutex that is released while an immutable batch file is read from disk.
type DiskCache struct {
	sync.Mutex
	config             Config
	compare            sortedmap.Compare
	callbacks          Callbacks
	dirPath            string                     // Private directory holding this instance's batch files
	dirPresent         bool                       // dirPath exists (it is removed by Clear())
	statsGroupName     string                     // bucketstats group (base of dirPath)
	buffer             sortedmap.LLRBTree         // Write buffer ordered by compare
	index              map[string]uint64          // string(packedKey) => cycle of the batch holding it
	batches            *btree.BTree               // BatchInfo of every flushed batch ordered by Cycle
	lastLoaded         map[string]sortedmap.Value // string(packedKey) => value of the last loaded batch
	lastLoadedCycle    uint64                     // Cycle of lastLoaded (0 if none)
	cycle              uint64                     // Number of batches flushed since creation/Clear()
	clearGeneration    uint64                     // Incremented by Clear() to invalidate in-flight loads
	cumulativeLoadTime time.Duration
	stats              *statsStruct
	closed             bool
}

// New creates a DiskCache and its private directory
// <RootDir>/<DirPrefix>-<pid>-<uuid>. A failure to create the directory is a
// blunder.ConfigurationError.
func New(config Config, compare sortedmap.Compare, callbacks Callbacks) (diskCache *DiskCache, err error) {
	diskCache, err = newDiskCache(config, compare, callbacks)
	return
}

// Set stores value under key in the write buffer, flushing the buffer as the next
// batch once it holds Frequency entries. A flush failure leaves the buffer intact
// and is returned as a blunder.IOError or blunder.PackError.
func (diskCache *DiskCache) Set(key sortedmap.Key, value sortedmap.Value) (err error) {
	err = diskCache.set(key, value)
	return
}

// Get returns the value most recently Set for key. A key that was never Set,
// was Deleted, or whose batch file has disappeared reports ok == false.
func (diskCache *DiskCache) Get(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	value, ok, err = diskCache.get(key)
	return
}

// Delete hides key from subsequent Get calls. Batch files are never rewritten.
func (diskCache *DiskCache) Delete(key sortedmap.Key) (ok bool, err error) {
	ok, err = diskCache.delete(key)
	return
}

// Len returns the estimated number of entries: BufferLen() + Cycle() * Frequency.
// Overwritten or deleted keys are not subtracted.
func (diskCache *DiskCache) Len() (numberOfItems uint64) {
	diskCache.Lock()
	numberOfItems = diskCache.virtualLen()
	diskCache.Unlock()
	return
}

// Cycle returns the number of batches flushed since creation or the last Clear().
func (diskCache *DiskCache) Cycle() (cycle uint64) {
	diskCache.Lock()
	cycle = diskCache.cycle
	diskCache.Unlock()
	return
}

// BufferLen returns the number of entries not yet flushed.
func (diskCache *DiskCache) BufferLen() (bufferLen uint64) {
	diskCache.Lock()
	bufferLen = diskCache.bufferLen()
	diskCache.Unlock()
	return
}

// DirPath returns the private directory batch files are written in.
func (diskCache *DiskCache) DirPath() string {
	return diskCache.dirPath
}

// Batches reports every flushed batch in Cycle order.
func (diskCache *DiskCache) Batches() (batches []BatchInfo) {
	diskCache.Lock()
	batches = make([]BatchInfo, 0, diskCache.batches.Len())
	diskCache.batches.Ascend(func(item btree.Item) bool {
		batches = append(batches, item.(BatchInfo))
		return true
	})
	diskCache.Unlock()
	return
}

// Clear empties the buffer, the last loaded batch and the index, removes every
// batch file along with the private directory, and resets Cycle() to 0. The
// DiskCache remains usable; the directory is recreated by the next flush.
func (diskCache *DiskCache) Clear() (err error) {
	err = diskCache.clear()
	return
}

// Stats returns a snapshot of the counters.
func (diskCache *DiskCache) Stats() (stats Stats) {
	stats = diskCache.fetchStats()
	return
}

// ClearCounters resets every counter reported by Stats().
func (diskCache *DiskCache) ClearCounters() {
	diskCache.clearCounters()
}

// Close performs a Clear() and releases the DiskCache's statistics. Subsequent
// calls return a blunder.InvalidArgError.
func (diskCache *DiskCache) Close() (err error) {
	err = diskCache.close()
	return
}
