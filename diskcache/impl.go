// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/bucketstats"
	"github.com/NVIDIA/crawlstate/logger"
	"github.com/NVIDIA/crawlstate/utils"
)

const (
	defaultDirPrefix = "diskcache"
	batchTableDegree = 2
)

func newDiskCache(config Config, compare sortedmap.Compare, callbacks Callbacks) (diskCache *DiskCache, err error) {
	if 0 == config.Frequency {
		err = blunder.NewError(blunder.ConfigurationError, "diskcache.New() requires a non-zero Frequency")
		return
	}
	if (nil == compare) || (nil == callbacks) {
		err = blunder.NewError(blunder.InvalidArgError, "diskcache.New() requires compare and callbacks")
		return
	}

	if "" == config.RootDir {
		config.RootDir = os.TempDir()
	}
	if "" == config.DirPrefix {
		config.DirPrefix = defaultDirPrefix
	}

	diskCache = &DiskCache{
		config:    config,
		compare:   compare,
		callbacks: callbacks,
		index:     make(map[string]uint64),
		batches:   btree.New(batchTableDegree),
		stats:     &statsStruct{},
	}

	diskCache.statsGroupName = fmt.Sprintf("%s-%d-%s", config.DirPrefix, os.Getpid(), uuid.New().String())
	diskCache.dirPath = filepath.Join(config.RootDir, diskCache.statsGroupName)
	diskCache.buffer = sortedmap.NewLLRBTree(compare, callbacks)

	err = diskCache.ensureDir()
	if nil != err {
		err = blunder.AddError(err, blunder.ConfigurationError)
		diskCache = nil
		return
	}

	bucketstats.Register("diskcache", diskCache.statsGroupName, diskCache.stats)

	logger.Tracef("created %s (Frequency: %d)", diskCache.dirPath, config.Frequency)

	err = nil
	return
}

func (diskCache *DiskCache) ensureDir() (err error) {
	if diskCache.dirPresent {
		err = nil
		return
	}

	err = os.MkdirAll(diskCache.dirPath, 0700)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	diskCache.dirPresent = true

	err = nil
	return
}

func (diskCache *DiskCache) packKey(key sortedmap.Key) (packedKeyString string, err error) {
	packedKey, err := diskCache.callbacks.PackKey(key)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	packedKeyString = string(packedKey)
	return
}

func (diskCache *DiskCache) checkOpen() (err error) {
	if diskCache.closed {
		err = blunder.NewError(blunder.InvalidArgError, "diskcache %s is closed", diskCache.dirPath)
		return
	}
	err = nil
	return
}

func (diskCache *DiskCache) bufferLen() uint64 {
	numberOfItems, _ := diskCache.buffer.Len()
	return uint64(numberOfItems)
}

func (diskCache *DiskCache) virtualLen() uint64 {
	return diskCache.bufferLen() + (diskCache.cycle * diskCache.config.Frequency)
}

func (diskCache *DiskCache) set(key sortedmap.Key, value sortedmap.Value) (err error) {
	packedKeyString, err := diskCache.packKey(key)
	if nil != err {
		return
	}

	diskCache.Lock()
	defer diskCache.Unlock()

	err = diskCache.checkOpen()
	if nil != err {
		return
	}

	// A key lives in either the buffer or the index, never both
	delete(diskCache.index, packedKeyString)

	ok, err := diskCache.buffer.PatchByKey(key, value)
	if nil != err {
		return
	}
	if !ok {
		_, err = diskCache.buffer.Put(key, value)
		if nil != err {
			return
		}
	}

	if diskCache.bufferLen() >= diskCache.config.Frequency {
		err = diskCache.flush()
	}

	return
}

// flush writes the write buffer as batch cycle+1. Called with the lock held.
func (diskCache *DiskCache) flush() (err error) {
	var (
		batch     map[string]sortedmap.Value
		batchBuf  []byte
		newCycle  = diskCache.cycle + 1
		packedKey string
		stopwatch = utils.NewStopwatch()
	)

	err = diskCache.ensureDir()
	if nil != err {
		return
	}

	batchBuf, batch, err = diskCache.packBatch(newCycle)
	if nil != err {
		logger.ErrorfWithError(err, "diskcache %s failed to pack batch %d", diskCache.dirPath, newCycle)
		return
	}

	err = writeBatch(diskCache.dirPath, newCycle, batchBuf)
	if nil != err {
		logger.ErrorfWithError(err, "diskcache %s failed to write batch %d", diskCache.dirPath, newCycle)
		return
	}

	for packedKey = range batch {
		diskCache.index[packedKey] = newCycle
	}

	diskCache.batches.ReplaceOrInsert(BatchInfo{
		Cycle:   newCycle,
		Records: uint64(len(batch)),
		Bytes:   uint64(len(batchBuf)),
	})

	diskCache.lastLoaded = batch
	diskCache.lastLoadedCycle = newCycle
	diskCache.buffer = sortedmap.NewLLRBTree(diskCache.compare, diskCache.callbacks)
	diskCache.cycle = newCycle

	diskCache.stats.Flushes.Increment()
	diskCache.stats.FlushUsecs.Add(uint64(stopwatch.ElapsedUs()))
	diskCache.stats.BatchBytes.Add(uint64(len(batchBuf)))

	logger.Tracef("diskcache %s flushed batch %d (%d records, %d bytes)", diskCache.dirPath, newCycle, len(batch), len(batchBuf))

	err = nil
	return
}

// lookup resolves key from memory. If the key's batch must first be read from
// disk, loadCycle is returned non-zero. Called with the lock held.
func (diskCache *DiskCache) lookup(key sortedmap.Key, packedKeyString string) (value sortedmap.Value, ok bool, loadCycle uint64, err error) {
	value, ok, err = diskCache.buffer.GetByKey(key)
	if nil != err {
		return
	}
	if ok {
		diskCache.stats.BufferHits.Increment()
		return
	}

	cycle, indexed := diskCache.index[packedKeyString]
	if !indexed {
		diskCache.stats.Misses.Increment()
		return
	}

	if (cycle == diskCache.lastLoadedCycle) && (nil != diskCache.lastLoaded) {
		value, ok = diskCache.lastLoaded[packedKeyString]
		if ok {
			diskCache.stats.BatchHits.Increment()
		} else {
			diskCache.stats.Misses.Increment()
		}
		return
	}

	loadCycle = cycle
	return
}

func (diskCache *DiskCache) get(key sortedmap.Key) (value sortedmap.Value, ok bool, err error) {
	var (
		batch           map[string]sortedmap.Value
		clearGeneration uint64
		loadCycle       uint64
		loadTime        time.Duration
		stopwatch       *utils.Stopwatch
	)

	packedKeyString, err := diskCache.packKey(key)
	if nil != err {
		return
	}

	diskCache.Lock()
	defer diskCache.Unlock()

	for {
		err = diskCache.checkOpen()
		if nil != err {
			return
		}

		value, ok, loadCycle, err = diskCache.lookup(key, packedKeyString)
		if (nil != err) || (0 == loadCycle) {
			return
		}

		// Batch files are immutable, so the lock is not needed to read one

		clearGeneration = diskCache.clearGeneration
		diskCache.Unlock()
		stopwatch = utils.NewStopwatch()
		batch, err = loadBatch(diskCache.dirPath, loadCycle, diskCache.callbacks)
		loadTime = stopwatch.Stop()
		diskCache.Lock()

		if nil != err {
			if os.IsNotExist(err) {
				logger.Warnf("diskcache %s batch %d is missing; treating as a miss", diskCache.dirPath, loadCycle)
				diskCache.stats.Misses.Increment()
				value = nil
				ok = false
				err = nil
			} else {
				logger.ErrorfWithError(err, "diskcache %s failed to load batch %d", diskCache.dirPath, loadCycle)
			}
			return
		}

		if clearGeneration != diskCache.clearGeneration {
			// The batch we read belongs to a cache state that Clear() discarded
			continue
		}

		diskCache.lastLoaded = batch
		diskCache.lastLoadedCycle = loadCycle
		diskCache.cumulativeLoadTime += loadTime
		diskCache.stats.LoadUsecs.Add(uint64(loadTime / time.Microsecond))

		_, ok, err = diskCache.buffer.GetByKey(key)
		if nil != err {
			return
		}
		cycle, indexed := diskCache.index[packedKeyString]
		if ok || !indexed || (cycle != loadCycle) {
			// key was Set or Deleted while the batch was being read
			continue
		}

		value, ok = batch[packedKeyString]
		if ok {
			diskCache.stats.DiskHits.Increment()
		} else {
			diskCache.stats.Misses.Increment()
		}

		return
	}
}

func (diskCache *DiskCache) delete(key sortedmap.Key) (ok bool, err error) {
	packedKeyString, err := diskCache.packKey(key)
	if nil != err {
		return
	}

	diskCache.Lock()
	defer diskCache.Unlock()

	err = diskCache.checkOpen()
	if nil != err {
		return
	}

	ok, err = diskCache.buffer.DeleteByKey(key)
	if nil != err {
		return
	}

	_, indexed := diskCache.index[packedKeyString]
	if indexed {
		delete(diskCache.index, packedKeyString)
		ok = true
	}

	return
}

func (diskCache *DiskCache) clearLocked() (err error) {
	diskCache.buffer = sortedmap.NewLLRBTree(diskCache.compare, diskCache.callbacks)
	diskCache.index = make(map[string]uint64)
	diskCache.batches = btree.New(batchTableDegree)
	diskCache.lastLoaded = nil
	diskCache.lastLoadedCycle = 0
	diskCache.cycle = 0
	diskCache.clearGeneration++

	err = os.RemoveAll(diskCache.dirPath)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	diskCache.dirPresent = false

	logger.Tracef("diskcache %s cleared", diskCache.dirPath)

	err = nil
	return
}

func (diskCache *DiskCache) clear() (err error) {
	diskCache.Lock()
	defer diskCache.Unlock()

	err = diskCache.checkOpen()
	if nil != err {
		return
	}

	err = diskCache.clearLocked()

	return
}

func (diskCache *DiskCache) fetchStats() (stats Stats) {
	diskCache.Lock()
	defer diskCache.Unlock()

	stats = Stats{
		BufferHits:         diskCache.stats.BufferHits.TotalGet(),
		BatchHits:          diskCache.stats.BatchHits.TotalGet(),
		DiskHits:           diskCache.stats.DiskHits.TotalGet(),
		Misses:             diskCache.stats.Misses.TotalGet(),
		Flushes:            diskCache.stats.Flushes.TotalGet(),
		CumulativeLoadTime: diskCache.cumulativeLoadTime,
	}

	virtualLen := diskCache.virtualLen()
	if 0 < virtualLen {
		stats.AverageLoadTime = diskCache.cumulativeLoadTime / time.Duration(virtualLen)
	}

	return
}

func (diskCache *DiskCache) clearCounters() {
	diskCache.Lock()
	defer diskCache.Unlock()

	if !diskCache.closed {
		bucketstats.UnRegister("diskcache", diskCache.statsGroupName)
	}

	diskCache.stats = &statsStruct{}
	diskCache.cumulativeLoadTime = 0

	if !diskCache.closed {
		bucketstats.Register("diskcache", diskCache.statsGroupName, diskCache.stats)
	}
}

func (diskCache *DiskCache) close() (err error) {
	diskCache.Lock()
	defer diskCache.Unlock()

	if diskCache.closed {
		err = nil
		return
	}

	err = diskCache.clearLocked()

	bucketstats.UnRegister("diskcache", diskCache.statsGroupName)

	diskCache.closed = true

	return
}
