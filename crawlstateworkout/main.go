// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program crawlstateworkout measures the crawl state structures under
// concurrent load. Every worker goroutine shares a single instance.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/crawlstate/bucketstats"
	"github.com/NVIDIA/crawlstate/cachetree"
	"github.com/NVIDIA/crawlstate/conf"
	"github.com/NVIDIA/crawlstate/diskcache"
	"github.com/NVIDIA/crawlstate/logger"
	"github.com/NVIDIA/crawlstate/recencycache"
	"github.com/NVIDIA/crawlstate/utils"
)

const recordValuePrefix = "https://crawlstateworkout.invalid/"

var (
	diskCache        *diskcache.DiskCache
	doNextStepChan   chan bool
	measureDiskCache bool
	measureRecency   bool
	measureTree      bool
	recencyCache     *recencycache.RecencyCache
	recencyMisses    uint64
	recordsPerThread uint64
	stepErrChan      chan error
	stepMissesChan   chan uint64
	threads          uint64
	tree             *cachetree.Tree
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [tdr] threads records-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    t                       run insert/lookup test against a cachetree.Tree ([CacheTree] section)\n")
	fmt.Fprintf(file, "    d                       run set/get       test against a diskcache.DiskCache ([DiskCache] section)\n")
	fmt.Fprintf(file, "    r                       run set/get       test against a recencycache.RecencyCache ([RecencyCache] section)\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    records-per-thread      number of records each thread will write then read\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "Note: Precisely one test selector must be specified\n")
}

func main() {
	var (
		confMap                      conf.ConfMap
		durationOfMeasuredOperations time.Duration
		err                          error
		latencyPerOpInMicroSeconds   float64
		opsPerSecond                 float64
		signalChan                   chan os.Signal
		timeAfterMeasuredOperations  time.Time
		timeBeforeMeasuredOperations time.Time
		totalOps                     uint64
	)

	// Parse arguments

	if 5 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "t":
		measureTree = true
	case "d":
		measureDiskCache = true
	case "r":
		measureRecency = true
	default:
		fmt.Fprintf(os.Stderr, "os.Args[1] ('%v') must be one of 't', 'd', or 'r'\n", os.Args[1])
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	recordsPerThread, err = strconv.ParseUint(os.Args[3], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of records-per-thread failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	if 0 == recordsPerThread {
		fmt.Fprintf(os.Stderr, "records-per-thread must be a positive number\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[4])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[4], err)
		os.Exit(1)
	}

	if 5 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[5:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[5:], err)
			os.Exit(1)
		}
	}

	// Start up needed components

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = setup(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "setup() failed: %v\n", err)
		_ = logger.Down()
		os.Exit(1)
	}

	logger.Infof("crawlstateworkout %s: %d threads of %d records each", os.Args[1], threads, recordsPerThread)

	// Remove backing directories even if interrupted

	signalChan = make(chan os.Signal, 1)
	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	go func() {
		signalReceived := <-signalChan
		logger.Warnf("crawlstateworkout received %v; cleaning up", signalReceived)
		_ = teardown()
		_ = logger.Down()
		os.Exit(1)
	}()

	// Perform tests

	stepErrChan = make(chan error, 0)
	stepMissesChan = make(chan uint64, threads)
	doNextStepChan = make(chan bool, 0)

	// Do initialization step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		go crawlStateWorkout(threadIndex)
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "crawlStateWorkout() initialization step returned: %v\n", err)
			exitAfterTeardown()
		}
	}

	// Do measured operations step
	timeBeforeMeasuredOperations = time.Now()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "crawlStateWorkout() measured operations step returned: %v\n", err)
			exitAfterTeardown()
		}
	}
	timeAfterMeasuredOperations = time.Now()

	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		recencyMisses += <-stepMissesChan
	}

	// Report results (statistics are unregistered by teardown())

	durationOfMeasuredOperations = timeAfterMeasuredOperations.Sub(timeBeforeMeasuredOperations)

	totalOps = 2 * threads * recordsPerThread
	opsPerSecond = float64(totalOps*1000*1000*1000) / float64(durationOfMeasuredOperations.Nanoseconds())
	latencyPerOpInMicroSeconds = float64(durationOfMeasuredOperations.Nanoseconds()) / float64(2*recordsPerThread*1000)

	fmt.Printf("operations   = %s\n", humanize.Comma(int64(totalOps)))
	fmt.Printf("duration     = %v\n", durationOfMeasuredOperations)
	fmt.Printf("opsPerSecond = %s\n", humanize.Commaf(float64(int64(opsPerSecond))))
	fmt.Printf("latencyPerOp = %10.2f us\n", latencyPerOpInMicroSeconds)
	reportInstance()
	fmt.Print(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "diskcache", "*"))

	// Stop components launched above

	signal.Stop(signalChan)

	err = teardown()
	if nil != err {
		fmt.Fprintf(os.Stderr, "teardown() failed: %v\n", err)
		_ = logger.Down()
		os.Exit(1)
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}
}

func exitAfterTeardown() {
	_ = teardown()
	_ = logger.Down()
	os.Exit(1)
}

func setup(confMap conf.ConfMap) (err error) {
	switch {
	case measureTree:
		var treeConfig cachetree.Config

		treeConfig, err = cachetree.FetchConfig(confMap, "CacheTree")
		if nil != err {
			return
		}
		tree, err = cachetree.NewTree(sortedmap.CompareUint64, diskcache.ScalarCallbacks{}, treeConfig)
	case measureDiskCache:
		var diskCacheConfig diskcache.Config

		diskCacheConfig, err = diskcache.FetchConfig(confMap, "DiskCache")
		if nil != err {
			return
		}
		diskCache, err = diskcache.New(diskCacheConfig, sortedmap.CompareUint64, diskcache.ScalarCallbacks{})
	case measureRecency:
		var recencyConfig recencycache.Config

		recencyConfig, err = recencycache.FetchConfig(confMap, "RecencyCache")
		if nil != err {
			return
		}
		recencyCache, err = recencycache.NewFromConfig(recencyConfig, sortedmap.CompareUint64, diskcache.ScalarCallbacks{})
	}

	return
}

func teardown() (err error) {
	switch {
	case nil != tree:
		err = tree.Clear()
	case nil != diskCache:
		err = diskCache.Close()
	case nil != recencyCache:
		err = recencyCache.Close()
	}

	return
}

func reportInstance() {
	switch {
	case measureTree:
		stats := tree.Stats()
		fmt.Printf("tree         = size %d, height estimate %d, left/right of root %d/%d\n",
			tree.Size(), tree.Height(), tree.SizeLeftOfRoot(), tree.SizeRightOfRoot())
		fmt.Printf("treeStats    = %s\n", utils.JSONify(stats, false))
	case measureDiskCache:
		stats := diskCache.Stats()
		fmt.Printf("diskCache    = len %d, cycle %d, batches %d\n", diskCache.Len(), diskCache.Cycle(), len(diskCache.Batches()))
		fmt.Printf("diskStats    = %s\n", utils.JSONify(stats, false))
		fmt.Printf("loadTime     = average %v\n", stats.AverageLoadTime)
	case measureRecency:
		stats := recencyCache.Stats()
		fmt.Printf("recencyCache = len %d of %d, overflow %v\n", recencyCache.Len(), recencyCache.Cap(), recencyCache.Overflowing())
		fmt.Printf("recencyStats = %s (workers saw %d misses)\n", utils.JSONify(stats, false), recencyMisses)
	}
}

func recordKey(threadIndex uint64, i uint64) uint64 {
	return (threadIndex * recordsPerThread) + i
}

func recordValue(key uint64) string {
	return fmt.Sprintf("%s%016X", recordValuePrefix, key)
}

func crawlStateWorkout(threadIndex uint64) {
	var (
		err    error
		i      uint64
		key    uint64
		keys   []uint64
		misses uint64
		ok     bool
		value  sortedmap.Value
	)

	// Do initialization step
	keys = make([]uint64, recordsPerThread)
	for i = 0; i < recordsPerThread; i++ {
		keys[i] = recordKey(threadIndex, i)
	}

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for _, key = range keys {
		switch {
		case measureTree:
			_, err = tree.Insert(key, recordValue(key))
		case measureDiskCache:
			err = diskCache.Set(key, recordValue(key))
		case measureRecency:
			err = recencyCache.Set(key, recordValue(key))
		}
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	for _, key = range keys {
		switch {
		case measureTree:
			value, ok, err = tree.Lookup(key)
		case measureDiskCache:
			value, ok, err = diskCache.Get(key)
		case measureRecency:
			value, ok, err = recencyCache.Get(key)
		}
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		if !ok {
			if measureRecency && !recencyCache.Overflowing() {
				// Expected once the plain variant has evicted key
				misses++
				continue
			}
			stepErrChan <- fmt.Errorf("key %016X not found", key)
			runtime.Goexit()
		}
		if recordValue(key) != value.(string) {
			stepErrChan <- fmt.Errorf("key %016X returned %v", key, value)
			runtime.Goexit()
		}
	}

	stepMissesChan <- misses

	// Indicate measured operations step is done
	stepErrChan <- nil
}
