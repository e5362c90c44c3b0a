// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for the crawl-state packages.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractFnNameRE       = regexp.MustCompile(`[^\/]*$`)
	extractPkgPrefixRE    = regexp.MustCompile(`^[^.]*`)
	extractFnSuffixNameRE = regexp.MustCompile(`[^.]*$`)
)

// getGID returns the goroutine id of the caller as reported by runtime.Stack()
func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns a string containing the calling function and package
// (without the module path) level frames above the caller.
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return ""
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return ""
	}
	return extractFnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing the calling function
// and its package along with the goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgPrefixRE.FindString(funcPkg)
	fn = extractFnSuffixNameRE.FindString(funcPkg)

	gid = getGID()

	return fn, pkg, gid
}

// Stopwatch measures a single interval on the monotonic clock.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

// Stop freezes the stopwatch and returns the elapsed interval. Stopping a
// stopped stopwatch just returns the interval previously measured.
func (sw *Stopwatch) Stop() time.Duration {
	if sw.IsRunning {
		sw.StopTime = time.Now()
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedUs() int64 {
	return int64(sw.Elapsed() / time.Microsecond)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}

// JSONify returns input marshalled as JSON, optionally indented, or a
// marker string describing why that failed.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil != err {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
		return
	}

	if !indentify {
		output = string(inputJSONPacked)
		return
	}

	err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
	if nil == err {
		output = inputJSON.String()
	} else {
		output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
	}

	return
}
