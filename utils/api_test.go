// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetAFnName(t *testing.T) {
	assert := assert.New(t)

	fnWithPackage := GetAFnName(0)
	assert.Equal("utils.TestGetAFnName", fnWithPackage)

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("utils", pkg)
	assert.Equal("TestGetAFnName", fn)
	assert.NotEqual(uint64(0), gid)
	assert.Equal(gid, getGID())
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	assert.True(sw.IsRunning)

	time.Sleep(2 * time.Millisecond)

	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 2*time.Millisecond)

	time.Sleep(time.Millisecond)

	assert.Equal(elapsed, sw.Stop())
	assert.Equal(elapsed, sw.Elapsed())
	assert.Equal(int64(elapsed/time.Microsecond), sw.ElapsedUs())
	assert.Equal(elapsed.String(), sw.ElapsedString())
}

func TestJSONify(t *testing.T) {
	assert := assert.New(t)

	type testConfigStruct struct {
		RootDir   string
		Frequency uint64
	}

	config := testConfigStruct{RootDir: "/tmp", Frequency: 100}

	assert.Equal(`{"RootDir":"/tmp","Frequency":100}`, JSONify(config, false))
	assert.Equal("{\n\t\"RootDir\": \"/tmp\",\n\t\"Frequency\": 100\n}", JSONify(config, true))
	assert.Contains(JSONify(make(chan int), false), "json.Marshall failed")
}
