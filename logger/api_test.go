// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/crawlstate/conf"
)

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	testDir, err := ioutil.TempDir("", "logger-test")
	assert.Nil(err)
	defer os.RemoveAll(testDir)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=" + filepath.Join(testDir, "test.log"),
		"Logging.LogToConsole=false",
		"Logging.TraceLevelLogging=logger",
	})
	assert.Nil(err)

	err = Up(confMap)
	assert.Nil(err)

	var logTarget LogTarget
	logTarget.Init(10)
	AddLogTarget(logTarget)

	Tracef("hello there!")
	assert.Equal(1, logTarget.LogBuf.TotalEntries)
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "hello there!"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "package=logger"))

	Warnf("%v: %v", "IAmTheCaller", "this is the error")
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "level=warning"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "function=TestAPI"))

	err = fmt.Errorf("this is the error")
	ErrorfWithError(err, "we had an error!")
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "this is the error"))

	Infof("loaded batch %d", 7)
	WarnfWithError(err, "treating batch %d as a miss", 8)
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[1], "loaded batch 7"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[1], "level=info"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "treating batch 8 as a miss"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "this is the error"))
	assert.True(strings.Contains(logTarget.LogBuf.LogEntries[0], "level=warning"))
	assert.Equal(5, logTarget.LogBuf.TotalEntries)

	setTraceLoggingLevel([]string{"none"})
	Tracef("not emitted")
	assert.Equal(5, logTarget.LogBuf.TotalEntries)

	err = Down()
	assert.Nil(err)

	logContents, err := ioutil.ReadFile(filepath.Join(testDir, "test.log"))
	assert.Nil(err)
	assert.True(strings.Contains(string(logContents), "we had an error!"))
}
