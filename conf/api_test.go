// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateFromString(t *testing.T) {
	assert := assert.New(t)

	confMap := MakeConfMap()

	assert.Nil(confMap.UpdateFromString("DiskCache.RootDir=/var/tmp/crawl"))
	assert.Nil(confMap.UpdateFromString("DiskCache.BatchFrequency = 100"))
	assert.Nil(confMap.UpdateFromString("Logging.TraceLevelLogging=diskcache,cachetree"))
	assert.Nil(confMap.UpdateFromString("Logging.LogFilePath="))

	rootDir, err := confMap.FetchOptionValueString("DiskCache", "RootDir")
	assert.Nil(err)
	assert.Equal("/var/tmp/crawl", rootDir)

	frequency, err := confMap.FetchOptionValueUint64("DiskCache", "BatchFrequency")
	assert.Nil(err)
	assert.Equal(uint64(100), frequency)

	frequency32, err := confMap.FetchOptionValueUint32("DiskCache", "BatchFrequency")
	assert.Nil(err)
	assert.Equal(uint32(100), frequency32)

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.Nil(err)
	assert.Equal([]string{"diskcache", "cachetree"}, traceLevelLogging)

	assert.Nil(confMap.VerifyOptionValueIsEmpty("Logging", "LogFilePath"))
	assert.NotNil(confMap.VerifyOptionValueIsEmpty("DiskCache", "RootDir"))
	assert.Nil(confMap.VerifyOptionIsMissing("Logging", "LogToConsole"))
	assert.NotNil(confMap.VerifyOptionIsMissing("DiskCache", "RootDir"))

	assert.NotNil(confMap.UpdateFromString(""))
	assert.NotNil(confMap.UpdateFromString("NoSectionHere"))

	_, err = confMap.FetchOptionValueString("Missing", "Option")
	assert.NotNil(err)
	_, err = confMap.FetchOptionValueString("DiskCache", "Missing")
	assert.NotNil(err)
	_, err = confMap.FetchOptionValueString("Logging", "TraceLevelLogging")
	assert.NotNil(err)
}

func TestFetchTypedValues(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Test.Yes=yes",
		"Test.Off=Off",
		"Test.Bogus=maybe",
		"Test.Duration=250ms",
		"Test.Negative=-1s",
		"Test.Big=4294967296",
	})
	assert.Nil(err)

	b, err := confMap.FetchOptionValueBool("Test", "Yes")
	assert.Nil(err)
	assert.True(b)
	b, err = confMap.FetchOptionValueBool("Test", "Off")
	assert.Nil(err)
	assert.False(b)
	_, err = confMap.FetchOptionValueBool("Test", "Bogus")
	assert.NotNil(err)

	d, err := confMap.FetchOptionValueDuration("Test", "Duration")
	assert.Nil(err)
	assert.Equal(250*time.Millisecond, d)
	_, err = confMap.FetchOptionValueDuration("Test", "Negative")
	assert.NotNil(err)

	_, err = confMap.FetchOptionValueUint32("Test", "Big")
	assert.NotNil(err)
	big, err := confMap.FetchOptionValueUint64("Test", "Big")
	assert.Nil(err)
	assert.Equal(uint64(4294967296), big)
}

func TestUpdateFromFile(t *testing.T) {
	assert := assert.New(t)

	testDir, err := ioutil.TempDir("", "conf-test")
	assert.Nil(err)
	defer os.RemoveAll(testDir)

	mainConf := "# crawl state\n" +
		"[DiskCache]\n" +
		"RootDir : /var/tmp/crawl\n" +
		"BatchFrequency = 100 ; flush every 100 records\n" +
		"\n" +
		".include extra.conf\n"
	extraConf := "[RecencyCache]\n" +
		"Capacity: 16\n" +
		"Overflow: true\n"

	assert.Nil(ioutil.WriteFile(filepath.Join(testDir, "main.conf"), []byte(mainConf), 0600))
	assert.Nil(ioutil.WriteFile(filepath.Join(testDir, "extra.conf"), []byte(extraConf), 0600))

	confMap, err := MakeConfMapFromFile(filepath.Join(testDir, "main.conf"))
	assert.Nil(err)

	frequency, err := confMap.FetchOptionValueUint64("DiskCache", "BatchFrequency")
	assert.Nil(err)
	assert.Equal(uint64(100), frequency)

	capacity, err := confMap.FetchOptionValueUint64("RecencyCache", "Capacity")
	assert.Nil(err)
	assert.Equal(uint64(16), capacity)

	overflow, err := confMap.FetchOptionValueBool("RecencyCache", "Overflow")
	assert.Nil(err)
	assert.True(overflow)

	assert.Nil(ioutil.WriteFile(filepath.Join(testDir, "bad.conf"), []byte("Orphan = 1\n"), 0600))
	_, err = MakeConfMapFromFile(filepath.Join(testDir, "bad.conf"))
	assert.NotNil(err)

	_, err = MakeConfMapFromFile(filepath.Join(testDir, "no-such.conf"))
	assert.NotNil(err)
}
