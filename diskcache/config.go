// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"strings"

	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/conf"
)

// DefaultFrequency is used when a section omits BatchFrequency
const DefaultFrequency = uint64(100)

// FetchConfig builds a Config from the RootDir and BatchFrequency options of
// confMap's sectionName section. Both are optional (an empty RootDir means
// os.TempDir()). DirPrefix is sectionName in lower case.
func FetchConfig(confMap conf.ConfMap, sectionName string) (config Config, err error) {
	config.DirPrefix = strings.ToLower(sectionName)

	if (nil == confMap.VerifyOptionIsMissing(sectionName, "RootDir")) || (nil == confMap.VerifyOptionValueIsEmpty(sectionName, "RootDir")) {
		config.RootDir = ""
	} else {
		config.RootDir, err = confMap.FetchOptionValueString(sectionName, "RootDir")
		if nil != err {
			err = blunder.AddError(err, blunder.ConfigurationError)
			return
		}
	}

	if nil == confMap.VerifyOptionIsMissing(sectionName, "BatchFrequency") {
		config.Frequency = DefaultFrequency
	} else {
		config.Frequency, err = confMap.FetchOptionValueUint64(sectionName, "BatchFrequency")
		if nil != err {
			err = blunder.AddError(err, blunder.ConfigurationError)
			return
		}
		if 0 == config.Frequency {
			err = blunder.NewError(blunder.ConfigurationError, "[%s]BatchFrequency must be non-zero", sectionName)
			return
		}
	}

	err = nil
	return
}
