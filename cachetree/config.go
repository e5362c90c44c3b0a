// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetree

import (
	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/conf"
	"github.com/NVIDIA/crawlstate/diskcache"
)

// FetchConfig builds a Config from the optional AutoCommitLevel, RootDir and
// BatchFrequency options of confMap's sectionName section.
func FetchConfig(confMap conf.ConfMap, sectionName string) (config Config, err error) {
	diskCacheConfig, err := diskcache.FetchConfig(confMap, sectionName)
	if nil != err {
		return
	}

	config.RootDir = diskCacheConfig.RootDir
	config.Frequency = diskCacheConfig.Frequency

	if nil == confMap.VerifyOptionIsMissing(sectionName, "AutoCommitLevel") {
		config.AutoCommitLevel = 0
	} else {
		config.AutoCommitLevel, err = confMap.FetchOptionValueUint32(sectionName, "AutoCommitLevel")
		if nil != err {
			err = blunder.AddError(err, blunder.ConfigurationError)
			return
		}
	}

	err = nil
	return
}
