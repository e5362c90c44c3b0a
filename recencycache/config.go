// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package recencycache

import (
	"github.com/NVIDIA/crawlstate/blunder"
	"github.com/NVIDIA/crawlstate/conf"
	"github.com/NVIDIA/crawlstate/diskcache"
)

// FetchConfig builds a Config from confMap's sectionName section. Capacity is
// required; Overflow defaults to false; RootDir and BatchFrequency are as for
// diskcache.FetchConfig.
func FetchConfig(confMap conf.ConfMap, sectionName string) (config Config, err error) {
	config.Capacity, err = confMap.FetchOptionValueUint64(sectionName, "Capacity")
	if nil != err {
		err = blunder.AddError(err, blunder.ConfigurationError)
		return
	}

	if nil == confMap.VerifyOptionIsMissing(sectionName, "Overflow") {
		config.Overflow = false
	} else {
		config.Overflow, err = confMap.FetchOptionValueBool(sectionName, "Overflow")
		if nil != err {
			err = blunder.AddError(err, blunder.ConfigurationError)
			return
		}
	}

	config.DiskCache, err = diskcache.FetchConfig(confMap, sectionName)

	return
}
