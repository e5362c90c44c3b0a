// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

func isStatType(fieldAsType reflect.Type) bool {
	var (
		countStat      Total
		averageStat    Average
		bucketLog2Stat BucketLog2Round
	)
	return (fieldAsType == reflect.TypeOf(countStat)) ||
		(fieldAsType == reflect.TypeOf(averageStat)) ||
		(fieldAsType == reflect.TypeOf(bucketLog2Stat))
}

func verifyStatsStruct(statsGroupName string, statsStruct interface{}) (structAsValue reflect.Value) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}
	structAsValue = reflect.ValueOf(statsStruct).Elem()
	return
}

// Register a set of statistics, where the statistics are one or more fields in
// the passed structure.
//
func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	// find all the statistics fields and init them;
	// assign them a name if they don't have one;
	// verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}

		v, ok := (fieldAsValue.Addr().Interface()).(*BucketLog2Round)
		if ok {
			if v.NBucket == 0 || v.NBucket > uint(len(v.statBuckets)) {
				v.NBucket = uint(len(v.statBuckets))
			} else if v.NBucket < 10 {
				v.NBucket = 10
			}
		}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore statsGroupName if it doesn't exist
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m interface{}) (keys []string) {
	mapAsValue := reflect.ValueOf(m)
	keys = make([]string, 0, mapAsValue.Len())
	for _, key := range mapAsValue.MapKeys() {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)
	return
}

// Return the selected group(s) of statistics as a string.
//
func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	var pkgNames []string
	if pkgName == "*" {
		pkgNames = sortedKeys(pkgNameToGroupName)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		var groupNames []string
		if statsGroupName == "*" {
			groupNames = sortedKeys(pkgNameToGroupName[pkg])
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				if pkgName == "*" {
					continue
				}
				panic(fmt.Sprintf(
					"bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string,
	statsStruct interface{}) (statValues string) {

	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}
	return
}

// Construct and return a statistics name (fully qualified field name) in the specified format.
//
func statisticName(pkgName string, statsGroupName string, fieldName string) (statName string) {
	switch {
	case pkgName == "":
		statName = statsGroupName + "." + fieldName
	case statsGroupName == "":
		statName = pkgName + "." + fieldName
	default:
		statName = pkgName + "." + statsGroupName + "." + fieldName
	}
	return
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
			statName, this.TotalGet(), this.CountGet(), this.AverageGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// log2RoundIdx returns round(log2(value)) + 1 with value 0 in bucket 0.
// Values in [2^k, 2^(k+1)) round down to k while below 1.5 * 2^k.
//
func log2RoundIdx(value uint64) uint {
	if value <= 1 {
		return uint(value)
	}

	k := uint(bits.Len64(value)) - 1
	if value < (uint64(3) << (k - 1)) {
		return k + 1
	}
	if k == 63 {
		return 64
	}
	return k + 2
}

// log2RoundDistMake computes the canonical distribution, an array of
// BucketInfo, for a BucketLog2Round.
//
func log2RoundDistMake(nBucket uint, statBuckets []uint32) (bucketInfo []BucketInfo) {
	if (0 == nBucket) || (nBucket > uint(len(statBuckets))) {
		nBucket = uint(len(statBuckets))
	}

	bucketInfo = make([]BucketInfo, nBucket)

	for i := uint(0); i < nBucket; i++ {
		bucketInfo[i].Count = uint64(atomic.LoadUint32(&statBuckets[i]))

		switch i {
		case 0:
		case 1:
			bucketInfo[i].NominalVal = 1
			bucketInfo[i].RangeLow = 1
			bucketInfo[i].RangeHigh = 1
		default:
			bucketInfo[i].NominalVal = uint64(1) << (i - 1)
			if 2 == i {
				bucketInfo[i].RangeLow = 2
			} else {
				bucketInfo[i].RangeLow = uint64(3) << (i - 3)
			}
			if i == uint(len(statBuckets))-1 {
				bucketInfo[i].RangeHigh = math.MaxUint64
			} else {
				bucketInfo[i].RangeHigh = (uint64(3) << (i - 2)) - 1
			}
		}
	}

	if nBucket < uint(len(statBuckets)) {
		bucketInfo[nBucket-1].RangeHigh = math.MaxUint64
	}

	return
}

// Given the distribution ([]BucketInfo) for a bucketized statistic, calculate
// the count (number things in buckets), the sum of count * bucket midpoint,
// and the mean (average).
//
func bucketCalcStat(bucketInfo []BucketInfo) (count uint64, sum uint64, mean uint64) {
	var (
		bigSum     big.Int
		bigMean    big.Int
		bigTmp     big.Int
		bigProduct big.Int
	)

	for i := range bucketInfo {
		count += bucketInfo[i].Count

		midpoint := bucketInfo[i].RangeLow/2 + bucketInfo[i].RangeHigh/2 + (bucketInfo[i].RangeLow & bucketInfo[i].RangeHigh & 0x1)

		bigTmp.SetUint64(bucketInfo[i].Count)
		bigProduct.SetUint64(midpoint)
		bigProduct.Mul(&bigProduct, &bigTmp)
		bigSum.Add(&bigSum, &bigProduct)
	}
	if count > 0 {
		bigTmp.SetUint64(count)
		bigMean.Div(&bigSum, &bigTmp)
	}

	mean = bigMean.Uint64()
	sum = bigSum.Uint64()

	return
}

// Return a string with the bucketized statistic content in the specified format.
//
func bucketSprint(stringFmt StatStringFormat, pkgName string, statsGroupName string, fieldName string,
	bucketInfo []BucketInfo) string {

	count, sum, mean := bucketCalcStat(bucketInfo)
	statName := statisticName(pkgName, statsGroupName, fieldName)

	switch stringFmt {
	case StatFormatParsable1:
		line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, sum, count, mean)

		for idx := range bucketInfo {
			if 0 == bucketInfo[idx].Count {
				continue
			}
			if bucketInfo[idx].NominalVal < 1024 {
				line += fmt.Sprintf(" %d:%d", bucketInfo[idx].NominalVal, bucketInfo[idx].Count)
			} else {
				line += fmt.Sprintf(" 2^%d:%d", idx-1, bucketInfo[idx].Count)
			}
		}
		return line + "\n"
	}

	return fmt.Sprintf("StatisticName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// Replace illegal characters in names with underbar (`_`)
//
func scrubName(name string) string {
	// Names should include only printable characters that are not
	// whitespace.  Also disallow splat ('*') (used for wildcard for
	// statistic group names), sharp ('#') (used for comments in output) and
	// colon (':') (used as a delimiter in "key:value" output).
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*':
			return '_'
		case r == ':':
			return '_'
		case r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
