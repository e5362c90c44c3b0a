// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a structure containing all of the bucketstats statistics types and other
// fields; useful for testing
type allStatTypes struct {
	MyName   string // not a statistic
	bar      int    // also not a statistic
	Total1   Total
	Average1 Average
	Bucket1  BucketLog2Round
}

// verify that all of the bucketstats statistics types satisfy the appropriate
// interface (this is really a compile time test; it fails if they don't)
func TestBucketStatsInterfaces(t *testing.T) {
	var (
		Total1       Total
		Average1     Average
		Bucket2      BucketLog2Round
		TotalIface   Totaler
		AverageIface Averager
		BucketIface  Bucketer
	)

	TotalIface = &Total1
	TotalIface = &Average1
	AverageIface = &Average1
	AverageIface = &Bucket2
	BucketIface = &Bucket2

	AverageIface = BucketIface
	TotalIface = AverageIface
	_ = TotalIface
}

func TestRegister(t *testing.T) {
	assert := assert.New(t)

	myStats := allStatTypes{
		Total1: Total{Name: "my total"},
	}
	Register("main", "myStats", &myStats)

	assert.Equal("my_total", myStats.Total1.Name)
	assert.Equal("Average1", myStats.Average1.Name)
	assert.Equal("Bucket1", myStats.Bucket1.Name)
	assert.Equal(uint(65), myStats.Bucket1.NBucket)

	assert.Panics(func() { Register("main", "myStats", &myStats) })
	assert.Panics(func() { Register("", "", &myStats) })
	assert.Panics(func() { Register("main", "notAPointer", myStats) })

	UnRegister("main", "myStats")
	assert.NotPanics(func() { Register("main", "myStats", &myStats) })
	UnRegister("main", "myStats")

	// unregistering twice is harmless
	UnRegister("main", "myStats")

	dupStats := struct {
		First  Total
		Second Total
	}{
		First:  Total{Name: "same"},
		Second: Total{Name: "same"},
	}
	assert.Panics(func() { Register("main", "dupStats", &dupStats) })
}

func TestTotalAndAverage(t *testing.T) {
	assert := assert.New(t)

	var (
		total   Total
		average Average
	)

	assert.Equal(uint64(0), average.AverageGet())

	for i := uint64(1); i <= 10; i++ {
		total.Add(i)
		average.Add(i)
	}
	total.Increment()

	assert.Equal(uint64(56), total.TotalGet())
	assert.Equal(uint64(55), average.TotalGet())
	assert.Equal(uint64(10), average.CountGet())
	assert.Equal(uint64(5), average.AverageGet())
}

func TestBucketLog2Round(t *testing.T) {
	assert := assert.New(t)

	expected := map[uint64]uint{
		0:              0,
		1:              1,
		2:              2,
		3:              3,
		5:              3,
		6:              4,
		11:             4,
		12:             5,
		22:             5,
		23:             5,
		24:             6,
		1024:           11,
		math.MaxUint64: 64,
	}
	for value, idx := range expected {
		assert.Equal(idx, log2RoundIdx(value), "value %d", value)
	}

	var bucket BucketLog2Round
	bucket.Add(0)
	bucket.Add(4)
	bucket.Add(5)
	bucket.Add(math.MaxUint64)

	dist := bucket.DistGet()
	assert.Equal(65, len(dist))
	assert.Equal(uint64(1), dist[0].Count)
	assert.Equal(uint64(2), dist[3].Count)
	assert.Equal(uint64(3), dist[3].RangeLow)
	assert.Equal(uint64(5), dist[3].RangeHigh)
	assert.Equal(uint64(4), dist[3].NominalVal)
	assert.Equal(uint64(1), dist[64].Count)
	assert.Equal(uint64(4), bucket.CountGet())

	small := BucketLog2Round{NBucket: 10}
	small.Add(1 << 20)
	assert.Equal(uint64(1), small.DistGet()[9].Count)
}

func TestSprintStats(t *testing.T) {
	assert := assert.New(t)

	myStats := allStatTypes{}
	Register("sprint", "group#1", &myStats)
	defer UnRegister("sprint", "group#1")

	myStats.Total1.Add(3)
	myStats.Average1.Add(8)
	myStats.Bucket1.Add(2)

	statString := SprintStats(StatFormatParsable1, "sprint", "*")
	assert.True(strings.Contains(statString, "sprint.group_1.Total1 total:3\n"))
	assert.True(strings.Contains(statString, "sprint.group_1.Average1 total:8 count:1 avg:8\n"))
	assert.True(strings.Contains(statString, "sprint.group_1.Bucket1 total:2 count:1 avg:2 2:1\n"))

	assert.Equal(statString, SprintStats(StatFormatParsable1, "*", "group#1"))
	assert.Panics(func() { SprintStats(StatFormatParsable1, "sprint", "missing") })
}
