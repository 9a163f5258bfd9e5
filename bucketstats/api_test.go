// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sampleStats struct {
	Lookups     Total
	Evictions   Total `json:"-"`
	RequestSize Average
	Latency     BucketLog2Round
	Renamed     Total
	notAStat    uint64
}

func TestTotalAndAverage(t *testing.T) {
	assert := assert.New(t)

	var stats sampleStats

	stats.Lookups.Increment()
	stats.Lookups.Add(4)
	assert.Equal(uint64(5), stats.Lookups.TotalGet())

	assert.Equal(uint64(0), stats.RequestSize.AverageGet())
	stats.RequestSize.Add(100)
	stats.RequestSize.Add(300)
	assert.Equal(uint64(2), stats.RequestSize.CountGet())
	assert.Equal(uint64(400), stats.RequestSize.TotalGet())
	assert.Equal(uint64(200), stats.RequestSize.AverageGet())
}

func TestBucketLog2Round(t *testing.T) {
	assert := assert.New(t)

	var stat BucketLog2Round

	for _, value := range []uint64{0, 1, 2, 3, 4, 7, 8, 1 << 40} {
		stat.Add(value)
	}

	dist := stat.DistGet()
	assert.Equal(65, len(dist))
	assert.Equal(uint64(1), dist[0].Count)
	assert.Equal(uint64(1), dist[1].Count)
	assert.Equal(uint64(2), dist[2].Count) // 2, 3
	assert.Equal(uint64(2), dist[3].Count) // 4, 7
	assert.Equal(uint64(1), dist[4].Count) // 8
	assert.Equal(uint64(1), dist[41].Count)
	assert.Equal(uint64(4), dist[3].RangeLow)
	assert.Equal(uint64(7), dist[3].RangeHigh)
	assert.Equal(uint64(8), stat.CountGet())

	small := BucketLog2Round{NBucket: 4}
	small.Add(1 << 20)
	assert.Equal(uint64(1), small.DistGet()[3].Count)
	assert.Equal(^uint64(0), small.DistGet()[3].RangeHigh)
}

func TestRegister(t *testing.T) {
	assert := assert.New(t)

	stats := &sampleStats{}
	stats.Renamed.Name = "has space"

	Register("bucketstatstest", "sample", stats)
	defer UnRegister("bucketstatstest", "sample")

	assert.Equal("Lookups", stats.Lookups.Name)
	assert.Equal("has_space", stats.Renamed.Name)
	assert.Equal(uint(65), stats.Latency.NBucket)

	stats.Lookups.Add(3)
	stats.Latency.Add(5)

	out := SprintStats("bucketstatstest", "sample")
	assert.Contains(out, "bucketstatstest.sample.Lookups total:3\n")
	assert.Contains(out, "bucketstatstest.sample.Latency avg:5 count:1 total:5 7:1\n")
	assert.Equal(out, SprintStats("*", "sample"))
	assert.Equal(out, SprintStats("bucketstatstest", "*"))

	assert.Panics(func() { Register("bucketstatstest", "sample", &sampleStats{}) })
	assert.Panics(func() { Register("", "", &sampleStats{}) })
	assert.Panics(func() { SprintStats("bucketstatstest", "nosuchgroup") })

	UnRegister("bucketstatstest", "sample")
	assert.False(strings.Contains(SprintStats("*", "*"), "bucketstatstest"))
	Register("bucketstatstest", "sample", &sampleStats{})
}
