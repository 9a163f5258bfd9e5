// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/conf"
	"github.com/NVIDIA/bmapcache/logger"
)

type testSource struct {
	sync.Mutex
	live    int64
	lookups uint64
}

func (source *testSource) Gauges() map[string]int64 {
	source.Lock()
	defer source.Unlock()
	source.live++
	return map[string]int64{"LiveObjects": source.live}
}

func (source *testSource) Counters() map[string]uint64 {
	source.Lock()
	defer source.Unlock()
	source.lookups += 10
	return map[string]uint64{"Lookups": source.lookups}
}

func TestGaugeStats(t *testing.T) {
	assert := assert.New(t)

	var gauge gaugeStats

	assert.Equal(int64(0), gauge.mean())
	assert.Equal("-", gauge.String())

	for _, value := range []int64{5, 3, 10} {
		gauge.sample(value)
	}

	assert.Equal("3/6/10", gauge.String())
	assert.Equal(int64(18), gauge.total)

	gauge.reset()
	gauge.sample(-2)
	assert.Equal("-2/-2/-2", gauge.String())
}

func TestFetchConfig(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"StatsLogger.Period=30s",
		"StatsLogger.SamplePeriod=100ms",
	})
	require.NoError(err)
	assert.Equal(Config{Period: 30 * time.Second, SamplePeriod: 100 * time.Millisecond}, FetchConfig(confMap))

	assert.Equal(Config{Period: 10 * time.Minute, SamplePeriod: time.Second}, FetchConfig(conf.MakeConfMap()))

	confMap, err = conf.MakeConfMapFromStrings([]string{"StatsLogger.Period=10ms"})
	require.NoError(err)
	assert.Equal(10*time.Minute, FetchConfig(confMap).Period)

	confMap, err = conf.MakeConfMapFromStrings([]string{"StatsLogger.Period=0"})
	require.NoError(err)
	assert.Equal(time.Duration(0), FetchConfig(confMap).Period)
}

func TestLogger(t *testing.T) {
	var (
		logTarget logger.LogTarget
	)

	assert := assert.New(t)
	require := require.New(t)

	logTarget.Init(100)
	logger.AddLogTarget(logTarget)
	require.NoError(logger.Up(conf.MakeConfMap()))
	defer func() {
		assert.NoError(logger.Down())
	}()

	disabled := Start(Config{}, &testSource{})
	disabled.Stop()
	assert.Equal(0, logTarget.LogBuf.TotalEntries)

	statsLogger := Start(Config{Period: 50 * time.Millisecond, SamplePeriod: 5 * time.Millisecond}, &testSource{})

	contains := func(substr string) bool {
		logTarget.LogBuf.Lock()
		defer logTarget.LogBuf.Unlock()
		for _, entry := range logTarget.LogBuf.LogEntries {
			if strings.Contains(entry, substr) {
				return true
			}
		}
		return false
	}

	assert.Eventually(func() bool { return contains("Counters (delta): Lookups=10") }, 5*time.Second, 5*time.Millisecond)
	assert.True(contains("Counters (total): Lookups=10"))
	assert.True(contains("Gauges (min/mean/max): LiveObjects="))
	assert.True(contains("Memory in Kibyte (total)"))

	statsLogger.Stop()
	statsLogger.Stop()
}
