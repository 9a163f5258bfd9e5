// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/NVIDIA/bmapcache/conf"
	"github.com/NVIDIA/bmapcache/logger"
)

func fetchConfig(confMap conf.ConfMap) (config Config) {
	var (
		err error
	)

	config.Period, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '10m': %v", err)
		config.Period = 10 * time.Minute
	}

	// Period must be >= 1 sec, except 0 means disabled
	if (config.Period < time.Second) && (0 != config.Period) {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1s; defaulting to '10m'")
		config.Period = 10 * time.Minute
	}

	config.SamplePeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "SamplePeriod")
	if (nil != err) || (0 == config.SamplePeriod) {
		config.SamplePeriod = time.Second
	}
	if (0 != config.Period) && (config.SamplePeriod > config.Period) {
		config.SamplePeriod = config.Period
	}

	return
}

func start(config Config, source Source) (statsLogger *Logger) {
	statsLogger = &Logger{
		config: config,
		source: source,
	}

	if 0 == config.Period {
		return
	}

	if (0 == config.SamplePeriod) || (config.SamplePeriod > config.Period) {
		statsLogger.config.SamplePeriod = config.Period
	}

	statsLogger.stopChan = make(chan struct{})
	statsLogger.doneChan = make(chan struct{})

	go statsLogger.run()

	return
}

func (statsLogger *Logger) stop() {
	if nil == statsLogger.stopChan {
		return
	}

	close(statsLogger.stopChan)
	<-statsLogger.doneChan

	statsLogger.stopChan = nil
}

// run samples the gauges every SamplePeriod and logs a batch of statistics
// every Period until stopped, then logs a final batch.
func (statsLogger *Logger) run() {
	var (
		deltas      map[string]uint64
		gauges      = make(map[string]*gaugeStats)
		logTicker   = time.NewTicker(statsLogger.config.Period)
		newCounters map[string]uint64
		newMemStats runtime.MemStats
		oldCounters map[string]uint64
		oldMemStats runtime.MemStats
		sampleTick  = time.NewTicker(statsLogger.config.SamplePeriod)
	)

	defer close(statsLogger.doneChan)
	defer logTicker.Stop()
	defer sampleTick.Stop()

	statsLogger.sample(gauges)

	// memstats "stops the world"
	oldCounters = statsLogger.source.Counters()
	runtime.ReadMemStats(&oldMemStats)

	// print an initial round of absolute stats
	logStats("total", gauges, &oldMemStats, oldCounters)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-statsLogger.stopChan:
			// print final stats and then exit
			stopRequest = true

		case <-sampleTick.C:
			statsLogger.sample(gauges)
			continue mainloop

		case <-logTicker.C:
			// fall through to do the logging
		}

		newCounters = statsLogger.source.Counters()
		runtime.ReadMemStats(&newMemStats)

		// collect an extra sample to ensure we have at least one
		statsLogger.sample(gauges)

		logStats("total", gauges, &newMemStats, newCounters)

		oldMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
		oldMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
		oldMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
		oldMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
		oldMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
		oldMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
		oldMemStats.NumForcedGC = newMemStats.NumForcedGC - oldMemStats.NumForcedGC
		oldMemStats.NextGC = newMemStats.NextGC
		oldMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs
		oldMemStats.GCCPUFraction = newMemStats.GCCPUFraction

		deltas = make(map[string]uint64, len(newCounters))
		for key, value := range newCounters {
			deltas[key] = value - oldCounters[key]
		}
		logStats("delta", nil, &oldMemStats, deltas)

		oldMemStats = newMemStats
		oldCounters = newCounters

		for _, gauge := range gauges {
			gauge.reset()
		}
	}
}

func (statsLogger *Logger) sample(gauges map[string]*gaugeStats) {
	for name, value := range statsLogger.source.Gauges() {
		gauge, ok := gauges[name]
		if !ok {
			gauge = &gaugeStats{}
			gauges[name] = gauge
		}
		gauge.sample(value)
	}
}

// logStats writes statistics to the log in a semi-human readable format.
//
// statsType is "total" or "delta" indicating whether counters and memStats
// are absolute or relative to the previous batch. gauges may be nil.
func logStats(statsType string, gauges map[string]*gaugeStats, memStats *runtime.MemStats, counters map[string]uint64) {
	var (
		line  strings.Builder
		names []string
	)

	if 0 < len(gauges) {
		for name := range gauges {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fmt.Fprintf(&line, " %s=%v", name, gauges[name])
		}
		logger.Infof("Gauges (min/mean/max):%s", line.String())
	}

	// memory allocation info (see runtime.MemStats for definitions)
	logger.Infof("Memory in Kibyte (%s): Sys=%d HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d  NumForcedGC=%d  NextGC=%d KiB  PauseTotalMsec=%d  GC_CPU=%4.2f%%",
		statsType,
		memStats.NumGC, memStats.NumForcedGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	names = names[:0]
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	line.Reset()
	for _, name := range names {
		fmt.Fprintf(&line, " %s=%d", name, counters[name])
	}
	logger.Infof("Counters (%s):%s", statsType, line.String())
}
