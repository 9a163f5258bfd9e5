// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes cache statistics to the log.
//
// Gauges (live objects, page cache entries in use, allocation waiters, ...)
// are sampled every SamplePeriod and logged as min/mean/max over each Period.
// Counters are logged as totals and as deltas since the previous Period,
// together with Go memory statistics.
//
// The [StatsLogger] section of the conf file controls it:
//
//   [StatsLogger]
//   Period:       10m  # 0 disables
//   SamplePeriod: 1s
//
package statslogger

import (
	"time"

	"github.com/NVIDIA/bmapcache/conf"
)

type Config struct {
	Period       time.Duration
	SamplePeriod time.Duration
}

// Source supplies the values to log. Gauges is called every SamplePeriod
// and Counters every Period; neither may block.
type Source interface {
	Gauges() map[string]int64
	Counters() map[string]uint64
}

type Logger struct {
	config   Config
	source   Source
	stopChan chan struct{}
	doneChan chan struct{}
}

// FetchConfig reads the [StatsLogger] section, defaulting missing or
// unreasonable values.
func FetchConfig(confMap conf.ConfMap) (config Config) {
	return fetchConfig(confMap)
}

// Start launches a Logger for source. A zero config.Period returns a Logger
// that logs nothing.
func Start(config Config, source Source) (statsLogger *Logger) {
	return start(config, source)
}

// Stop logs a final round of statistics and waits for the Logger to exit.
func (statsLogger *Logger) Stop() {
	statsLogger.stop()
}
