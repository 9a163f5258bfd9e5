// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"time"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/conf"
)

const confSection = "BMapCache"

// Config holds the [BMapCache] section.
type Config struct {
	BlockSize            uint64 // bytes covered by one block-map object
	PageSize             uint64 // page cache entry size == slab block size
	SlabSize             uint64
	MinSlabs             uint64
	MaxSlabs             uint64
	MaxPageCacheEntries  uint64
	ReapMinAge           time.Duration
	SlabIdleAge          time.Duration
	ReclaimInterval      time.Duration
	LeaseDuration        time.Duration
	LeaseRenewThreshold  time.Duration
	MaxLeaseDuration     time.Duration
	LeaseDaemonInterval  time.Duration
	MaxReassignCount     uint32
	CallTimeout          time.Duration
	ModeChangeRetryLimit uint32
	RetryDelay           time.Duration
	RetryDelayCap        time.Duration
	RetryDelayVariance   uint32 // percent
	ReadAheadCount       uint32
	LocalServerID        uint32
	MaxObjectPoolSize    uint64
}

func DefaultConfig() (config Config) {
	config = Config{
		BlockSize:            4 << 20,
		PageSize:             64 << 10,
		SlabSize:             16 << 20,
		MinSlabs:             1,
		MaxSlabs:             64,
		MaxPageCacheEntries:  16384,
		ReapMinAge:           time.Second,
		SlabIdleAge:          30 * time.Second,
		ReclaimInterval:      time.Second,
		LeaseDuration:        30 * time.Second,
		LeaseRenewThreshold:  10 * time.Second,
		MaxLeaseDuration:     120 * time.Second,
		LeaseDaemonInterval:  time.Second,
		MaxReassignCount:     3,
		CallTimeout:          10 * time.Second,
		ModeChangeRetryLimit: 10,
		RetryDelay:           50 * time.Millisecond,
		RetryDelayCap:        2 * time.Second,
		RetryDelayVariance:   25,
		ReadAheadCount:       0,
		LocalServerID:        0,
		MaxObjectPoolSize:    1024,
	}

	return
}

// FetchConfig reads the [BMapCache] section of confMap. Missing options take
// their DefaultConfig() values; malformed or inconsistent ones are errors.
func FetchConfig(confMap conf.ConfMap) (config Config, err error) {
	config = DefaultConfig()

	uint64Options := []struct {
		name  string
		value *uint64
	}{
		{"BlockSize", &config.BlockSize},
		{"PageSize", &config.PageSize},
		{"SlabSize", &config.SlabSize},
		{"MinSlabs", &config.MinSlabs},
		{"MaxSlabs", &config.MaxSlabs},
		{"MaxPageCacheEntries", &config.MaxPageCacheEntries},
		{"MaxObjectPoolSize", &config.MaxObjectPoolSize},
	}
	for _, option := range uint64Options {
		if nil == confMap.VerifyOptionIsMissing(confSection, option.name) {
			continue
		}
		*option.value, err = confMap.FetchOptionValueUint64(confSection, option.name)
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	uint32Options := []struct {
		name  string
		value *uint32
	}{
		{"MaxReassignCount", &config.MaxReassignCount},
		{"ModeChangeRetryLimit", &config.ModeChangeRetryLimit},
		{"RetryDelayVariance", &config.RetryDelayVariance},
		{"ReadAheadCount", &config.ReadAheadCount},
		{"LocalServerID", &config.LocalServerID},
	}
	for _, option := range uint32Options {
		if nil == confMap.VerifyOptionIsMissing(confSection, option.name) {
			continue
		}
		*option.value, err = confMap.FetchOptionValueUint32(confSection, option.name)
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	durationOptions := []struct {
		name  string
		value *time.Duration
	}{
		{"ReapMinAge", &config.ReapMinAge},
		{"SlabIdleAge", &config.SlabIdleAge},
		{"ReclaimInterval", &config.ReclaimInterval},
		{"LeaseDuration", &config.LeaseDuration},
		{"LeaseRenewThreshold", &config.LeaseRenewThreshold},
		{"MaxLeaseDuration", &config.MaxLeaseDuration},
		{"LeaseDaemonInterval", &config.LeaseDaemonInterval},
		{"CallTimeout", &config.CallTimeout},
		{"RetryDelay", &config.RetryDelay},
		{"RetryDelayCap", &config.RetryDelayCap},
	}
	for _, option := range durationOptions {
		if nil == confMap.VerifyOptionIsMissing(confSection, option.name) {
			continue
		}
		*option.value, err = confMap.FetchOptionValueDuration(confSection, option.name)
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	err = config.validate()

	return
}

func (config *Config) validate() (err error) {
	switch {
	case 0 == config.PageSize:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]PageSize must be non-zero", confSection)
	case (0 == config.BlockSize) || (0 != config.BlockSize%config.PageSize):
		err = blunder.NewError(blunder.InvalidArgError, "[%s]BlockSize (%v) must be a non-zero multiple of PageSize (%v)", confSection, config.BlockSize, config.PageSize)
	case (0 == config.SlabSize) || (0 != config.SlabSize%config.PageSize):
		err = blunder.NewError(blunder.InvalidArgError, "[%s]SlabSize (%v) must be a non-zero multiple of PageSize (%v)", confSection, config.SlabSize, config.PageSize)
	case (0 == config.MaxSlabs) || (config.MinSlabs > config.MaxSlabs):
		err = blunder.NewError(blunder.InvalidArgError, "[%s]MaxSlabs (%v) must be non-zero and at least MinSlabs (%v)", confSection, config.MaxSlabs, config.MinSlabs)
	case 0 == config.MaxPageCacheEntries:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]MaxPageCacheEntries must be non-zero", confSection)
	case 0 == config.LeaseDuration:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]LeaseDuration must be non-zero", confSection)
	case config.LeaseRenewThreshold >= config.LeaseDuration:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]LeaseRenewThreshold (%v) must be less than LeaseDuration (%v)", confSection, config.LeaseRenewThreshold, config.LeaseDuration)
	case config.MaxLeaseDuration < config.LeaseDuration:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]MaxLeaseDuration (%v) must be at least LeaseDuration (%v)", confSection, config.MaxLeaseDuration, config.LeaseDuration)
	case (0 == config.LeaseDaemonInterval) || (0 == config.ReclaimInterval):
		err = blunder.NewError(blunder.InvalidArgError, "[%s]LeaseDaemonInterval and ReclaimInterval must be non-zero", confSection)
	case 0 == config.CallTimeout:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]CallTimeout must be non-zero", confSection)
	case config.RetryDelayCap < config.RetryDelay:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]RetryDelayCap (%v) must be at least RetryDelay (%v)", confSection, config.RetryDelayCap, config.RetryDelay)
	case 100 < config.RetryDelayVariance:
		err = blunder.NewError(blunder.InvalidArgError, "[%s]RetryDelayVariance (%v) must be a percentage", confSection, config.RetryDelayVariance)
	}

	return
}
