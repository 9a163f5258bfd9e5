// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics.  Statistics start at zero and
// grow as they are added to.
//
// The statistics provided include totaler (with the Totaler interface), average
// (with the Averager interface), and distributions (with the Bucketer
// interface).
//
// Each statistic must have a unique name, "Name".  One or more statistics is
// placed in a structure and registered, with a name, via a call to Register()
// before being used.  The set of the statistics registered can be queried using
// the registered name or individually.
//
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
//
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler with a average (mean) function added.
//
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo holds information for an individual statistics bucket.
//
// RangeLow and RangeHigh are the smallest and largest values mapped to the
// bucket and Count is the number of values added to it.
//
type BucketInfo struct {
	Count     uint64
	RangeLow  uint64
	RangeHigh uint64
}

// A Bucketer is a Averager which also tracks the distribution of values.
//
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields holding
// statistics.  It may also contain other fields that are not bucketstats types.
//
// The combination of pkgName and statsGroupName must be unique.  One or the
// other, but not both, can be the empty string.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics.
//
// Once unregistered, the same or a different set of statistics can be
// registered using the same name.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns one or more groups of statistics as a string, one
// statistic per line.
//
// Use "*" to select all package names with a given group name, all
// groups with a given package name, or all groups.
//
func SprintStats(pkgName string, statsGroupName string) (values string) {
	return sprintStats(pkgName, statsGroupName)
}

// Total is a simple totaler. It supports the Totaler interface.
//
// Name must be unique within statistics in the structure.  If it is "" then
// Register() will assign a name based on the name of the field.
//
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(pkgName string, statsGroupName string) string {
	return this.sprint(pkgName, statsGroupName)
}

// Average counts a number of items and their average size. It supports the
// Averager interface.
//
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *Average) Sprint(pkgName string, statsGroupName string) string {
	return this.sprint(pkgName, statsGroupName)
}

// BucketLog2Round holds bucketized statistics where the stats value is placed in
// bucket N, determined by the bit length of the value (0 goes in bucket 0, 1 in
// bucket 1, 2-3 in bucket 2, 4-7 in bucket 3, etc.).
//
// NBucket determines the number of buckets and has a maximum value of 65.  If
// NBucket is not set it defaults to 65. Values beyond the last bucket are
// counted in the last bucket.  It must be set before the statistic is
// registered and cannot be changed afterward.
//
// Latencies recorded in microseconds fit comfortably in the default range.
//
type BucketLog2Round struct {
	Name        string
	NBucket     uint
	total       uint64 // Ensure 64-bit alignment
	statBuckets [65]uint64
}

func (this *BucketLog2Round) Add(value uint64) {
	idx := uint(bits.Len64(value))
	nBucket := this.NBucket
	if (0 == nBucket) || (nBucket > uint(len(this.statBuckets))) {
		nBucket = uint(len(this.statBuckets))
	}
	if idx > nBucket-1 {
		idx = nBucket - 1
	}

	atomic.AddUint64(&this.statBuckets[idx], 1)
	atomic.AddUint64(&this.total, value)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() (count uint64) {
	for idx := range this.statBuckets {
		count += atomic.LoadUint64(&this.statBuckets[idx])
	}
	return
}

func (this *BucketLog2Round) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2Round) AverageGet() uint64 {
	count := this.CountGet()
	if 0 == count {
		return 0
	}
	return this.TotalGet() / count
}

// DistGet returns BucketInfo information for all the buckets.
//
func (this *BucketLog2Round) DistGet() (dist []BucketInfo) {
	nBucket := this.NBucket
	if (0 == nBucket) || (nBucket > uint(len(this.statBuckets))) {
		nBucket = uint(len(this.statBuckets))
	}

	dist = make([]BucketInfo, nBucket)
	for idx := uint(0); idx < nBucket; idx++ {
		dist[idx].Count = atomic.LoadUint64(&this.statBuckets[idx])
		if 0 == idx {
			continue
		}
		dist[idx].RangeLow = uint64(1) << (idx - 1)
		if idx == nBucket-1 {
			dist[idx].RangeHigh = ^uint64(0)
		} else {
			dist[idx].RangeHigh = (uint64(1) << idx) - 1
		}
	}

	return
}

func (this *BucketLog2Round) Sprint(pkgName string, statsGroupName string) string {
	return this.sprint(pkgName, statsGroupName)
}
