// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package slab implements the process-wide pool of large fixed-size memory
// regions ("slabs") backing page cache entries.
//
// Each slab is an anonymous mmap region subdivided into BlockSize blocks. A
// Block is exclusively owned by its holder from Alloc() until Free(). Slabs
// are added on demand via Grow() up to MaxSlabs and released by ReclaimIdle()
// once every block in them has been idle long enough, never dropping below
// MinSlabs.
//
package slab

import (
	"sync"
	"time"

	"github.com/NVIDIA/bmapcache/bucketstats"
)

type PoolConfig struct {
	Name      string // bucketstats group name; generated if ""
	BlockSize uint64
	SlabSize  uint64 // must be a multiple of BlockSize
	MinSlabs  uint64
	MaxSlabs  uint64
}

// Block is one BlockSize region of a slab.
type Block struct {
	slab  *slabStruct
	index uint64
	Buf   []byte
}

type PoolStats struct {
	Allocs        bucketstats.Total
	AllocFailures bucketstats.Total
	Frees         bucketstats.Total
	Grows         bucketstats.Total
	GrowFailures  bucketstats.Total
	Reclaims      bucketstats.Total
}

// Counters is a point-in-time view of pool occupancy.
type Counters struct {
	Slabs       uint64
	BlocksTotal uint64
	BlocksInUse uint64
}

type Pool struct {
	sync.Mutex
	config        PoolConfig
	blocksPerSlab uint64
	slabs         []*slabStruct
	nextSlabID    uint64
	blocksInUse   uint64
	closed        bool
	stats         *PoolStats
}

// NewPool creates a slab pool and pre-populates it with MinSlabs slabs.
func NewPool(config PoolConfig) (pool *Pool, err error) {
	return newPool(config)
}

// Alloc checks out a free block. It never blocks; nil is returned when every
// slab is full (callers then reclaim or Grow()).
func (pool *Pool) Alloc() (block *Block) {
	return pool.alloc()
}

// Free returns a block obtained from Alloc().
func (pool *Pool) Free(block *Block) {
	pool.free(block)
}

// Grow adds one slab. A ResourceExhausted class error is returned at MaxSlabs.
func (pool *Pool) Grow() (err error) {
	return pool.grow()
}

// ReclaimIdle releases slabs whose blocks have all been free for at least
// minIdle, keeping at least MinSlabs. It returns the number released.
func (pool *Pool) ReclaimIdle(minIdle time.Duration) (released int) {
	return pool.reclaimIdle(minIdle)
}

// Close unmaps every slab. It fails if any block is still checked out.
func (pool *Pool) Close() (err error) {
	return pool.close()
}

func (pool *Pool) BlockSize() uint64 {
	return pool.config.BlockSize
}

func (pool *Pool) BlocksPerSlab() uint64 {
	return pool.blocksPerSlab
}

// AtCapacity reports whether Grow() would fail.
func (pool *Pool) AtCapacity() (atCapacity bool) {
	pool.Lock()
	atCapacity = uint64(len(pool.slabs)) >= pool.config.MaxSlabs
	pool.Unlock()
	return
}

func (pool *Pool) Counters() (counters Counters) {
	pool.Lock()
	counters.Slabs = uint64(len(pool.slabs))
	counters.BlocksTotal = counters.Slabs * pool.blocksPerSlab
	counters.BlocksInUse = pool.blocksInUse
	pool.Unlock()
	return
}
