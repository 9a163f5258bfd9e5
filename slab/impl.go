// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package slab

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/bucketstats"
	"github.com/NVIDIA/bmapcache/logger"
)

type slabStruct struct {
	id        uint64
	mem       []byte   // anonymous mmap region
	inUse     []uint64 // bitmap; bit set == block checked out
	refCnt    uint64   // number of blocks checked out
	idleSince time.Time
	blocks    []Block
}

var poolSeq uint64

func newPool(config PoolConfig) (pool *Pool, err error) {
	var (
		slabIndex uint64
	)

	if 0 == config.BlockSize {
		err = blunder.NewError(blunder.InvalidArgError, "slab.NewPool() BlockSize must be non-zero")
		return
	}
	if (config.SlabSize < config.BlockSize) || (0 != config.SlabSize%config.BlockSize) {
		err = blunder.NewError(blunder.InvalidArgError, "slab.NewPool() SlabSize (%v) must be a non-zero multiple of BlockSize (%v)", config.SlabSize, config.BlockSize)
		return
	}
	if (0 == config.MaxSlabs) || (config.MinSlabs > config.MaxSlabs) {
		err = blunder.NewError(blunder.InvalidArgError, "slab.NewPool() requires 0 < MaxSlabs (%v) and MinSlabs (%v) <= MaxSlabs", config.MaxSlabs, config.MinSlabs)
		return
	}

	if "" == config.Name {
		config.Name = fmt.Sprintf("pool%d", atomic.AddUint64(&poolSeq, 1))
	}

	pool = &Pool{
		config:        config,
		blocksPerSlab: config.SlabSize / config.BlockSize,
		slabs:         make([]*slabStruct, 0, config.MaxSlabs),
		stats:         &PoolStats{},
	}

	for slabIndex = 0; slabIndex < config.MinSlabs; slabIndex++ {
		err = pool.grow()
		if nil != err {
			_ = pool.close()
			pool = nil
			return
		}
	}

	bucketstats.Register("slab", config.Name, pool.stats)

	return
}

func (pool *Pool) alloc() (block *Block) {
	var (
		bitIndex  int
		slab      *slabStruct
		wordIndex int
		word      uint64
	)

	pool.Lock()
	defer pool.Unlock()

	if pool.closed {
		return
	}

	// Prefer the fullest slab with room so lightly used slabs can drain and be reclaimed
	for _, candidate := range pool.slabs {
		if candidate.refCnt == uint64(len(candidate.blocks)) {
			continue
		}
		if (nil == slab) || (candidate.refCnt > slab.refCnt) {
			slab = candidate
		}
	}

	if nil == slab {
		pool.stats.AllocFailures.Increment()
		return
	}

	for wordIndex, word = range slab.inUse {
		if ^uint64(0) == word {
			continue
		}
		bitIndex = bits.TrailingZeros64(^word)
		if uint64(wordIndex*64+bitIndex) >= uint64(len(slab.blocks)) {
			continue
		}
		slab.inUse[wordIndex] |= uint64(1) << uint(bitIndex)
		slab.refCnt++
		pool.blocksInUse++
		block = &slab.blocks[wordIndex*64+bitIndex]
		pool.stats.Allocs.Increment()
		return
	}

	err := blunder.NewClassError(blunder.CorruptState, blunder.NotRecoverableError, "slab %v refCnt %v disagrees with its in-use bitmap", slab.id, slab.refCnt)
	logger.PanicfWithError(err, "(*Pool).alloc() found no free bit")
	return
}

func (pool *Pool) free(block *Block) {
	var (
		mask      uint64
		slab      *slabStruct
		wordIndex uint64
	)

	pool.Lock()
	defer pool.Unlock()

	slab = block.slab
	wordIndex = block.index / 64
	mask = uint64(1) << (block.index % 64)

	if 0 == slab.inUse[wordIndex]&mask {
		err := blunder.NewClassError(blunder.CorruptState, blunder.NotRecoverableError, "slab %v block %v freed while not in use", slab.id, block.index)
		logger.PanicfWithError(err, "(*Pool).free() double free")
	}

	slab.inUse[wordIndex] &^= mask
	slab.refCnt--
	pool.blocksInUse--
	if 0 == slab.refCnt {
		slab.idleSince = time.Now()
	}

	pool.stats.Frees.Increment()
}

func (pool *Pool) grow() (err error) {
	var (
		blockIndex uint64
		mem        []byte
		slab       *slabStruct
	)

	pool.Lock()
	defer pool.Unlock()

	if pool.closed {
		err = blunder.NewClassError(blunder.ResourceExhausted, blunder.DevBusyError, "slab pool %s is closed", pool.config.Name)
		return
	}

	if uint64(len(pool.slabs)) >= pool.config.MaxSlabs {
		pool.stats.GrowFailures.Increment()
		err = blunder.NewClassError(blunder.ResourceExhausted, blunder.OutOfMemoryError, "slab pool %s already at MaxSlabs (%v)", pool.config.Name, pool.config.MaxSlabs)
		return
	}

	mem, err = unix.Mmap(-1, 0, int(pool.config.SlabSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if nil != err {
		pool.stats.GrowFailures.Increment()
		err = blunder.AddClass(blunder.AddError(err, blunder.OutOfMemoryError), blunder.ResourceExhausted)
		return
	}

	pool.nextSlabID++

	slab = &slabStruct{
		id:        pool.nextSlabID,
		mem:       mem,
		inUse:     make([]uint64, (pool.blocksPerSlab+63)/64),
		refCnt:    0,
		idleSince: time.Now(),
		blocks:    make([]Block, pool.blocksPerSlab),
	}

	for blockIndex = 0; blockIndex < pool.blocksPerSlab; blockIndex++ {
		slab.blocks[blockIndex] = Block{
			slab:  slab,
			index: blockIndex,
			Buf:   mem[blockIndex*pool.config.BlockSize : (blockIndex+1)*pool.config.BlockSize : (blockIndex+1)*pool.config.BlockSize],
		}
	}

	pool.slabs = append(pool.slabs, slab)
	pool.stats.Grows.Increment()

	logger.Tracef("slab pool %s grew to %v slabs", pool.config.Name, len(pool.slabs))

	return
}

func (pool *Pool) reclaimIdle(minIdle time.Duration) (released int) {
	var (
		err  error
		kept []*slabStruct
		now  time.Time
	)

	pool.Lock()
	defer pool.Unlock()

	now = time.Now()
	kept = pool.slabs[:0]

	for _, slab := range pool.slabs {
		if (0 == slab.refCnt) &&
			(now.Sub(slab.idleSince) >= minIdle) &&
			(uint64(len(pool.slabs)-released) > pool.config.MinSlabs) {
			err = unix.Munmap(slab.mem)
			if nil == err {
				released++
				continue
			}
			logger.WarnfWithError(err, "slab pool %s failed to unmap slab %v", pool.config.Name, slab.id)
		}
		kept = append(kept, slab)
	}

	for index := len(kept); index < len(pool.slabs); index++ {
		pool.slabs[index] = nil
	}
	pool.slabs = kept

	if 0 < released {
		pool.stats.Reclaims.Add(uint64(released))
		logger.Tracef("slab pool %s released %v idle slabs", pool.config.Name, released)
	}

	return
}

func (pool *Pool) close() (err error) {
	pool.Lock()
	defer pool.Unlock()

	if pool.closed {
		return
	}

	if 0 != pool.blocksInUse {
		err = blunder.NewClassError(blunder.CorruptState, blunder.DevBusyError, "slab pool %s closed with %v blocks in use", pool.config.Name, pool.blocksInUse)
		return
	}

	for _, slab := range pool.slabs {
		if unmapErr := unix.Munmap(slab.mem); nil != unmapErr {
			logger.WarnfWithError(unmapErr, "slab pool %s failed to unmap slab %v", pool.config.Name, slab.id)
		}
	}

	pool.slabs = nil
	pool.closed = true

	bucketstats.UnRegister("slab", pool.config.Name)

	return
}
