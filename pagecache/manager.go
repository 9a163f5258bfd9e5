// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/bucketstats"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/slab"
)

type ManagerStats struct {
	EntryHits        bucketstats.Total
	EntryMisses      bucketstats.Total
	EntryRaces       bucketstats.Total
	EntryWaits       bucketstats.Total
	BufferWaits      bucketstats.Total
	AllocWaitUsec    bucketstats.BucketLog2Round
	ReapRuns         bucketstats.Total
	EntriesReaped    bucketstats.Total
	EntriesDiscarded bucketstats.Total
	FillShares       bucketstats.Total
	ErrorTeardowns   bucketstats.Total
	SlabGrows        bucketstats.Total
	MinAgeLowered    bucketstats.Total
	SlabsReclaimed   bucketstats.Total
}

type Manager struct {
	sync.Mutex
	cond             *sync.Cond
	config           Config
	pool             *slab.Pool
	freeEntries      []*Entry
	entriesAllocated uint64
	caches           map[*Cache]struct{}
	reaping          bool          // the single-reaper token
	waiters          uint64        // callers blocked in obtain()
	events           uint64        // bumped whenever an entry or block may have become available
	minAge           time.Duration // rolling minimum age for eviction
	lruResident      int64         // atomic
	stopped          bool
	started          bool
	stopChan         chan struct{}
	reclaimerWG      sync.WaitGroup
	stats            *ManagerStats
}

var managerSeq uint64

func newManager(config Config, pool *slab.Pool) (manager *Manager, err error) {
	if nil == pool {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache.NewManager() requires a slab pool")
		return
	}
	if (0 == config.PageSize) || (config.PageSize != pool.BlockSize()) {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache.NewManager() PageSize (%v) must equal slab BlockSize (%v)", config.PageSize, pool.BlockSize())
		return
	}
	if 0 == config.MaxEntries {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache.NewManager() MaxEntries must be non-zero")
		return
	}
	if 0 == config.ReclaimInterval {
		config.ReclaimInterval = time.Second
	}
	if "" == config.Name {
		config.Name = fmt.Sprintf("manager%d", atomic.AddUint64(&managerSeq, 1))
	}

	manager = &Manager{
		config:      config,
		pool:        pool,
		freeEntries: make([]*Entry, 0, config.MaxEntries),
		caches:      make(map[*Cache]struct{}),
		minAge:      config.ReapMinAge,
		stopChan:    make(chan struct{}),
		stats:       &ManagerStats{},
	}
	manager.cond = sync.NewCond(manager)

	bucketstats.Register("pagecache", config.Name, manager.stats)

	return
}

func (manager *Manager) start() {
	manager.Lock()
	if manager.started || manager.stopped {
		manager.Unlock()
		return
	}
	manager.started = true
	manager.Unlock()

	manager.reclaimerWG.Add(1)
	go manager.reclaimer()
}

func (manager *Manager) stop() {
	manager.Lock()
	if manager.stopped {
		manager.Unlock()
		return
	}
	manager.stopped = true
	manager.cond.Broadcast()
	manager.Unlock()

	close(manager.stopChan)
	manager.reclaimerWG.Wait()

	bucketstats.UnRegister("pagecache", manager.config.Name)
}

func (manager *Manager) reclaimer() {
	var (
		ticker = time.NewTicker(manager.config.ReclaimInterval)
	)

	defer manager.reclaimerWG.Done()
	defer ticker.Stop()

	for {
		select {
		case <-manager.stopChan:
			return
		case <-ticker.C:
			manager.reclaimTick()
		}
	}
}

// reclaimBatch bounds a background reap nobody is waiting on.
const reclaimBatch = 16

// reclaimTick lets the rolling minimum age recover while nobody is waiting,
// trims aged entries while allocations wait or either pool is exhausted, and
// returns fully idle slabs beyond the pool minimum.
func (manager *Manager) reclaimTick() {
	var (
		blocksExhausted  bool
		counters         slab.Counters
		entriesExhausted bool
		reap             bool
		released         int
		target           uint64
	)

	manager.Lock()
	if (0 == manager.waiters) && (manager.minAge < manager.config.ReapMinAge) {
		if manager.minAge < time.Millisecond {
			manager.minAge = time.Millisecond
		} else {
			manager.minAge *= 2
		}
		if manager.minAge > manager.config.ReapMinAge {
			manager.minAge = manager.config.ReapMinAge
		}
	}
	entriesExhausted = (0 == len(manager.freeEntries)) && (manager.entriesAllocated >= manager.config.MaxEntries)
	counters = manager.pool.Counters()
	blocksExhausted = manager.pool.AtCapacity() && (counters.BlocksInUse >= counters.BlocksTotal)
	reap = !manager.reaping && ((0 < manager.waiters) || entriesExhausted || blocksExhausted)
	if reap {
		manager.reaping = true
		target = manager.waiters
		if 0 == target {
			target = reclaimBatch
		}
	}
	manager.Unlock()

	if reap {
		_ = manager.reap(target)

		manager.Lock()
		manager.reaping = false
		manager.cond.Broadcast()
		manager.Unlock()
	}

	released = manager.pool.ReclaimIdle(manager.config.SlabIdleAge)
	if 0 < released {
		manager.stats.SlabsReclaimed.Add(uint64(released))
	}
}

// obtain loops until try() succeeds. It must be called with manager locked.
//
// A caller that cannot be satisfied becomes the reaper if nobody else is
// reaping; otherwise it waits for the reaper to finish. A reap that frees
// nothing falls back to growing the slab pool (if canGrow), then to lowering
// the minimum age, and finally to waiting for some entry to become idle.
func (manager *Manager) obtain(try func() bool, canGrow bool, waitStat *bucketstats.Total) (err error) {
	var (
		eventsBefore uint64
		freed        uint64
		grew         bool
		startTime    time.Time
		target       uint64
	)

	if try() {
		return
	}

	waitStat.Increment()
	startTime = time.Now()
	manager.waiters++

	defer func() {
		manager.waiters--
		manager.stats.AllocWaitUsec.Add(uint64(time.Since(startTime) / time.Microsecond))
	}()

	for {
		if manager.stopped {
			err = blunder.NewClassError(blunder.ResourceExhausted, blunder.DevBusyError, "pagecache manager %s stopped while allocating", manager.config.Name)
			return
		}

		if try() {
			return
		}

		if manager.reaping {
			manager.cond.Wait()
			continue
		}

		manager.reaping = true
		target = manager.waiters
		eventsBefore = manager.events
		manager.Unlock()

		freed = manager.reap(target)
		grew = false
		if canGrow && (freed < target) {
			if nil == manager.pool.Grow() {
				grew = true
				manager.stats.SlabGrows.Increment()
			}
		}

		manager.Lock()
		manager.reaping = false
		manager.cond.Broadcast()

		if (0 < freed) || grew {
			continue
		}

		if 0 < manager.minAge {
			manager.minAge /= 2
			if manager.minAge < time.Millisecond {
				manager.minAge = 0
			}
			manager.stats.MinAgeLowered.Increment()
			logger.Tracef("pagecache manager %s lowered minimum age to %v", manager.config.Name, manager.minAge)
			continue
		}

		for (manager.events == eventsBefore) && !manager.stopped {
			manager.cond.Wait()
		}
	}
}

func (manager *Manager) obtainEntry() (entry *Entry, err error) {
	manager.Lock()
	defer manager.Unlock()

	err = manager.obtain(func() bool {
		if 0 < len(manager.freeEntries) {
			entry = manager.freeEntries[len(manager.freeEntries)-1]
			manager.freeEntries[len(manager.freeEntries)-1] = nil
			manager.freeEntries = manager.freeEntries[:len(manager.freeEntries)-1]
			return true
		}
		if manager.entriesAllocated < manager.config.MaxEntries {
			manager.entriesAllocated++
			entry = &Entry{}
			return true
		}
		return false
	}, false, &manager.stats.EntryWaits)

	return
}

func (manager *Manager) obtainBlock() (block *slab.Block, err error) {
	manager.Lock()
	defer manager.Unlock()

	err = manager.obtain(func() bool {
		block = manager.pool.Alloc()
		return nil != block
	}, true, &manager.stats.BufferWaits)

	return
}

// releaseEntry returns a torn down entry (and its block, if any) to the pools
// and wakes any blocked allocators.
func (manager *Manager) releaseEntry(entry *Entry, block *slab.Block) {
	if nil != block {
		manager.pool.Free(block)
	}

	*entry = Entry{}

	manager.Lock()
	manager.freeEntries = append(manager.freeEntries, entry)
	manager.events++
	manager.cond.Broadcast()
	manager.Unlock()
}

func (manager *Manager) signalEvent() {
	manager.Lock()
	manager.events++
	manager.cond.Broadcast()
	manager.Unlock()
}

func (manager *Manager) snapshot() (snapshot Snapshot) {
	var (
		counters slab.Counters
	)

	manager.Lock()
	snapshot.Caches = uint64(len(manager.caches))
	snapshot.EntriesInUse = manager.entriesAllocated - uint64(len(manager.freeEntries))
	snapshot.EntriesFree = manager.config.MaxEntries - snapshot.EntriesInUse
	snapshot.Waiters = manager.waiters
	snapshot.MinAge = manager.minAge
	manager.Unlock()

	snapshot.LRUResident = uint64(atomic.LoadInt64(&manager.lruResident))

	counters = manager.pool.Counters()
	snapshot.Slabs = counters.Slabs
	snapshot.BlocksTotal = counters.BlocksTotal
	snapshot.BlocksInUse = counters.BlocksInUse

	return
}
