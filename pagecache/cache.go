// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/slab"
)

func (manager *Manager) newCache(id string) (cache *Cache) {
	cache = &Cache{
		manager: manager,
		id:      id,
		lru:     list.New(),
	}
	cache.bufferCond = sync.NewCond(cache)
	cache.index = sortedmap.NewLLRBTree(sortedmap.CompareUint64, cache)

	manager.Lock()
	manager.caches[cache] = struct{}{}
	manager.Unlock()

	return
}

func (cache *Cache) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("0x%016X", key.(uint64))
	err = nil
	return
}

func (cache *Cache) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	entry := value.(*Entry)
	valueAsString = fmt.Sprintf("{offset:0x%016X flags:0x%02X readRefs:%v writeRefs:%v}", entry.offset, entry.flags, entry.readRefs, entry.writeRefs)
	err = nil
	return
}

func (manager *Manager) getOrCreateEntry(cache *Cache, offset uint64, kind PinKind) (entry *Entry, isNew bool, err error) {
	var (
		ok    bool
		value sortedmap.Value
	)

	if 0 != offset%manager.config.PageSize {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache offset 0x%X not aligned to PageSize (0x%X)", offset, manager.config.PageSize)
		return
	}

	for {
		cache.Lock()

		if cache.destroyed {
			cache.Unlock()
			err = blunder.NewError(blunder.StaleError, "pagecache %s already destroyed", cache.id)
			return
		}

		value, ok, err = cache.index.GetByKey(offset)
		if nil != err {
			logger.PanicfWithError(err, "pagecache %s index GetByKey(0x%X) failed", cache.id, offset)
		}
		if ok {
			entry = value.(*Entry)
			cache.pinLocked(entry, kind)
			cache.Unlock()
			manager.stats.EntryHits.Increment()
			return
		}

		cache.Unlock()

		entry, err = manager.obtainEntry()
		if nil != err {
			entry = nil
			return
		}

		cache.Lock()

		if cache.destroyed {
			cache.Unlock()
			manager.releaseEntry(entry, nil)
			entry = nil
			err = blunder.NewError(blunder.StaleError, "pagecache %s destroyed during entry allocation", cache.id)
			return
		}

		entry.cache = cache
		entry.offset = offset
		entry.flags = FlagNew
		entry.lastAccess = time.Now()

		ok, err = cache.index.Put(offset, entry)
		if nil != err {
			logger.PanicfWithError(err, "pagecache %s index Put(0x%X) failed", cache.id, offset)
		}
		if !ok {
			// Another caller inserted offset while we were allocating
			cache.Unlock()
			manager.releaseEntry(entry, nil)
			manager.stats.EntryRaces.Increment()
			continue
		}

		cache.pinLocked(entry, kind)
		cache.Unlock()

		isNew = true
		manager.stats.EntryMisses.Increment()
		return
	}
}

func (manager *Manager) pin(entry *Entry, kind PinKind) {
	cache := entry.cache

	cache.Lock()
	if (0 == entry.readRefs) && (0 == entry.writeRefs) {
		cache.Unlock()
		err := blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "pagecache %s entry 0x%X pinned without a reference", cache.id, entry.offset)
		logger.PanicfWithError(err, "(*Manager).Pin() requires an existing reference")
	}
	cache.pinLocked(entry, kind)
	cache.Unlock()
}

// pinLocked takes a reference on entry, pulling it off the LRU if resident.
func (cache *Cache) pinLocked(entry *Entry, kind PinKind) {
	switch kind {
	case PinRead:
		entry.readRefs++
	case PinWrite:
		entry.writeRefs++
	default:
		logger.Fatalf("pagecache unknown PinKind %v", kind)
	}

	if entry.flags.IsSet(FlagLRU) {
		cache.removeLRULocked(entry)
	}

	entry.lastAccess = time.Now()
}

func (manager *Manager) unpin(entry *Entry, kind PinKind) {
	var (
		becameIdle bool
		block      *slab.Block
		cache      = entry.cache
		tornDown   bool
	)

	cache.Lock()

	switch kind {
	case PinRead:
		if 0 == entry.readRefs {
			cache.Unlock()
			err := blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "pagecache %s entry 0x%X readRefs underflow", cache.id, entry.offset)
			logger.PanicfWithError(err, "(*Manager).Unpin() without matching Pin()")
		}
		entry.readRefs--
	case PinWrite:
		if 0 == entry.writeRefs {
			cache.Unlock()
			err := blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "pagecache %s entry 0x%X writeRefs underflow", cache.id, entry.offset)
			logger.PanicfWithError(err, "(*Manager).Unpin() without matching Pin()")
		}
		entry.writeRefs--
	default:
		cache.Unlock()
		logger.Fatalf("pagecache unknown PinKind %v", kind)
	}

	entry.lastAccess = time.Now()

	if (0 == entry.readRefs) && (0 == entry.writeRefs) {
		switch {
		case entry.flags.IsSet(FlagDiscard):
			block = cache.teardownLocked(entry)
			tornDown = true
		case entry.flags.IsSet(FlagIOError):
			block = cache.teardownLocked(entry)
			tornDown = true
			manager.stats.ErrorTeardowns.Increment()
		case entry.flags.IsSet(FlagDataReady) || entry.flags.IsSet(FlagDirty):
			cache.pushLRULocked(entry)
			becameIdle = true
		default:
			// never filled
			block = cache.teardownLocked(entry)
			tornDown = true
		}
	}

	cache.Unlock()

	if tornDown {
		manager.releaseEntry(entry, block)
	} else if becameIdle {
		manager.signalEvent()
	}
}

func (manager *Manager) allocateBuffer(entry *Entry) (err error) {
	var (
		block *slab.Block
		cache = entry.cache
	)

	cache.Lock()

	if (0 == entry.readRefs) && (0 == entry.writeRefs) {
		cache.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "pagecache %s entry 0x%X must be pinned to allocate a buffer", cache.id, entry.offset)
		return
	}

	for entry.flags.IsSet(FlagBufferPending) && (nil == entry.block) {
		cache.bufferCond.Wait()
	}

	if entry.flags.IsSet(FlagIOError) {
		cache.Unlock()
		err = blunder.NewError(blunder.IOError, "pagecache %s entry 0x%X is in error state", cache.id, entry.offset)
		return
	}

	if nil != entry.block {
		cache.Unlock()
		return
	}

	entry.flags &^= FlagNew
	entry.flags |= FlagBufferPending

	cache.Unlock()

	block, err = manager.obtainBlock()

	cache.Lock()
	if nil == err {
		entry.block = block
	} else {
		entry.flags &^= FlagBufferPending
	}
	cache.bufferCond.Broadcast()
	cache.Unlock()

	return
}

// beginFill decides whether a request pinning entry with kind must fill (or
// write) its buffer. A reader finding the entry data-ready or already being
// read shares the content instead and must waitFill() before consuming it.
func (manager *Manager) beginFill(entry *Entry, kind PinKind) (fill bool, err error) {
	cache := entry.cache

	cache.Lock()
	defer cache.Unlock()

	if (0 == entry.readRefs) && (0 == entry.writeRefs) {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache %s entry 0x%X must be pinned to begin a fill", cache.id, entry.offset)
		return
	}

	if entry.flags.IsSet(FlagIOError) {
		err = blunder.NewError(blunder.IOError, "pagecache %s entry 0x%X is in error state", cache.id, entry.offset)
		return
	}

	if PinWrite == kind {
		fill = true
		return
	}

	if entry.flags.IsSet(FlagDataReady) {
		return
	}

	if entry.flags.IsSet(FlagReadPending) {
		manager.stats.FillShares.Increment()
		return
	}

	entry.flags |= FlagReadPending
	fill = true

	return
}

// abortFill gives up a read fill claimed by beginFill() that will never
// complete. Sharers waiting on it fail.
func (manager *Manager) abortFill(entry *Entry) {
	cache := entry.cache

	cache.Lock()
	entry.flags &^= FlagReadPending
	cache.bufferCond.Broadcast()
	cache.Unlock()
}

func (manager *Manager) waitFill(entry *Entry) (err error) {
	cache := entry.cache

	cache.Lock()
	defer cache.Unlock()

	for entry.flags.IsSet(FlagReadPending) {
		cache.bufferCond.Wait()
	}

	if !entry.flags.IsSet(FlagDataReady) || entry.flags.IsSet(FlagIOError) {
		err = blunder.NewError(blunder.IOError, "pagecache %s entry 0x%X fill did not complete", cache.id, entry.offset)
	}

	return
}

func (manager *Manager) markDataReady(entry *Entry) (err error) {
	cache := entry.cache

	cache.Lock()
	defer cache.Unlock()

	if entry.flags.IsSet(FlagIOError) {
		err = blunder.NewError(blunder.IOError, "pagecache %s entry 0x%X failed on a concurrent fill", cache.id, entry.offset)
		return
	}

	if nil == entry.block {
		err = blunder.NewError(blunder.InvalidArgError, "pagecache %s entry 0x%X has no buffer to mark ready", cache.id, entry.offset)
		return
	}

	entry.flags &^= FlagNew | FlagBufferPending | FlagReadPending
	entry.flags |= FlagDataReady

	cache.bufferCond.Broadcast()

	return
}

// markIOError keeps the block of a still referenced entry since a concurrent
// writer may be filling it. The last unpin tears the entry down.
func (manager *Manager) markIOError(entry *Entry) {
	var (
		block    *slab.Block
		cache    = entry.cache
		tornDown bool
	)

	cache.Lock()

	entry.flags &^= FlagNew | FlagBufferPending | FlagDataReady | FlagReadPending | FlagDirty
	entry.flags |= FlagIOError

	if (0 == entry.readRefs) && (0 == entry.writeRefs) {
		block = cache.teardownLocked(entry)
		tornDown = true
	}

	cache.bufferCond.Broadcast()
	cache.Unlock()

	if tornDown {
		manager.stats.ErrorTeardowns.Increment()
		manager.releaseEntry(entry, block)
	}
}

func (manager *Manager) setFlags(entry *Entry, set EntryFlags, clear EntryFlags) {
	entry.cache.Lock()
	entry.flags |= set
	entry.flags &^= clear
	entry.cache.Unlock()
}

// discard frees idle clean entries at once and unindexes referenced ones so
// that their content is never served again. Those are released on their
// last unpin.
func (manager *Manager) discard(cache *Cache) (freed uint64) {
	var (
		blocks     []*slab.Block
		detached   uint64
		entries    []*Entry
		entry      *Entry
		err        error
		index      int
		numEntries int
		ok         bool
		resident   []*Entry
		value      sortedmap.Value
	)

	cache.Lock()

	numEntries, err = cache.index.Len()
	if nil != err {
		logger.PanicfWithError(err, "pagecache %s index Len() failed", cache.id)
	}

	resident = make([]*Entry, 0, numEntries)

	for index = 0; index < numEntries; index++ {
		_, value, _, err = cache.index.GetByIndex(index)
		if nil != err {
			logger.PanicfWithError(err, "pagecache %s index GetByIndex(%v) failed", cache.id, index)
		}
		resident = append(resident, value.(*Entry))
	}

	for _, entry = range resident {
		if (0 == entry.readRefs) && (0 == entry.writeRefs) {
			if entry.flags.IsSet(FlagDirty) {
				continue
			}
			blocks = append(blocks, cache.teardownLocked(entry))
			entries = append(entries, entry)
			continue
		}

		ok, err = cache.index.DeleteByKey(entry.offset)
		if (nil != err) || !ok {
			logger.PanicfWithError(err, "pagecache %s index DeleteByKey(0x%X) failed (ok == %v)", cache.id, entry.offset, ok)
		}
		entry.flags |= FlagDiscard
		detached++
	}

	cache.Unlock()

	for index, entry = range entries {
		manager.releaseEntry(entry, blocks[index])
	}

	freed = uint64(len(entries))
	manager.stats.EntriesDiscarded.Add(freed + detached)

	return
}

func (manager *Manager) destroyCache(cache *Cache) (err error) {
	var (
		blocks     []*slab.Block
		entries    []*Entry
		index      int
		numEntries int
		value      sortedmap.Value
	)

	cache.Lock()

	if cache.destroyed {
		cache.Unlock()
		return
	}

	numEntries, err = cache.index.Len()
	if nil != err {
		logger.PanicfWithError(err, "pagecache %s index Len() failed", cache.id)
	}

	entries = make([]*Entry, 0, numEntries)

	for index = 0; index < numEntries; index++ {
		_, value, _, err = cache.index.GetByIndex(index)
		if nil != err {
			logger.PanicfWithError(err, "pagecache %s index GetByIndex(%v) failed", cache.id, index)
		}
		entries = append(entries, value.(*Entry))
	}

	for _, entry := range entries {
		if (0 != entry.readRefs) || (0 != entry.writeRefs) {
			cache.Unlock()
			err = blunder.NewClassError(blunder.CorruptState, blunder.DevBusyError, "pagecache %s destroyed with entry 0x%X still referenced", cache.id, entry.offset)
			logger.ErrorfWithError(err, "pagecache %s not drained", cache.id)
			return
		}
	}

	blocks = make([]*slab.Block, 0, len(entries))
	for _, entry := range entries {
		blocks = append(blocks, cache.teardownLocked(entry))
	}

	cache.destroyed = true
	atomic.StoreInt64(&cache.oldest, 0)

	cache.Unlock()

	for index = range entries {
		manager.releaseEntry(entries[index], blocks[index])
	}

	manager.Lock()
	delete(manager.caches, cache)
	manager.Unlock()

	return
}

func (cache *Cache) offsets() (offsets []uint64) {
	var (
		err        error
		key        sortedmap.Key
		numEntries int
	)

	cache.Lock()
	defer cache.Unlock()

	numEntries, err = cache.index.Len()
	if nil != err {
		logger.PanicfWithError(err, "pagecache %s index Len() failed", cache.id)
	}

	offsets = make([]uint64, 0, numEntries)

	for index := 0; index < numEntries; index++ {
		key, _, _, err = cache.index.GetByIndex(index)
		if nil != err {
			logger.PanicfWithError(err, "pagecache %s index GetByIndex(%v) failed", cache.id, index)
		}
		offsets = append(offsets, key.(uint64))
	}

	return
}

// teardownLocked unindexes entry (unless discard() already did) and detaches
// its block. The caller passes both to releaseEntry() once cache is unlocked.
func (cache *Cache) teardownLocked(entry *Entry) (block *slab.Block) {
	var (
		err error
		ok  bool
	)

	if entry.flags.IsSet(FlagLRU) {
		cache.removeLRULocked(entry)
	}

	if !entry.flags.IsSet(FlagDiscard) {
		ok, err = cache.index.DeleteByKey(entry.offset)
		if (nil != err) || !ok {
			logger.PanicfWithError(err, "pagecache %s index DeleteByKey(0x%X) failed (ok == %v)", cache.id, entry.offset, ok)
		}
	}

	entry.flags |= FlagFreeing
	block = entry.block
	entry.block = nil

	return
}

func (cache *Cache) pushLRULocked(entry *Entry) {
	entry.lruElement = cache.lru.PushBack(entry)
	entry.flags |= FlagLRU
	atomic.AddInt64(&cache.manager.lruResident, 1)
	cache.refreshOldestLocked()
}

func (cache *Cache) removeLRULocked(entry *Entry) {
	cache.lru.Remove(entry.lruElement)
	entry.lruElement = nil
	entry.flags &^= FlagLRU
	atomic.AddInt64(&cache.manager.lruResident, -1)
	cache.refreshOldestLocked()
}

func (cache *Cache) refreshOldestLocked() {
	front := cache.lru.Front()
	if nil == front {
		atomic.StoreInt64(&cache.oldest, 0)
	} else {
		atomic.StoreInt64(&cache.oldest, front.Value.(*Entry).lastAccess.UnixNano())
	}
}
