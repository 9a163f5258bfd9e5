// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pagecache implements the paged content cache of block-map objects.
//
// A Manager owns the process-wide pool of Entry structs and draws backing
// memory from a slab.Pool. Each block-map object has its own Cache holding an
// offset-ordered index of its entries and an LRU list of idle ones.
//
// An Entry is LRU-resident if and only if it has no read or write references
// and is neither in the I/O error state nor discarded. Entries are only evictable while on the
// LRU (and not dirty).
//
// When either Entry structs or slab blocks run out, callers block. One of the
// blocked callers becomes the reaper and evicts idle entries (oldest first)
// up to the number of blocked callers; if that is not enough it grows the
// slab pool or, at capacity, lowers the minimum age an entry must reach
// before it may be evicted.
//
// Lock order is Cache before Manager before slab.Pool.
//
package pagecache

import (
	"container/list"
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/bmapcache/slab"
)

type Config struct {
	Name            string // bucketstats group name; generated if ""
	PageSize        uint64 // must match the slab pool's BlockSize
	MaxEntries      uint64
	ReapMinAge      time.Duration
	SlabIdleAge     time.Duration
	ReclaimInterval time.Duration
}

type PinKind int

const (
	PinRead PinKind = iota
	PinWrite
)

type EntryFlags uint32

const (
	FlagNew EntryFlags = 1 << iota
	FlagBufferPending
	FlagDataReady
	FlagLRU
	FlagFreeing
	FlagIOError
	FlagReadPending
	FlagDirty
	FlagDiscard // unindexed by Discard(); released on last unpin
)

type Entry struct {
	cache      *Cache
	offset     uint64
	flags      EntryFlags
	readRefs   uint32
	writeRefs  uint32
	block      *slab.Block
	lastAccess time.Time
	lruElement *list.Element
}

type Cache struct {
	sync.Mutex
	bufferCond *sync.Cond // signalled when a pending buffer allocation completes
	manager    *Manager
	id         string
	index      sortedmap.LLRBTree // key is Entry.offset; value is *Entry
	lru        *list.List         // of *Entry, ascending lastAccess
	oldest     int64              // UnixNano of LRU front; 0 if LRU empty (atomic)
	destroyed  bool
}

type Snapshot struct {
	Caches       uint64
	EntriesInUse uint64
	EntriesFree  uint64
	LRUResident  uint64
	Waiters      uint64
	MinAge       time.Duration
	Slabs        uint64
	BlocksTotal  uint64
	BlocksInUse  uint64
}

// NewManager creates a Manager whose entries draw backing memory from pool.
func NewManager(config Config, pool *slab.Pool) (manager *Manager, err error) {
	return newManager(config, pool)
}

// Start launches the background reclaimer.
func (manager *Manager) Start() {
	manager.start()
}

// Stop halts the background reclaimer and fails any blocked allocations.
func (manager *Manager) Stop() {
	manager.stop()
}

// NewCache creates and registers an empty Cache.
func (manager *Manager) NewCache(id string) (cache *Cache) {
	return manager.newCache(id)
}

// DestroyCache frees every entry of cache (including those in error state)
// and unregisters it. Every entry must be unreferenced.
func (manager *Manager) DestroyCache(cache *Cache) (err error) {
	return manager.destroyCache(cache)
}

// GetOrCreateEntry returns the entry at offset, creating it if absent, with a
// pin reference of kind already taken. The slow path (obtaining a free Entry
// struct, which may block) runs without cache's lock held.
func (manager *Manager) GetOrCreateEntry(cache *Cache, offset uint64, kind PinKind) (entry *Entry, isNew bool, err error) {
	return manager.getOrCreateEntry(cache, offset, kind)
}

// Pin adds a reference of kind to an entry already referenced by the caller.
func (manager *Manager) Pin(entry *Entry, kind PinKind) {
	manager.pin(entry, kind)
}

// Unpin drops a reference of kind. Dropping the last reference either makes
// the entry LRU-resident or, if it is in error state or was never filled,
// tears it down.
func (manager *Manager) Unpin(entry *Entry, kind PinKind) {
	manager.unpin(entry, kind)
}

// AllocateBuffer attaches a slab block to a pinned entry, blocking (and
// reaping) while none is available.
func (manager *Manager) AllocateBuffer(entry *Entry) (err error) {
	return manager.allocateBuffer(entry)
}

// BeginFill reports whether the caller, holding a pin of kind on entry, must
// fill (or write) its buffer. Only one reader fills an entry at a time;
// other readers share that fill and must WaitFill() before consuming the
// buffer. An entry in error state yields an IOError.
func (manager *Manager) BeginFill(entry *Entry, kind PinKind) (fill bool, err error) {
	return manager.beginFill(entry, kind)
}

// AbortFill abandons a read fill begun by BeginFill().
func (manager *Manager) AbortFill(entry *Entry) {
	manager.abortFill(entry)
}

// WaitFill blocks while a read fill of entry is in flight. It fails unless
// the entry ended up data-ready.
func (manager *Manager) WaitFill(entry *Entry) (err error) {
	return manager.waitFill(entry)
}

// MarkDataReady records that entry's buffer holds valid content.
func (manager *Manager) MarkDataReady(entry *Entry) (err error) {
	return manager.markDataReady(entry)
}

// MarkIOError puts entry in error state. Its buffer is released right away
// if unreferenced, otherwise together with the entry on the last unpin.
func (manager *Manager) MarkIOError(entry *Entry) {
	manager.markIOError(entry)
}

func (manager *Manager) MarkDirty(entry *Entry) {
	manager.setFlags(entry, FlagDirty, 0)
}

func (manager *Manager) ClearDirty(entry *Entry) {
	manager.setFlags(entry, 0, FlagDirty)
}

// Discard frees every LRU-resident, non-dirty entry of cache regardless of
// age and unindexes every referenced one, which is then torn down on its last
// unpin. It returns the number freed at once.
func (manager *Manager) Discard(cache *Cache) (freed uint64) {
	return manager.discard(cache)
}

// Reap evicts up to target idle entries older than the current minimum age,
// oldest caches first. It returns the number freed.
func (manager *Manager) Reap(target uint64) (freed uint64) {
	return manager.reap(target)
}

func (manager *Manager) Snapshot() (snapshot Snapshot) {
	return manager.snapshot()
}

func (manager *Manager) PageSize() uint64 {
	return manager.config.PageSize
}

func (cache *Cache) ID() string {
	return cache.id
}

// Len returns the number of entries indexed by cache.
func (cache *Cache) Len() (numEntries int) {
	cache.Lock()
	numEntries, _ = cache.index.Len()
	cache.Unlock()
	return
}

// LRULen returns the number of LRU-resident entries of cache.
func (cache *Cache) LRULen() (lruLen int) {
	cache.Lock()
	lruLen = cache.lru.Len()
	cache.Unlock()
	return
}

// Offsets returns the offsets of every indexed entry in ascending order.
func (cache *Cache) Offsets() (offsets []uint64) {
	return cache.offsets()
}

func (entry *Entry) Offset() uint64 {
	return entry.offset
}

// Buf returns the entry's backing memory (nil if none is attached).
func (entry *Entry) Buf() (buf []byte) {
	entry.cache.Lock()
	if nil != entry.block {
		buf = entry.block.Buf
	}
	entry.cache.Unlock()
	return
}

func (entry *Entry) Flags() (flags EntryFlags) {
	entry.cache.Lock()
	flags = entry.flags
	entry.cache.Unlock()
	return
}

func (entry *Entry) Refs() (readRefs uint32, writeRefs uint32) {
	entry.cache.Lock()
	readRefs = entry.readRefs
	writeRefs = entry.writeRefs
	entry.cache.Unlock()
	return
}

func (flags EntryFlags) IsSet(flag EntryFlags) bool {
	return flag == flags&flag
}
