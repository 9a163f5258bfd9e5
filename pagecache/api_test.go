// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/slab"
)

const testPageSize = uint64(4096)

func newTestManager(t *testing.T, blocksPerSlab uint64, maxSlabs uint64, maxEntries uint64, reapMinAge time.Duration) (manager *Manager, pool *slab.Pool) {
	var (
		err error
	)

	pool, err = slab.NewPool(slab.PoolConfig{
		BlockSize: testPageSize,
		SlabSize:  blocksPerSlab * testPageSize,
		MinSlabs:  1,
		MaxSlabs:  maxSlabs,
	})
	require.NoError(t, err)

	manager, err = NewManager(Config{
		PageSize:        testPageSize,
		MaxEntries:      maxEntries,
		ReapMinAge:      reapMinAge,
		SlabIdleAge:     time.Hour,
		ReclaimInterval: time.Hour,
	}, pool)
	require.NoError(t, err)

	return
}

// fill pins offset for writing, attaches a buffer and marks it data-ready
func fill(t *testing.T, manager *Manager, cache *Cache, offset uint64) (entry *Entry) {
	var (
		err error
	)

	entry, _, err = manager.GetOrCreateEntry(cache, offset, PinWrite)
	require.NoError(t, err)
	require.NoError(t, manager.AllocateBuffer(entry))
	require.NoError(t, manager.MarkDataReady(entry))

	return
}

func assertLRUInvariant(t *testing.T, entry *Entry) {
	flags := entry.Flags()
	readRefs, writeRefs := entry.Refs()
	idle := (0 == readRefs) && (0 == writeRefs) && !flags.IsSet(FlagIOError)
	assert.Equal(t, idle, flags.IsSet(FlagLRU), "offset 0x%X flags 0x%X refs %v/%v", entry.Offset(), flags, readRefs, writeRefs)
}

func TestGetOrCreateEntry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 8, 1, 16, 0)
	cache := manager.NewCache("file1.block0")

	_, _, err := manager.GetOrCreateEntry(cache, 1, PinRead)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	entry, isNew, err := manager.GetOrCreateEntry(cache, 2*testPageSize, PinRead)
	require.NoError(err)
	assert.True(isNew)
	assert.True(entry.Flags().IsSet(FlagNew))
	assert.Nil(entry.Buf())
	assertLRUInvariant(t, entry)

	again, isNew, err := manager.GetOrCreateEntry(cache, 2*testPageSize, PinWrite)
	require.NoError(err)
	assert.False(isNew)
	assert.Equal(entry, again)

	readRefs, writeRefs := entry.Refs()
	assert.Equal(uint32(1), readRefs)
	assert.Equal(uint32(1), writeRefs)

	_ = fill(t, manager, cache, 0)
	_ = fill(t, manager, cache, 5*testPageSize)

	if diff := cmp.Diff([]uint64{0, 2 * testPageSize, 5 * testPageSize}, cache.Offsets()); "" != diff {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}

	require.NoError(manager.AllocateBuffer(entry))
	assert.Equal(int(testPageSize), len(entry.Buf()))
	assert.True(entry.Flags().IsSet(FlagBufferPending))
	assert.False(entry.Flags().IsSet(FlagDataReady))

	require.NoError(manager.MarkDataReady(entry))
	assert.True(entry.Flags().IsSet(FlagDataReady))
	assert.False(entry.Flags().IsSet(FlagBufferPending))

	manager.Unpin(entry, PinWrite)
	assertLRUInvariant(t, entry)
	manager.Unpin(entry, PinRead)
	assertLRUInvariant(t, entry)
	assert.Equal(1, cache.LRULen())

	assert.Panics(func() { manager.Unpin(entry, PinRead) })

	snapshot := manager.Snapshot()
	assert.Equal(uint64(1), snapshot.Caches)
	assert.Equal(uint64(3), snapshot.EntriesInUse)
	assert.Equal(uint64(13), snapshot.EntriesFree)
	assert.Equal(uint64(1), snapshot.LRUResident)
	assert.Equal(uint64(3), snapshot.BlocksInUse)

	err = manager.DestroyCache(cache)
	assert.True(blunder.IsClass(err, blunder.CorruptState))

	for _, offset := range []uint64{0, 5 * testPageSize} {
		pinned, isNew, err := manager.GetOrCreateEntry(cache, offset, PinRead)
		require.NoError(err)
		assert.False(isNew)
		manager.Unpin(pinned, PinRead) // drops the lookup reference
		manager.Unpin(pinned, PinWrite)
	}

	require.NoError(manager.DestroyCache(cache))
	assert.Equal(uint64(0), manager.Snapshot().EntriesInUse)
	assert.Equal(uint64(0), manager.Snapshot().LRUResident)
	assert.Equal(uint64(0), pool.Counters().BlocksInUse)

	_, _, err = manager.GetOrCreateEntry(cache, 0, PinRead)
	assert.True(blunder.Is(err, blunder.StaleError))

	manager.Stop()
	assert.NoError(pool.Close())
}

func TestUnpinTeardown(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 4, 1, 8, 0)
	cache := manager.NewCache("teardown")

	// Never filled: torn down on last unpin
	entry, _, err := manager.GetOrCreateEntry(cache, 0, PinRead)
	require.NoError(err)
	manager.Unpin(entry, PinRead)
	assert.Equal(0, cache.Len())

	// I/O error while referenced: buffer and entry released on last unpin
	entry = fill(t, manager, cache, testPageSize)
	manager.Pin(entry, PinRead)
	assert.Equal(uint64(1), pool.Counters().BlocksInUse)

	manager.MarkIOError(entry)
	assert.Equal(uint64(1), pool.Counters().BlocksInUse)
	assert.Equal(int(testPageSize), len(entry.Buf()))
	assertLRUInvariant(t, entry)

	_, err = manager.BeginFill(entry, PinRead)
	assert.True(blunder.Is(err, blunder.IOError))
	assert.True(blunder.Is(manager.AllocateBuffer(entry), blunder.IOError))
	assert.True(blunder.Is(manager.MarkDataReady(entry), blunder.IOError))

	manager.Unpin(entry, PinWrite)
	assertLRUInvariant(t, entry)
	assert.Equal(0, cache.LRULen())
	assert.Equal(1, cache.Len())

	manager.Unpin(entry, PinRead)
	assert.Equal(0, cache.Len())
	assert.Equal(0, cache.LRULen())
	assert.Equal(uint64(0), manager.Snapshot().EntriesInUse)
	assert.Equal(uint64(0), pool.Counters().BlocksInUse)

	// Dirty entries survive Discard
	clean := fill(t, manager, cache, 0)
	dirty := fill(t, manager, cache, 2*testPageSize)
	manager.MarkDirty(dirty)
	manager.Unpin(clean, PinWrite)
	manager.Unpin(dirty, PinWrite)
	assert.Equal(2, cache.LRULen())

	assert.Equal(uint64(1), manager.Discard(cache))
	if diff := cmp.Diff([]uint64{2 * testPageSize}, cache.Offsets()); "" != diff {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}

	manager.ClearDirty(dirty)
	assert.Equal(uint64(1), manager.Discard(cache))
	assert.Equal(0, cache.Len())

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestSharedReadFill(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 4, 1, 8, 0)
	cache := manager.NewCache("shared")

	filler, _, err := manager.GetOrCreateEntry(cache, 0, PinRead)
	require.NoError(err)
	filling, err := manager.BeginFill(filler, PinRead)
	require.NoError(err)
	require.True(filling)
	require.NoError(manager.AllocateBuffer(filler))
	fillerBuf := filler.Buf()
	require.Equal(int(testPageSize), len(fillerBuf))

	sharer, _, err := manager.GetOrCreateEntry(cache, 0, PinRead)
	require.NoError(err)
	require.Same(filler, sharer)
	filling, err = manager.BeginFill(sharer, PinRead)
	require.NoError(err)
	assert.False(filling)

	waitErr := make(chan error, 1)
	go func() { waitErr <- manager.WaitFill(sharer) }()

	assert.Never(func() bool { return 0 < len(waitErr) }, 50*time.Millisecond, 5*time.Millisecond)

	// The fill fails while the sharer still holds its pin
	manager.MarkIOError(filler)

	select {
	case err = <-waitErr:
		assert.True(blunder.Is(err, blunder.IOError))
	case <-time.After(2 * time.Second):
		t.Fatalf("sharer not woken by the failed fill")
	}

	assert.Equal(uint64(1), pool.Counters().BlocksInUse)

	other := fill(t, manager, cache, testPageSize)
	otherBuf := other.Buf()
	assert.NotSame(&fillerBuf[0], &otherBuf[0])

	fillerBuf[0] = 0xAB
	assert.Equal(byte(0), otherBuf[0])

	manager.Unpin(filler, PinRead)
	assert.Equal(uint64(2), pool.Counters().BlocksInUse)
	manager.Unpin(sharer, PinRead)
	assert.Equal(uint64(1), pool.Counters().BlocksInUse)
	assert.Equal(1, cache.Len())

	// A successful fill wakes its sharer with the entry data-ready
	filler, _, err = manager.GetOrCreateEntry(cache, 0, PinRead)
	require.NoError(err)
	filling, err = manager.BeginFill(filler, PinRead)
	require.NoError(err)
	require.True(filling)
	sharer, _, err = manager.GetOrCreateEntry(cache, 0, PinRead)
	require.NoError(err)
	filling, err = manager.BeginFill(sharer, PinRead)
	require.NoError(err)
	assert.False(filling)

	go func() { waitErr <- manager.WaitFill(sharer) }()

	require.NoError(manager.AllocateBuffer(filler))
	require.NoError(manager.MarkDataReady(filler))

	select {
	case err = <-waitErr:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatalf("sharer not woken by the completed fill")
	}

	manager.Unpin(filler, PinRead)
	manager.Unpin(sharer, PinRead)

	// An abandoned fill fails its sharer; the next reader claims the fill
	first, _, err := manager.GetOrCreateEntry(cache, 2*testPageSize, PinRead)
	require.NoError(err)
	filling, err = manager.BeginFill(first, PinRead)
	require.NoError(err)
	require.True(filling)
	second, _, err := manager.GetOrCreateEntry(cache, 2*testPageSize, PinRead)
	require.NoError(err)
	filling, err = manager.BeginFill(second, PinRead)
	require.NoError(err)
	require.False(filling)

	manager.AbortFill(first)
	assert.True(blunder.Is(manager.WaitFill(second), blunder.IOError))
	manager.Unpin(first, PinRead)

	filling, err = manager.BeginFill(second, PinRead)
	require.NoError(err)
	assert.True(filling)
	manager.AbortFill(second)
	manager.Unpin(second, PinRead)

	manager.Unpin(other, PinWrite)
	if diff := cmp.Diff([]uint64{0, testPageSize}, cache.Offsets()); "" != diff {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestDiscardReferenced(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 4, 1, 8, 0)
	cache := manager.NewCache("discard")

	idle := fill(t, manager, cache, 0)
	manager.Unpin(idle, PinWrite)
	pinned := fill(t, manager, cache, testPageSize)

	assert.Equal(uint64(1), manager.Discard(cache))
	assert.Equal(0, cache.Len())
	assert.True(pinned.Flags().IsSet(FlagDiscard))
	assert.Equal(uint64(1), pool.Counters().BlocksInUse)

	// The offset is free for a fresh entry while the discarded one is pinned
	fresh, isNew, err := manager.GetOrCreateEntry(cache, testPageSize, PinRead)
	require.NoError(err)
	assert.True(isNew)
	assert.NotSame(pinned, fresh)
	manager.Unpin(fresh, PinRead)

	manager.Unpin(pinned, PinWrite)
	assert.Equal(0, cache.Len())
	assert.Equal(0, cache.LRULen())
	assert.Equal(uint64(0), pool.Counters().BlocksInUse)
	assert.Equal(uint64(0), manager.Snapshot().EntriesInUse)

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestReapOldestFirst(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 8, 1, 16, 0)
	older := manager.NewCache("older")
	newer := manager.NewCache("newer")

	manager.Unpin(fill(t, manager, older, 0), PinWrite)
	manager.Unpin(fill(t, manager, older, testPageSize), PinWrite)
	time.Sleep(2 * time.Millisecond)
	manager.Unpin(fill(t, manager, newer, 0), PinWrite)

	assert.Equal(uint64(1), manager.Reap(1))
	if diff := cmp.Diff([]uint64{testPageSize}, older.Offsets()); "" != diff {
		t.Errorf("older offsets mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(1, newer.Len())

	assert.Equal(uint64(2), manager.Reap(10))
	assert.Equal(0, older.Len())
	assert.Equal(0, newer.Len())

	require.NoError(manager.DestroyCache(older))
	require.NoError(manager.DestroyCache(newer))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestReapSkipsYoungCaches(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 8, 1, 16, time.Hour)
	cache := manager.NewCache("young")

	manager.Unpin(fill(t, manager, cache, 0), PinWrite)
	assert.Equal(uint64(0), manager.Reap(10))
	assert.Equal(1, cache.LRULen())

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	var (
		entries [16]*Entry
		isNews  [16]bool
		wg      sync.WaitGroup
	)

	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 4, 1, 64, 0)
	cache := manager.NewCache("race")

	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, isNew, err := manager.GetOrCreateEntry(cache, 7*testPageSize, PinRead)
			assert.NoError(err)
			entries[i] = entry
			isNews[i] = isNew
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range entries {
		assert.Equal(entries[0], entries[i])
		if isNews[i] {
			winners++
		}
	}
	assert.Equal(1, winners)

	readRefs, _ := entries[0].Refs()
	assert.Equal(uint32(len(entries)), readRefs)

	for range entries {
		manager.Unpin(entries[0], PinRead)
	}
	assert.Equal(0, cache.Len())

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestSlabExhaustionWakesOneWaiter(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 2, 1, 16, 10*time.Millisecond)
	cache := manager.NewCache("exhausted")

	pinned := []*Entry{fill(t, manager, cache, 0), fill(t, manager, cache, testPageSize)}
	assert.Nil(pool.Alloc())

	results := make(chan *Entry, 2)
	for _, offset := range []uint64{2 * testPageSize, 3 * testPageSize} {
		go func(offset uint64) {
			entry, _, err := manager.GetOrCreateEntry(cache, offset, PinWrite)
			if assert.NoError(err) && assert.NoError(manager.AllocateBuffer(entry)) {
				results <- entry
			}
		}(offset)
	}

	assert.Eventually(func() bool { return 2 == manager.Snapshot().Waiters }, 2*time.Second, time.Millisecond)
	assert.Equal(0, len(results))

	manager.Unpin(pinned[0], PinWrite)

	var first *Entry
	select {
	case first = <-results:
	case <-time.After(2 * time.Second):
		t.Fatalf("no waiter woke after an entry was released")
	}
	assert.Equal(int(testPageSize), len(first.Buf()))

	assert.Never(func() bool { return 0 < len(results) }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(uint64(1), manager.Snapshot().Waiters)

	require.NoError(manager.MarkDataReady(first))
	manager.Unpin(pinned[1], PinWrite)

	var second *Entry
	select {
	case second = <-results:
	case <-time.After(2 * time.Second):
		t.Fatalf("second waiter never woke")
	}

	require.NoError(manager.MarkDataReady(second))
	manager.Unpin(first, PinWrite)
	manager.Unpin(second, PinWrite)

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestEntryPoolExhaustion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 4, 1, 1, 0)
	cache := manager.NewCache("entries")

	held := fill(t, manager, cache, 0)

	done := make(chan *Entry, 1)
	go func() {
		entry, isNew, err := manager.GetOrCreateEntry(cache, testPageSize, PinRead)
		if assert.NoError(err) && assert.True(isNew) {
			done <- entry
		}
	}()

	assert.Eventually(func() bool { return 1 == manager.Snapshot().Waiters }, 2*time.Second, time.Millisecond)

	manager.Unpin(held, PinWrite)

	select {
	case entry := <-done:
		assert.Equal(testPageSize, entry.Offset())
		manager.Unpin(entry, PinRead)
	case <-time.After(2 * time.Second):
		t.Fatalf("entry waiter never woke")
	}

	assert.Equal(0, cache.Len())

	require.NoError(manager.DestroyCache(cache))
	manager.Stop()
	assert.NoError(pool.Close())
}

func TestStopFailsWaiters(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	manager, pool := newTestManager(t, 1, 1, 4, 0)
	cache := manager.NewCache("stopping")

	held := fill(t, manager, cache, 0)

	errChan := make(chan error, 1)
	go func() {
		entry, _, err := manager.GetOrCreateEntry(cache, testPageSize, PinWrite)
		if nil == err {
			err = manager.AllocateBuffer(entry)
			manager.Unpin(entry, PinWrite)
		}
		errChan <- err
	}()

	assert.Eventually(func() bool { return 1 == manager.Snapshot().Waiters }, 2*time.Second, time.Millisecond)
	manager.Stop()

	select {
	case err := <-errChan:
		assert.True(blunder.IsClass(err, blunder.ResourceExhausted))
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not failed by Stop()")
	}

	manager.Unpin(held, PinWrite)
	require.NoError(manager.DestroyCache(cache))
	assert.NoError(pool.Close())
}

func TestBackgroundReclaimer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pool, err := slab.NewPool(slab.PoolConfig{BlockSize: testPageSize, SlabSize: testPageSize, MinSlabs: 1, MaxSlabs: 2})
	require.NoError(err)

	manager, err := NewManager(Config{
		PageSize:        testPageSize,
		MaxEntries:      8,
		ReapMinAge:      0,
		SlabIdleAge:     0,
		ReclaimInterval: 5 * time.Millisecond,
	}, pool)
	require.NoError(err)

	cache := manager.NewCache("background")

	first := fill(t, manager, cache, 0)
	second := fill(t, manager, cache, testPageSize) // grows the pool
	assert.Equal(uint64(2), pool.Counters().Slabs)
	manager.Unpin(first, PinWrite)
	manager.Unpin(second, PinWrite)

	manager.Start()

	// At capacity: the reclaimer trims aged entries, then returns the idle slab
	assert.Eventually(func() bool {
		return (0 == cache.Len()) && (1 == pool.Counters().Slabs)
	}, 2*time.Second, time.Millisecond)

	// Room to grow: idle entries are left alone
	manager.Unpin(fill(t, manager, cache, 0), PinWrite)
	assert.Never(func() bool { return 0 == cache.Len() }, 50*time.Millisecond, 5*time.Millisecond)

	manager.Stop()
	require.NoError(manager.DestroyCache(cache))
	assert.NoError(pool.Close())
}

func TestReclaimerLeavesFreeBlocks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pool, err := slab.NewPool(slab.PoolConfig{BlockSize: testPageSize, SlabSize: 16 * testPageSize, MinSlabs: 1, MaxSlabs: 1})
	require.NoError(err)

	manager, err := NewManager(Config{
		PageSize:        testPageSize,
		MaxEntries:      32,
		ReapMinAge:      0,
		SlabIdleAge:     time.Hour,
		ReclaimInterval: time.Hour,
	}, pool)
	require.NoError(err)

	cache := manager.NewCache("roomy")

	manager.Unpin(fill(t, manager, cache, 0), PinWrite)
	require.True(pool.AtCapacity())

	manager.reclaimTick()
	assert.Equal(1, cache.Len())
	assert.Equal(uint64(0), manager.stats.ReapRuns.TotalGet())

	// Every block checked out: the reclaimer trims a bounded batch
	for offset := uint64(1); offset < 16; offset++ {
		manager.Unpin(fill(t, manager, cache, offset*testPageSize), PinWrite)
	}
	require.Equal(uint64(16), pool.Counters().BlocksInUse)

	manager.reclaimTick()
	assert.Equal(0, cache.Len())
	assert.Equal(uint64(1), manager.stats.ReapRuns.TotalGet())

	manager.Stop()
	require.NoError(manager.DestroyCache(cache))
	assert.NoError(pool.Close())
}
