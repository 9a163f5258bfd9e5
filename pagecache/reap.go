// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"container/list"
	"sort"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/bmapcache/slab"
)

type reapCandidateStruct struct {
	cache  *Cache
	oldest int64
}

func (manager *Manager) reap(target uint64) (freed uint64) {
	var (
		candidates []reapCandidateStruct
		cutoff     int64
		minAge     time.Duration
		oldest     int64
	)

	manager.Lock()
	minAge = manager.minAge
	candidates = make([]reapCandidateStruct, 0, len(manager.caches))
	for cache := range manager.caches {
		candidates = append(candidates, reapCandidateStruct{cache: cache})
	}
	manager.Unlock()

	manager.stats.ReapRuns.Increment()

	cutoff = time.Now().Add(-minAge).UnixNano()

	// Skip caches whose oldest idle entry is still too young
	filtered := candidates[:0]
	for _, candidate := range candidates {
		oldest = atomic.LoadInt64(&candidate.cache.oldest)
		if (0 != oldest) && (oldest <= cutoff) {
			candidate.oldest = oldest
			filtered = append(filtered, candidate)
		}
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].oldest < filtered[j].oldest })

	for _, candidate := range filtered {
		if freed >= target {
			break
		}
		freed += manager.evictOlderThan(candidate.cache, cutoff, target-freed)
	}

	manager.stats.EntriesReaped.Add(freed)

	return
}

// evictOlderThan frees up to limit LRU-resident, non-dirty entries of cache
// last accessed at or before cutoff.
func (manager *Manager) evictOlderThan(cache *Cache, cutoff int64, limit uint64) (freed uint64) {
	var (
		blocks  []*slab.Block
		element *list.Element
		entries []*Entry
		entry   *Entry
		next    *list.Element
	)

	cache.Lock()

	for element = cache.lru.Front(); (nil != element) && (uint64(len(entries)) < limit); element = next {
		next = element.Next()
		entry = element.Value.(*Entry)
		if entry.lastAccess.UnixNano() > cutoff {
			break
		}
		if entry.flags.IsSet(FlagDirty) {
			continue
		}
		blocks = append(blocks, cache.teardownLocked(entry))
		entries = append(entries, entry)
	}

	cache.Unlock()

	for index, entry := range entries {
		manager.releaseEntry(entry, blocks[index])
	}

	freed = uint64(len(entries))

	return
}
