// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

const requestTreeDegree = 4

type objectFlags uint32

const (
	flagInitializing objectFlags = 1 << iota
	flagReadReady
	flagWriteReady
	flagModeChanging
	flagPendingFree
	flagDirect
	flagInitFailed
)

func (flags objectFlags) isSet(flag objectFlags) bool {
	return flag == flags&flag
}

func (manager *Manager) newFile(fileID uint64) (file *File) {
	file = &File{
		manager: manager,
		fileID:  fileID,
	}
	file.index = sortedmap.NewLLRBTree(sortedmap.CompareUint64, file)

	return
}

func (file *File) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("%d", key.(uint64))
	err = nil
	return
}

func (file *File) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	object := value.(*Object)
	valueAsString = fmt.Sprintf("{id:%d flags:0x%02X refs:%d leaseRefs:%d}", object.id, object.flags, object.refs, object.leaseRefs)
	err = nil
	return
}

// Len returns the number of Objects in file's index.
func (file *File) Len() (numObjects int) {
	var (
		err error
	)

	file.Lock()
	numObjects, err = file.index.Len()
	file.Unlock()
	if nil != err {
		logger.PanicfWithError(err, "bmap file %d index Len() failed", file.fileID)
	}

	return
}

// resetLocked clears everything but the mutex, cond and gen.
func (object *Object) resetLocked() {
	object.id = 0
	object.manager = nil
	object.file = nil
	object.blockIndex = 0
	object.flags = 0
	object.indexed = false
	object.refs = 0
	object.leaseRefs = 0
	object.lastAccess = time.Time{}
	object.lease = leaseStruct{}
	object.replicas = nil
	object.serverClass = mdsclient.ServerClassPrimary
	object.onDisk = mdsclient.OnDiskState{}
	object.initErr = nil
	object.pages = nil
	object.unscheduled = nil
	object.scheduled = nil
	object.readAhead = nil
	object.flushScheduled = false
	object.requestSeq = 0
}

// initLocked prepares a spare Object for insertion into file's index with
// the caller's access reference taken and the initializing gate set.
func (manager *Manager) initLocked(object *Object, file *File, blockIndex uint64) {
	object.id = atomic.AddUint64(&manager.nextObjectID, 1)
	object.manager = manager
	object.file = file
	object.blockIndex = blockIndex
	object.flags = flagInitializing
	object.indexed = true
	object.refs = 1
	object.lastAccess = time.Now()
	object.pages = manager.pageCache.NewCache(fmt.Sprintf("%d.%d", file.fileID, blockIndex))
	object.unscheduled = btree.New(requestTreeDegree)
	object.scheduled = btree.New(requestTreeDegree)
	object.readAhead = btree.New(requestTreeDegree)
}

func (manager *Manager) lookupOrCreate(file *File, blockIndex uint64, wantCreate bool, mode mdsclient.AccessMode) (object *Object, isNew bool, err error) {
	var (
		gen   uint64
		ok    bool
		spare *Object
		value sortedmap.Value
	)

	manager.stats.Lookups.Increment()

	for {
		file.Lock()

		value, ok, err = file.index.GetByKey(blockIndex)
		if nil != err {
			logger.PanicfWithError(err, "bmap file %d index GetByKey(%d) failed", file.fileID, blockIndex)
		}

		if ok {
			object = value.(*Object)

			object.Lock()
			file.Unlock()

			if object.flags.isSet(flagPendingFree) {
				// Wait for final cleanup to recycle it, then look again
				manager.stats.PendingFreeWaits.Increment()
				gen = object.gen
				for gen == object.gen {
					object.cond.Wait()
				}
				object.Unlock()
				object = nil
				continue
			}

			object.refs++
			object.lastAccess = time.Now()

			if object.flags.isSet(flagInitializing) {
				manager.stats.InitWaits.Increment()
				for object.flags.isSet(flagInitializing) {
					object.cond.Wait()
				}
			}

			if object.flags.isSet(flagInitFailed) {
				err = object.initErr
				object.Unlock()
				manager.putRef(object, false)
				object = nil
			} else {
				object.Unlock()
				manager.stats.LookupHits.Increment()
			}

			if nil != spare {
				manager.stats.LookupRaces.Increment()
				manager.freeObject(spare)
			}

			return
		}

		if !wantCreate {
			file.Unlock()
			err = blunder.NewError(blunder.NotFoundError, "bmap file %d block %d not cached", file.fileID, blockIndex)
			return
		}

		if nil == spare {
			// Allocate outside file's lock and look again
			file.Unlock()
			spare = manager.allocObject()
			continue
		}

		object = spare
		spare = nil

		object.Lock()
		manager.initLocked(object, file, blockIndex)
		object.Unlock()

		ok, err = file.index.Put(blockIndex, object)
		if nil != err {
			logger.PanicfWithError(err, "bmap file %d index Put(%d) failed", file.fileID, blockIndex)
		}
		if !ok {
			err = blunder.NewClassError(blunder.CorruptState, blunder.NotRecoverableError, "bmap file %d block %d inserted behind our back", file.fileID, blockIndex)
			logger.PanicfWithError(err, "bmap file index out of sync")
		}

		file.Unlock()

		atomic.AddInt64(&manager.liveObjects, 1)
		manager.stats.LookupMisses.Increment()

		err = manager.populate(object, mode)
		if nil != err {
			manager.putRef(object, false)
			object = nil
			return
		}

		isNew = true

		return
	}
}

// populate fetches the on-disk state, replica table and initial lease of a
// newly inserted Object and opens its initializing gate.
func (manager *Manager) populate(object *Object, mode mdsclient.AccessMode) (err error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		reply  mdsclient.GetBmapReply
		start  time.Time
	)

	ctx, cancel = context.WithTimeout(context.Background(), manager.config.CallTimeout)
	start = time.Now()

	err = manager.mds.GetBmap(ctx, &mdsclient.GetBmapRequest{
		FileID:          object.file.fileID,
		BlockIndex:      object.blockIndex,
		Mode:            mode,
		ReadAheadCount:  manager.config.ReadAheadCount,
		PreferredServer: manager.config.LocalServerID,
		Duration:        manager.config.LeaseDuration,
	}, &reply)

	cancel()
	manager.stats.GetBmapUsec.Add(uint64(time.Since(start) / time.Microsecond))

	err = translateMDSError(err)

	object.Lock()

	if nil == err {
		object.onDisk = reply.State
		object.replicas = append([]mdsclient.Replica(nil), reply.Replicas...)
		_, err = manager.installLeaseLocked(object, reply.Lease, reply.ServerClass, true)
	}

	if nil == err {
		object.flags &^= flagInitializing
		object.cond.Broadcast()
		logger.Tracef("bmap file %d block %d populated (%d replicas, server %d)", object.file.fileID, object.blockIndex, len(object.replicas), object.lease.serverID)
		object.Unlock()
		return
	}

	object.Unlock()

	manager.stats.InitFailures.Increment()
	logger.WarnfWithError(err, "bmap file %d block %d GetBmap failed", object.file.fileID, object.blockIndex)

	// Later lookups must not find the failed Object
	object.file.Lock()
	object.Lock()
	manager.unindexLocked(object)
	object.flags &^= flagInitializing
	object.flags |= flagInitFailed
	object.initErr = err
	object.cond.Broadcast()
	object.Unlock()
	object.file.Unlock()

	return
}

// unindexLocked removes object from its file's index. Both locks are held.
func (manager *Manager) unindexLocked(object *Object) {
	var (
		err   error
		ok    bool
		value sortedmap.Value
	)

	if !object.indexed {
		return
	}

	value, ok, err = object.file.index.GetByKey(object.blockIndex)
	if nil != err {
		logger.PanicfWithError(err, "bmap file %d index GetByKey(%d) failed", object.file.fileID, object.blockIndex)
	}
	if ok && (value.(*Object) == object) {
		_, err = object.file.index.DeleteByKey(object.blockIndex)
		if nil != err {
			logger.PanicfWithError(err, "bmap file %d index DeleteByKey(%d) failed", object.file.fileID, object.blockIndex)
		}
	}

	object.indexed = false
}

func (manager *Manager) acquire(file *File, blockIndex uint64, mode mdsclient.AccessMode) (object *Object, err error) {
	object, _, err = manager.lookupOrCreate(file, blockIndex, true, mode)
	if nil != err {
		return
	}

	object.Lock()

	for {
		for object.flags.isSet(flagInitializing) || object.flags.isSet(flagModeChanging) {
			object.cond.Wait()
		}

		if object.lease.failed || object.lease.expired {
			object.flags |= flagInitializing
			object.Unlock()

			err = manager.refetchLease(object, mode)

			object.Lock()
			object.flags &^= flagInitializing
			object.cond.Broadcast()

			if nil != err {
				break
			}
			continue
		}

		if (mdsclient.AccessWrite == mode) && !object.flags.isSet(flagWriteReady) {
			object.flags |= flagModeChanging
			object.Unlock()

			err = manager.modeSet(object, mode)

			object.Lock()
			object.flags &^= flagModeChanging
			object.cond.Broadcast()

			if nil != err {
				break
			}
			continue
		}

		break
	}

	object.Unlock()

	if nil == err {
		err = manager.tryExtend(object, true)
	}

	if nil != err {
		manager.putRef(object, false)
		object = nil
	}

	return
}

// putRef drops an access (or, if leaseRef, a lease) reference. Dropping the
// last one marks object pending-free and schedules final cleanup.
func (manager *Manager) putRef(object *Object, leaseRef bool) {
	var (
		err  error
		file = object.file
	)

	file.Lock()
	object.Lock()

	if leaseRef {
		if 0 == object.leaseRefs {
			err = blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "bmap file %d block %d leaseRefs underflow", file.fileID, object.blockIndex)
			logger.PanicfWithError(err, "bmap lease reference released twice")
		}
		object.leaseRefs--
	} else {
		if 0 == object.refs {
			err = blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "bmap file %d block %d refs underflow", file.fileID, object.blockIndex)
			logger.PanicfWithError(err, "(*Manager).Release() without matching Acquire()")
		}
		object.refs--
		object.lastAccess = time.Now()
	}

	if (0 < object.refs) || (0 < object.leaseRefs) || object.flags.isSet(flagPendingFree) {
		object.Unlock()
		file.Unlock()
		return
	}

	object.flags |= flagPendingFree

	object.Unlock()
	file.Unlock()

	manager.cleanupWG.Add(1)
	go manager.finalCleanup(object)
}

// finalCleanup drains object's requests, drops its lease from the expiry
// queue, frees its page cache, and only then removes it from its file's
// index and recycles it.
func (manager *Manager) finalCleanup(object *Object) {
	var (
		err  error
		file = object.file
	)

	defer manager.cleanupWG.Done()

	object.Lock()
	object.waitUntilEmptyLocked()
	manager.dequeueLeaseLocked(object)
	if (0 != object.refs) || (0 != object.leaseRefs) {
		err = blunder.NewClassError(blunder.CorruptState, blunder.DevBusyError, "bmap file %d block %d referenced while pending-free (%d/%d)", file.fileID, object.blockIndex, object.refs, object.leaseRefs)
		logger.PanicfWithError(err, "bmap final cleanup raced a new reference")
	}
	object.Unlock()

	err = manager.pageCache.DestroyCache(object.pages)
	if nil != err {
		logger.ErrorfWithError(err, "bmap file %d block %d page cache leaked", file.fileID, object.blockIndex)
	}

	file.Lock()
	object.Lock()
	manager.unindexLocked(object)
	object.gen++
	object.cond.Broadcast()
	object.Unlock()
	file.Unlock()

	atomic.AddInt64(&manager.liveObjects, -1)
	manager.stats.ObjectsFreed.Increment()

	manager.freeObject(object)
}
