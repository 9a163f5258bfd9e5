// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"github.com/google/btree"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
	"github.com/NVIDIA/bmapcache/pagecache"
)

func (request *Request) Less(than btree.Item) bool {
	other := than.(*Request)

	switch {
	case request.offset != other.offset:
		return request.offset < other.offset
	case request.length != other.length:
		return request.length > other.length
	default:
		return request.seq < other.seq
	}
}

func (request *Request) pinKind() pagecache.PinKind {
	if RequestWrite == request.kind {
		return pagecache.PinWrite
	}
	return pagecache.PinRead
}

// collectionLocked returns the tree currently holding request.
func (object *Object) collectionLocked(request *Request) *btree.BTree {
	switch {
	case RequestReadAhead == request.kind:
		return object.readAhead
	case request.scheduled:
		return object.scheduled
	default:
		return object.unscheduled
	}
}

func (manager *Manager) createRequest(object *Object, offset uint64, length uint64, kind RequestKind) (request *Request, err error) {
	var (
		direct     bool
		entry      *pagecache.Entry
		fill       bool
		pageOffset uint64
		pageSize   = manager.config.PageSize
	)

	if (0 == length) || (offset+length < offset) || (offset+length > manager.config.BlockSize) {
		err = blunder.NewError(blunder.OutOfRangeError, "bmap request [0x%X,+0x%X) outside block of 0x%X bytes", offset, length, manager.config.BlockSize)
		return
	}

	object.Lock()

	if 0 == object.refs {
		err = blunder.NewError(blunder.InvalidArgError, "bmap file %d block %d CreateRequest() requires an access reference", object.file.fileID, object.blockIndex)
		object.Unlock()
		return
	}

	err = object.leaseErrLocked()
	if nil != err {
		object.Unlock()
		return
	}

	if (RequestWrite == kind) && !object.flags.isSet(flagWriteReady) {
		err = blunder.NewError(blunder.NotPermError, "bmap file %d block %d write request under a %v lease", object.file.fileID, object.blockIndex, mdsclient.AccessRead)
		object.Unlock()
		return
	}

	direct = object.flags.isSet(flagDirect)

	object.Unlock()

	request = &Request{
		object: object,
		offset: offset,
		length: length,
		kind:   kind,
	}

	if !direct {
		for pageOffset = offset - (offset % pageSize); pageOffset < offset+length; pageOffset += pageSize {
			entry, _, err = manager.pageCache.GetOrCreateEntry(object.pages, pageOffset, request.pinKind())
			if nil != err {
				break
			}

			request.entries = append(request.entries, entry)

			fill, err = manager.pageCache.BeginFill(entry, request.pinKind())
			if nil != err {
				break
			}

			request.filling = append(request.filling, fill)

			if !fill {
				continue
			}

			err = manager.pageCache.AllocateBuffer(entry)
			if nil != err {
				break
			}

			if RequestWrite == kind {
				manager.pageCache.MarkDirty(entry)
			}
		}

		if nil != err {
			manager.unpinRequest(request)
			request = nil
			return
		}
	}

	object.Lock()

	err = object.leaseErrLocked()
	if nil != err {
		object.Unlock()
		manager.unpinRequest(request)
		request = nil
		return
	}

	object.requestSeq++
	request.seq = object.requestSeq
	object.collectionLocked(request).ReplaceOrInsert(request)

	object.Unlock()

	manager.stats.RequestsCreated.Increment()

	return
}

// unpinRequest drops the pins of a request that never got registered.
func (manager *Manager) unpinRequest(request *Request) {
	for index, entry := range request.entries {
		if (index < len(request.filling)) && request.filling[index] {
			if RequestWrite == request.kind {
				manager.pageCache.ClearDirty(entry)
			} else {
				manager.pageCache.AbortFill(entry)
			}
		}
		manager.pageCache.Unpin(entry, request.pinKind())
	}
	request.entries = nil
	request.filling = nil
}

func (manager *Manager) scheduleRequest(request *Request) {
	object := request.object

	object.Lock()
	if !request.scheduled && !request.done {
		if RequestReadAhead == request.kind {
			request.scheduled = true
		} else {
			object.unscheduled.Delete(request)
			request.scheduled = true
			object.scheduled.ReplaceOrInsert(request)
		}
	}
	object.Unlock()
}

func (manager *Manager) markDispatched(request *Request) (err error) {
	object := request.object

	object.Lock()
	defer object.Unlock()

	if request.done {
		err = blunder.NewError(blunder.InvalidArgError, "bmap file %d block %d request already completed", object.file.fileID, object.blockIndex)
		return
	}

	if request.expired {
		err = object.leaseErrLocked()
		if nil == err {
			err = blunder.NewClassError(blunder.LeaseFailed, blunder.StaleError, "bmap file %d block %d request force-expired", object.file.fileID, object.blockIndex)
		}
		return
	}

	request.dispatched = true
	object.lease.wireSent = true

	return
}

// completeRequest marks the pages request filled before waiting on the
// pages it shares with other readers' fills. Waiting first could deadlock two
// requests each sharing a page the other fills.
func (manager *Manager) completeRequest(request *Request, ioErr error) (err error) {
	var (
		entries []*pagecache.Entry
		filling []bool
		markErr error
		object  = request.object
		waitErr error
	)

	object.Lock()
	if request.done {
		markErr = blunder.NewClassError(blunder.CorruptState, blunder.InvalidArgError, "bmap file %d block %d request [0x%X,+0x%X) completed twice", object.file.fileID, object.blockIndex, request.offset, request.length)
		object.Unlock()
		logger.PanicfWithError(markErr, "(*Request).Complete() called twice")
	}
	request.done = true
	entries = request.entries
	filling = request.filling
	object.Unlock()

	for index, entry := range entries {
		if !filling[index] {
			continue
		}
		if nil == ioErr {
			markErr = manager.pageCache.MarkDataReady(entry)
			if nil != markErr {
				// A concurrent writer of this page failed
				manager.pageCache.MarkIOError(entry)
			} else if RequestWrite == request.kind {
				manager.pageCache.ClearDirty(entry)
			}
		} else {
			manager.pageCache.MarkIOError(entry)
		}
	}

	if nil == ioErr {
		for index, entry := range entries {
			if filling[index] {
				continue
			}
			waitErr = manager.pageCache.WaitFill(entry)
			if (nil != waitErr) && (nil == err) {
				err = waitErr
			}
		}
	}

	for _, entry := range entries {
		manager.pageCache.Unpin(entry, request.pinKind())
	}

	if nil != ioErr {
		manager.stats.RequestIOErrors.Increment()
	}

	object.Lock()
	object.collectionLocked(request).Delete(request)
	request.entries = nil
	request.filling = nil
	object.cond.Broadcast()
	object.Unlock()

	manager.stats.RequestsCompleted.Increment()

	return
}

func (manager *Manager) forceExpireLocked(object *Object) {
	var (
		expired uint64
	)

	expire := func(item btree.Item) bool {
		request := item.(*Request)
		if !request.expired {
			request.expired = true
			expired++
		}
		return true
	}

	if nil != object.unscheduled {
		object.unscheduled.Ascend(expire)
		object.scheduled.Ascend(expire)
		object.readAhead.Ascend(expire)
	}

	manager.stats.RequestsForceExpired.Add(expired)

	object.cond.Broadcast()
	manager.flushWakeup()
}

func (object *Object) waitUntilEmptyLocked() {
	for (0 < object.unscheduled.Len()) || (0 < object.scheduled.Len()) || (0 < object.readAhead.Len()) || object.flushScheduled {
		object.cond.Wait()
	}
}

func (manager *Manager) scheduleFlush(object *Object) {
	object.Lock()
	object.flushScheduled = true
	object.Unlock()

	manager.flushWakeup()
}

func (manager *Manager) flushDone(object *Object) {
	object.Lock()
	object.flushScheduled = false
	object.cond.Broadcast()
	object.Unlock()
}
