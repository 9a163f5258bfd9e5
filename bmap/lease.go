// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

const expiryQueueDegree = 8

// leaseStruct is guarded by its Object's lock. expiry is additionally read
// without the lock (atomically) by secondsRemaining(). queued is only
// changed while holding both the Object's lock and the expiry queue lock.
type leaseStruct struct {
	buf           mdsclient.LeaseBuf
	seqNum        uint64
	serverID      uint32
	expiry        int64 // UnixNano
	maxExpiry     int64 // UnixNano
	history       []uint32
	reassignCount uint32
	lastErr       error
	renewing      bool
	reassigning   bool
	failed        bool
	expired       bool
	wireSent      bool // a request has been dispatched under this lease
	queued        *expiryItem
}

type expiryItem struct {
	expiry   int64
	objectID uint64
	object   *Object
	gen      uint64
}

func (item *expiryItem) Less(than btree.Item) bool {
	other := than.(*expiryItem)

	if item.expiry != other.expiry {
		return item.expiry < other.expiry
	}

	return item.objectID < other.objectID
}

// translateMDSError maps metadata server and transport failures onto the
// blunder error classes.
func translateMDSError(err error) error {
	var (
		statusError *mdsclient.StatusError
	)

	if nil == err {
		return nil
	}

	if errors.As(err, &statusError) {
		switch statusError.Status {
		case mdsclient.StatusLeaseWait:
			return blunder.AddClass(blunder.AddError(err, blunder.TryAgainError), blunder.Retryable)
		case mdsclient.StatusNotFound:
			return blunder.AddError(err, blunder.NotFoundError)
		case mdsclient.StatusExpired:
			return blunder.AddClass(blunder.AddError(err, blunder.StaleError), blunder.LeaseFailed)
		case mdsclient.StatusInvalid:
			return blunder.AddClass(blunder.AddError(err, blunder.ProtocolErrno), blunder.ProtocolError)
		case mdsclient.StatusUnavailable:
			return blunder.AddClass(blunder.AddError(err, blunder.HostUnreachable), blunder.Retryable)
		default:
			return blunder.AddClass(blunder.AddError(err, blunder.ProtocolErrno), blunder.ProtocolError)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return blunder.AddClass(blunder.AddError(err, blunder.TimedOut), blunder.Retryable)
	}

	if blunder.UnclassifiedError != blunder.ClassOf(err) {
		return err
	}

	return blunder.AddClass(blunder.AddError(err, blunder.IOError), blunder.Retryable)
}

// installLeaseLocked decodes and installs a lease granted by the metadata
// server and (re-)queues it by expiry. A fresh lease also resets the
// reassignment history. becameDirect reports that object just switched to
// direct mode, in which case the caller must discard its idle pages once
// the Object lock is dropped.
func (manager *Manager) installLeaseLocked(object *Object, leaseBuf mdsclient.LeaseBuf, serverClass mdsclient.ServerClass, fresh bool) (becameDirect bool, err error) {
	var (
		desc   *mdsclient.LeaseDescriptor
		expiry int64
	)

	desc, err = mdsclient.UnpackLease(leaseBuf)
	if nil != err {
		logger.ErrorfWithError(err, "bmap file %d block %d received a bad lease", object.file.fileID, object.blockIndex)
		return
	}

	expiry = time.Now().Add(manager.config.LeaseDuration).UnixNano()
	if expiry > desc.MaxExpiry {
		expiry = desc.MaxExpiry
	}

	object.lease.buf = leaseBuf.Copy()
	object.lease.seqNum = desc.SeqNum
	object.lease.serverID = desc.ServerID
	object.lease.maxExpiry = desc.MaxExpiry
	atomic.StoreInt64(&object.lease.expiry, expiry)
	object.lease.failed = false
	object.lease.expired = false
	object.lease.lastErr = nil

	if fresh {
		object.lease.history = nil
		object.lease.reassignCount = 0
		object.lease.wireSent = false
		object.flags &^= flagDirect
	}

	object.serverClass = serverClass

	object.flags &^= flagReadReady | flagWriteReady
	object.flags |= flagReadReady
	if mdsclient.AccessWrite == desc.Mode() {
		object.flags |= flagWriteReady
	}

	if (desc.IsDirect() || (mdsclient.ServerClassArchival == serverClass)) && !object.flags.isSet(flagDirect) {
		object.flags |= flagDirect
		becameDirect = true
		manager.stats.DirectSwitches.Increment()
	}

	manager.enqueueLeaseLocked(object)

	return
}

func (manager *Manager) enqueueLeaseLocked(object *Object) {
	manager.expiryLock.Lock()
	if nil != object.lease.queued {
		manager.expiryQueue.Delete(object.lease.queued)
	}
	object.lease.queued = &expiryItem{
		expiry:   atomic.LoadInt64(&object.lease.expiry),
		objectID: object.id,
		object:   object,
		gen:      object.gen,
	}
	manager.expiryQueue.ReplaceOrInsert(object.lease.queued)
	manager.expiryLock.Unlock()
}

func (manager *Manager) dequeueLeaseLocked(object *Object) {
	manager.expiryLock.Lock()
	if nil != object.lease.queued {
		manager.expiryQueue.Delete(object.lease.queued)
		object.lease.queued = nil
	}
	manager.expiryLock.Unlock()
}

func (object *Object) leaseErrLocked() (err error) {
	if object.lease.failed || object.lease.expired {
		err = object.lease.lastErr
		if nil == err {
			err = blunder.NewClassError(blunder.LeaseFailed, blunder.StaleError, "bmap file %d block %d lease unusable", object.file.fileID, object.blockIndex)
		}
	}
	return
}

// failLeaseLocked marks the lease failed and force-expires every pending
// request so in-flight operations fail fast.
func (manager *Manager) failLeaseLocked(object *Object, err error) {
	if !blunder.IsClass(err, blunder.LeaseFailed) {
		err = blunder.AddClass(err, blunder.LeaseFailed)
	}

	object.lease.failed = true
	object.lease.lastErr = err

	manager.dequeueLeaseLocked(object)
	manager.forceExpireLocked(object)

	logger.WarnfWithError(err, "bmap file %d block %d lease (seq %d, server %d) failed", object.file.fileID, object.blockIndex, object.lease.seqNum, object.lease.serverID)
}

func (manager *Manager) expireLeaseLocked(object *Object) {
	object.lease.expired = true
	object.lease.lastErr = blunder.NewClassError(blunder.LeaseFailed, blunder.StaleError, "bmap file %d block %d lease (seq %d) expired", object.file.fileID, object.blockIndex, object.lease.seqNum)

	manager.stats.LeaseExpirations.Increment()

	manager.dequeueLeaseLocked(object)
	manager.forceExpireLocked(object)
}

func (object *Object) secondsRemaining() float64 {
	remaining := atomic.LoadInt64(&object.lease.expiry) - time.Now().UnixNano()
	return time.Duration(remaining).Seconds()
}

func (manager *Manager) tryExtend(object *Object, blocking bool) (err error) {
	var (
		remaining time.Duration
	)

	object.Lock()
	defer object.Unlock()

	err = object.leaseErrLocked()
	if nil != err {
		return
	}

	remaining = time.Duration(atomic.LoadInt64(&object.lease.expiry) - time.Now().UnixNano())
	if remaining > manager.config.LeaseRenewThreshold {
		manager.stats.LeaseHits.Increment()
		return
	}

	if !object.lease.renewing && !object.lease.reassigning {
		manager.startRenewalLocked(object)
	}

	if !blocking {
		if 0 >= remaining {
			err = blunder.NewClassError(blunder.Retryable, blunder.TryAgainError, "bmap file %d block %d lease renewal outstanding", object.file.fileID, object.blockIndex)
		}
		return
	}

	for object.lease.renewing || object.lease.reassigning {
		object.cond.Wait()
	}

	err = object.leaseErrLocked()

	return
}

// startRenewalLocked issues an asynchronous ExtendLease holding a lease
// reference until it completes.
func (manager *Manager) startRenewalLocked(object *Object) {
	object.lease.renewing = true
	object.leaseRefs++

	manager.renewWG.Add(1)
	go manager.renewLease(object, object.lease.buf.Copy())
}

func (manager *Manager) renewLease(object *Object, leaseBuf mdsclient.LeaseBuf) {
	var (
		becameDirect bool
		cancel       context.CancelFunc
		ctx          context.Context
		err          error
		reply        mdsclient.ExtendLeaseReply
		start        time.Time
	)

	defer manager.renewWG.Done()

	ctx, cancel = context.WithTimeout(context.Background(), manager.config.CallTimeout)
	start = time.Now()

	err = manager.mds.ExtendLease(ctx, &mdsclient.ExtendLeaseRequest{
		Lease:    leaseBuf,
		Duration: manager.config.LeaseDuration,
	}, &reply)

	cancel()
	manager.stats.ExtendLeaseUsec.Add(uint64(time.Since(start) / time.Microsecond))

	err = translateMDSError(err)

	object.Lock()

	object.lease.renewing = false

	if nil == err {
		becameDirect, err = manager.installLeaseLocked(object, reply.Lease, object.serverClass, false)
	}

	if nil == err {
		manager.stats.LeaseRenewals.Increment()
	} else {
		manager.stats.LeaseRenewalFailures.Increment()
		manager.failLeaseLocked(object, err)
	}

	object.cond.Broadcast()
	object.Unlock()

	if becameDirect {
		manager.pageCache.Discard(object.pages)
	}

	manager.putRef(object, true)
}

func (manager *Manager) tryReassign(object *Object) (err error) {
	var (
		becameDirect bool
		cancel       context.CancelFunc
		ctx          context.Context
		excluded     []uint32
		leaseBuf     mdsclient.LeaseBuf
		reply        mdsclient.ReassignLeaseReply
		start        time.Time
	)

	object.Lock()

	for object.lease.renewing || object.lease.reassigning {
		object.cond.Wait()
	}

	if object.lease.reassignCount >= manager.config.MaxReassignCount {
		manager.stats.ReassignRejects.Increment()
		err = object.leaseErrLocked()
		if nil == err {
			err = blunder.NewClassError(blunder.LeaseFailed, blunder.HostUnreachable, "bmap file %d block %d exhausted %d reassignments", object.file.fileID, object.blockIndex, manager.config.MaxReassignCount)
			manager.failLeaseLocked(object, err)
			object.cond.Broadcast()
		}
		object.Unlock()
		return
	}

	err = object.leaseErrLocked()
	if nil != err {
		object.Unlock()
		return
	}

	if object.lease.wireSent {
		err = blunder.NewError(blunder.NotPermError, "bmap file %d block %d has already dispatched a request to server %d", object.file.fileID, object.blockIndex, object.lease.serverID)
		object.Unlock()
		return
	}

	object.lease.reassigning = true
	object.lease.reassignCount++
	object.lease.history = append(object.lease.history, object.lease.serverID)
	excluded = append(excluded, object.lease.history...)
	leaseBuf = object.lease.buf.Copy()
	object.leaseRefs++

	object.Unlock()

	manager.stats.ReassignAttempts.Increment()

	ctx, cancel = context.WithTimeout(context.Background(), manager.config.CallTimeout)
	start = time.Now()

	err = manager.mds.ReassignLease(ctx, &mdsclient.ReassignLeaseRequest{
		Lease:           leaseBuf,
		ExcludedServers: excluded,
	}, &reply)

	cancel()
	manager.stats.ReassignLeaseUsec.Add(uint64(time.Since(start) / time.Microsecond))

	err = translateMDSError(err)

	object.Lock()

	object.lease.reassigning = false

	if nil == err {
		becameDirect, err = manager.installLeaseLocked(object, reply.Lease, reply.ServerClass, false)
	}

	if nil == err {
		logger.Infof("bmap file %d block %d lease reassigned to server %d (excluded %v)", object.file.fileID, object.blockIndex, object.lease.serverID, excluded)
	} else {
		manager.stats.ReassignFailures.Increment()
		if blunder.IsClass(err, blunder.LeaseFailed) || (object.lease.reassignCount >= manager.config.MaxReassignCount) {
			manager.failLeaseLocked(object, err)
		} else {
			object.lease.lastErr = err
		}
	}

	object.cond.Broadcast()
	object.Unlock()

	if becameDirect {
		manager.pageCache.Discard(object.pages)
	}

	manager.putRef(object, true)

	return
}

// refetchLease replaces a failed or expired lease with a fresh one. The
// caller holds the initializing gate.
func (manager *Manager) refetchLease(object *Object, mode mdsclient.AccessMode) (err error) {
	var (
		becameDirect bool
		cancel       context.CancelFunc
		ctx          context.Context
		reply        mdsclient.LeaseBmapReply
		start        time.Time
	)

	ctx, cancel = context.WithTimeout(context.Background(), manager.config.CallTimeout)
	start = time.Now()

	err = manager.mds.LeaseBmap(ctx, &mdsclient.LeaseBmapRequest{
		FileID:          object.file.fileID,
		BlockIndex:      object.blockIndex,
		Mode:            mode,
		PreferredServer: manager.config.LocalServerID,
		Duration:        manager.config.LeaseDuration,
	}, &reply)

	cancel()
	manager.stats.LeaseBmapUsec.Add(uint64(time.Since(start) / time.Microsecond))

	err = translateMDSError(err)

	object.Lock()
	if nil == err {
		object.replicas = append([]mdsclient.Replica(nil), reply.Replicas...)
		becameDirect, err = manager.installLeaseLocked(object, reply.Lease, reply.ServerClass, true)
	}
	if nil == err {
		manager.stats.LeaseRefetches.Increment()
	}
	object.Unlock()

	if becameDirect {
		manager.pageCache.Discard(object.pages)
	}

	return
}

func (manager *Manager) leaseDaemon() {
	var (
		ticker = time.NewTicker(manager.config.LeaseDaemonInterval)
	)

	defer func() {
		ticker.Stop()
		manager.daemonWG.Done()
	}()

	for {
		select {
		case <-manager.stopChan:
			return
		case <-ticker.C:
			manager.leaseDaemonTick()
		}
	}
}

// leaseDaemonTick renews leases that are within LeaseRenewThreshold of
// expiring and expires those whose term has passed without a renewal.
func (manager *Manager) leaseDaemonTick() {
	var (
		candidates []*expiryItem
		horizon    int64
		now        = time.Now()
	)

	horizon = now.Add(manager.config.LeaseRenewThreshold).UnixNano()

	manager.expiryLock.Lock()
	manager.expiryQueue.Ascend(func(item btree.Item) bool {
		candidate := item.(*expiryItem)
		if candidate.expiry > horizon {
			return false
		}
		candidates = append(candidates, candidate)
		return true
	})
	manager.expiryLock.Unlock()

	for _, candidate := range candidates {
		object := candidate.object

		object.Lock()

		if (object.gen != candidate.gen) || (object.lease.queued != candidate) || object.flags.isSet(flagPendingFree) {
			object.Unlock()
			continue
		}

		switch {
		case object.lease.renewing || object.lease.reassigning:
		case atomic.LoadInt64(&object.lease.expiry) <= now.UnixNano():
			manager.expireLeaseLocked(object)
			object.cond.Broadcast()
		default:
			manager.startRenewalLocked(object)
		}

		object.Unlock()
	}
}
