// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"context"
	"math/rand"
	"time"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

// Backoff is a retry policy: the delay before retry n (0-based) is
// Base * (n+1)^2, capped at Cap, then jittered by up to +/- VariancePercent.
// Limit is the number of retries allowed.
type Backoff struct {
	Base            time.Duration
	Cap             time.Duration
	VariancePercent uint32
	Limit           uint32
}

func (backoff Backoff) Delay(attempt uint32) (delay time.Duration) {
	var (
		factor   = int64(attempt) + 1
		variance int64
	)

	delay = backoff.Base * time.Duration(factor*factor)
	if (delay > backoff.Cap) || (delay < backoff.Base) {
		delay = backoff.Cap
	}

	if 0 < backoff.VariancePercent {
		variance = int64(delay) * int64(backoff.VariancePercent) / 100
		if 0 < variance {
			delay += time.Duration(rand.Int63n(2*variance+1) - variance)
		}
	}

	return
}

// Exhausted reports whether retries retries have used up the policy.
func (backoff Backoff) Exhausted(retries uint32) bool {
	return retries >= backoff.Limit
}

func (manager *Manager) modeChangeBackoff() Backoff {
	return Backoff{
		Base:            manager.config.RetryDelay,
		Cap:             manager.config.RetryDelayCap,
		VariancePercent: manager.config.RetryDelayVariance,
		Limit:           manager.config.ModeChangeRetryLimit,
	}
}

func (object *Object) beginModeChange() {
	object.Lock()
	for object.flags.isSet(flagInitializing) || object.flags.isSet(flagModeChanging) {
		object.cond.Wait()
	}
	object.flags |= flagModeChanging
	object.Unlock()
}

func (object *Object) endModeChange() {
	object.Lock()
	object.flags &^= flagModeChanging
	object.cond.Broadcast()
	object.Unlock()
}

func (manager *Manager) modeSet(object *Object, mode mdsclient.AccessMode) (err error) {
	var (
		backoff      = manager.modeChangeBackoff()
		becameDirect bool
		cancel       context.CancelFunc
		ctx          context.Context
		leaseBuf     mdsclient.LeaseBuf
		reply        mdsclient.ChangeAccessModeReply
		retries      uint32
		start        time.Time
	)

	object.Lock()

	if !object.flags.isSet(flagModeChanging) {
		err = blunder.NewError(blunder.InvalidArgError, "bmap file %d block %d ModeSet() without the mode-changing gate", object.file.fileID, object.blockIndex)
		object.Unlock()
		return
	}

	err = object.leaseErrLocked()
	if nil != err {
		object.Unlock()
		return
	}

	if (mdsclient.AccessRead == mode) || object.flags.isSet(flagWriteReady) {
		object.Unlock()
		return
	}

	leaseBuf = object.lease.buf.Copy()

	object.Unlock()

	for {
		ctx, cancel = context.WithTimeout(context.Background(), manager.config.CallTimeout)
		start = time.Now()

		err = manager.mds.ChangeAccessMode(ctx, &mdsclient.ChangeAccessModeRequest{
			Lease:           leaseBuf,
			Mode:            mode,
			PreferredServer: manager.config.LocalServerID,
		}, &reply)

		cancel()
		manager.stats.ChangeAccessModeUsec.Add(uint64(time.Since(start) / time.Microsecond))

		err = translateMDSError(err)
		if (nil == err) || !blunder.IsRetryable(err) {
			break
		}

		if backoff.Exhausted(retries) {
			err = blunder.NewClassError(blunder.LeaseFailed, blunder.TryAgainError, "bmap file %d block %d mode change to %v gave up after %d retries: %v", object.file.fileID, object.blockIndex, mode, retries, err)
			break
		}

		manager.stats.ModeChangeRetries.Increment()
		time.Sleep(backoff.Delay(retries))
		retries++
	}

	object.Lock()

	if nil == err {
		becameDirect, err = manager.installLeaseLocked(object, reply.Lease, reply.ServerClass, false)
	}

	if nil == err {
		manager.stats.ModeChanges.Increment()
		logger.Tracef("bmap file %d block %d now %v on server %d (direct %v)", object.file.fileID, object.blockIndex, mode, object.lease.serverID, object.flags.isSet(flagDirect))
	} else {
		manager.stats.ModeChangeFailures.Increment()
		if blunder.Is(err, blunder.StaleError) {
			manager.failLeaseLocked(object, err)
		}
		logger.WarnfWithError(err, "bmap file %d block %d mode change to %v failed", object.file.fileID, object.blockIndex, mode)
	}

	object.Unlock()

	if becameDirect {
		manager.pageCache.Discard(object.pages)
	}

	return
}
