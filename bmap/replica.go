// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"context"
	"sort"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

type replicaKeyStruct struct {
	FileID     uint64
	BlockIndex uint64
	ServerID   uint32
}

type rankedReplica struct {
	mdsclient.Replica
	spread uint64
}

// replicaSpread is a stable per-(file,block,server) value used to break ties
// between equally ranked replicas so that load spreads across them.
func replicaSpread(fileID uint64, blockIndex uint64, serverID uint32) uint64 {
	packed, err := cstruct.Pack(replicaKeyStruct{FileID: fileID, BlockIndex: blockIndex, ServerID: serverID}, cstruct.LittleEndian)
	if nil != err {
		logger.PanicfWithError(err, "cstruct.Pack(replicaKeyStruct) failed")
	}
	return cityhash.Hash64(packed)
}

// rankReplicas returns the valid replicas ordered by preference: the local
// server first, then non-archival before archival, then non-degraded before
// degraded.
func rankReplicas(fileID uint64, blockIndex uint64, localServerID uint32, replicas []mdsclient.Replica) (ranked []mdsclient.Replica) {
	var (
		candidates []rankedReplica
	)

	for _, replica := range replicas {
		if replica.Valid {
			candidates = append(candidates, rankedReplica{Replica: replica, spread: replicaSpread(fileID, blockIndex, replica.ServerID)})
		}
	}

	sort.SliceStable(candidates, func(i int, j int) bool {
		a, b := &candidates[i], &candidates[j]

		aLocal := (0 != localServerID) && (a.ServerID == localServerID)
		bLocal := (0 != localServerID) && (b.ServerID == localServerID)
		if aLocal != bLocal {
			return aLocal
		}

		aArchival := mdsclient.ServerClassArchival == a.Class
		bArchival := mdsclient.ServerClassArchival == b.Class
		if aArchival != bArchival {
			return bArchival
		}

		if a.Degraded != b.Degraded {
			return b.Degraded
		}

		return a.spread < b.spread
	})

	ranked = make([]mdsclient.Replica, 0, len(candidates))
	for _, candidate := range candidates {
		ranked = append(ranked, candidate.Replica)
	}

	return
}

func (manager *Manager) selectConnection(object *Object, exclusive bool) (connection Connection, err error) {
	var (
		candidates []uint32
		cancel     context.CancelFunc
		ctx        context.Context
		ranked     []mdsclient.Replica
		retried    bool
	)

	object.Lock()

	err = object.leaseErrLocked()
	if nil != err {
		object.Unlock()
		return
	}

	if exclusive {
		candidates = []uint32{object.lease.serverID}
	} else {
		ranked = rankReplicas(object.file.fileID, object.blockIndex, manager.config.LocalServerID, object.replicas)
		if 0 == len(ranked) {
			err = blunder.NewClassError(blunder.CorruptState, blunder.NotRecoverableError, "bmap file %d block %d has no valid replicas (of %d)", object.file.fileID, object.blockIndex, len(object.replicas))
			object.Unlock()
			manager.stats.CorruptReplicaTables.Increment()
			logger.ErrorfWithError(err, "bmap replica table corrupt")
			return
		}
		for _, replica := range ranked {
			candidates = append(candidates, replica.ServerID)
		}
	}

	object.Unlock()

	for {
		for _, serverID := range candidates {
			connection, err = manager.connector.Connect(serverID)
			if nil == err {
				return
			}
			logger.Tracef("bmap file %d block %d connect to server %d failed: %v", object.file.fileID, object.blockIndex, serverID, err)
		}

		if retried {
			break
		}
		retried = true

		manager.stats.ConnectionWaits.Increment()

		ctx, cancel = context.WithTimeout(context.Background(), manager.config.MaxLeaseDuration)
		err = manager.connector.WaitForConnectionChange(ctx)
		cancel()
		if nil != err {
			break
		}
	}

	manager.stats.ConnectionFailures.Increment()

	connection = nil
	err = blunder.NewClassError(blunder.Retryable, blunder.HostUnreachable, "bmap file %d block %d no connection to servers %v: %v", object.file.fileID, object.blockIndex, candidates, err)

	return
}
