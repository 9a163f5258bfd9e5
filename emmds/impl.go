// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package emmds

import (
	"context"
	"time"

	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

func newServer(config Config) (server *Server) {
	if 0 == config.MaxLeaseDuration {
		config.MaxLeaseDuration = 2 * time.Minute
	}
	if 0 == len(config.Replicas) {
		config.Replicas = []mdsclient.Replica{
			{ServerID: 1, Class: mdsclient.ServerClassPrimary, Valid: true},
			{ServerID: 2, Class: mdsclient.ServerClassPrimary, Valid: true},
			{ServerID: 3, Class: mdsclient.ServerClassArchival, Valid: true},
		}
	}

	server = &Server{
		config:    config,
		bmaps:     make(map[bmapKeyStruct]*bmapStateStruct),
		seqToBmap: make(map[uint64]bmapKeyStruct),
	}

	return
}

func (server *Server) setReplicas(fileID uint64, blockIndex uint64, replicas []mdsclient.Replica) {
	server.Lock()
	bmapState := server.fetchBmapLocked(bmapKeyStruct{fileID: fileID, blockIndex: blockIndex})
	bmapState.replicas = append([]mdsclient.Replica(nil), replicas...)
	server.Unlock()
}

func (server *Server) fetchBmapLocked(bmapKey bmapKeyStruct) (bmapState *bmapStateStruct) {
	var (
		ok bool
	)

	bmapState, ok = server.bmaps[bmapKey]
	if !ok {
		bmapState = &bmapStateStruct{
			generation: 1,
			replicas:   append([]mdsclient.Replica(nil), server.config.Replicas...),
		}
		server.bmaps[bmapKey] = bmapState
	}

	return
}

// pickServerLocked returns the preferred server if it is a valid replica,
// else the first valid replica of the wanted class not in excluded.
func pickServerLocked(bmapState *bmapStateStruct, preferred uint32, archival bool, excluded []uint32) (replica mdsclient.Replica, ok bool) {
	isExcluded := func(serverID uint32) bool {
		for _, excludedServerID := range excluded {
			if excludedServerID == serverID {
				return true
			}
		}
		return false
	}

	wantClass := mdsclient.ServerClassPrimary
	if archival {
		wantClass = mdsclient.ServerClassArchival
	}

	if (0 != preferred) && !archival {
		for _, replica = range bmapState.replicas {
			if (replica.ServerID == preferred) && replica.Valid && !isExcluded(replica.ServerID) {
				ok = true
				return
			}
		}
	}

	for _, replica = range bmapState.replicas {
		if replica.Valid && (replica.Class == wantClass) && !isExcluded(replica.ServerID) {
			ok = true
			return
		}
	}

	for _, replica = range bmapState.replicas {
		if replica.Valid && !isExcluded(replica.ServerID) {
			ok = true
			return
		}
	}

	return
}

// grantLocked issues a new lease on bmapKey bound to replica.
func (server *Server) grantLocked(bmapKey bmapKeyStruct, bmapState *bmapStateStruct, replica mdsclient.Replica, mode mdsclient.AccessMode, duration time.Duration) (leaseBuf mdsclient.LeaseBuf, err error) {
	var (
		now = time.Now()
	)

	if server.nullLease {
		leaseBuf = make(mdsclient.LeaseBuf, mdsclient.LeaseBufSize())
		return
	}

	if (0 == duration) || (duration > server.config.MaxLeaseDuration) {
		duration = server.config.MaxLeaseDuration
	}

	delete(server.seqToBmap, bmapState.current.SeqNum)

	server.seqNum++

	bmapState.current = mdsclient.LeaseDescriptor{
		SeqNum:    server.seqNum,
		ServerID:  replica.ServerID,
		Expiry:    now.Add(duration).UnixNano(),
		MaxExpiry: now.Add(server.config.MaxLeaseDuration).UnixNano(),
	}
	if mdsclient.AccessWrite == mode {
		bmapState.current.Flags |= mdsclient.LeaseFlagWrite
	}
	if mdsclient.ServerClassArchival == replica.Class {
		bmapState.current.Flags |= mdsclient.LeaseFlagDirect
	}

	server.seqToBmap[server.seqNum] = bmapKey

	leaseBuf, err = mdsclient.PackLease(&bmapState.current)

	return
}

// lookupLeaseLocked finds the block range a lease refers to. Only the most
// recently granted lease of a block range is current.
func (server *Server) lookupLeaseLocked(leaseBuf mdsclient.LeaseBuf) (bmapKey bmapKeyStruct, bmapState *bmapStateStruct, desc *mdsclient.LeaseDescriptor, err error) {
	var (
		ok bool
	)

	desc, err = mdsclient.UnpackLease(leaseBuf)
	if nil != err {
		err = mdsclient.NewStatusError(mdsclient.StatusInvalid, "%v", err)
		return
	}

	bmapKey, ok = server.seqToBmap[desc.SeqNum]
	if !ok {
		err = mdsclient.NewStatusError(mdsclient.StatusExpired, "lease seq %v is not current", desc.SeqNum)
		return
	}

	bmapState = server.bmaps[bmapKey]

	return
}

func waitGate(ctx context.Context, gate chan struct{}) (err error) {
	if nil == gate {
		return
	}

	select {
	case <-gate:
	case <-ctx.Done():
		err = ctx.Err()
	}

	return
}

func (server *Server) LeaseBmap(ctx context.Context, request *mdsclient.LeaseBmapRequest, reply *mdsclient.LeaseBmapReply) (err error) {
	var (
		bmapKey   = bmapKeyStruct{fileID: request.FileID, blockIndex: request.BlockIndex}
		bmapState *bmapStateStruct
		ok        bool
		replica   mdsclient.Replica
	)

	server.Lock()
	defer server.Unlock()

	server.counts.LeaseBmap++

	bmapState = server.fetchBmapLocked(bmapKey)

	replica, ok = pickServerLocked(bmapState, request.PreferredServer, server.archivalWriteTarget && (mdsclient.AccessWrite == request.Mode), nil)
	if !ok {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "no valid replica for file %v block %v", request.FileID, request.BlockIndex)
		return
	}

	reply.Lease, err = server.grantLocked(bmapKey, bmapState, replica, request.Mode, request.Duration)
	if nil != err {
		return
	}
	reply.ServerClass = replica.Class
	reply.Replicas = append([]mdsclient.Replica(nil), bmapState.replicas...)

	logger.Tracef("emmds LeaseBmap file %v block %v mode %v -> server %v", request.FileID, request.BlockIndex, request.Mode, replica.ServerID)

	return
}

func (server *Server) ExtendLease(ctx context.Context, request *mdsclient.ExtendLeaseRequest, reply *mdsclient.ExtendLeaseReply) (err error) {
	var (
		bmapKey   bmapKeyStruct
		bmapState *bmapStateStruct
		desc      *mdsclient.LeaseDescriptor
		gate      chan struct{}
		replica   mdsclient.Replica
	)

	server.Lock()
	server.counts.ExtendLease++
	gate = server.extendGate
	server.Unlock()

	err = waitGate(ctx, gate)
	if nil != err {
		return
	}

	server.Lock()
	defer server.Unlock()

	if server.failExtend {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "extend failure injected")
		return
	}

	bmapKey, bmapState, desc, err = server.lookupLeaseLocked(request.Lease)
	if nil != err {
		return
	}

	replica = mdsclient.Replica{ServerID: desc.ServerID, Class: mdsclient.ServerClassPrimary, Valid: true}
	if desc.IsDirect() {
		replica.Class = mdsclient.ServerClassArchival
	}

	reply.Lease, err = server.grantLocked(bmapKey, bmapState, replica, desc.Mode(), request.Duration)

	return
}

func (server *Server) ReassignLease(ctx context.Context, request *mdsclient.ReassignLeaseRequest, reply *mdsclient.ReassignLeaseReply) (err error) {
	var (
		bmapKey   bmapKeyStruct
		bmapState *bmapStateStruct
		desc      *mdsclient.LeaseDescriptor
		excluded  []uint32
		ok        bool
		replica   mdsclient.Replica
	)

	server.Lock()
	defer server.Unlock()

	server.counts.ReassignLease++

	if server.failReassign {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "reassign failure injected")
		return
	}

	bmapKey, bmapState, desc, err = server.lookupLeaseLocked(request.Lease)
	if nil != err {
		return
	}

	excluded = append(append(excluded, request.ExcludedServers...), desc.ServerID)

	replica, ok = pickServerLocked(bmapState, 0, false, excluded)
	if !ok {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "no replacement server for file %v block %v", bmapKey.fileID, bmapKey.blockIndex)
		return
	}

	reply.Lease, err = server.grantLocked(bmapKey, bmapState, replica, desc.Mode(), 0)
	if nil != err {
		return
	}
	reply.ServerClass = replica.Class

	return
}

func (server *Server) ChangeAccessMode(ctx context.Context, request *mdsclient.ChangeAccessModeRequest, reply *mdsclient.ChangeAccessModeReply) (err error) {
	var (
		bmapKey   bmapKeyStruct
		bmapState *bmapStateStruct
		ok        bool
		replica   mdsclient.Replica
	)

	server.Lock()
	defer server.Unlock()

	server.counts.ChangeAccessMode++

	if 0 < server.leaseWaitRemaining {
		server.leaseWaitRemaining--
		err = mdsclient.NewStatusError(mdsclient.StatusLeaseWait, "prior operation still settling")
		return
	}

	bmapKey, bmapState, _, err = server.lookupLeaseLocked(request.Lease)
	if nil != err {
		return
	}

	replica, ok = pickServerLocked(bmapState, request.PreferredServer, server.archivalWriteTarget && (mdsclient.AccessWrite == request.Mode), nil)
	if !ok {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "no valid replica for file %v block %v", bmapKey.fileID, bmapKey.blockIndex)
		return
	}

	reply.Lease, err = server.grantLocked(bmapKey, bmapState, replica, request.Mode, 0)
	if nil != err {
		return
	}
	reply.ServerClass = replica.Class

	return
}

func (server *Server) GetBmap(ctx context.Context, request *mdsclient.GetBmapRequest, reply *mdsclient.GetBmapReply) (err error) {
	var (
		bmapKey   = bmapKeyStruct{fileID: request.FileID, blockIndex: request.BlockIndex}
		bmapState *bmapStateStruct
		gate      chan struct{}
		ok        bool
		replica   mdsclient.Replica
	)

	server.Lock()
	server.counts.GetBmap++
	gate = server.getBmapGate
	server.Unlock()

	err = waitGate(ctx, gate)
	if nil != err {
		return
	}

	server.Lock()
	defer server.Unlock()

	bmapState = server.fetchBmapLocked(bmapKey)

	replica, ok = pickServerLocked(bmapState, request.PreferredServer, server.archivalWriteTarget && (mdsclient.AccessWrite == request.Mode), nil)
	if !ok {
		err = mdsclient.NewStatusError(mdsclient.StatusUnavailable, "no valid replica for file %v block %v", request.FileID, request.BlockIndex)
		return
	}

	reply.Lease, err = server.grantLocked(bmapKey, bmapState, replica, request.Mode, request.Duration)
	if nil != err {
		return
	}

	reply.State = mdsclient.OnDiskState{
		Generation: bmapState.generation,
		Length:     server.config.BlockLength,
		Sparse:     0 == server.config.BlockLength,
	}
	reply.ServerClass = replica.Class
	reply.Replicas = append([]mdsclient.Replica(nil), bmapState.replicas...)

	for readAhead := uint64(1); readAhead <= uint64(request.ReadAheadCount); readAhead++ {
		reply.ReadAheadBlocks = append(reply.ReadAheadBlocks, request.BlockIndex+readAhead)
	}

	return
}
