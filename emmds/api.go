// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package emmds is an in-memory emulation of the metadata server calls in
// mdsclient.Client. It tracks one lease per block range, hands out replica
// tables from a configurable server list, and supports fault injection so
// callers can exercise renewal failure, reassignment exhaustion, "lease-wait"
// answers, archival write targets, and slow first-touch retrievals.
//
package emmds

import (
	"sync"
	"time"

	"github.com/NVIDIA/bmapcache/mdsclient"
)

type Config struct {
	Replicas         []mdsclient.Replica // replica table returned for every block range
	MaxLeaseDuration time.Duration       // MaxExpiry horizon granted with each lease
	BlockLength      uint64              // OnDiskState.Length reported by GetBmap
}

// CallCounts counts calls received (including those that failed).
type CallCounts struct {
	LeaseBmap        uint64
	ExtendLease      uint64
	ReassignLease    uint64
	ChangeAccessMode uint64
	GetBmap          uint64
}

type bmapKeyStruct struct {
	fileID     uint64
	blockIndex uint64
}

type bmapStateStruct struct {
	generation uint64
	current    mdsclient.LeaseDescriptor
	replicas   []mdsclient.Replica
}

type Server struct {
	sync.Mutex
	config              Config
	seqNum              uint64
	bmaps               map[bmapKeyStruct]*bmapStateStruct
	seqToBmap           map[uint64]bmapKeyStruct
	failExtend          bool
	failReassign        bool
	leaseWaitRemaining  int
	archivalWriteTarget bool
	nullLease           bool
	getBmapGate         chan struct{}
	extendGate          chan struct{}
	counts              CallCounts
}

// New creates an emulated metadata server.
func New(config Config) (server *Server) {
	return newServer(config)
}

// SetFailExtend makes ExtendLease answer StatusUnavailable while enabled.
func (server *Server) SetFailExtend(fail bool) {
	server.Lock()
	server.failExtend = fail
	server.Unlock()
}

// SetFailReassign makes ReassignLease answer StatusUnavailable while enabled.
func (server *Server) SetFailReassign(fail bool) {
	server.Lock()
	server.failReassign = fail
	server.Unlock()
}

// SetLeaseWait makes the next n ChangeAccessMode calls answer StatusLeaseWait.
func (server *Server) SetLeaseWait(n int) {
	server.Lock()
	server.leaseWaitRemaining = n
	server.Unlock()
}

// SetArchivalWriteTarget makes write-mode grants land on an archival server
// with the direct bit set.
func (server *Server) SetArchivalWriteTarget(archival bool) {
	server.Lock()
	server.archivalWriteTarget = archival
	server.Unlock()
}

// SetNullLease makes every grant return an all-zero lease descriptor.
func (server *Server) SetNullLease(null bool) {
	server.Lock()
	server.nullLease = null
	server.Unlock()
}

// SetGetBmapGate makes GetBmap block until gate is closed (or the call's
// context is done). A nil gate disables gating.
func (server *Server) SetGetBmapGate(gate chan struct{}) {
	server.Lock()
	server.getBmapGate = gate
	server.Unlock()
}

// SetExtendGate is SetGetBmapGate for ExtendLease.
func (server *Server) SetExtendGate(gate chan struct{}) {
	server.Lock()
	server.extendGate = gate
	server.Unlock()
}

// SetReplicas overrides the replica table of one block range.
func (server *Server) SetReplicas(fileID uint64, blockIndex uint64, replicas []mdsclient.Replica) {
	server.setReplicas(fileID, blockIndex, replicas)
}

func (server *Server) Counts() (counts CallCounts) {
	server.Lock()
	counts = server.counts
	server.Unlock()
	return
}
