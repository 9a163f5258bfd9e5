// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package mdsclient defines the metadata server calls consumed by the block
// map cache, their request/reply structs, and the opaque lease descriptor.
//
// Every call carries a context.Context bounding it by the caller's standard
// call timeout. Failures reported by the server arrive as a *StatusError.
//
package mdsclient

import (
	"context"
	"fmt"
	"time"
)

type AccessMode uint32

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (mode AccessMode) String() string {
	switch mode {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint32(mode))
	}
}

type ServerClass uint32

const (
	ServerClassPrimary ServerClass = iota
	ServerClassArchival
)

// Replica describes one storage server holding a copy of a block range.
type Replica struct {
	ServerID uint32
	Class    ServerClass
	Degraded bool
	Valid    bool
}

// OnDiskState is the metadata server's view of a block range's content.
type OnDiskState struct {
	Generation uint64
	Length     uint64 // bytes of the block range that hold data
	Sparse     bool
}

type LeaseBmapRequest struct {
	FileID          uint64
	BlockIndex      uint64
	Mode            AccessMode
	PreferredServer uint32
	Duration        time.Duration
}

type LeaseBmapReply struct {
	Lease       LeaseBuf
	ServerClass ServerClass
	Replicas    []Replica
}

type ExtendLeaseRequest struct {
	Lease    LeaseBuf
	Duration time.Duration
}

type ExtendLeaseReply struct {
	Lease LeaseBuf
}

type ReassignLeaseRequest struct {
	Lease           LeaseBuf
	ExcludedServers []uint32
}

type ReassignLeaseReply struct {
	Lease       LeaseBuf
	ServerClass ServerClass
}

type ChangeAccessModeRequest struct {
	Lease           LeaseBuf
	Mode            AccessMode
	PreferredServer uint32
}

type ChangeAccessModeReply struct {
	Lease       LeaseBuf
	ServerClass ServerClass
}

type GetBmapRequest struct {
	FileID          uint64
	BlockIndex      uint64
	Mode            AccessMode
	ReadAheadCount  uint32
	PreferredServer uint32
	Duration        time.Duration
}

type GetBmapReply struct {
	State           OnDiskState
	Lease           LeaseBuf
	ServerClass     ServerClass
	Replicas        []Replica
	ReadAheadBlocks []uint64 // block indices the server also prepared; informational
}

// Client is the metadata server as seen by the block map cache.
type Client interface {
	LeaseBmap(ctx context.Context, request *LeaseBmapRequest, reply *LeaseBmapReply) (err error)
	ExtendLease(ctx context.Context, request *ExtendLeaseRequest, reply *ExtendLeaseReply) (err error)
	ReassignLease(ctx context.Context, request *ReassignLeaseRequest, reply *ReassignLeaseReply) (err error)
	ChangeAccessMode(ctx context.Context, request *ChangeAccessModeRequest, reply *ChangeAccessModeReply) (err error)
	GetBmap(ctx context.Context, request *GetBmapRequest, reply *GetBmapReply) (err error)
}

type Status uint32

const (
	StatusOK Status = iota
	StatusLeaseWait
	StatusNotFound
	StatusExpired
	StatusInvalid
	StatusUnavailable
)

func (status Status) String() string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusLeaseWait:
		return "LeaseWait"
	case StatusNotFound:
		return "NotFound"
	case StatusExpired:
		return "Expired"
	case StatusInvalid:
		return "Invalid"
	case StatusUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Status(%d)", uint32(status))
	}
}

// StatusError is the structured error returned by every metadata server call.
// StatusLeaseWait means the server is still settling a prior operation on the
// block range and the call should be retried shortly.
type StatusError struct {
	Status Status
	Msg    string
}

func (statusError *StatusError) Error() string {
	return fmt.Sprintf("mds status %v: %s", statusError.Status, statusError.Msg)
}

func NewStatusError(status Status, format string, args ...interface{}) *StatusError {
	return &StatusError{Status: status, Msg: fmt.Sprintf(format, args...)}
}
