// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mdsclient

import (
	"bytes"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/bmapcache/blunder"
)

// LeaseBuf is the packed (cstruct.LittleEndian) form of a LeaseDescriptor.
// Clients echo it back to the server unmodified.
type LeaseBuf []byte

const (
	LeaseFlagDirect uint32 = 1 << iota // block range must bypass the page cache
	LeaseFlagWrite                     // lease grants write access
)

type LeaseDescriptor struct {
	SeqNum    uint64
	ServerID  uint32
	Flags     uint32
	Expiry    int64 // server's view, UnixNano
	MaxExpiry int64 // latest expiry the client may assume, UnixNano
}

var leaseBufSize uint64

func init() {
	var (
		err error
	)

	leaseBufSize, _, err = cstruct.Examine(LeaseDescriptor{})
	if nil != err {
		panic(err)
	}
}

func LeaseBufSize() uint64 {
	return leaseBufSize
}

func (desc *LeaseDescriptor) IsDirect() bool {
	return LeaseFlagDirect == desc.Flags&LeaseFlagDirect
}

func (desc *LeaseDescriptor) Mode() AccessMode {
	if LeaseFlagWrite == desc.Flags&LeaseFlagWrite {
		return AccessWrite
	}
	return AccessRead
}

func PackLease(desc *LeaseDescriptor) (leaseBuf LeaseBuf, err error) {
	var (
		packed []byte
	)

	packed, err = cstruct.Pack(desc, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddClass(blunder.AddError(err, blunder.ProtocolErrno), blunder.ProtocolError)
		return
	}

	leaseBuf = LeaseBuf(packed)

	return
}

// UnpackLease decodes a lease received from the server. A buffer of the wrong
// size or an all-zero (null) descriptor is a ProtocolError.
func UnpackLease(leaseBuf LeaseBuf) (desc *LeaseDescriptor, err error) {
	var (
		bytesConsumed uint64
	)

	if uint64(len(leaseBuf)) != leaseBufSize {
		err = blunder.NewClassError(blunder.ProtocolError, blunder.ProtocolErrno, "lease descriptor is %v bytes, expected %v", len(leaseBuf), leaseBufSize)
		return
	}

	if bytes.Equal(leaseBuf, make([]byte, leaseBufSize)) {
		err = blunder.NewClassError(blunder.ProtocolError, blunder.ProtocolErrno, "null lease descriptor")
		return
	}

	desc = &LeaseDescriptor{}

	bytesConsumed, err = cstruct.Unpack(leaseBuf, desc, cstruct.LittleEndian)
	if nil != err {
		desc = nil
		err = blunder.AddClass(blunder.AddError(err, blunder.ProtocolErrno), blunder.ProtocolError)
		return
	}
	if bytesConsumed != leaseBufSize {
		desc = nil
		err = blunder.NewClassError(blunder.ProtocolError, blunder.ProtocolErrno, "lease descriptor unpack consumed %v of %v bytes", bytesConsumed, leaseBufSize)
		return
	}

	return
}

// Copy returns a private copy of leaseBuf.
func (leaseBuf LeaseBuf) Copy() (leaseBufCopy LeaseBuf) {
	if nil == leaseBuf {
		return
	}
	leaseBufCopy = make(LeaseBuf, len(leaseBuf))
	copy(leaseBufCopy, leaseBuf)
	return
}
