// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mdsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/blunder"
)

func TestLeaseDescriptor(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	assert.Equal(uint64(32), LeaseBufSize())

	desc := &LeaseDescriptor{
		SeqNum:    0x0102030405060708,
		ServerID:  7,
		Flags:     LeaseFlagDirect | LeaseFlagWrite,
		Expiry:    1000,
		MaxExpiry: 2000,
	}

	leaseBuf, err := PackLease(desc)
	require.NoError(err)
	assert.Equal(int(LeaseBufSize()), len(leaseBuf))
	assert.Equal(byte(0x08), leaseBuf[0]) // little endian SeqNum

	unpacked, err := UnpackLease(leaseBuf)
	require.NoError(err)
	assert.Equal(desc, unpacked)
	assert.True(unpacked.IsDirect())
	assert.Equal(AccessWrite, unpacked.Mode())

	leaseCopy := leaseBuf.Copy()
	leaseCopy[0] = 0xFF
	assert.Equal(byte(0x08), leaseBuf[0])
	assert.Nil(LeaseBuf(nil).Copy())
}

func TestUnpackLeaseRejectsMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := UnpackLease(make(LeaseBuf, LeaseBufSize()))
	assert.True(blunder.IsClass(err, blunder.ProtocolError))
	assert.True(blunder.Is(err, blunder.ProtocolErrno))

	_, err = UnpackLease(nil)
	assert.True(blunder.IsClass(err, blunder.ProtocolError))

	_, err = UnpackLease(make(LeaseBuf, LeaseBufSize()-1))
	assert.True(blunder.IsClass(err, blunder.ProtocolError))
}

func TestStatusError(t *testing.T) {
	assert := assert.New(t)

	var err error = NewStatusError(StatusLeaseWait, "block %d settling", 3)
	assert.Equal("mds status LeaseWait: block 3 settling", err.Error())
	assert.Equal("write", AccessWrite.String())
}
