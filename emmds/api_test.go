// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package emmds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/mdsclient"
)

func statusOf(err error) mdsclient.Status {
	var statusError *mdsclient.StatusError

	if errors.As(err, &statusError) {
		return statusError.Status
	}
	return mdsclient.StatusOK
}

func TestGetBmapGrantsLease(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := New(Config{MaxLeaseDuration: time.Minute, BlockLength: 4096})

	reply := &mdsclient.GetBmapReply{}
	err := server.GetBmap(context.Background(), &mdsclient.GetBmapRequest{FileID: 1, BlockIndex: 2, Mode: mdsclient.AccessRead, ReadAheadCount: 2, Duration: 10 * time.Second}, reply)
	require.NoError(err)

	desc, err := mdsclient.UnpackLease(reply.Lease)
	require.NoError(err)
	assert.Equal(uint32(1), desc.ServerID)
	assert.Equal(mdsclient.AccessRead, desc.Mode())
	assert.True(desc.Expiry <= desc.MaxExpiry)
	assert.Equal(uint64(4096), reply.State.Length)
	assert.Equal([]uint64{3, 4}, reply.ReadAheadBlocks)
	assert.Len(reply.Replicas, 3)
	assert.Equal(uint64(1), server.Counts().GetBmap)
}

func TestExtendStaleLeaseExpired(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := New(Config{})
	ctx := context.Background()

	first := &mdsclient.LeaseBmapReply{}
	require.NoError(server.LeaseBmap(ctx, &mdsclient.LeaseBmapRequest{FileID: 1}, first))

	extended := &mdsclient.ExtendLeaseReply{}
	require.NoError(server.ExtendLease(ctx, &mdsclient.ExtendLeaseRequest{Lease: first.Lease}, extended))

	err := server.ExtendLease(ctx, &mdsclient.ExtendLeaseRequest{Lease: first.Lease}, &mdsclient.ExtendLeaseReply{})
	assert.Equal(mdsclient.StatusExpired, statusOf(err))

	server.SetFailExtend(true)
	err = server.ExtendLease(ctx, &mdsclient.ExtendLeaseRequest{Lease: extended.Lease}, &mdsclient.ExtendLeaseReply{})
	assert.Equal(mdsclient.StatusUnavailable, statusOf(err))
	assert.Equal(uint64(3), server.Counts().ExtendLease)
}

func TestReassignExcludesServers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := New(Config{})
	ctx := context.Background()

	granted := &mdsclient.LeaseBmapReply{}
	require.NoError(server.LeaseBmap(ctx, &mdsclient.LeaseBmapRequest{FileID: 5}, granted))

	reassigned := &mdsclient.ReassignLeaseReply{}
	require.NoError(server.ReassignLease(ctx, &mdsclient.ReassignLeaseRequest{Lease: granted.Lease}, reassigned))
	desc, err := mdsclient.UnpackLease(reassigned.Lease)
	require.NoError(err)
	assert.Equal(uint32(2), desc.ServerID)

	err = server.ReassignLease(ctx, &mdsclient.ReassignLeaseRequest{Lease: reassigned.Lease, ExcludedServers: []uint32{1, 3}}, &mdsclient.ReassignLeaseReply{})
	assert.Equal(mdsclient.StatusUnavailable, statusOf(err))
}

func TestChangeAccessModeLeaseWaitAndArchival(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := New(Config{})
	ctx := context.Background()

	granted := &mdsclient.LeaseBmapReply{}
	require.NoError(server.LeaseBmap(ctx, &mdsclient.LeaseBmapRequest{FileID: 9}, granted))

	server.SetLeaseWait(1)
	server.SetArchivalWriteTarget(true)

	err := server.ChangeAccessMode(ctx, &mdsclient.ChangeAccessModeRequest{Lease: granted.Lease, Mode: mdsclient.AccessWrite}, &mdsclient.ChangeAccessModeReply{})
	assert.Equal(mdsclient.StatusLeaseWait, statusOf(err))

	changed := &mdsclient.ChangeAccessModeReply{}
	require.NoError(server.ChangeAccessMode(ctx, &mdsclient.ChangeAccessModeRequest{Lease: granted.Lease, Mode: mdsclient.AccessWrite}, changed))
	assert.Equal(mdsclient.ServerClassArchival, changed.ServerClass)

	desc, err := mdsclient.UnpackLease(changed.Lease)
	require.NoError(err)
	assert.True(desc.IsDirect())
	assert.Equal(mdsclient.AccessWrite, desc.Mode())
}

func TestGetBmapGateHonorsContext(t *testing.T) {
	assert := assert.New(t)

	server := New(Config{})
	server.SetGetBmapGate(make(chan struct{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := server.GetBmap(ctx, &mdsclient.GetBmapRequest{FileID: 1}, &mdsclient.GetBmapReply{})
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func TestNullLease(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := New(Config{})
	server.SetNullLease(true)

	reply := &mdsclient.LeaseBmapReply{}
	require.NoError(server.LeaseBmap(context.Background(), &mdsclient.LeaseBmapRequest{FileID: 1}, reply))

	_, err := mdsclient.UnpackLease(reply.Lease)
	assert.Error(err)
}
