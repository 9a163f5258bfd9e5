// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/emmds"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

func serverIDs(replicas []mdsclient.Replica) (ids []uint32) {
	for _, replica := range replicas {
		ids = append(ids, replica.ServerID)
	}
	return
}

var testReplicaTable = []mdsclient.Replica{
	{ServerID: 1, Class: mdsclient.ServerClassArchival, Valid: true},
	{ServerID: 2, Class: mdsclient.ServerClassPrimary, Degraded: true, Valid: true},
	{ServerID: 3, Class: mdsclient.ServerClassPrimary, Valid: true},
	{ServerID: 4, Class: mdsclient.ServerClassPrimary, Valid: false},
	{ServerID: 5, Class: mdsclient.ServerClassPrimary, Degraded: true, Valid: true},
}

func TestRankReplicas(t *testing.T) {
	assert := assert.New(t)

	ranked := rankReplicas(7, 3, 5, testReplicaTable)
	if diff := cmp.Diff([]uint32{5, 3, 2, 1}, serverIDs(ranked)); "" != diff {
		t.Errorf("rankReplicas() mismatch (-want +got):\n%s", diff)
	}

	ranked = rankReplicas(7, 3, 0, testReplicaTable)
	if assert.Len(ranked, 4) {
		assert.Equal(uint32(3), ranked[0].ServerID)
		assert.ElementsMatch([]uint32{2, 5}, serverIDs(ranked[1:3]))
		assert.Equal(uint32(1), ranked[3].ServerID)
	}

	assert.Empty(rankReplicas(7, 3, 5, []mdsclient.Replica{{ServerID: 5, Valid: false}}))
}

func TestRankReplicasSpread(t *testing.T) {
	assert := assert.New(t)

	var equals []mdsclient.Replica
	for serverID := uint32(1); serverID <= 8; serverID++ {
		equals = append(equals, mdsclient.Replica{ServerID: serverID, Class: mdsclient.ServerClassPrimary, Valid: true})
	}

	firsts := make(map[uint32]struct{})
	for blockIndex := uint64(0); blockIndex < 64; blockIndex++ {
		ranked := rankReplicas(1, blockIndex, 0, equals)
		assert.Len(ranked, len(equals))
		assert.Equal(serverIDs(ranked), serverIDs(rankReplicas(1, blockIndex, 0, equals)))
		firsts[ranked[0].ServerID] = struct{}{}
	}

	// Ties between equal replicas must not always favor the same server
	assert.Less(1, len(firsts))
}

func TestSelectConnection(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	config.LocalServerID = 5

	server := emmds.New(emmds.Config{})
	server.SetReplicas(1, 0, testReplicaTable)
	manager, connector := newTestManager(t, config, server)
	file := manager.NewFile(1)

	object, err := manager.Acquire(file, 0, mdsclient.AccessRead)
	require.NoError(err)
	assert.Equal(uint32(5), object.LeaseServer())

	connection, err := manager.SelectConnection(object, false)
	require.NoError(err)
	assert.Equal(uint32(5), connection.ServerID())

	connector.setDown(5, true)

	connection, err = manager.SelectConnection(object, false)
	require.NoError(err)
	assert.Equal(uint32(3), connection.ServerID())

	connector.setDown(3, true)
	connector.setDown(2, true)

	connection, err = manager.SelectConnection(object, false)
	require.NoError(err)
	assert.Equal(uint32(1), connection.ServerID())

	connector.setDown(1, true)

	type result struct {
		connection Connection
		err        error
	}
	resultChan := make(chan result, 1)

	go func() {
		connection, err := manager.SelectConnection(object, true)
		resultChan <- result{connection, err}
	}()

	assert.Eventually(func() bool {
		connector.setDown(5, false)
		select {
		case r := <-resultChan:
			if assert.NoError(r.err) {
				assert.Equal(uint32(5), r.connection.ServerID())
			}
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(uint64(1), manager.stats.ConnectionWaits.TotalGet())

	manager.Release(object)
	require.NoError(manager.Stop())
}

func TestSelectConnectionFailures(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	config.LeaseDuration = 100 * time.Millisecond
	config.LeaseRenewThreshold = 10 * time.Millisecond
	config.MaxLeaseDuration = 100 * time.Millisecond

	server := emmds.New(emmds.Config{})
	manager, connector := newTestManager(t, config, server)
	file := manager.NewFile(1)

	object, err := manager.Acquire(file, 0, mdsclient.AccessRead)
	require.NoError(err)

	for _, serverID := range []uint32{1, 2, 3} {
		connector.setDown(serverID, true)
	}

	_, err = manager.SelectConnection(object, false)
	assert.True(blunder.IsRetryable(err), "%v", err)
	assert.True(blunder.Is(err, blunder.HostUnreachable))
	assert.Equal(uint64(1), manager.stats.ConnectionFailures.TotalGet())

	object.Lock()
	object.replicas = []mdsclient.Replica{
		{ServerID: 1, Class: mdsclient.ServerClassPrimary, Valid: false},
		{ServerID: 2, Class: mdsclient.ServerClassArchival, Valid: false},
	}
	object.Unlock()

	_, err = manager.SelectConnection(object, false)
	assert.True(blunder.IsClass(err, blunder.CorruptState), "%v", err)
	assert.Equal(uint64(1), manager.stats.CorruptReplicaTables.TotalGet())

	object.Lock()
	manager.expireLeaseLocked(object)
	object.Unlock()

	_, err = manager.SelectConnection(object, true)
	assert.True(blunder.IsClass(err, blunder.LeaseFailed), "%v", err)

	manager.Release(object)
	require.NoError(manager.Stop())
}
