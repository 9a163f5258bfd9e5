// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/mdsclient"
)

func TestTranslateMDSError(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(translateMDSError(nil))

	for _, tc := range []struct {
		err   error
		errno blunder.FsError
		class blunder.ErrorClass
	}{
		{mdsclient.NewStatusError(mdsclient.StatusLeaseWait, "settling"), blunder.TryAgainError, blunder.Retryable},
		{mdsclient.NewStatusError(mdsclient.StatusNotFound, "no such block"), blunder.NotFoundError, blunder.UnclassifiedError},
		{mdsclient.NewStatusError(mdsclient.StatusExpired, "stale"), blunder.StaleError, blunder.LeaseFailed},
		{mdsclient.NewStatusError(mdsclient.StatusInvalid, "garbled"), blunder.ProtocolErrno, blunder.ProtocolError},
		{mdsclient.NewStatusError(mdsclient.StatusUnavailable, "no replica"), blunder.HostUnreachable, blunder.Retryable},
		{mdsclient.NewStatusError(mdsclient.Status(99), "unknown"), blunder.ProtocolErrno, blunder.ProtocolError},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), blunder.TimedOut, blunder.Retryable},
		{blunder.NewClassError(blunder.CorruptState, blunder.NotRecoverableError, "kept"), blunder.NotRecoverableError, blunder.CorruptState},
		{fmt.Errorf("connection reset"), blunder.IOError, blunder.Retryable},
	} {
		translated := translateMDSError(tc.err)
		assert.True(blunder.Is(translated, tc.errno), "%v: errno %v", tc.err, blunder.Errno(translated))
		assert.Equal(tc.class, blunder.ClassOf(translated), "%v", tc.err)
	}
}
