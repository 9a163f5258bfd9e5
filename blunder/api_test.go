// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EIO), IOError.Value())
	assert.Equal(int(unix.EAGAIN), TryAgainError.Value())
	assert.Equal(int(unix.EPROTO), ProtocolErrno.Value())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.True(IsSuccess(err))
	assert.Equal(UnclassifiedError, ClassOf(err))

	err = fmt.Errorf("plain error")
	assert.Equal(failureErrno, Errno(err))
	assert.Equal(UnclassifiedError, ClassOf(err))
	assert.False(IsSuccess(err))
}

func TestNewClassError(t *testing.T) {
	assert := assert.New(t)

	err := NewClassError(Retryable, TryAgainError, "block %v still settling", 7)
	assert.True(Is(err, TryAgainError))
	assert.True(IsRetryable(err))
	assert.True(IsClass(err, Retryable))
	assert.False(IsClass(err, LeaseFailed))
	assert.Equal("block 7 still settling", err.Error())

	file, line := Location(err)
	assert.True(strings.HasSuffix(file, "api_test.go"))
	assert.NotEqual(0, line)

	err = AddClass(err, LeaseFailed)
	assert.True(Is(err, TryAgainError))
	assert.Equal(LeaseFailed, ClassOf(err))
	assert.Contains(ErrorString(err), "LeaseFailed")
}

func TestAddError(t *testing.T) {
	assert := assert.New(t)

	err := AddError(nil, IOError)
	assert.True(Is(err, IOError))

	err = AddError(fmt.Errorf("wrapped"), StaleError)
	assert.True(Is(err, StaleError))
	assert.Equal("wrapped", err.Error())
	assert.Equal(UnclassifiedError, ClassOf(err))

	err = NewError(InvalidArgError, "bad offset %d", 3)
	assert.True(Is(err, InvalidArgError))
	assert.Contains(Details(err), "bad offset 3")

	err = AddClass(nil, CorruptState)
	assert.Equal(CorruptState, ClassOf(err))
	assert.True(Is(err, IOError))
}
