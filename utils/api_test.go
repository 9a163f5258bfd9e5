// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("TestGetFuncPackage", fn)
	assert.Equal("utils", pkg)
	assert.NotEqual(uint64(0), gid)

	func() {
		fn, pkg, _ = GetFuncPackage(1)
	}()
	assert.Equal("TestGetFuncPackage", fn)
	assert.Equal("utils", pkg)
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	time.Sleep(2 * time.Millisecond)
	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 2*time.Millisecond)
	assert.Equal(elapsed, sw.Elapsed())
	assert.Equal(elapsed, sw.Stop())
}

func TestJSONify(t *testing.T) {
	assert := assert.New(t)

	type sampleStruct struct {
		Offset uint64
		Length uint32
	}

	assert.Equal(`{"Offset":4096,"Length":512}`, JSONify(&sampleStruct{Offset: 4096, Length: 512}, false))
	assert.Equal("{\n\t\"Offset\": 1,\n\t\"Length\": 2\n}", JSONify(sampleStruct{Offset: 1, Length: 2}, true))
	assert.Contains(JSONify(make(chan int), false), "json.Marshal failed")
}
