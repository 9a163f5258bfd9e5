// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for the block map cache.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GetGID returns the goroutine id of the caller.
//
// Logging the goroutine context can be useful when trying to debug things
// like lock ordering between a File and its Objects.
//
func GetGID() (gid uint64) {
	stack := make([]byte, 64)
	stack = bytes.TrimPrefix(stack[:runtime.Stack(stack, false)], []byte("goroutine "))
	if space := bytes.IndexByte(stack, ' '); 0 <= space {
		gid, _ = strconv.ParseUint(string(stack[:space]), 10, 64)
	}
	return
}

// GetFuncPackage returns the function and package names of the caller level
// frames above its own caller, along with the goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	var (
		name = "unknown.unknown"
	)

	pc, _, _, ok := runtime.Caller(level + 1)
	if ok {
		if function := runtime.FuncForPC(pc); nil != function {
			name = function.Name()
		}
	}

	// "github.com/NVIDIA/bmapcache/bmap.(*Manager).acquire" => "bmap.(*Manager).acquire"
	name = name[strings.LastIndex(name, "/")+1:]

	pkg = name
	if dot := strings.Index(name, "."); 0 <= dot {
		pkg = name[:dot]
	}
	fn = name[strings.LastIndex(name, ".")+1:]
	gid = GetGID()

	return
}

// Stopwatch measures elapsed wall clock time until stopped.
type Stopwatch struct {
	StartTime   time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	if sw.IsRunning {
		sw.ElapsedTime = time.Since(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}

// JSONify renders input as JSON (tab indented if indentify) for logging.
// Failures are rendered inline rather than returned.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err       error
		inputJSON []byte
	)

	if indentify {
		inputJSON, err = json.MarshalIndent(input, "", "\t")
	} else {
		inputJSON, err = json.Marshal(input)
	}
	if nil != err {
		output = fmt.Sprintf("<<<json.Marshal failed: %v>>>", err)
		return
	}

	output = string(inputJSON)

	return
}
