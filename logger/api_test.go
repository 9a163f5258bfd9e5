// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bmapcache/conf"
)

func TestAPI(t *testing.T) {
	var (
		logTarget LogTarget
	)

	assert := assert.New(t)
	require := require.New(t)

	logTarget.Init(10)
	AddLogTarget(logTarget)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=" + filepath.Join(t.TempDir(), "bmapcache.log"),
		"Logging.TraceLevelLogging=logger",
	})
	require.NoError(err)

	err = Up(confMap)
	require.NoError(err)

	Infof("hello %s", "there")
	assert.Equal(1, logTarget.LogBuf.TotalEntries)
	assert.Contains(logTarget.LogBuf.LogEntries[0], `msg="hello there"`)
	assert.Contains(logTarget.LogBuf.LogEntries[0], "function=TestAPI")
	assert.Contains(logTarget.LogBuf.LogEntries[0], "package=logger")

	Tracef("traced %d", 1)
	assert.Equal(2, logTarget.LogBuf.TotalEntries)
	assert.Contains(logTarget.LogBuf.LogEntries[0], `msg="traced 1"`)

	ErrorfWithError(fmt.Errorf("this is the error"), "we had an error!")
	assert.Equal(3, logTarget.LogBuf.TotalEntries)
	assert.Contains(logTarget.LogBuf.LogEntries[0], `error="this is the error"`)
	assert.Contains(logTarget.LogBuf.LogEntries[0], "level=error")

	logFilePath, err := confMap.FetchOptionValueString("Logging", "LogFilePath")
	require.NoError(err)

	err = Down()
	assert.NoError(err)

	contents, err := os.ReadFile(logFilePath)
	require.NoError(err)
	assert.Contains(string(contents), "we had an error!")
}

func TestTraceGating(t *testing.T) {
	var (
		logTarget LogTarget
	)

	assert := assert.New(t)
	require := require.New(t)

	logTarget.Init(4)
	AddLogTarget(logTarget)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.TraceLevelLogging=none",
	})
	require.NoError(err)

	err = Up(confMap)
	require.NoError(err)

	Tracef("should not appear")
	assert.Equal(0, logTarget.LogBuf.TotalEntries)

	Warnf("warned")
	assert.Equal(1, logTarget.LogBuf.TotalEntries)
	assert.Contains(logTarget.LogBuf.LogEntries[0], "level=warning")

	err = Down()
	assert.NoError(err)
}
