// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package and calling function to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/bmapcache/conf"
	"github.com/NVIDIA/bmapcache/utils"
)

type Level int

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel is used for operational logs that trace the success path.
	// Whether these are logged is controlled on a per-package basis.
	// When enabled, these are logged at logrus.InfoLevel.
	TraceLevel
)

const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
)

type globalsStruct struct {
	sync.Mutex
	logFile              *os.File
	traceLevelEnabled    bool
	packageTraceSettings map[string]bool
	targets              []io.Writer
}

var globals globalsStruct

func init() {
	globals.packageTraceSettings = map[string]bool{
		"bmap":        false,
		"bmapworkout": false,
		"conf":        false,
		"emmds":       false,
		"logger":      false,
		"mdsclient":   false,
		"pagecache":   false,
		"slab":        false,
	}
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
}

// Up configures logging from the [Logging] section of confMap
//
//   [Logging]
//   LogFilePath:       /var/log/bmapcache.log   # optional; default is stderr
//   LogToConsole:      true                     # when LogFilePath set, also log to stderr
//   TraceLevelLogging: bmap pagecache           # packages with Tracef enabled ("none" to disable)
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath    string
		logToConsole   bool
		traceConfSlice []string
		writers        []io.Writer
	)

	globals.Lock()
	defer globals.Unlock()

	logFilePath, err = confMap.FetchOptionValueString("Logging", "LogFilePath")
	if nil != err {
		logFilePath = ""
	}

	if "" != logFilePath {
		globals.logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	if nil != globals.logFile {
		writers = append(writers, globals.logFile)
		if logToConsole {
			writers = append(writers, os.Stderr)
		}
	} else {
		writers = append(writers, os.Stderr)
	}
	writers = append(writers, globals.targets...)

	log.SetOutput(io.MultiWriter(writers...))

	// NOTE: We always enable max logging in logrus and decide in
	//       this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, err = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	if nil != err {
		traceConfSlice = []string{}
	}
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

func Down() (err error) {
	globals.Lock()
	defer globals.Unlock()

	log.SetOutput(os.Stderr)

	if nil != globals.logFile {
		err = globals.logFile.Close()
		globals.logFile = nil
	}

	for pkg := range globals.packageTraceSettings {
		globals.packageTraceSettings[pkg] = false
	}
	globals.traceLevelEnabled = false
	globals.targets = nil

	return
}

// setTraceLoggingLevel must be called with globals locked
func setTraceLoggingLevel(confStrSlice []string) {
	globals.traceLevelEnabled = false

	for pkg := range globals.packageTraceSettings {
		globals.packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			globals.traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := globals.packageTraceSettings[pkg]; ok {
				globals.packageTraceSettings[pkg] = true
				globals.traceLevelEnabled = true
			}
		}
	}
}

func traceEnabled(pkg string) (enabled bool) {
	globals.Lock()
	if globals.traceLevelEnabled {
		enabled = globals.packageTraceSettings[pkg]
	}
	globals.Unlock()
	return
}

var backtraceOneLevel int = 1

func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return log.WithFields(fields)
}

func emit(entry *log.Entry, level Level, logString string) {
	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	default:
		entry.Info(logString)
	}
}

func Errorf(format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel), ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel), FatalLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel), InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel), WarnLevel, fmt.Sprintf(format, args...))
}

// Tracef logs at InfoLevel only when trace logging is enabled for the calling package
func Tracef(format string, args ...interface{}) {
	_, pkg, _ := utils.GetFuncPackage(backtraceOneLevel)
	if !traceEnabled(pkg) {
		return
	}
	emit(newLogEntry(backtraceOneLevel), TraceLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel).WithField(errorKey, err), ErrorLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel).WithField(errorKey, err), InfoLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel).WithField(errorKey, err), WarnLevel, fmt.Sprintf(format, args...))
}

func PanicfWithError(err error, format string, args ...interface{}) {
	emit(newLogEntry(backtraceOneLevel).WithField(errorKey, err), PanicLevel, fmt.Sprintf(format, args...))
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message. Logger.Up() must be called after this for it
// to take effect.
//
func AddLogTarget(writer io.Writer) {
	globals.Lock()
	globals.targets = append(globals.targets, writer)
	globals.Unlock()
}

// LogBuffer captures the most recent log lines. Useful for writing test cases.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init a LogTarget to hold upto nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++
	if 0 < len(target.LogBuf.LogEntries) {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
		target.LogBuf.LogEntries[0] = string(p)
	}

	n = len(p)
	return
}
