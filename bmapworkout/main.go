// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program bmapworkout drives a bmap.Manager against the in-memory metadata
// server emulation with a configurable number of concurrent workers, then
// reports the statistics gathered.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	fileatomic "github.com/natefinch/atomic"
	"github.com/spf13/pflag"

	"github.com/NVIDIA/bmapcache/bmap"
	"github.com/NVIDIA/bmapcache/bucketstats"
	"github.com/NVIDIA/bmapcache/conf"
	"github.com/NVIDIA/bmapcache/emmds"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
	"github.com/NVIDIA/bmapcache/statslogger"
	"github.com/NVIDIA/bmapcache/utils"
)

type workoutStatsStruct struct {
	Operations      bucketstats.Total
	AcquireFailures bucketstats.Total
	RequestFailures bucketstats.Total
	ConnectFailures bucketstats.Total
	Reassigns       bucketstats.Total
	InjectedIOErrs  bucketstats.Total
	SharedFillErrs  bucketstats.Total
	FlushWakeups    bucketstats.Total
	OperationUsec   bucketstats.BucketLog2Round
}

type workoutConnection uint32

func (connection workoutConnection) ServerID() uint32 {
	return uint32(connection)
}

// workoutConnector connects to every server except those listed as down.
type workoutConnector struct {
	down map[uint32]bool
}

func (connector *workoutConnector) Connect(serverID uint32) (connection bmap.Connection, err error) {
	if connector.down[serverID] {
		err = fmt.Errorf("server %d is down", serverID)
		return
	}
	connection = workoutConnection(serverID)
	return
}

func (connector *workoutConnector) WaitForConnectionChange(ctx context.Context) (err error) {
	<-ctx.Done()
	err = ctx.Err()
	return
}

// workoutSource feeds the periodic stats logger.
type workoutSource struct {
	manager *bmap.Manager
	server  *emmds.Server
}

func (source *workoutSource) Gauges() map[string]int64 {
	snapshot := source.manager.Snapshot()
	return map[string]int64{
		"LiveObjects":   snapshot.LiveObjects,
		"PooledObjects": int64(snapshot.PooledObjects),
		"QueuedLeases":  int64(snapshot.QueuedLeases),
		"EntriesInUse":  int64(snapshot.PageCache.EntriesInUse),
		"LRUResident":   int64(snapshot.PageCache.LRUResident),
		"AllocWaiters":  int64(snapshot.PageCache.Waiters),
		"Slabs":         int64(snapshot.PageCache.Slabs),
		"BlocksInUse":   int64(snapshot.PageCache.BlocksInUse),
	}
}

func (source *workoutSource) Counters() map[string]uint64 {
	counts := source.server.Counts()
	return map[string]uint64{
		"Operations":       workoutStats.Operations.TotalGet(),
		"GetBmap":          counts.GetBmap,
		"LeaseBmap":        counts.LeaseBmap,
		"ExtendLease":      counts.ExtendLease,
		"ReassignLease":    counts.ReassignLease,
		"ChangeAccessMode": counts.ChangeAccessMode,
	}
}

var (
	archivalWrites   bool
	blocksPerFile    uint64
	confFilePath     string
	downServers      []uint
	failExtend       bool
	files            uint64
	ioErrorPercent   uint
	iterations       uint64
	leaseWait        int
	readAheadPercent uint
	reportFilePath   string
	threads          uint64
	workoutStats     workoutStatsStruct
	writePercent     uint
)

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "    %v [flags] [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  where flags are:\n")
	flagSet.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "Note: [BMapCache] options not supplied take their default values\n")
}

func main() {
	var (
		config       bmap.Config
		confMap      conf.ConfMap
		connector    *workoutConnector
		err          error
		fileList     []*bmap.File
		fileID       uint64
		flagSet      *pflag.FlagSet
		flusherDone  chan struct{}
		flusherStop  chan struct{}
		manager      *bmap.Manager
		report       strings.Builder
		server       *emmds.Server
		serverID     uint
		statsLogger  *statslogger.Logger
		stopwatch    *utils.Stopwatch
		threadIndex  uint64
		workersGroup sync.WaitGroup
	)

	flagSet = pflag.NewFlagSet("bmapworkout", pflag.ContinueOnError)
	flagSet.Uint64VarP(&threads, "threads", "t", 8, "number of concurrent workers")
	flagSet.Uint64VarP(&iterations, "iterations", "n", 1000, "operations per worker")
	flagSet.Uint64Var(&files, "files", 4, "number of files shared by the workers")
	flagSet.Uint64Var(&blocksPerFile, "blocks", 16, "number of blocks per file")
	flagSet.UintVar(&writePercent, "write-percent", 30, "percentage of operations that write")
	flagSet.UintVar(&readAheadPercent, "read-ahead-percent", 10, "percentage of reads issued as read-ahead")
	flagSet.UintVar(&ioErrorPercent, "io-error-percent", 0, "percentage of requests completed with an injected I/O error")
	flagSet.BoolVar(&failExtend, "fail-extend", false, "make every lease extension fail")
	flagSet.IntVar(&leaseWait, "lease-wait", 0, "number of lease-wait answers given to mode changes")
	flagSet.BoolVar(&archivalWrites, "archival-writes", false, "grant write leases on archival servers (direct mode)")
	flagSet.UintSliceVar(&downServers, "down", nil, "storage servers that refuse connections")
	flagSet.StringVarP(&confFilePath, "conf", "c", "", "input to conf.MakeConfMapFromFile()")
	flagSet.StringVarP(&reportFilePath, "report", "r", "", "file to (atomically) write the report to")

	err = flagSet.Parse(os.Args[1:])
	if nil != err {
		if pflag.ErrHelp != err {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		usage(flagSet)
		os.Exit(1)
	}

	if (0 == threads) || (0 == files) || (0 == blocksPerFile) {
		fmt.Fprintf(os.Stderr, "threads, files, and blocks must be positive numbers\n")
		os.Exit(1)
	}
	if (100 < writePercent) || (100 < readAheadPercent) || (100 < ioErrorPercent) {
		fmt.Fprintf(os.Stderr, "percentages must not exceed 100\n")
		os.Exit(1)
	}

	if "" == confFilePath {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(confFilePath)
		if nil != err {
			fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", confFilePath, err)
			os.Exit(1)
		}
	}

	if 0 < flagSet.NArg() {
		err = confMap.UpdateFromStrings(flagSet.Args())
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", flagSet.Args(), err)
			os.Exit(1)
		}
	}

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	config, err = bmap.FetchConfig(confMap)
	if nil != err {
		logger.Fatalf("bmap.FetchConfig() failed: %v", err)
	}

	server = emmds.New(emmds.Config{MaxLeaseDuration: config.MaxLeaseDuration, BlockLength: config.BlockSize})
	server.SetFailExtend(failExtend)
	server.SetLeaseWait(leaseWait)
	server.SetArchivalWriteTarget(archivalWrites)

	connector = &workoutConnector{down: make(map[uint32]bool)}
	for _, serverID = range downServers {
		connector.down[uint32(serverID)] = true
	}

	manager, err = bmap.NewManager(config, server, connector)
	if nil != err {
		logger.Fatalf("bmap.NewManager() failed: %v", err)
	}

	bucketstats.Register("bmapworkout", "", &workoutStats)

	manager.Start()

	statsLogger = statslogger.Start(statslogger.FetchConfig(confMap), &workoutSource{manager: manager, server: server})

	flusherStop = make(chan struct{})
	flusherDone = make(chan struct{})

	go func() {
		defer close(flusherDone)
		for {
			select {
			case <-manager.FlushWakeup():
				workoutStats.FlushWakeups.Increment()
			case <-flusherStop:
				return
			}
		}
	}()

	for fileID = 1; fileID <= files; fileID++ {
		fileList = append(fileList, manager.NewFile(fileID))
	}

	logger.Infof("bmapworkout starting %d workers x %d operations over %d files of %d blocks", threads, iterations, files, blocksPerFile)

	stopwatch = utils.NewStopwatch()

	for threadIndex = 0; threadIndex < threads; threadIndex++ {
		workersGroup.Add(1)
		go worker(manager, fileList, rand.New(rand.NewSource(time.Now().UnixNano()+int64(threadIndex))), &workersGroup)
	}

	workersGroup.Wait()

	stopwatch.Stop()

	statsLogger.Stop()

	fmt.Fprintf(&report, "elapsed: %v (%.1f ops/sec)\n", stopwatch.Elapsed(), float64(threads*iterations)/stopwatch.Elapsed().Seconds())
	fmt.Fprintf(&report, "snapshot: %s\n", utils.JSONify(manager.Snapshot(), true))
	fmt.Fprintf(&report, "mds calls: %s\n", utils.JSONify(server.Counts(), false))
	report.WriteString(bucketstats.SprintStats("*", "*"))

	err = manager.Stop()
	if nil != err {
		logger.ErrorfWithError(err, "bmap.Manager.Stop() failed")
	}

	close(flusherStop)
	<-flusherDone

	bucketstats.UnRegister("bmapworkout", "")

	if "" == reportFilePath {
		fmt.Print(report.String())
	} else {
		err = fileatomic.WriteFile(reportFilePath, strings.NewReader(report.String()))
		if nil != err {
			logger.Fatalf("writing report to %s failed: %v", reportFilePath, err)
		}
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}
}

func worker(manager *bmap.Manager, fileList []*bmap.File, rng *rand.Rand, workersGroup *sync.WaitGroup) {
	var (
		config    = manager.Config()
		iteration uint64
		pageCount = config.BlockSize / config.PageSize
	)

	defer workersGroup.Done()

	for iteration = 0; iteration < iterations; iteration++ {
		var (
			blockIndex = uint64(rng.Int63n(int64(blocksPerFile)))
			file       = fileList[rng.Intn(len(fileList))]
			kind       = bmap.RequestRead
			mode       = mdsclient.AccessRead
			pageIndex  = uint64(rng.Int63n(int64(pageCount)))
			start      = time.Now()
		)

		if uint(rng.Intn(100)) < writePercent {
			kind = bmap.RequestWrite
			mode = mdsclient.AccessWrite
		} else if uint(rng.Intn(100)) < readAheadPercent {
			kind = bmap.RequestReadAhead
		}

		offset := pageIndex * config.PageSize
		length := uint64(1 + rng.Int63n(int64(config.BlockSize-offset)))

		operate(manager, file, blockIndex, mode, kind, offset, length, rng)

		workoutStats.Operations.Increment()
		workoutStats.OperationUsec.Add(uint64(time.Since(start) / time.Microsecond))
	}
}

func operate(manager *bmap.Manager, file *bmap.File, blockIndex uint64, mode mdsclient.AccessMode, kind bmap.RequestKind, offset uint64, length uint64, rng *rand.Rand) {
	var (
		connection bmap.Connection
		err        error
		ioErr      error
		object     *bmap.Object
		request    *bmap.Request
	)

	object, err = manager.Acquire(file, blockIndex, mode)
	if nil != err {
		workoutStats.AcquireFailures.Increment()
		logger.Tracef("bmapworkout Acquire() of block %d for %v failed: %v", blockIndex, mode, err)
		return
	}
	defer manager.Release(object)

	request, err = manager.CreateRequest(object, offset, length, kind)
	if nil != err {
		workoutStats.RequestFailures.Increment()
		return
	}

	connection, err = manager.SelectConnection(object, bmap.RequestWrite == kind)
	if nil != err {
		workoutStats.ConnectFailures.Increment()
		if nil == manager.TryReassign(object) {
			workoutStats.Reassigns.Increment()
		}
		request.Complete(err)
		return
	}

	if bmap.RequestWrite == kind {
		manager.ScheduleFlush(object)
		defer manager.FlushDone(object)
	}

	request.Schedule()

	err = request.MarkDispatched()
	if nil == err {
		if uint(rng.Intn(100)) < ioErrorPercent {
			workoutStats.InjectedIOErrs.Increment()
			ioErr = fmt.Errorf("injected I/O error on server %d", connection.ServerID())
		}
	} else {
		ioErr = err
	}

	err = request.Complete(ioErr)
	if nil != err {
		workoutStats.SharedFillErrs.Increment()
	}

	_ = manager.TryExtend(object, false)
}
