// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bmap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/NVIDIA/bmapcache/blunder"
	"github.com/NVIDIA/bmapcache/bucketstats"
	"github.com/NVIDIA/bmapcache/logger"
	"github.com/NVIDIA/bmapcache/mdsclient"
	"github.com/NVIDIA/bmapcache/pagecache"
	"github.com/NVIDIA/bmapcache/slab"
	"github.com/NVIDIA/bmapcache/utils"
)

type ManagerStats struct {
	Lookups               bucketstats.Total
	LookupHits            bucketstats.Total
	LookupMisses          bucketstats.Total
	LookupRaces           bucketstats.Total
	PendingFreeWaits      bucketstats.Total
	InitWaits             bucketstats.Total
	InitFailures          bucketstats.Total
	ObjectsFreed          bucketstats.Total
	ObjectPoolHits        bucketstats.Total
	GetBmapUsec           bucketstats.BucketLog2Round
	LeaseBmapUsec         bucketstats.BucketLog2Round
	ExtendLeaseUsec       bucketstats.BucketLog2Round
	ReassignLeaseUsec     bucketstats.BucketLog2Round
	ChangeAccessModeUsec  bucketstats.BucketLog2Round
	LeaseHits             bucketstats.Total
	LeaseRenewals         bucketstats.Total
	LeaseRenewalFailures  bucketstats.Total
	LeaseExpirations      bucketstats.Total
	LeaseRefetches        bucketstats.Total
	ReassignAttempts      bucketstats.Total
	ReassignFailures      bucketstats.Total
	ReassignRejects       bucketstats.Total
	ModeChanges           bucketstats.Total
	ModeChangeRetries     bucketstats.Total
	ModeChangeFailures    bucketstats.Total
	DirectSwitches        bucketstats.Total
	RequestsCreated       bucketstats.Total
	RequestsCompleted     bucketstats.Total
	RequestsForceExpired  bucketstats.Total
	RequestIOErrors       bucketstats.Total
	ConnectionWaits       bucketstats.Total
	ConnectionFailures    bucketstats.Total
	CorruptReplicaTables  bucketstats.Total
	FlushWakeupsCoalesced bucketstats.Total
}

type Manager struct {
	sync.Mutex
	config       Config
	name         string
	mds          mdsclient.Client
	connector    Connector
	slabPool     *slab.Pool
	pageCache    *pagecache.Manager
	objectPool   []*Object // recycled Objects
	expiryLock   sync.Mutex
	expiryQueue  *btree.BTree // of *expiryItem
	flushChan    chan struct{}
	stopChan     chan struct{}
	started      bool
	stopped      bool
	daemonWG     sync.WaitGroup
	renewWG      sync.WaitGroup
	cleanupWG    sync.WaitGroup
	nextObjectID uint64 // atomic
	liveObjects  int64  // atomic
	stats        *ManagerStats
}

var managerSeq uint64

func newManager(config Config, mds mdsclient.Client, connector Connector) (manager *Manager, err error) {
	var (
		slabPool *slab.Pool
	)

	if nil == mds {
		err = blunder.NewError(blunder.InvalidArgError, "bmap.NewManager() requires a metadata server client")
		return
	}
	if nil == connector {
		err = blunder.NewError(blunder.InvalidArgError, "bmap.NewManager() requires a connector")
		return
	}

	err = config.validate()
	if nil != err {
		return
	}

	manager = &Manager{
		config:      config,
		name:        fmt.Sprintf("manager%d", atomic.AddUint64(&managerSeq, 1)),
		mds:         mds,
		connector:   connector,
		objectPool:  make([]*Object, 0, config.MaxObjectPoolSize),
		expiryQueue: btree.New(expiryQueueDegree),
		flushChan:   make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		stats:       &ManagerStats{},
	}

	slabPool, err = slab.NewPool(slab.PoolConfig{
		Name:      manager.name,
		BlockSize: config.PageSize,
		SlabSize:  config.SlabSize,
		MinSlabs:  config.MinSlabs,
		MaxSlabs:  config.MaxSlabs,
	})
	if nil != err {
		manager = nil
		return
	}

	manager.pageCache, err = pagecache.NewManager(pagecache.Config{
		Name:            manager.name,
		PageSize:        config.PageSize,
		MaxEntries:      config.MaxPageCacheEntries,
		ReapMinAge:      config.ReapMinAge,
		SlabIdleAge:     config.SlabIdleAge,
		ReclaimInterval: config.ReclaimInterval,
	}, slabPool)
	if nil != err {
		_ = slabPool.Close()
		manager = nil
		return
	}

	manager.slabPool = slabPool

	bucketstats.Register("bmap", manager.name, manager.stats)

	logger.Infof("bmap %s created with config %s", manager.name, utils.JSONify(config, false))

	return
}

func (manager *Manager) start() {
	manager.Lock()
	if manager.started || manager.stopped {
		manager.Unlock()
		return
	}
	manager.started = true
	manager.Unlock()

	manager.pageCache.Start()

	manager.daemonWG.Add(1)
	go manager.leaseDaemon()
}

func (manager *Manager) stop() (err error) {
	manager.Lock()
	if manager.stopped {
		manager.Unlock()
		return
	}
	manager.stopped = true
	manager.Unlock()

	close(manager.stopChan)
	manager.daemonWG.Wait()
	manager.renewWG.Wait()
	manager.cleanupWG.Wait()

	if 0 != atomic.LoadInt64(&manager.liveObjects) {
		err = blunder.NewClassError(blunder.CorruptState, blunder.DevBusyError, "bmap %s stopped with %v live objects", manager.name, atomic.LoadInt64(&manager.liveObjects))
		logger.ErrorfWithError(err, "bmap %s not drained", manager.name)
	}

	manager.pageCache.Stop()

	if nil == err {
		err = manager.slabPool.Close()
	}

	bucketstats.UnRegister("bmap", manager.name)

	return
}

func (manager *Manager) snapshot() (snapshot Snapshot) {
	manager.Lock()
	snapshot.PooledObjects = uint64(len(manager.objectPool))
	manager.Unlock()

	manager.expiryLock.Lock()
	snapshot.QueuedLeases = uint64(manager.expiryQueue.Len())
	manager.expiryLock.Unlock()

	snapshot.LiveObjects = atomic.LoadInt64(&manager.liveObjects)
	snapshot.PageCache = manager.pageCache.Snapshot()

	return
}

// flushWakeup signals the flusher without blocking; a pending signal absorbs
// further ones.
func (manager *Manager) flushWakeup() {
	select {
	case manager.flushChan <- struct{}{}:
	default:
		manager.stats.FlushWakeupsCoalesced.Increment()
	}
}

// allocObject returns a recycled Object if one is pooled, else a new one.
func (manager *Manager) allocObject() (object *Object) {
	var (
		poolLen int
	)

	manager.Lock()
	poolLen = len(manager.objectPool)
	if 0 < poolLen {
		object = manager.objectPool[poolLen-1]
		manager.objectPool[poolLen-1] = nil
		manager.objectPool = manager.objectPool[:poolLen-1]
	}
	manager.Unlock()

	if nil == object {
		object = &Object{}
		object.cond = sync.NewCond(object)
	} else {
		manager.stats.ObjectPoolHits.Increment()
	}

	return
}

// freeObject returns a spare or torn down Object to the pool. Its mutex,
// cond and gen survive; everything else is reset on reuse.
func (manager *Manager) freeObject(object *Object) {
	object.Lock()
	object.resetLocked()
	object.Unlock()

	manager.Lock()
	if uint64(len(manager.objectPool)) < manager.config.MaxObjectPoolSize {
		manager.objectPool = append(manager.objectPool, object)
	}
	manager.Unlock()
}
