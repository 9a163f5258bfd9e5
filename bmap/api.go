// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bmap implements the client-side block-map object cache and the
// leases that guard it.
//
// A File holds an ordered index of block-map Objects keyed by block index.
// Each Object covers BlockSize bytes of the file, carries one lease issued by
// the metadata server, owns one pagecache.Cache, and tracks the I/O requests
// in flight against it. Objects live only while referenced: Acquire takes an
// access reference (fetching content and a lease on first touch) and Release
// drops it, scheduling final cleanup when the last one goes away.
//
// Lease renewals and reassignments hold a separate lease reference so that an
// object is never torn down while a metadata server round trip is outstanding.
//
// Lock order is File before Object before the expiry queue; Object before
// pagecache.Cache. No lock is held across a metadata server call or a slab
// allocation.
//
package bmap

import (
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/bmapcache/mdsclient"
	"github.com/NVIDIA/bmapcache/pagecache"
)

type RequestKind int

const (
	RequestRead RequestKind = iota
	RequestWrite
	RequestReadAhead
)

type File struct {
	sync.Mutex
	manager *Manager
	fileID  uint64
	index   sortedmap.LLRBTree // key is blockIndex; value is *Object
}

type Object struct {
	sync.Mutex
	cond           *sync.Cond
	gen            uint64 // bumped each time the Object is recycled
	id             uint64
	manager        *Manager
	file           *File
	blockIndex     uint64
	flags          objectFlags
	indexed        bool // present in file.index
	refs           uint64
	leaseRefs      uint64
	lastAccess     time.Time
	lease          leaseStruct
	replicas       []mdsclient.Replica
	serverClass    mdsclient.ServerClass
	onDisk         mdsclient.OnDiskState
	initErr        error
	pages          *pagecache.Cache
	unscheduled    *btree.BTree // of *Request
	scheduled      *btree.BTree // of *Request
	readAhead      *btree.BTree // of *Request
	flushScheduled bool
	requestSeq     uint64
}

// Request is one read, write, or read-ahead against an Object. Requests are
// ordered by offset ascending then length descending so that the larger of
// two requests starting at the same offset sorts first.
type Request struct {
	object     *Object
	offset     uint64
	length     uint64
	kind       RequestKind
	seq        uint64
	entries    []*pagecache.Entry
	filling    []bool // entries[i] is being filled (or written) by this request
	scheduled  bool
	dispatched bool
	expired    bool
	done       bool
}

// Connection is an established connection to a storage server.
type Connection interface {
	ServerID() uint32
}

// Connector establishes storage server connections on behalf of the
// replica selector.
type Connector interface {
	// Connect returns an established connection to serverID or an error if
	// one is not currently available.
	Connect(serverID uint32) (Connection, error)
	// WaitForConnectionChange blocks until some connection is (re-)established
	// or ctx is done.
	WaitForConnectionChange(ctx context.Context) error
}

type Snapshot struct {
	LiveObjects   int64
	PooledObjects uint64
	QueuedLeases  uint64
	PageCache     pagecache.Snapshot
}

// NewManager creates a Manager, its slab pool and its page cache manager.
func NewManager(config Config, mds mdsclient.Client, connector Connector) (manager *Manager, err error) {
	return newManager(config, mds, connector)
}

// Start launches the lease daemon and the page cache reclaimer.
func (manager *Manager) Start() {
	manager.start()
}

// Stop halts background activity, waits for outstanding renewals and
// cleanups, and releases the slab pool. Every Object must have been released.
func (manager *Manager) Stop() (err error) {
	return manager.stop()
}

func (manager *Manager) Snapshot() (snapshot Snapshot) {
	return manager.snapshot()
}

func (manager *Manager) Config() Config {
	return manager.config
}

// FlushWakeup returns the channel signalled whenever a flush is scheduled or
// pending requests are force-expired.
func (manager *Manager) FlushWakeup() <-chan struct{} {
	return manager.flushChan
}

func (manager *Manager) NewFile(fileID uint64) (file *File) {
	return manager.newFile(fileID)
}

// LookupOrCreate returns the Object for blockIndex with an access reference
// taken. On a miss with wantCreate a new Object is inserted and populated
// from the metadata server (isNew is true); concurrent callers for the same
// block wait for that to finish and share its result. On a miss without
// wantCreate a NotFoundError is returned.
func (manager *Manager) LookupOrCreate(file *File, blockIndex uint64, wantCreate bool) (object *Object, isNew bool, err error) {
	return manager.lookupOrCreate(file, blockIndex, wantCreate, mdsclient.AccessRead)
}

// Acquire returns the Object for blockIndex with an access reference taken
// and a valid lease of at least mode.
func (manager *Manager) Acquire(file *File, blockIndex uint64, mode mdsclient.AccessMode) (object *Object, err error) {
	return manager.acquire(file, blockIndex, mode)
}

// Release drops an access reference taken by Acquire or LookupOrCreate.
func (manager *Manager) Release(object *Object) {
	manager.putRef(object, false)
}

// TryExtend returns immediately if the lease has more than
// LeaseRenewThreshold remaining. Otherwise it issues a renewal (unless one is
// already outstanding) and, if blocking, waits for its outcome.
func (manager *Manager) TryExtend(object *Object, blocking bool) (err error) {
	return manager.tryExtend(object, blocking)
}

// TryReassign asks the metadata server to rebind the lease to a server other
// than those previously assigned. It is refused once a request has been
// dispatched under the current lease and after MaxReassignCount attempts.
func (manager *Manager) TryReassign(object *Object) (err error) {
	return manager.tryReassign(object)
}

// SecondsRemaining returns the time left on object's lease without locking.
func (manager *Manager) SecondsRemaining(object *Object) float64 {
	return object.secondsRemaining()
}

// BeginModeChange takes object's mode-changing gate, waiting for any other
// holder to finish.
func (manager *Manager) BeginModeChange(object *Object) {
	object.beginModeChange()
}

func (manager *Manager) EndModeChange(object *Object) {
	object.endModeChange()
}

// ModeSet changes object's lease to mode. The caller must hold the
// mode-changing gate (see BeginModeChange).
func (manager *Manager) ModeSet(object *Object, mode mdsclient.AccessMode) (err error) {
	return manager.modeSet(object, mode)
}

// CreateRequest registers a request against object (on which the caller
// holds an access reference), faulting in and pinning its page cache entries
// unless the object is in direct mode.
func (manager *Manager) CreateRequest(object *Object, offset uint64, length uint64, kind RequestKind) (request *Request, err error) {
	return manager.createRequest(object, offset, length, kind)
}

// ForceExpire flags every pending request of object as expired and wakes the
// flusher.
func (manager *Manager) ForceExpire(object *Object) {
	object.Lock()
	manager.forceExpireLocked(object)
	object.Unlock()
}

// WaitUntilEmpty blocks until object has no pending requests and no flush
// scheduled.
func (manager *Manager) WaitUntilEmpty(object *Object) {
	object.Lock()
	object.waitUntilEmptyLocked()
	object.Unlock()
}

func (manager *Manager) ScheduleFlush(object *Object) {
	manager.scheduleFlush(object)
}

func (manager *Manager) FlushDone(object *Object) {
	manager.flushDone(object)
}

// SelectConnection picks the storage server connection to use for object.
// An exclusive selection resolves to the lease's assigned server.
func (manager *Manager) SelectConnection(object *Object, exclusive bool) (connection Connection, err error) {
	return manager.selectConnection(object, exclusive)
}

func (object *Object) BlockIndex() uint64 {
	return object.blockIndex
}

func (object *Object) FileID() uint64 {
	return object.file.fileID
}

// Pages returns object's page cache.
func (object *Object) Pages() *pagecache.Cache {
	return object.pages
}

// IsDirect reports whether object bypasses the page cache.
func (object *Object) IsDirect() (direct bool) {
	object.Lock()
	direct = object.flags.isSet(flagDirect)
	object.Unlock()
	return
}

func (object *Object) Mode() (mode mdsclient.AccessMode) {
	object.Lock()
	if object.flags.isSet(flagWriteReady) {
		mode = mdsclient.AccessWrite
	} else {
		mode = mdsclient.AccessRead
	}
	object.Unlock()
	return
}

// LeaseServer returns the storage server the lease is currently bound to.
func (object *Object) LeaseServer() (serverID uint32) {
	object.Lock()
	serverID = object.lease.serverID
	object.Unlock()
	return
}

// LeaseErr returns the error that failed or expired the lease (nil if valid).
func (object *Object) LeaseErr() (err error) {
	object.Lock()
	if object.lease.failed || object.lease.expired {
		err = object.lease.lastErr
	}
	object.Unlock()
	return
}

func (object *Object) OnDiskState() (state mdsclient.OnDiskState) {
	object.Lock()
	state = object.onDisk
	object.Unlock()
	return
}

func (request *Request) Object() *Object {
	return request.object
}

func (request *Request) Offset() uint64 {
	return request.offset
}

func (request *Request) Length() uint64 {
	return request.length
}

func (request *Request) Kind() RequestKind {
	return request.kind
}

// Entries returns the pinned page cache entries backing request (none in
// direct mode or once completed).
func (request *Request) Entries() (entries []*pagecache.Entry) {
	request.object.Lock()
	entries = request.entries
	request.object.Unlock()
	return
}

// Schedule moves request from the unscheduled to the scheduled collection.
func (request *Request) Schedule() {
	request.object.manager.scheduleRequest(request)
}

// MarkDispatched records that request is about to be sent to a storage
// server. It fails if the request has been force-expired.
func (request *Request) MarkDispatched() (err error) {
	return request.object.manager.markDispatched(request)
}

// Complete finishes request. A nil ioErr marks the entries it filled
// data-ready and then waits for the entries it shares with another reader's
// fill, returning an IOError if any of those failed. A non-nil ioErr puts the
// filled entries in error state. Either way the entries are unpinned and the
// request is removed from its object.
func (request *Request) Complete(ioErr error) (err error) {
	return request.object.manager.completeRequest(request, ioErr)
}

// Expired reports whether request was force-expired by a lease failure.
func (request *Request) Expired() (expired bool) {
	request.object.Lock()
	expired = request.expired
	request.object.Unlock()
	return
}
