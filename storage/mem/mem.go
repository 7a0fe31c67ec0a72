// Copyright (C) 2017-2026  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package mem provides in-process relstorage backend.
//
// A DB lives in memory and is shared by all Backend handles opened on it.
// Several handles to one DB behave like several processes connected to one
// relational database: each handle has its own transactions and row locks
// are arbitrated across handles. This makes mem suitable to exercise
// cross-process cache coherence and commit arbitration in tests.
//
// DB is registered under "mem" URL scheme: all opens of mem://<name> within
// one process refer to the same DB.
package mem

import (
	"bytes"
	"context"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// OidBlock is how many oids NewOids hands out at once.
const OidBlock = 16

// Fault points that can be armed with DB.InjectFault.
const (
	FaultLoad     = "load"
	FaultChanges  = "changes"
	FaultBegin    = "begin"
	FaultLock     = "lock"
	FaultCurrent  = "current"
	FaultAllocate = "allocate"
	FaultStore    = "store"
	FaultCommit   = "commit"
)

// revision is one entry of object_state, ordered by (oid, tid).
type revision struct {
	oid     zodb.Oid
	tid     zodb.Tid
	prevTid zodb.Tid
	data    []byte
}

func revLess(a, b revision) bool {
	if a.oid != b.oid {
		return a.oid < b.oid
	}
	return a.tid < b.tid
}

// txnEntry is one entry of transaction log, ordered by tid.
type txnEntry struct {
	tid  zodb.Tid
	oidv []zodb.Oid // sorted
}

func txnLess(a, b txnEntry) bool {
	return a.tid < b.tid
}

// rowLock is held by one transaction; done is closed on release.
type rowLock struct {
	owner *tx
	done  chan struct{}
}

// DB is in-memory database shared by Backend handles.
type DB struct {
	name string

	mu      sync.Mutex
	revs    *btree.BTreeG[revision]
	txlog   *btree.BTreeG[txnEntry]
	current map[zodb.Oid]zodb.Tid
	lastTid zodb.Tid
	tidHWM  zodb.Tid // highest tid ever reserved; reservations are never reused
	lastOid zodb.Oid // highest oid ever handed out

	rowLocks   map[zodb.Oid]*rowLock
	commitLock chan struct{} // held from tid allocation to commit/rollback

	faults map[string]error

	nload atomic.Int64
}

// NewDB creates new empty database.
func NewDB(name string) *DB {
	return &DB{
		name:       name,
		revs:       btree.NewG[revision](32, revLess),
		txlog:      btree.NewG[txnEntry](32, txnLess),
		current:    make(map[zodb.Oid]zodb.Tid),
		rowLocks:   make(map[zodb.Oid]*rowLock),
		commitLock: make(chan struct{}, 1),
		faults:     make(map[string]error),
	}
}

// InjectFault arms fault point op: the next operation passing it fails with err.
func (db *DB) InjectFault(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults[op] = err
}

// fault returns and disarms error armed for op. Must be called with db.mu held.
func (db *DB) fault(op string) error {
	err := db.faults[op]
	if err != nil {
		delete(db.faults, op)
	}
	return err
}

// Loads returns how many LoadAt calls were served by db.
func (db *DB) Loads() int64 {
	return db.nload.Load()
}

// ResetLoads resets Loads counter to 0.
func (db *DB) ResetLoads() {
	db.nload.Store(0)
}

// Open returns new Backend handle to db.
func (db *DB) Open() *Backend {
	return &Backend{db: db, url: "mem://" + db.name}
}

// {} name -> DB for mem:// URLs
var dbMu sync.Mutex
var dbRegistry = map[string]*DB{}

// Named returns process-global DB with given name, creating it if needed.
func Named(name string) *DB {
	dbMu.Lock()
	defer dbMu.Unlock()
	db, ok := dbRegistry[name]
	if !ok {
		db = NewDB(name)
		dbRegistry[name] = db
	}
	return db
}

func openURL(ctx context.Context, u *url.URL) (storage.Backend, error) {
	name := u.Host + u.Path
	if name == "" {
		return nil, errors.Errorf("mem: %s: database name is empty", u)
	}
	return Named(name).Open(), nil
}

func init() {
	storage.RegisterBackend("mem", openURL)
}

// Backend is one handle to DB.
type Backend struct {
	db     *DB
	url    string
	closed atomic.Bool
}

var _ storage.Backend = (*Backend)(nil)

var errClosed = errors.New("backend is closed")

func (b *Backend) berr(op string, err error) error {
	return &zodb.BackendError{Op: op, Err: err}
}

// check verifies handle is open and consults fault point op.
func (b *Backend) check(op string) error {
	if b.closed.Load() {
		return b.berr(op, errClosed)
	}
	b.db.mu.Lock()
	err := b.db.fault(op)
	b.db.mu.Unlock()
	return err
}

func (b *Backend) URL() string {
	return b.url
}

// DB returns database the handle is opened on.
func (b *Backend) DB() *DB {
	return b.db
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Backend) LastTid(ctx context.Context) (zodb.Tid, error) {
	if err := b.check("last_tid"); err != nil {
		return 0, err
	}
	db := b.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastTid, nil
}

func (b *Backend) ChangesSince(ctx context.Context, after zodb.Tid) ([]storage.Change, error) {
	if err := b.check(FaultChanges); err != nil {
		return nil, err
	}
	db := b.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var changev []storage.Change
	db.txlog.AscendGreaterOrEqual(txnEntry{tid: after + 1}, func(txn txnEntry) bool {
		for _, oid := range txn.oidv {
			changev = append(changev, storage.Change{Tid: txn.tid, Oid: oid})
		}
		return true
	})
	return changev, nil
}

func (b *Backend) LoadAt(ctx context.Context, oid zodb.Oid, at zodb.Tid) ([]byte, zodb.Tid, error) {
	if err := b.check(FaultLoad); err != nil {
		return nil, 0, err
	}
	db := b.db
	db.nload.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()

	rev, ok := db.revAt(oid, at)
	if !ok {
		return nil, 0, &zodb.NoObjectError{Oid: oid, At: at}
	}
	return bytes.Clone(rev.data), rev.tid, nil
}

func (b *Backend) LoadBefore(ctx context.Context, oid zodb.Oid, before zodb.Tid) ([]byte, zodb.Tid, zodb.Tid, error) {
	if err := b.check(FaultLoad); err != nil {
		return nil, 0, 0, err
	}
	if before == 0 {
		return nil, 0, 0, &zodb.NoObjectError{Oid: oid}
	}
	db := b.db
	db.nload.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()

	rev, ok := db.revAt(oid, before-1)
	if !ok {
		return nil, 0, 0, &zodb.NoObjectError{Oid: oid, At: before - 1}
	}
	var next zodb.Tid
	db.revs.AscendGreaterOrEqual(revision{oid: oid, tid: rev.tid + 1}, func(r revision) bool {
		if r.oid == oid {
			next = r.tid
		}
		return false
	})
	return bytes.Clone(rev.data), rev.tid, next, nil
}

// revAt returns revision of oid with the largest tid ≤ at.
//
// must be called with .mu held.
func (db *DB) revAt(oid zodb.Oid, at zodb.Tid) (rev revision, found bool) {
	db.revs.DescendLessOrEqual(revision{oid: oid, tid: at}, func(r revision) bool {
		if r.oid == oid {
			rev, found = r, true
		}
		return false
	})
	return rev, found
}

func (b *Backend) NewOids(ctx context.Context) ([]zodb.Oid, error) {
	if err := b.check("new_oid"); err != nil {
		return nil, err
	}
	db := b.db
	db.mu.Lock()
	start := db.lastOid + 1
	db.lastOid += OidBlock
	db.mu.Unlock()

	oidv := make([]zodb.Oid, OidBlock)
	for i := range oidv {
		oidv[i] = start + zodb.Oid(i)
	}
	return oidv, nil
}

func (b *Backend) SetMinOid(ctx context.Context, oid zodb.Oid) error {
	if err := b.check("set_min_oid"); err != nil {
		return err
	}
	db := b.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if oid > db.lastOid {
		db.lastOid = oid
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context) (storage.Tx, error) {
	if err := b.check(FaultBegin); err != nil {
		return nil, err
	}
	return &tx{b: b, db: b.db}, nil
}

// tx is write transaction on DB.
type tx struct {
	b  *Backend
	db *DB

	tid          zodb.Tid // 0 until allocated
	commitLocked bool
	recv         []zodb.Record
	lockv        []zodb.Oid
	done         bool
}

var errTxDone = errors.New("transaction already finished")

func (t *tx) LockRow(ctx context.Context, oid zodb.Oid) error {
	db := t.db
	for {
		db.mu.Lock()
		if err := db.fault(FaultLock); err != nil {
			db.mu.Unlock()
			return err
		}
		if t.done {
			db.mu.Unlock()
			return t.b.berr("lock", errTxDone)
		}
		l := db.rowLocks[oid]
		if l == nil {
			db.rowLocks[oid] = &rowLock{owner: t, done: make(chan struct{})}
			t.lockv = append(t.lockv, oid)
			db.mu.Unlock()
			return nil
		}
		if l.owner == t {
			db.mu.Unlock()
			return nil
		}
		done := l.done
		db.mu.Unlock()

		select {
		case <-done:
			// retry
		case <-ctx.Done():
			return ctxErr(ctx, &zodb.LockTimeoutError{Oid: oid})
		}
	}
}

// ctxErr converts ctx error to etimeout on deadline, and returns it as is on cancel.
func ctxErr(ctx context.Context, etimeout error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return etimeout
	}
	return ctx.Err()
}

func (t *tx) UnlockRow(oid zodb.Oid) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	t.unlockRow(oid)
}

// unlockRow releases row lock on oid if held by t. Must be called with db.mu held.
func (t *tx) unlockRow(oid zodb.Oid) {
	db := t.db
	l := db.rowLocks[oid]
	if l == nil || l.owner != t {
		return
	}
	delete(db.rowLocks, oid)
	close(l.done)
}

func (t *tx) CurrentTids(ctx context.Context, oidv []zodb.Oid) (map[zodb.Oid]zodb.Tid, error) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault(FaultCurrent); err != nil {
		return nil, err
	}
	cur := make(map[zodb.Oid]zodb.Tid, len(oidv))
	for _, oid := range oidv {
		cur[oid] = db.current[oid]
	}
	return cur, nil
}

func (t *tx) AllocateTid(ctx context.Context, min zodb.Tid) (zodb.Tid, error) {
	db := t.db
	if t.done {
		return 0, t.b.berr("allocate_tid", errTxDone)
	}
	if t.tid != 0 {
		return 0, t.b.berr("allocate_tid", errors.Errorf("tid already allocated: %s", t.tid))
	}

	if !t.commitLocked {
		select {
		case db.commitLock <- struct{}{}:
			t.commitLocked = true
		case <-ctx.Done():
			return 0, ctxErr(ctx, &zodb.LockTimeoutError{})
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fault(FaultAllocate); err != nil {
		return 0, err
	}

	tid := min
	if tid <= db.lastTid {
		tid = db.lastTid + 1
	}
	if tid <= db.tidHWM {
		tid = db.tidHWM + 1
	}
	if !tid.Valid() {
		return 0, t.b.berr("allocate_tid", errors.Errorf("tid space exhausted"))
	}
	db.tidHWM = tid
	t.tid = tid
	return tid, nil
}

func (t *tx) Store(ctx context.Context, rec zodb.Record) error {
	db := t.db
	db.mu.Lock()
	err := db.fault(FaultStore)
	db.mu.Unlock()
	if err != nil {
		return err
	}
	if t.tid == 0 || rec.Tid != t.tid {
		return t.b.berr("store", errors.Errorf("%s: store with tid %s; allocated %s", rec.Oid, rec.Tid, t.tid))
	}
	rec.Data = bytes.Clone(rec.Data)
	t.recv = append(t.recv, rec)
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if t.done {
		return t.b.berr("commit", errTxDone)
	}
	if err := db.fault(FaultCommit); err != nil {
		return err
	}

	if t.tid != 0 {
		oidv := make([]zodb.Oid, 0, len(t.recv))
		for _, rec := range t.recv {
			db.revs.ReplaceOrInsert(revision{oid: rec.Oid, tid: rec.Tid, prevTid: rec.PrevTid, data: rec.Data})
			db.current[rec.Oid] = rec.Tid
			oidv = append(oidv, rec.Oid)
		}
		sort.Slice(oidv, func(i, j int) bool { return oidv[i] < oidv[j] })
		db.txlog.ReplaceOrInsert(txnEntry{tid: t.tid, oidv: oidv})
		db.lastTid = t.tid
	}

	t.finish()
	return nil
}

func (t *tx) Rollback() error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// finish releases all locks held by t. Must be called with db.mu held.
func (t *tx) finish() {
	t.done = true
	t.recv = nil
	for _, oid := range t.lockv {
		t.unlockRow(oid)
	}
	t.lockv = nil
	if t.commitLocked {
		<-t.db.commitLock
		t.commitLocked = false
	}
}
