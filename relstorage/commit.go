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

package relstorage
// commit

import (
	"context"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/internal/xcontext/task"
	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/transaction"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

var (
	metricCommits   = metrics.NewCounter(`relstorage_commits_total`)
	metricConflicts = metrics.NewCounter(`relstorage_commit_conflicts_total`)
	metricRollbacks = metrics.NewCounter(`relstorage_commit_rollbacks_total`)
)

// CommitState is state of a commit.
//
//	Started -> LocksAcquired -> ConflictChecked -> TidAllocated -> Written -> Invalidated -> Committed
//
// Any non-terminal state before Invalidated can go to RolledBack.
type CommitState int

const (
	Started CommitState = iota
	LocksAcquired
	ConflictChecked
	TidAllocated
	Written
	Invalidated
	Committed
	RolledBack
)

func (st CommitState) String() string {
	switch st {
	case Started:
		return "started"
	case LocksAcquired:
		return "locks acquired"
	case ConflictChecked:
		return "conflict checked"
	case TidAllocated:
		return "tid allocated"
	case Written:
		return "written"
	case Invalidated:
		return "invalidated"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// CommitHandle accumulates writes of one transaction and commits them.
//
// A CommitHandle is used by one goroutine at a time. A commit can also be
// driven by transaction.Transaction two-phase commit:
//
//	txn, ctx := transaction.New(ctx)
//	h := stor.BeginCommit()
//	h.AddWrite(oid, data, readTid)
//	h.Join(txn)
//	err := txn.Commit(ctx)
type CommitHandle struct {
	s *Storage

	mu     sync.Mutex
	state  CommitState
	writes *treemap.Map // oid -> *pendingWrite, ascending oid
	tx     storage.Tx
	locks  *LockSet
	tid    zodb.Tid
	err    error      // error that made the commit roll back
	dm     *txnCommit // how h participates in transaction.Transaction
}

// pendingWrite is one object change to be committed.
type pendingWrite struct {
	oid     zodb.Oid
	data    []byte
	readTid zodb.Tid // revision the change is based on; 0 for new object
}

func oidComparator(a, b interface{}) int {
	x, y := a.(zodb.Oid), b.(zodb.Oid)
	switch {
	case x < y:
		return -1
	case x > y:
		return +1
	}
	return 0
}

func newCommitHandle(s *Storage) *CommitHandle {
	return &CommitHandle{
		s:      s,
		state:  Started,
		writes: treemap.NewWith(oidComparator),
	}
}

// State returns current state of the commit.
func (h *CommitHandle) State() CommitState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Tid returns tid of the commit once it was allocated.
func (h *CommitHandle) Tid() zodb.Tid {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tid
}

// Err returns error that made the commit roll back.
func (h *CommitHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// AddWrite adds change of oid to data, based on revision readTid.
//
// readTid is serial of the revision the change was computed from, or 0 if
// the object is new. Adding oid again replaces previous change. data is
// copied.
func (h *CommitHandle) AddWrite(oid zodb.Oid, data []byte, readTid zodb.Tid) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Started {
		return fmt.Errorf("commit: add write %s: commit is %s", oid, h.state)
	}
	h.writes.Put(oid, &pendingWrite{
		oid:     oid,
		data:    append([]byte(nil), data...),
		readTid: readTid,
	})
	return nil
}

// Oids returns objects changed by the commit in ascending order.
func (h *CommitHandle) Oids() []zodb.Oid {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oids()
}

func (h *CommitHandle) oids() []zodb.Oid {
	oidv := make([]zodb.Oid, 0, h.writes.Size())
	for _, k := range h.writes.Keys() {
		oidv = append(oidv, k.(zodb.Oid))
	}
	return oidv
}

// Finish commits accumulated writes and returns tid of the commit.
//
// On *zodb.ConflictError the caller should reload changed objects and retry
// with new commit. On any error nothing was committed.
//
// A commit without writes does not go to the database: Finish returns tid
// of the current view.
func (h *CommitHandle) Finish(ctx context.Context) (_ zodb.Tid, err error) {
	ctx = task.Running(ctx, "commit")
	defer task.ErrContext(&err, ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Started && h.writes.Size() == 0 {
		h.state = Committed
		h.tid = h.s.poller.View().At
		return h.tid, nil
	}

	for _, step := range []func(context.Context) error{
		h.lock, h.checkConflicts, h.allocate, h.write, h.finish,
	} {
		err = step(ctx)
		if err != nil {
			return 0, err
		}
	}
	return h.tid, nil
}

// Abort rolls the commit back, if it did not yet reach Invalidated.
func (h *CommitHandle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state < Invalidated {
		h.rollback(context.Background(), errors.New("aborted"))
	}
}

// advance moves the commit from state from to state to.
//
// must be called with .mu held.
func (h *CommitHandle) advance(ctx context.Context, from, to CommitState) error {
	if h.state != from {
		if h.state == RolledBack {
			return errors.Wrap(h.err, "commit already rolled back")
		}
		return fmt.Errorf("commit: cannot go %s -> %s: commit is %s", from, to, h.state)
	}
	// cancellation is honoured only before the commit becomes irreversible
	if to < Invalidated {
		if err := ctx.Err(); err != nil {
			h.rollback(ctx, err)
			return err
		}
	}
	return nil
}

// lock begins backend transaction and takes locks of all changed objects.
func (h *CommitHandle) lock(ctx context.Context) error {
	if err := h.advance(ctx, Started, LocksAcquired); err != nil {
		return err
	}

	tx, err := h.s.backend.Begin(ctx)
	if err != nil {
		return h.rollback(ctx, err)
	}
	h.tx = tx

	locks, err := h.s.locks.Acquire(ctx, tx, h.oids())
	if err != nil {
		return h.rollback(ctx, err)
	}
	h.locks = locks
	h.state = LocksAcquired
	return nil
}

// checkConflicts verifies that changes are based on current revisions.
//
// The first conflicting object in oid order is reported.
func (h *CommitHandle) checkConflicts(ctx context.Context) error {
	if err := h.advance(ctx, LocksAcquired, ConflictChecked); err != nil {
		return err
	}

	oidv := h.oids()
	current, err := h.tx.CurrentTids(ctx, oidv)
	if err != nil {
		return h.rollback(ctx, err)
	}
	for _, oid := range oidv {
		v, _ := h.writes.Get(oid)
		w := v.(*pendingWrite)
		if cur := current[oid]; cur != w.readTid {
			metricConflicts.Inc()
			// our cached view of oid is stale
			h.s.cache.Invalidate(ctx, oid)
			return h.rollback(ctx, &zodb.ConflictError{Oid: oid, ReadTid: w.readTid, CurrentTid: cur})
		}
	}
	h.state = ConflictChecked
	return nil
}

// allocate reserves tid for the commit.
//
// It takes backend-wide commit lock that is held until the end of backend
// transaction.
func (h *CommitHandle) allocate(ctx context.Context) error {
	if err := h.advance(ctx, ConflictChecked, TidAllocated); err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, h.s.opt.LockTimeout)
	defer cancel()
	tid, err := h.s.tids.Allocate(actx, h.tx)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = &zodb.LockTimeoutError{}
		}
		return h.rollback(ctx, err)
	}
	h.tid = tid
	h.state = TidAllocated
	return nil
}

// write stores changes and commits backend transaction.
func (h *CommitHandle) write(ctx context.Context) error {
	if err := h.store(ctx); err != nil {
		return err
	}
	return h.commitTx(ctx)
}

// store stores changed objects with allocated tid.
func (h *CommitHandle) store(ctx context.Context) error {
	if err := h.advance(ctx, TidAllocated, Written); err != nil {
		return err
	}

	it := h.writes.Iterator()
	for it.Next() {
		w := it.Value().(*pendingWrite)
		err := h.tx.Store(ctx, zodb.Record{Oid: w.oid, Tid: h.tid, PrevTid: w.readTid, Data: w.data})
		if err != nil {
			return h.rollback(ctx, err)
		}
	}
	return nil
}

// commitTx makes stored changes durable.
func (h *CommitHandle) commitTx(ctx context.Context) error {
	if err := h.advance(ctx, TidAllocated, Written); err != nil {
		return err
	}
	err := h.tx.Commit(ctx)
	if err != nil {
		return h.rollback(ctx, err)
	}
	h.state = Written
	return nil
}

// finish applies the commit to delta map and cache, and releases locks.
//
// The commit is durable at this point, so finish runs to completion
// regardless of ctx cancellation.
func (h *CommitHandle) finish(ctx context.Context) error {
	if err := h.advance(ctx, Written, Invalidated); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	h.state = Invalidated
	s := h.s
	it := h.writes.Iterator()
	for it.Next() {
		w := it.Value().(*pendingWrite)
		s.cpm.Record(w.oid, h.tid)
		s.cache.Invalidate(ctx, w.oid)
		s.cache.Put(ctx, w.oid, h.tid, w.data)
	}
	s.poller.noteCommit(h.tid, h.oids())

	h.locks.Release()
	h.state = Committed
	metricCommits.Inc()
	log.V(2).Infof(ctx, "committed @%s: %d objects", h.tid, h.writes.Size())
	return nil
}

// rollback rolls back backend transaction, releases locks and returns err.
//
// must be called with .mu held and before Invalidated.
func (h *CommitHandle) rollback(ctx context.Context, err error) error {
	if h.state == RolledBack {
		return err
	}
	if h.tx != nil {
		if rerr := h.tx.Rollback(); rerr != nil {
			log.Warningf(ctx, "rollback: %s", rerr)
		}
	}
	if h.locks != nil {
		h.locks.Release()
	}
	h.state = RolledBack
	h.err = err
	metricRollbacks.Inc()
	return err
}

// ---- transaction.DataManager ----

// Join makes the commit participate in two-phase commit of txn.
func (h *CommitHandle) Join(txn transaction.Transaction) {
	h.mu.Lock()
	if h.dm == nil {
		h.dm = &txnCommit{h}
	}
	dm := h.dm
	h.mu.Unlock()
	txn.Join(dm)
}

// txnCommit drives CommitHandle by transaction two-phase commit:
//
//	TPCBegin  -> LocksAcquired
//	Commit    -> ConflictChecked
//	TPCVote   -> TidAllocated, changes stored
//	TPCFinish -> Written -> Invalidated -> Committed
type txnCommit struct {
	h *CommitHandle
}

var _ transaction.DataManager = (*txnCommit)(nil)

func (c *txnCommit) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	h := c.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writes.Size() == 0 {
		return nil
	}
	return h.lock(ctx)
}

func (c *txnCommit) Commit(ctx context.Context, txn transaction.Transaction) error {
	h := c.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writes.Size() == 0 {
		return nil
	}
	return h.checkConflicts(ctx)
}

func (c *txnCommit) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	h := c.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writes.Size() == 0 {
		return nil
	}
	if err := h.allocate(ctx); err != nil {
		return err
	}
	return h.store(ctx)
}

func (c *txnCommit) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	h := c.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writes.Size() == 0 {
		h.state = Committed
		h.tid = h.s.poller.View().At
		return nil
	}
	if err := h.commitTx(ctx); err != nil {
		return err
	}
	return h.finish(ctx)
}

func (c *txnCommit) TPCAbort(ctx context.Context, txn transaction.Transaction) { c.h.Abort() }
func (c *txnCommit) Abort(txn transaction.Transaction)                         { c.h.Abort() }
