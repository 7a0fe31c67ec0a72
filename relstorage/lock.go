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
// commit locks

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// LockManager takes per-object commit locks.
//
// An object is locked first in-process, so that commits of one process
// serialize on it without going to the database, and then by backend row
// lock, which serializes commits of different processes. Locks are always
// taken in ascending oid order.
type LockManager struct {
	timeout time.Duration
	locks   *xsync.MapOf[zodb.Oid, *oidLock]
}

// oidLock is in-process lock of one object.
//
// refs counts holders and waiters; the entry is removed from the lock table
// when it drops to 0. refs is changed only under MapOf.Compute.
type oidLock struct {
	sem  chan struct{}
	refs int
}

func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		timeout: timeout,
		locks:   xsync.NewMapOf[zodb.Oid, *oidLock](),
	}
}

// LockSet is set of objects locked by one commit.
type LockSet struct {
	m        *LockManager
	tx       storage.Tx
	oidv     []zodb.Oid // locked in-process, ascending
	nrow     int        // oidv[:nrow] are also row-locked
	released bool
}

// Oids returns locked objects in ascending order.
func (ls *LockSet) Oids() []zodb.Oid {
	return ls.oidv
}

// Acquire locks oidv for commit running in tx.
//
// It returns *zodb.LockTimeoutError if the locks could not be taken within
// lock timeout, and ctx.Err() if ctx is canceled. On error no locks are held.
func (m *LockManager) Acquire(ctx context.Context, tx storage.Tx, oidv []zodb.Oid) (_ *LockSet, err error) {
	oidv = sortedOids(oidv)
	ls := &LockSet{m: m, tx: tx, oidv: make([]zodb.Oid, 0, len(oidv))}

	lctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	defer func() {
		if err != nil {
			ls.Release()
		}
	}()

	for _, oid := range oidv {
		err = m.lock(lctx, oid)
		if err != nil {
			return nil, lockErr(ctx, oid, err)
		}
		ls.oidv = append(ls.oidv, oid)
	}
	for _, oid := range ls.oidv {
		err = tx.LockRow(lctx, oid)
		if err != nil {
			return nil, lockErr(ctx, oid, err)
		}
		ls.nrow++
	}
	return ls, nil
}

// lockErr converts failure to lock oid into error returned to caller.
func lockErr(ctx context.Context, oid zodb.Oid, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == context.DeadlineExceeded {
		return &zodb.LockTimeoutError{Oid: oid}
	}
	if e, ok := err.(*zodb.LockTimeoutError); ok && e.Oid == 0 {
		return &zodb.LockTimeoutError{Oid: oid}
	}
	return err
}

// Release releases all locks of the set.
//
// It is safe to call Release several times.
func (ls *LockSet) Release() {
	if ls.released {
		return
	}
	ls.released = true

	for i := len(ls.oidv) - 1; i >= 0; i-- {
		oid := ls.oidv[i]
		if i < ls.nrow {
			ls.tx.UnlockRow(oid)
		}
		ls.m.unlock(oid)
	}
}

// lock takes in-process lock of oid.
func (m *LockManager) lock(ctx context.Context, oid zodb.Oid) error {
	l, _ := m.locks.Compute(oid, func(l *oidLock, loaded bool) (*oidLock, bool) {
		if !loaded {
			l = &oidLock{sem: make(chan struct{}, 1)}
		}
		l.refs++
		return l, false
	})

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(oid)
		return ctx.Err()
	}
}

// unlock releases in-process lock of oid.
func (m *LockManager) unlock(oid zodb.Oid) {
	l, ok := m.locks.Load(oid)
	if !ok {
		panic("lock: unlock of not locked " + oid.String())
	}
	<-l.sem
	m.unref(oid)
}

func (m *LockManager) unref(oid zodb.Oid) {
	m.locks.Compute(oid, func(l *oidLock, loaded bool) (*oidLock, bool) {
		if !loaded {
			panic("lock: unref of unknown " + oid.String())
		}
		l.refs--
		return l, l.refs == 0
	})
}

// sortedOids returns oidv sorted in ascending order without duplicates.
func sortedOids(oidv []zodb.Oid) []zodb.Oid {
	sorted := make([]zodb.Oid, len(oidv))
	copy(sorted, oidv)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := 0
	for i, oid := range sorted {
		if i == 0 || oid != sorted[n-1] {
			sorted[n] = oid
			n++
		}
	}
	return sorted[:n]
}
