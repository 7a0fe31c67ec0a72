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

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/relstorage/go/internal/xtesting"
	"lab.nexedi.com/kirr/relstorage/go/storage/mem"
	"lab.nexedi.com/kirr/relstorage/go/transaction"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

func TestCommitStates(t *testing.T) {
	ctx := context.Background()
	c := newTCluster(t)
	p := c.open()

	h := p.BeginCommit()
	require.Equal(t, Started, h.State())
	require.NoError(t, h.AddWrite(3, []byte("c"), 0))
	require.NoError(t, h.AddWrite(1, []byte("a"), 0))
	require.NoError(t, h.AddWrite(3, []byte("cc"), 0)) // replaces
	require.Equal(t, []zodb.Oid{1, 3}, h.Oids())

	tid, err := h.Finish(ctx)
	require.NoError(t, err)
	require.Equal(t, Committed, h.State())
	require.Equal(t, tid, h.Tid())
	require.NoError(t, h.Err())
	load(t, p, 3, "cc", tid)

	// committed handle cannot be reused
	require.Error(t, h.AddWrite(2, []byte("b"), 0))
	_, err = h.Finish(ctx)
	require.Error(t, err)
	h.Abort() // noop
	require.Equal(t, Committed, h.State())

	// commit without writes does not go to database
	h = p.BeginCommit()
	tid2, err := h.Finish(ctx)
	require.NoError(t, err)
	require.Equal(t, tid, tid2)
	require.Equal(t, Committed, h.State())

	// abort
	h = p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("x"), tid))
	h.Abort()
	require.Equal(t, RolledBack, h.State())
	_, err = h.Finish(ctx)
	require.ErrorContains(t, err, "rolled back")
	load(t, p, 1, "a", tid)
}

func TestCommitRollback(t *testing.T) {
	ctx := context.Background()
	c := newTCluster(t)
	base := c.commitRaw(0, xtesting.Obj{Oid: 1, Data: "base"})
	p := c.open(func(opt *Options) {
		opt.LockTimeout = time.Second
	})

	efault := errors.New("disk full")
	for _, fault := range []string{
		mem.FaultBegin, mem.FaultLock, mem.FaultCurrent,
		mem.FaultAllocate, mem.FaultStore, mem.FaultCommit,
	} {
		t.Run(fault, func(t *testing.T) {
			c.db.InjectFault(fault, efault)

			h := p.BeginCommit()
			require.NoError(t, h.AddWrite(1, []byte("x"), base))
			_, err := h.Finish(ctx)
			require.ErrorIs(t, err, efault)
			require.False(t, zodb.IsRetryable(err))
			require.Equal(t, RolledBack, h.State())
			require.ErrorIs(t, h.Err(), efault)

			// nothing was written
			other := c.open()
			load(t, other, 1, "base", base)
		})
	}

	// locks were released and tids of rolled back commits are not reused
	last := p.tids.Last()
	tid, err := commit(ctx, p, 1, "y", base)
	require.NoError(t, err)
	require.Greater(t, tid, last)
	load(t, p, 1, "y", tid)
}

func TestCommitLockTimeout(t *testing.T) {
	ctx := context.Background()
	c := newTCluster(t)
	p := c.open(func(opt *Options) {
		opt.LockTimeout = 100 * time.Millisecond
	})

	// another process holds row lock of oid 5
	b := c.db.Open()
	defer b.Close()
	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.LockRow(ctx, 5))

	h := p.BeginCommit()
	require.NoError(t, h.AddWrite(4, []byte("four"), 0))
	require.NoError(t, h.AddWrite(5, []byte("five"), 0))
	_, err = h.Finish(ctx)
	var elock *zodb.LockTimeoutError
	require.ErrorAs(t, err, &elock)
	require.Equal(t, zodb.Oid(5), elock.Oid)
	require.True(t, zodb.IsRetryable(err))
	require.Equal(t, RolledBack, h.State())

	// the commit lock held by another process
	tx2, err := b.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.AllocateTid(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	_, err = commit(ctx, p, 5, "five", 0)
	require.ErrorAs(t, err, &elock)
	require.True(t, zodb.IsRetryable(err))

	require.NoError(t, tx2.Rollback())
	_, err = commit(ctx, p, 5, "five", 0)
	require.NoError(t, err)
}

func TestCommitCanceled(t *testing.T) {
	c := newTCluster(t)
	p := c.open()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("x"), 0))
	_, err := h.Finish(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RolledBack, h.State())

	// commit waiting for lock is canceled
	b := c.db.Open()
	defer b.Close()
	tx, err := b.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.LockRow(context.Background(), 1))

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	h = p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("x"), 0))
	_, err = h.Finish(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RolledBack, h.State())
}

// tVoteFail is DataManager that fails to vote.
type tVoteFail struct {
	aborted bool
}

var errVote = errors.New("vote: no")

func (dm *tVoteFail) Abort(txn transaction.Transaction)                                { dm.aborted = true }
func (dm *tVoteFail) TPCBegin(ctx context.Context, txn transaction.Transaction) error  { return nil }
func (dm *tVoteFail) Commit(ctx context.Context, txn transaction.Transaction) error    { return nil }
func (dm *tVoteFail) TPCVote(ctx context.Context, txn transaction.Transaction) error   { return errVote }
func (dm *tVoteFail) TPCFinish(ctx context.Context, txn transaction.Transaction) error { return nil }
func (dm *tVoteFail) TPCAbort(ctx context.Context, txn transaction.Transaction)        { dm.aborted = true }

func TestCommitTwoPhase(t *testing.T) {
	c := newTCluster(t)
	base := c.commitRaw(0, xtesting.Obj{Oid: 1, Data: "base"})
	p := c.open()

	// ok
	txn, ctx := transaction.New(context.Background())
	h := p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("2pc"), base))
	h.Join(txn)
	h.Join(txn) // second join is noop
	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, transaction.Committed, txn.Status())
	require.Equal(t, Committed, h.State())
	tid := h.Tid()
	load(t, p, 1, "2pc", tid)

	// conflict
	txn, ctx = transaction.New(context.Background())
	h = p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("stale"), base))
	h.Join(txn)
	err := txn.Commit(ctx)
	var econflict *zodb.ConflictError
	require.ErrorAs(t, err, &econflict)
	require.Equal(t, transaction.CommitFailed, txn.Status())
	require.Equal(t, RolledBack, h.State())

	// another participant fails to vote after we voted
	txn, ctx = transaction.New(context.Background())
	h = p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("voted"), tid))
	h.Join(txn)
	fail := &tVoteFail{}
	txn.Join(fail)
	err = txn.Commit(ctx)
	require.ErrorIs(t, err, errVote)
	require.True(t, fail.aborted)
	require.Equal(t, RolledBack, h.State())
	load(t, p, 1, "2pc", tid)

	// the commit lock was released
	tid2, err := commit(context.Background(), p, 1, "after", tid)
	require.NoError(t, err)
	require.Greater(t, tid2, tid)

	// abort of whole transaction
	txn, _ = transaction.New(context.Background())
	h = p.BeginCommit()
	require.NoError(t, h.AddWrite(1, []byte("aborted"), tid2))
	h.Join(txn)
	txn.Abort()
	require.Equal(t, RolledBack, h.State())
	load(t, p, 1, "after", tid2)
}
