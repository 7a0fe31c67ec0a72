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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/storage/mem"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// tTx is storage.Tx whose AllocateTid returns preset tid.
type tTx struct {
	storage.Tx
	tid zodb.Tid
	min zodb.Tid // min requested by last AllocateTid
}

func (tx *tTx) AllocateTid(ctx context.Context, min zodb.Tid) (zodb.Tid, error) {
	tx.min = min
	if tx.tid == 0 {
		return min, nil
	}
	return tx.tid, nil
}

func TestTidAllocator(t *testing.T) {
	ctx := context.Background()
	a := NewTidAllocator()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	tx := &tTx{}
	tid, err := a.Allocate(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, zodb.TidFromTime(now), tid)
	require.Equal(t, tid, a.Last())

	// clock went back: proposals stay monotonic
	now = now.Add(-time.Hour)
	tid2, err := a.Allocate(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tid+1, tid2)

	// backend committed beyond our proposal
	tx.tid = tid2 + 100
	tid3, err := a.Allocate(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tid2+100, tid3)
	require.Equal(t, tid2+1, tx.min)

	// backend went below proposal: race with another allocator
	tx.tid = tid3
	_, err = a.Allocate(ctx, tx)
	var ealloc *zodb.AllocationConflictError
	require.ErrorAs(t, err, &ealloc)
	require.True(t, zodb.IsRetryable(err))
	require.Equal(t, tid3, a.Last())
}

func TestTidAllocatorBackend(t *testing.T) {
	ctx := context.Background()
	db := mem.NewDB(t.Name())
	b := db.Open()
	defer b.Close()

	a := NewTidAllocator()
	prev := zodb.Tid(0)
	for i := 0; i < 3; i++ {
		tx, err := b.Begin(ctx)
		require.NoError(t, err)
		tid, err := a.Allocate(ctx, tx)
		require.NoError(t, err)
		require.Greater(t, tid, prev)
		require.NoError(t, tx.Commit(ctx))
		prev = tid
	}

	// tid is close to current time
	d := time.Since(prev.Time().Time)
	require.Less(t, d, time.Minute)
}
