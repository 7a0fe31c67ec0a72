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

package mem

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/relstorage/go/internal/xtesting"
	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

func TestBackend(t *testing.T) {
	n := 0
	xtesting.BackendTest(t, func(t *testing.T) (storage.Backend, storage.Backend) {
		n++
		db := NewDB(fmt.Sprintf("test%d", n))
		return db.Open(), db.Open()
	})
}

func TestOpenURL(t *testing.T) {
	ctx := context.Background()
	b1, err := storage.OpenBackend(ctx, "mem://urltest")
	require.NoError(t, err)
	b2, err := storage.OpenBackend(ctx, "mem://urltest")
	require.NoError(t, err)

	tid, err := xtesting.Commit(ctx, b1, xtesting.Obj{Oid: 1, Data: "x"})
	require.NoError(t, err)

	data, serial, err := b2.LoadAt(ctx, 1, tid)
	require.NoError(t, err)
	require.Equal(t, tid, serial)
	require.Equal(t, "x", string(data))

	_, err = storage.OpenBackend(ctx, "mem://")
	require.Error(t, err)
}

// Tids must not be reused even if the transaction that reserved them rolled back.
func TestTidNeverReused(t *testing.T) {
	ctx := context.Background()
	b := NewDB("reuse").Open()

	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	tid1, err := tx.AllocateTid(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx, err = b.Begin(ctx)
	require.NoError(t, err)
	tid2, err := tx.AllocateTid(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.Greater(t, uint64(tid2), uint64(tid1))
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	db := NewDB("fault")
	b := db.Open()

	efault := &zodb.BackendError{Op: "load", Err: fmt.Errorf("connection reset")}
	db.InjectFault(FaultLoad, efault)

	_, _, err := b.LoadAt(ctx, 1, zodb.TidMax)
	require.Equal(t, efault, err)

	// one-shot
	_, _, err = b.LoadAt(ctx, 1, zodb.TidMax)
	require.True(t, zodb.IsNoObject(err), "err: %v", err)
	require.EqualValues(t, 1, db.Loads()) // failed loads are not counted
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	b := NewDB("closed").Open()
	require.NoError(t, b.Close())

	_, err := b.LastTid(ctx)
	var ebackend *zodb.BackendError
	require.ErrorAs(t, err, &ebackend)
}
