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

// Package xtesting provides infrastructure for relstorage testing.
//
// BackendTest is conformance suite every storage.Backend implementation
// runs from its own tests.
package xtesting

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// FatalIf returns function that fails the test with t.Fatal if its argument is error.
//
//	X := xtesting.FatalIf(t)
//	tid, err := Commit(...); X(err)
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

// Obj is object change committed by Commit.
type Obj struct {
	Oid  zodb.Oid
	Data string
}

// Commit commits objv in one transaction to b without any conflict checks.
//
// prevTid of every stored revision is set to current tid of the object.
func Commit(ctx context.Context, b storage.Backend, objv ...Obj) (zodb.Tid, error) {
	return CommitAt(ctx, b, 0, objv...)
}

// CommitAt is like Commit but asks backend to allocate tid ≥ min.
func CommitAt(ctx context.Context, b storage.Backend, min zodb.Tid, objv ...Obj) (_ zodb.Tid, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "commit")
		}
	}()

	tx, err := b.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	oidv := make([]zodb.Oid, len(objv))
	for i, obj := range objv {
		oidv[i] = obj.Oid
		if err = tx.LockRow(ctx, obj.Oid); err != nil {
			return 0, err
		}
	}
	cur, err := tx.CurrentTids(ctx, oidv)
	if err != nil {
		return 0, err
	}
	tid, err := tx.AllocateTid(ctx, min)
	if err != nil {
		return 0, err
	}
	for _, obj := range objv {
		err = tx.Store(ctx, zodb.Record{Oid: obj.Oid, Tid: tid, PrevTid: cur[obj.Oid], Data: []byte(obj.Data)})
		if err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tid, nil
}

// objState is what LoadAt is expected to return.
type objState struct {
	tid  zodb.Tid
	data string
}

// checkLoad verifies that b.LoadAt(oid, at) returns expected result.
//
// expect.tid = 0 means the object must not exist as of at.
func checkLoad(t *testing.T, b storage.Backend, oid zodb.Oid, at zodb.Tid, expect objState) {
	t.Helper()
	data, serial, err := b.LoadAt(context.Background(), oid, at)

	if expect.tid == 0 {
		errOk := &zodb.NoObjectError{Oid: oid, At: at}
		if !reflect.DeepEqual(err, errOk) {
			t.Errorf("load %s@%s: returned err unexpected: %v  ; want: %v", oid, at, err, errOk)
		}
		return
	}

	if err != nil {
		t.Errorf("load %s@%s: returned err unexpected: %v  ; want: nil", oid, at, err)
		return
	}
	if serial != expect.tid {
		t.Errorf("load %s@%s: returned tid unexpected: %v  ; want: %v", oid, at, serial, expect.tid)
	}
	if string(data) != expect.data {
		t.Errorf("load %s@%s: different data:\nhave: %q\nwant: %q", oid, at, data, expect.data)
	}
}

// BackendTest verifies that a backend implements storage.Backend correctly.
//
// open must return two handles to the same fresh empty database. The second
// handle plays the role of another process.
func BackendTest(t *testing.T, open func(t *testing.T) (b1, b2 storage.Backend)) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, open) })
	t.Run("Load", func(t *testing.T) { testLoad(t, open) })
	t.Run("LoadBefore", func(t *testing.T) { testLoadBefore(t, open) })
	t.Run("Changes", func(t *testing.T) { testChanges(t, open) })
	t.Run("CurrentTids", func(t *testing.T) { testCurrentTids(t, open) })
	t.Run("AllocateTid", func(t *testing.T) { testAllocateTid(t, open) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open) })
	t.Run("CommitLock", func(t *testing.T) { testCommitLock(t, open) })
	t.Run("NewOids", func(t *testing.T) { testNewOids(t, open) })
}

func testEmpty(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b, _ := open(t)

	head, err := b.LastTid(ctx); X(err)
	if head != 0 {
		t.Errorf("empty: lastTid = %s  ; want 0", head)
	}
	changev, err := b.ChangesSince(ctx, 0); X(err)
	if len(changev) != 0 {
		t.Errorf("empty: changes = %v  ; want none", changev)
	}
	checkLoad(t, b, 1, zodb.TidMax, objState{})
}

func testLoad(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	type txn struct {
		tid  zodb.Tid
		objv []Obj
	}
	var txnv []txn
	commit := func(b storage.Backend, objv ...Obj) {
		t.Helper()
		tid, err := Commit(ctx, b, objv...); X(err)
		if len(txnv) > 0 && tid <= txnv[len(txnv)-1].tid {
			t.Fatalf("commit: tid not ↑: %s -> %s", txnv[len(txnv)-1].tid, tid)
		}
		txnv = append(txnv, txn{tid, objv})
	}

	commit(b1, Obj{1, "alpha"}, Obj{2, "beta"})
	commit(b2, Obj{1, "alpha.2"})
	commit(b1, Obj{3, "gamma"})
	commit(b2, Obj{2, "beta.2"}, Obj{3, "gamma.2"})

	// loadSerial and loadBefore for every revision, through both handles
	before := map[zodb.Oid]objState{}
	for _, txn := range txnv {
		for _, obj := range txn.objv {
			for _, b := range []storage.Backend{b1, b2} {
				checkLoad(t, b, obj.Oid, txn.tid, objState{txn.tid, obj.Data})
				checkLoad(t, b, obj.Oid, txn.tid-1, before[obj.Oid])
			}
			before[obj.Oid] = objState{txn.tid, obj.Data}
		}
	}

	// load at ∞
	for oid, expect := range before {
		checkLoad(t, b1, oid, zodb.TidMax, expect)
	}

	head, err := b2.LastTid(ctx); X(err)
	if want := txnv[len(txnv)-1].tid; head != want {
		t.Errorf("lastTid = %s  ; want %s", head, want)
	}
}

func testLoadBefore(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	tid1, err := Commit(ctx, b1, Obj{1, "a1"}); X(err)
	tid2, err := Commit(ctx, b2, Obj{2, "b1"}); X(err)
	tid3, err := Commit(ctx, b1, Obj{1, "a3"}); X(err)

	type result struct {
		data         string
		serial, next zodb.Tid
	}
	testv := []struct {
		oid    zodb.Oid
		before zodb.Tid
		ok     result // serial=0 means no object
	}{
		{1, 0, result{}},
		{1, tid1, result{}},
		{1, tid1 + 1, result{"a1", tid1, tid3}},
		{1, tid3, result{"a1", tid1, tid3}},
		{1, tid3 + 1, result{"a3", tid3, 0}},
		{1, zodb.TidMax, result{"a3", tid3, 0}},
		{2, tid2, result{}},
		{2, tid2 + 1, result{"b1", tid2, 0}},
		{3, zodb.TidMax, result{}},
	}

	for _, tt := range testv {
		for _, b := range []storage.Backend{b1, b2} {
			data, serial, next, err := b.LoadBefore(ctx, tt.oid, tt.before)
			if tt.ok.serial == 0 {
				if !zodb.IsNoObject(err) {
					t.Errorf("loadBefore %s<%s: err = %v  ; want no object", tt.oid, tt.before, err)
				}
				continue
			}
			if err != nil {
				t.Errorf("loadBefore %s<%s: %s", tt.oid, tt.before, err)
				continue
			}
			have := result{string(data), serial, next}
			if have != tt.ok {
				t.Errorf("loadBefore %s<%s:\nhave: %v\nwant: %v", tt.oid, tt.before, have, tt.ok)
			}
		}
	}
}

func testChanges(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	tid1, err := Commit(ctx, b1, Obj{5, "a"}, Obj{3, "b"}); X(err)
	tid2, err := Commit(ctx, b2, Obj{4, "c"}); X(err)
	tid3, err := Commit(ctx, b1, Obj{3, "d"}, Obj{1, "e"}); X(err)

	changev, err := b2.ChangesSince(ctx, 0); X(err)
	want := []storage.Change{{Tid: tid1, Oid: 3}, {Tid: tid1, Oid: 5}, {Tid: tid2, Oid: 4}, {Tid: tid3, Oid: 1}, {Tid: tid3, Oid: 3}}
	if !reflect.DeepEqual(changev, want) {
		t.Errorf("changes since 0:\nhave: %v\nwant: %v", changev, want)
	}

	changev, err = b2.ChangesSince(ctx, tid2); X(err)
	want = []storage.Change{{Tid: tid3, Oid: 1}, {Tid: tid3, Oid: 3}}
	if !reflect.DeepEqual(changev, want) {
		t.Errorf("changes since %s:\nhave: %v\nwant: %v", tid2, changev, want)
	}

	changev, err = b2.ChangesSince(ctx, tid3); X(err)
	if len(changev) != 0 {
		t.Errorf("changes since head: %v  ; want none", changev)
	}
}

func testCurrentTids(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	tid1, err := Commit(ctx, b1, Obj{1, "a"}, Obj{2, "b"}); X(err)
	tid2, err := Commit(ctx, b1, Obj{2, "c"}); X(err)

	tx, err := b2.Begin(ctx); X(err)
	defer tx.Rollback()
	cur, err := tx.CurrentTids(ctx, []zodb.Oid{1, 2, 3}); X(err)
	want := map[zodb.Oid]zodb.Tid{1: tid1, 2: tid2, 3: 0}
	if !reflect.DeepEqual(cur, want) {
		t.Errorf("current tids:\nhave: %v\nwant: %v", cur, want)
	}
}

func testAllocateTid(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, _ := open(t)

	tid1, err := Commit(ctx, b1, Obj{1, "a"}); X(err)

	// min below head is bumped
	tx, err := b1.Begin(ctx); X(err)
	tid, err := tx.AllocateTid(ctx, 1); X(err)
	if tid <= tid1 {
		t.Errorf("allocate(1): %s  ; want > %s", tid, tid1)
	}
	X(tx.Rollback())

	// min above head is honoured
	min := tid1 + 1000
	tx, err = b1.Begin(ctx); X(err)
	tid, err = tx.AllocateTid(ctx, min); X(err)
	if tid != min {
		t.Errorf("allocate(%s): %s  ; want %s", min, tid, min)
	}
	X(tx.Store(ctx, zodb.Record{Oid: 1, Tid: tid, PrevTid: tid1, Data: []byte("b")}))
	X(tx.Commit(ctx))

	checkLoad(t, b1, 1, zodb.TidMax, objState{min, "b"})
}

func testRollback(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	tid1, err := Commit(ctx, b1, Obj{1, "a"}); X(err)

	tx, err := b1.Begin(ctx); X(err)
	X(tx.LockRow(ctx, 1))
	tid, err := tx.AllocateTid(ctx, tid1+1); X(err)
	X(tx.Store(ctx, zodb.Record{Oid: 1, Tid: tid, PrevTid: tid1, Data: []byte("lost")}))
	X(tx.Rollback())
	X(tx.Rollback()) // idempotent

	checkLoad(t, b2, 1, zodb.TidMax, objState{tid1, "a"})
	head, err := b2.LastTid(ctx); X(err)
	if head != tid1 {
		t.Errorf("lastTid after rollback = %s  ; want %s", head, tid1)
	}

	// locks were released: another handle can commit right away
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tid2, err := Commit(ctx2, b2, Obj{1, "b"}); X(err)
	checkLoad(t, b1, 1, zodb.TidMax, objState{tid2, "b"})

	// tid of rolled back transaction is not handed out again
	if tid2 <= tid {
		t.Errorf("tid after rollback = %s  ; want > %s", tid2, tid)
	}
}

func testCommitLock(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	tx1, err := b1.Begin(ctx); X(err)
	X(tx1.LockRow(ctx, 7))
	_, err = tx1.AllocateTid(ctx, 0); X(err)

	// while tx1 holds its locks, another committer must time out
	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	tx2, err := b2.Begin(ctx2)
	if err == nil {
		err = tx2.LockRow(ctx2, 7)
		if err == nil {
			_, err = tx2.AllocateTid(ctx2, 0)
		}
		tx2.Rollback()
	}
	var elock *zodb.LockTimeoutError
	if !errors.As(err, &elock) {
		t.Errorf("concurrent commit: err = %v  ; want lock timeout", err)
	}

	X(tx1.Rollback())
}

func testNewOids(t *testing.T, open func(*testing.T) (storage.Backend, storage.Backend)) {
	X := FatalIf(t)
	ctx := context.Background()
	b1, b2 := open(t)

	seen := map[zodb.Oid]bool{}
	for i := 0; i < 3; i++ {
		for _, b := range []storage.Backend{b1, b2} {
			oidv, err := b.NewOids(ctx); X(err)
			if len(oidv) == 0 {
				t.Fatal("new oids: empty block")
			}
			for _, oid := range oidv {
				if oid == 0 {
					t.Errorf("new oids: oid 0 allocated")
				}
				if seen[oid] {
					t.Errorf("new oids: %s allocated twice", oid)
				}
				seen[oid] = true
			}
		}
	}

	X(b1.SetMinOid(ctx, 1000))
	oidv, err := b2.NewOids(ctx); X(err)
	for _, oid := range oidv {
		if oid <= 1000 {
			t.Errorf("new oids after SetMinOid(1000): got %s", oid)
		}
	}
}
