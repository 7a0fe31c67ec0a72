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

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/relstorage/go/internal/xtesting"
	"lab.nexedi.com/kirr/relstorage/go/storage"
)

func TestBackend(t *testing.T) {
	xtesting.BackendTest(t, func(t *testing.T) (storage.Backend, storage.Backend) {
		X := xtesting.FatalIf(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "data.sqlite")

		b1, err := Open(ctx, path, 5*time.Second); X(err)
		b2, err := storage.OpenBackend(ctx, "sqlite://"+path+"?lock_timeout=5s"); X(err)
		t.Cleanup(func() {
			X(b1.Close())
			X(b2.Close())
		})
		return b1, b2
	})
}

// tid of rolled back transaction stays reserved across reopen.
func TestRollbackReservesTid(t *testing.T) {
	X := xtesting.FatalIf(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.sqlite")

	b, err := Open(ctx, path, 5*time.Second); X(err)
	tid1, err := xtesting.Commit(ctx, b, xtesting.Obj{Oid: 1, Data: "a"}); X(err)

	tx, err := b.Begin(ctx); X(err)
	tid, err := tx.AllocateTid(ctx, tid1+10); X(err)
	X(tx.Rollback())
	X(b.Close())

	b, err = Open(ctx, path, 5*time.Second); X(err)
	defer b.Close()
	head, err := b.LastTid(ctx); X(err)
	if head != tid1 {
		t.Errorf("lastTid = %s  ; want %s", head, tid1)
	}
	tid2, err := xtesting.Commit(ctx, b, xtesting.Obj{Oid: 1, Data: "b"}); X(err)
	if tid2 != tid+1 {
		t.Errorf("tid after rollback = %s  ; want %s", tid2, tid+1)
	}
}

func TestConnPool(t *testing.T) {
	X := xtesting.FatalIf(t)
	path := filepath.Join(t.TempDir(), "pool.sqlite")
	p := newConnPool(2, func() (*sqlite3.Conn, error) {
		return sqlite3.Open(path)
	})

	stats := func(nopen, nidle int) {
		t.Helper()
		o, i := p.stats()
		if !(o == nopen && i == nidle) {
			t.Errorf("stats: open %d idle %d  ; want open %d idle %d", o, i, nopen, nidle)
		}
	}

	var connv []*sqlite3.Conn
	for i := 0; i < 3; i++ {
		conn, err := p.getConn(); X(err)
		connv = append(connv, conn)
	}
	stats(3, 0)

	for _, conn := range connv {
		p.putConn(conn)
	}
	stats(2, 2) // third is closed: only 2 kept idle

	conn, err := p.getConn(); X(err)
	if conn != connv[1] {
		t.Errorf("getConn did not reuse most recently returned connection")
	}
	stats(2, 1)
	p.dropConn(conn)
	stats(1, 1)

	conn, err = p.getConn(); X(err)
	X(p.Close())
	stats(1, 0)
	p.putConn(conn) // after close it is closed
	stats(0, 0)

	_, err = p.getConn()
	if err != errPoolClosed {
		t.Errorf("getConn after close: %v  ; want %v", err, errPoolClosed)
	}
}

func TestOpenURLInvalid(t *testing.T) {
	ctx := context.Background()
	for _, u := range []string{"sqlite://", "sqlite:///tmp/x.sqlite?lock_timeout=zzz"} {
		_, err := storage.OpenBackend(ctx, u)
		if err == nil {
			t.Errorf("open %q: no error", u)
		}
	}
}

// execLog records statements executed by rowBatcher.
type execLog struct {
	queryv []string
	argvv  [][]interface{}
}

func (l *execLog) exec(query string, argv ...interface{}) error {
	l.queryv = append(l.queryv, query)
	l.argvv = append(l.argvv, argv)
	return nil
}

func TestRowBatcher(t *testing.T) {
	log := &execLog{}
	b := newRowBatcher(log.exec)
	b.rowLimit = 3

	insert := func(oid int64, data string) {
		t.Helper()
		err := b.insertInto("INSERT", "object_state (zoid, state)", "?, ?", oid, len(data), oid, data)
		if err != nil {
			t.Fatal(err)
		}
	}

	insert(2, "b")
	insert(1, "a")
	if len(log.queryv) != 0 {
		t.Fatalf("flushed before limit: %v", log.queryv)
	}
	insert(2, "b2") // replaces row 2 and reaches row limit

	wantQ := []string{"INSERT INTO object_state (zoid, state) VALUES (?, ?), (?, ?)"}
	wantA := [][]interface{}{{int64(1), "a", int64(2), "b2"}}
	if !reflect.DeepEqual(log.queryv, wantQ) || !reflect.DeepEqual(log.argvv, wantA) {
		t.Fatalf("flush:\nhave: %q %v\nwant: %q %v", log.queryv, log.argvv, wantQ, wantA)
	}

	// size limit
	b.sizeLimit = 10
	insert(3, strings.Repeat("x", 10))
	if len(log.queryv) != 2 {
		t.Fatalf("size limit did not flush: %q", log.queryv)
	}

	// explicit flush of empty batcher does nothing
	if err := b.flush(); err != nil {
		t.Fatal(err)
	}
	if len(log.queryv) != 2 {
		t.Errorf("empty flush executed statements: %q", log.queryv[2:])
	}
	if b.totalRows != 3 {
		t.Errorf("totalRows = %d  ; want 3", b.totalRows)
	}
}

func TestSelectIn(t *testing.T) {
	b := newRowBatcher(nil)
	b.rowLimit = 2

	var got []string
	err := b.selectIn([]int64{1, 2, 3, 4, 5}, func(placeholders string, argv []interface{}) error {
		got = append(got, fmt.Sprintf("(%s) %v", placeholders, argv))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"(?, ?) [1 2]", "(?, ?) [3 4]", "(?) [5]"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("selectIn:\nhave: %q\nwant: %q", got, want)
	}
}
