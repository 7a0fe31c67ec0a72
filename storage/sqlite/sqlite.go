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

// Package sqlite provides relstorage backend that keeps object revisions in
// SQLite database.
//
// URL form is
//
//	sqlite://<path>[?lock_timeout=<duration>]
//
// for example sqlite:///var/lib/app/data.sqlite?lock_timeout=10s .
//
// Several processes may open the same database file. Commits take SQLite
// database write lock with BEGIN IMMEDIATE: this serializes tid allocation
// with commit, so that transactions become visible in tid order. Row locks are
// subsumed by the database lock. Waiting for the lock longer than the commit
// deadline (or lock_timeout) is reported as *zodb.LockTimeoutError.
package sqlite

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/pkg/errors"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

const schemaVersion = "1"

// OidBlock is how many oids NewOids hands out at once.
const OidBlock = 16

// DefaultLockTimeout is used when URL does not specify lock_timeout.
const DefaultLockTimeout = 30 * time.Second

// ---- schema ----

// table "config" stores parameters which affect the persistent data.
const config = `
	name	TEXT NOT NULL PRIMARY KEY,
	value	TEXT
`

// table "trans" stores committed transactions.
const trans = `
	tid		INTEGER NOT NULL PRIMARY KEY,
	committed	INTEGER NOT NULL		-- unix ns at commit
`

// table "object_state" stores all object revisions.
const objectState = `
	zoid		INTEGER NOT NULL,
	tid		INTEGER NOT NULL,
	prev_tid	INTEGER NOT NULL,
	md5		TEXT,
	state_size	INTEGER NOT NULL,
	state		BLOB,

	PRIMARY KEY (zoid, tid)
`

// table "current_object" points to current revision of every object.
const currentObject = `
	zoid		INTEGER NOT NULL PRIMARY KEY,
	tid		INTEGER NOT NULL
`

// table "new_oid" is sequence for oid blocks.
const newOid = `
	zoid		INTEGER PRIMARY KEY AUTOINCREMENT
`

var schemav = []string{
	"CREATE TABLE IF NOT EXISTS config (" + config + ")",
	"CREATE TABLE IF NOT EXISTS trans (" + trans + ")",
	"CREATE TABLE IF NOT EXISTS object_state (" + objectState + ")",
	"CREATE INDEX IF NOT EXISTS object_state_tid ON object_state (tid, zoid)",
	"CREATE TABLE IF NOT EXISTS current_object (" + currentObject + ")",
	"CREATE TABLE IF NOT EXISTS new_oid (" + newOid + ")",
}

// Backend is relstorage backend on top of SQLite database.
type Backend struct {
	pool        *connPool
	url         string
	lockTimeout time.Duration
}

var _ storage.Backend = (*Backend)(nil)

// Open opens SQLite database at path, creating schema if needed.
func Open(ctx context.Context, path string, lockTimeout time.Duration) (_ *Backend, err error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	b := &Backend{
		url:         "sqlite://" + path,
		lockTimeout: lockTimeout,
	}
	b.pool = newConnPool(maxIdleConns, func() (*sqlite3.Conn, error) {
		conn, err := sqlite3.Open(path)
		if err != nil {
			return nil, err
		}
		if err := conn.BusyTimeout(lockTimeout); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})
	defer func() {
		if err != nil {
			b.pool.Close()
			err = b.berr("open", err)
		}
	}()

	conn, err := b.pool.getConn()
	if err != nil {
		return nil, err
	}
	defer b.pool.putConn(conn)

	// WAL lets readers proceed while a commit is in progress
	err = query(conn, "PRAGMA journal_mode=WAL", nil, func(*sqlite3.Stmt) error { return nil })
	if err != nil {
		return nil, err
	}

	for _, stmt := range schemav {
		if err = conn.Exec(stmt); err != nil {
			return nil, err
		}
	}

	err = conn.Exec("INSERT OR IGNORE INTO config (name, value) VALUES ('version', ?)", schemaVersion)
	if err != nil {
		return nil, err
	}
	var version string
	err = query(conn, "SELECT value FROM config WHERE name = 'version'", nil, func(s *sqlite3.Stmt) error {
		return s.Scan(&version)
	})
	if err != nil {
		return nil, err
	}
	if version != schemaVersion {
		return nil, errors.Errorf("schema version %q; expected %q", version, schemaVersion)
	}

	return b, nil
}

func openURL(ctx context.Context, u *url.URL) (storage.Backend, error) {
	path := u.Host + u.Path
	if path == "" {
		return nil, errors.Errorf("sqlite: %s: path is empty", u)
	}

	var lockTimeout time.Duration
	if s := u.Query().Get("lock_timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrapf(err, "sqlite: %s: lock_timeout", u)
		}
		lockTimeout = d
	}

	return Open(ctx, path, lockTimeout)
}

func init() {
	storage.RegisterBackend("sqlite", openURL)
}

// ---- errors ----

// errCode returns SQLite result code of err, or 0.
func errCode(err error) sqlite3.Errno {
	var coder interface{ Code() sqlite3.Errno }
	if errors.As(err, &coder) {
		return coder.Code()
	}
	var errno sqlite3.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

// berr wraps err as backend failure of op.
//
// Typed relstorage errors are returned as is.
func (b *Backend) berr(op string, err error) error {
	switch err.(type) {
	case nil:
		return nil
	case *zodb.BackendError, *zodb.NoObjectError, *zodb.LockTimeoutError, *zodb.AllocationConflictError:
		return err
	}
	if errCode(err) == sqlite3.ErrBusy {
		return &zodb.LockTimeoutError{}
	}
	return &zodb.BackendError{Op: op, Err: errors.Wrap(err, b.url)}
}

// ---- queries ----

// query runs sql with argv and calls row for every result row.
func query(conn *sqlite3.Conn, sql string, argv []interface{}, row func(s *sqlite3.Stmt) error) error {
	s, err := conn.Prepare(sql, argv...)
	if err != nil {
		return err
	}
	defer s.Finalize()

	for {
		ok, err := s.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err = row(s); err != nil {
			return err
		}
	}
}

// withConn runs f with a pooled connection.
func (b *Backend) withConn(op string, f func(conn *sqlite3.Conn) error) error {
	conn, err := b.pool.getConn()
	if err != nil {
		return b.berr(op, err)
	}
	err = f(conn)
	b.pool.putConn(conn)
	return b.berr(op, err)
}

func (b *Backend) URL() string {
	return b.url
}

func (b *Backend) Close() error {
	return b.pool.Close()
}

func lastTid(conn *sqlite3.Conn) (zodb.Tid, error) {
	var tid int64
	err := query(conn, "SELECT COALESCE(MAX(tid), 0) FROM trans", nil, func(s *sqlite3.Stmt) error {
		return s.Scan(&tid)
	})
	return zodb.Tid(tid), err
}

// tidHWM returns the largest tid ever allocated, including by transactions
// that were rolled back.
func tidHWM(conn *sqlite3.Conn) (zodb.Tid, error) {
	var hwm int64
	err := query(conn, "SELECT COALESCE((SELECT CAST(value AS INTEGER) FROM config WHERE name = 'tid_hwm'), 0)",
		nil, func(s *sqlite3.Stmt) error {
			return s.Scan(&hwm)
		})
	return zodb.Tid(hwm), err
}

func (b *Backend) LastTid(ctx context.Context) (head zodb.Tid, err error) {
	err = b.withConn("last_tid", func(conn *sqlite3.Conn) error {
		head, err = lastTid(conn)
		return err
	})
	return head, err
}

func (b *Backend) ChangesSince(ctx context.Context, after zodb.Tid) (changev []storage.Change, err error) {
	err = b.withConn("changes_since", func(conn *sqlite3.Conn) error {
		return query(conn,
			"SELECT tid, zoid FROM object_state WHERE tid > ? ORDER BY tid, zoid",
			[]interface{}{int64(after)},
			func(s *sqlite3.Stmt) error {
				var tid, oid int64
				if err := s.Scan(&tid, &oid); err != nil {
					return err
				}
				changev = append(changev, storage.Change{Tid: zodb.Tid(tid), Oid: zodb.Oid(oid)})
				return nil
			})
	})
	return changev, err
}

func (b *Backend) LoadAt(ctx context.Context, oid zodb.Oid, at zodb.Tid) (data []byte, serial zodb.Tid, err error) {
	found := false
	err = b.withConn("load", func(conn *sqlite3.Conn) error {
		return query(conn,
			"SELECT tid, state FROM object_state"+
				" WHERE zoid = ? AND tid <= ?"+
				" ORDER BY tid DESC LIMIT 1",
			[]interface{}{int64(oid), int64(at)},
			func(s *sqlite3.Stmt) error {
				var tid int64
				if err := s.Scan(&tid, &data); err != nil {
					return err
				}
				serial = zodb.Tid(tid)
				found = true
				return nil
			})
	})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, &zodb.NoObjectError{Oid: oid, At: at}
	}
	return data, serial, nil
}

func (b *Backend) LoadBefore(ctx context.Context, oid zodb.Oid, before zodb.Tid) (data []byte, serial, nextSerial zodb.Tid, err error) {
	if before == 0 {
		return nil, 0, 0, &zodb.NoObjectError{Oid: oid}
	}
	data, serial, err = b.LoadAt(ctx, oid, before-1)
	if err != nil {
		return nil, 0, 0, err
	}

	// revisions are immutable, so the next one can be looked up separately
	err = b.withConn("load_before", func(conn *sqlite3.Conn) error {
		return query(conn,
			"SELECT tid FROM object_state WHERE zoid = ? AND tid > ? ORDER BY tid LIMIT 1",
			[]interface{}{int64(oid), int64(serial)},
			func(s *sqlite3.Stmt) error {
				var tid int64
				if err := s.Scan(&tid); err != nil {
					return err
				}
				nextSerial = zodb.Tid(tid)
				return nil
			})
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return data, serial, nextSerial, nil
}

func (b *Backend) NewOids(ctx context.Context) (oidv []zodb.Oid, err error) {
	err = b.withConn("new_oid", func(conn *sqlite3.Conn) error {
		if err := conn.Exec("INSERT INTO new_oid DEFAULT VALUES"); err != nil {
			return err
		}
		n := conn.LastInsertRowid()
		// the sequence lives in sqlite_sequence; old rows are not needed
		if err := conn.Exec("DELETE FROM new_oid WHERE zoid < ?", n); err != nil {
			return err
		}

		start := zodb.Oid(n-1)*OidBlock + 1
		oidv = make([]zodb.Oid, OidBlock)
		for i := range oidv {
			oidv[i] = start + zodb.Oid(i)
		}
		return nil
	})
	return oidv, err
}

func (b *Backend) SetMinOid(ctx context.Context, oid zodb.Oid) error {
	n := int64((oid + OidBlock - 1) / OidBlock)
	return b.withConn("set_min_oid", func(conn *sqlite3.Conn) error {
		return conn.Exec("INSERT OR IGNORE INTO new_oid (zoid) VALUES (?)", n)
	})
}

// ---- write transactions ----

// tx is write transaction running on its own connection.
type tx struct {
	b     *Backend
	conn  *sqlite3.Conn
	batch *rowBatcher
	tid   zodb.Tid
	done  bool
}

var errTxDone = errors.New("transaction already finished")

func (b *Backend) Begin(ctx context.Context) (_ storage.Tx, err error) {
	conn, err := b.pool.getConn()
	if err != nil {
		return nil, b.berr("begin", err)
	}

	// wait for database write lock no longer than the commit may take
	timeout := b.lockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			b.pool.putConn(conn)
			return nil, &zodb.LockTimeoutError{}
		}
	}
	err = conn.BusyTimeout(timeout)
	if err == nil {
		err = conn.Exec("BEGIN IMMEDIATE")
	}
	conn.BusyTimeout(b.lockTimeout)
	if err != nil {
		b.pool.putConn(conn)
		return nil, b.berr("begin", err)
	}

	t := &tx{b: b, conn: conn}
	t.batch = newRowBatcher(conn.Exec)
	return t, nil
}

func (t *tx) check(ctx context.Context, op string) error {
	if t.done {
		return t.b.berr(op, errTxDone)
	}
	return ctx.Err()
}

// LockRow is noop: BEGIN IMMEDIATE already holds database write lock.
func (t *tx) LockRow(ctx context.Context, oid zodb.Oid) error {
	return t.check(ctx, "lock")
}

func (t *tx) UnlockRow(oid zodb.Oid) {}

func (t *tx) CurrentTids(ctx context.Context, oidv []zodb.Oid) (map[zodb.Oid]zodb.Tid, error) {
	if err := t.check(ctx, "current_tids"); err != nil {
		return nil, err
	}
	cur := make(map[zodb.Oid]zodb.Tid, len(oidv))
	keyv := make([]int64, len(oidv))
	for i, oid := range oidv {
		cur[oid] = 0
		keyv[i] = int64(oid)
	}

	err := t.batch.selectIn(keyv, func(placeholders string, argv []interface{}) error {
		return query(t.conn,
			"SELECT zoid, tid FROM current_object WHERE zoid IN ("+placeholders+")",
			argv,
			func(s *sqlite3.Stmt) error {
				var oid, tid int64
				if err := s.Scan(&oid, &tid); err != nil {
					return err
				}
				cur[zodb.Oid(oid)] = zodb.Tid(tid)
				return nil
			})
	})
	if err != nil {
		return nil, t.b.berr("current_tids", err)
	}
	return cur, nil
}

func (t *tx) AllocateTid(ctx context.Context, min zodb.Tid) (zodb.Tid, error) {
	if err := t.check(ctx, "allocate_tid"); err != nil {
		return 0, err
	}
	if t.tid != 0 {
		return 0, t.b.berr("allocate_tid", errors.Errorf("tid already allocated: %s", t.tid))
	}

	last, err := lastTid(t.conn)
	if err == nil {
		var hwm zodb.Tid
		hwm, err = tidHWM(t.conn)
		if hwm > last {
			last = hwm
		}
	}
	if err != nil {
		return 0, t.b.berr("allocate_tid", err)
	}
	tid := min
	if tid <= last {
		tid = last + 1
	}
	if !tid.Valid() {
		return 0, t.b.berr("allocate_tid", errors.Errorf("tid space exhausted"))
	}

	// the high-water mark is written before savepoint, so that it survives
	// Rollback and the tid is never handed out again
	err = t.conn.Exec("INSERT OR IGNORE INTO config (name, value) VALUES ('tid_hwm', 0)")
	if err == nil {
		err = t.conn.Exec("UPDATE config SET value = ? WHERE name = 'tid_hwm'", int64(tid))
	}
	if err == nil {
		err = t.conn.Exec("SAVEPOINT allocated")
	}
	if err != nil {
		return 0, t.b.berr("allocate_tid", err)
	}

	err = t.conn.Exec("INSERT INTO trans (tid, committed) VALUES (?, ?)", int64(tid), time.Now().UnixNano())
	if err != nil {
		if errCode(err) == sqlite3.ErrConstraint {
			return 0, &zodb.AllocationConflictError{Tid: tid}
		}
		return 0, t.b.berr("allocate_tid", err)
	}
	t.tid = tid
	return tid, nil
}

func (t *tx) Store(ctx context.Context, rec zodb.Record) error {
	if err := t.check(ctx, "store"); err != nil {
		return err
	}
	if t.tid == 0 || rec.Tid != t.tid {
		return t.b.berr("store", errors.Errorf("%s: store with tid %s; allocated %s", rec.Oid, rec.Tid, t.tid))
	}

	sum := md5.Sum(rec.Data)
	oid := int64(rec.Oid)
	err := t.batch.insertInto("INSERT",
		"object_state (zoid, tid, prev_tid, md5, state_size, state)", "?, ?, ?, ?, ?, ?",
		oid, len(rec.Data),
		oid, int64(rec.Tid), int64(rec.PrevTid), hex.EncodeToString(sum[:]), int64(len(rec.Data)), rec.Data)
	if err == nil {
		err = t.batch.insertInto("INSERT OR REPLACE",
			"current_object (zoid, tid)", "?, ?",
			oid, 16,
			oid, int64(rec.Tid))
	}
	return t.b.berr("store", err)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return t.b.berr("commit", errTxDone)
	}
	err := t.batch.flush()
	if err == nil {
		err = t.conn.Exec("COMMIT")
	}
	if err != nil {
		return t.b.berr("commit", err)
	}

	t.done = true
	t.b.pool.putConn(t.conn)
	t.conn = nil
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	conn := t.conn
	t.conn = nil

	var err error
	if t.tid != 0 {
		// keep the allocated tid reserved
		err = conn.Exec("ROLLBACK TO allocated")
		if err == nil {
			err = conn.Exec("COMMIT")
		}
		if err != nil {
			conn.Exec("ROLLBACK")
		}
	} else {
		err = conn.Exec("ROLLBACK")
	}
	if err != nil {
		t.b.pool.dropConn(conn)
		return t.b.berr("rollback", err)
	}
	t.b.pool.putConn(conn)
	return nil
}
