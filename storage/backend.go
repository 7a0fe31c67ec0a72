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

// Package storage defines the contract between relstorage and relational
// backends, and provides registry of backend implementations.
//
// A backend is a database holding history-preserving object revisions:
//
//	trans          tid  -> commit time
//	object_state   (oid, tid) -> prev_tid, state
//	current_object oid -> tid of current revision
//
// Backends do not cache anything and are not aware of relstorage caching.
// They must give repeatable answers for historical queries: a revision, once
// committed, is never changed.
//
// Every backend registers itself under a URL scheme, e.g. "sqlite" or "mem",
// and is opened with OpenBackend:
//
//	b, err := storage.OpenBackend(ctx, "sqlite:///var/lib/app/data.sqlite")
package storage

import (
	"context"

	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// Change tells that transaction Tid changed object Oid.
type Change struct {
	Tid zodb.Tid
	Oid zodb.Oid
}

// Backend is the interface for a database that relstorage keeps object
// revisions in.
//
// All methods must be safe to call from multiple goroutines simultaneously.
// Failures of the database itself are reported as *zodb.BackendError.
type Backend interface {
	// URL returns URL of how the backend was opened.
	URL() string

	// LastTid returns the id of the last committed transaction.
	//
	// If no transactions have been committed yet, LastTid returns 0.
	LastTid(ctx context.Context) (zodb.Tid, error)

	// ChangesSince returns changes committed by transactions with tid > after.
	//
	// The result is ordered by (tid, oid) ascending.
	ChangesSince(ctx context.Context, after zodb.Tid) ([]Change, error)

	// LoadAt loads the revision of oid that is current as of at, i.e. the
	// one with the largest tid ≤ at.
	//
	// If there is no such revision, *zodb.NoObjectError is returned.
	LoadAt(ctx context.Context, oid zodb.Oid, at zodb.Tid) (data []byte, serial zodb.Tid, err error)

	// LoadBefore loads the revision of oid with the largest tid < before,
	// and tells tid of the revision that replaced it, or 0 if the loaded
	// revision is still current.
	//
	// If there is no such revision, *zodb.NoObjectError is returned.
	LoadBefore(ctx context.Context, oid zodb.Oid, before zodb.Tid) (data []byte, serial, nextSerial zodb.Tid, err error)

	// NewOids allocates a block of fresh object ids.
	//
	// The block is never handed out again, even to other processes.
	NewOids(ctx context.Context) ([]zodb.Oid, error)

	// SetMinOid makes sure all oids allocated from now on are > oid.
	SetMinOid(ctx context.Context, oid zodb.Oid) error

	// Begin starts a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// Close releases resources associated with the backend.
	Close() error
}

// Tx is one write transaction to a backend.
//
// A Tx is used by one goroutine at a time. Exactly one of Commit or Rollback
// must be called to end it.
type Tx interface {
	// LockRow takes exclusive row lock for oid until the transaction ends.
	//
	// Callers lock rows in ascending oid order. If the lock cannot be taken
	// before ctx deadline, *zodb.LockTimeoutError is returned.
	LockRow(ctx context.Context, oid zodb.Oid) error

	// UnlockRow releases row lock for oid early. It is a noop if the lock is
	// not held, or if the backend holds row locks until transaction end.
	UnlockRow(oid zodb.Oid)

	// CurrentTids returns tid of current revision for each oid, as seen by
	// this transaction. Objects that do not exist map to 0.
	CurrentTids(ctx context.Context, oids []zodb.Oid) (map[zodb.Oid]zodb.Tid, error)

	// AllocateTid reserves transaction id for this transaction.
	//
	// The result is max(min, lastReserved+1), where lastReserved covers tids
	// of rolled back transactions too: a tid is never handed out twice. The
	// reservation takes the backend-wide commit lock, so that tids become
	// visible in allocation order. A race with another committer is
	// reported as *zodb.AllocationConflictError.
	AllocateTid(ctx context.Context, min zodb.Tid) (zodb.Tid, error)

	// Store writes one object revision. rec.Tid must be the allocated tid.
	Store(ctx context.Context, rec zodb.Record) error

	// Commit makes everything stored in the transaction durable and visible.
	Commit(ctx context.Context) error

	// Rollback discards the transaction. It is safe to call after Commit
	// failed, and is a noop after successful Commit.
	Rollback() error
}
