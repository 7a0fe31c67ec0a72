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

package zodb
// errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// NoObjectError is the error which tells that there is no such object in
// the database as of requested state.
type NoObjectError struct {
	Oid Oid
	At  Tid
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("%s: no such object as of @%s", e.Oid, e.At)
}

// ConflictError is the error which tells that a commit tried to change an
// object based on a revision which is no longer current.
//
// It is the expected business outcome of optimistic concurrency: the caller
// should reload the object and retry its transaction.
type ConflictError struct {
	Oid        Oid
	ReadTid    Tid // revision the writer based its change on
	CurrentTid Tid // revision current in the database under lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: write conflict: read @%s, current @%s", e.Oid, e.ReadTid, e.CurrentTid)
}

// LockTimeoutError is the error which tells that a commit lock could not be
// acquired within configured deadline.
type LockTimeoutError struct {
	Oid Oid
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s: lock timeout", e.Oid)
}

// AllocationConflictError is the error which tells that a transaction id
// reservation raced with another committer.
type AllocationConflictError struct {
	Tid Tid
}

func (e *AllocationConflictError) Error() string {
	return fmt.Sprintf("tid %s: allocation conflict", e.Tid)
}

// BackendError is the error which tells that the backend database failed
// or is unreachable.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %s: %s", e.Op, e.Err)
}

func (e *BackendError) Cause() error  { return e.Err }
func (e *BackendError) Unwrap() error { return e.Err }

// CacheInconsistencyError is the error which tells that cached metadata
// points to a revision the backend does not confirm.
//
// It never leaves the cache layer: the entry is evicted and the state is
// reloaded from the backend.
type CacheInconsistencyError struct {
	Oid    Oid
	Tid    Tid
	Detail string
}

func (e *CacheInconsistencyError) Error() string {
	return fmt.Sprintf("cache: %s@%s: database inconsistency: %s", e.Oid, e.Tid, e.Detail)
}

// OpError is the error returned by relstorage operations.
type OpError struct {
	URL  string      // URL of the storage
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %s", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }

// IsRetryable returns whether err is a transient outcome of concurrent
// commits, after which the whole transaction may be retried.
func IsRetryable(err error) bool {
	var (
		econflict *ConflictError
		elock     *LockTimeoutError
		ealloc    *AllocationConflictError
	)
	return errors.As(err, &econflict) || errors.As(err, &elock) || errors.As(err, &ealloc)
}

// IsNoObject returns whether err tells that the object does not exist.
func IsNoObject(err error) bool {
	var e *NoObjectError
	return errors.As(err, &e)
}
