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

// Package zodb defines types and errors shared by relstorage packages.
//
// Objects are identified by Oid. Every committed transaction is identified by
// Tid and TIDs are totally ordered the same way as commits are. The state of an
// object as of database state `at` is the revision with the largest tid ≤ at.
// Revisions are immutable once committed: a (oid, tid) pair always names the
// same bytes, which is what makes caching by revision safe.
package zodb

// Tid is transaction identifier.
//
// Tid encodes commit time, see Tid.Time and TidFromTime.
type Tid uint64

// Oid is object identifier.
//
// Oids are never reused.
type Oid uint64

const (
	// TidMax is the largest valid transaction identifier.
	//
	// ZODB defines maxtid to be max signed int64 since baee84a6 (Jun 7 2016).
	// SQL backends also store tids in signed 64-bit columns.
	TidMax Tid = 1<<63 - 1 // 0x7fffffffffffffff

	// InvalidTid is returned on failure paths where no transaction was involved.
	InvalidTid Tid = 1<<64 - 1
)

// Valid returns whether tid is in valid transaction identifiers range.
func (tid Tid) Valid() bool {
	return tid <= TidMax
}

// Xid is object address at a database state.
//
// It names the revision of Oid that is current as of transaction At,
// i.e. the revision with the largest serial ≤ At.
type Xid struct {
	At  Tid
	Oid Oid
}

// Record is one revision of an object as stored in the database.
type Record struct {
	Oid     Oid
	Tid     Tid    // serial of this revision
	PrevTid Tid    // serial of the revision this one replaced; 0 for object creation
	Data    []byte // opaque serialized state
}
