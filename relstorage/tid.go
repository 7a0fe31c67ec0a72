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
// transaction id allocation

import (
	"context"
	"sync"
	"time"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// TidAllocator proposes transaction ids for commits of one process.
//
// The backend has the final word: it reserves max(proposal, lastCommitted+1)
// atomically with the committing transaction. Proposals are based on current
// time and never go below what this process already got, so tids of
// rolled back commits are never reused by it.
type TidAllocator struct {
	mu   sync.Mutex
	last zodb.Tid
	now  func() time.Time
}

func NewTidAllocator() *TidAllocator {
	return &TidAllocator{now: time.Now}
}

// Allocate reserves tid for transaction tx.
//
// It must be called once per committing transaction.
func (a *TidAllocator) Allocate(ctx context.Context, tx storage.Tx) (zodb.Tid, error) {
	a.mu.Lock()
	proposal := zodb.TidFromTime(a.now())
	if proposal <= a.last {
		proposal = a.last + 1
	}
	a.mu.Unlock()

	tid, err := tx.AllocateTid(ctx, proposal)
	if err != nil {
		return 0, err
	}
	if tid < proposal || !tid.Valid() {
		return 0, &zodb.AllocationConflictError{Tid: tid}
	}

	a.mu.Lock()
	if tid > a.last {
		a.last = tid
	}
	a.mu.Unlock()
	return tid, nil
}

// Last returns the last tid allocated by this process.
func (a *TidAllocator) Last() zodb.Tid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
