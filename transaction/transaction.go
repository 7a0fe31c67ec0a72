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

package transaction

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	datav  []DataManager
	syncv  []Synchronizer

	// metadata
	user        string
	description string
	extension   string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// setStatus changes transaction status.
func (txn *transaction) setStatus(status Status) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.status = status
}

// begin moves transaction into completion phase and extracts datav/syncv.
func (txn *transaction) begin(who string, status Status) (datav []DataManager, syncv []Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting(who)
	txn.status = status

	datav = txn.datav
	txn.datav = nil
	syncv = txn.syncv
	txn.syncv = nil
	return datav, syncv
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer xerr.Context(&err, "transaction: commit")

	datav, syncv := txn.begin("commit", Committing)

	defer func() {
		for _, s := range syncv {
			s.AfterCompletion(txn)
		}
	}()

	for _, s := range syncv {
		err = s.BeforeCompletion(ctx, txn)
		if err != nil {
			for _, dm := range datav {
				dm.Abort(txn)
			}
			txn.setStatus(CommitFailed)
			return err
		}
	}

	// phase 1: begin, commit, vote.
	// on any error all participants that began are tpc-aborted.
	began := 0
	abort := func() {
		for _, dm := range datav[:began] {
			dm.TPCAbort(ctx, txn)
		}
		txn.setStatus(CommitFailed)
	}

	for _, dm := range datav {
		err = dm.TPCBegin(ctx, txn)
		if err != nil {
			abort()
			return err
		}
		began++
	}
	for _, dm := range datav {
		err = dm.Commit(ctx, txn)
		if err != nil {
			abort()
			return err
		}
	}
	for _, dm := range datav {
		err = dm.TPCVote(ctx, txn)
		if err != nil {
			abort()
			return err
		}
	}

	// phase 2: finish. Everyone voted yes, so finish everyone even if some fail.
	var errv xerr.Errorv
	for _, dm := range datav {
		errv.Appendif(dm.TPCFinish(ctx, txn))
	}
	err = errv.Err()
	if err != nil {
		txn.setStatus(CommitFailed)
		return err
	}

	txn.setStatus(Committed)
	return nil
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	datav, syncv := txn.begin("abort", Aborting)

	// errors from BeforeCompletion cannot prevent abort
	ctx := context.Background()
	for _, s := range syncv {
		_ = s.BeforeCompletion(ctx, txn)
	}

	for _, dm := range datav {
		dm.Abort(txn)
	}
	txn.setStatus(Aborted)

	for _, s := range syncv {
		s.AfterCompletion(txn)
	}
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) SetMeta(user, description, extension string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.checkNotYetCompleting("set meta")
	txn.user = user
	txn.description = description
	txn.extension = extension
}

func (txn *transaction) User() string        { return txn.user }
func (txn *transaction) Description() string { return txn.description }
func (txn *transaction) Extension() string   { return txn.extension }
