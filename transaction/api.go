// Copyright (c) 2001, 2002 Zope Foundation and Contributors.
// All Rights Reserved.
//
// Copyright (C) 2018-2026  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This software is subject to the provisions of the Zope Public License,
// Version 2.1 (ZPL).  A copy of the ZPL should accompany this distribution.
// THIS SOFTWARE IS PROVIDED "AS IS" AND ANY AND ALL EXPRESS OR IMPLIED
// WARRANTIES ARE DISCLAIMED, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF TITLE, MERCHANTABILITY, AGAINST INFRINGEMENT, AND FITNESS
// FOR A PARTICULAR PURPOSE.

// Package transaction provides transaction management via two-phase commit
// protocol.
//
// It is modelled after
//
//	https://github.com/zopefoundation/transaction
//
// but is not exactly equal to it.
//
// Overview
//
// Transactions are represented by Transaction interface. A transaction can be
// started with New, which creates transaction object and remembers it in a
// child of provided context:
//
//	txn, ctx := transaction.New(ctx)
//
// The transaction should be eventually completed by user - either committed
// or aborted, e.g.
//
//	... // do something with data
//	err := txn.Commit(ctx)
//
// As transactions are associated with contexts, Current returns that
// associated transaction:
//
//	txn := transaction.Current(ctx)
//
// A transaction scope is managed completely by programmer. In particular it
// is possible to use one transaction in several goroutines simultaneously.
//
// Two-phase commit
//
// Every data backend that participates in a transaction must first let the
// transaction know when the data it manages was modified, via Join. Then at
// commit time the transaction manager performs two-phase commit calls to the
// backends that joined:
//
//	TPCBegin -> Commit -> TPCVote -> TPCFinish
//
// If any of the backends fails before TPCFinish, TPCAbort is called on all
// of them. See DataManager for details.
//
// Synchronization
//
// An object might want to be notified of transaction completion events, for
// example to release resources after transaction completes.
// Transaction.RegisterSync provides the way to be notified of such
// synchronization points. Please see Synchronizer interface for details.
package transaction

import (
	"context"
)

// Status describes status of a transaction.
type Status int

const (
	Active       Status = iota // transaction is in progress
	Committing                 // transaction commit started
	Committed                  // transaction commit finished successfully
	CommitFailed               // transaction commit resulted in error
	Aborting                   // transaction abort started
	Aborted                    // transaction was aborted by user
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case CommitFailed:
		return "commit failed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	}
	return "status?"
}

// Transaction represents a transaction.
//
// ... and should be completed by user via either Commit or Abort.
//
// Before completion, if there are changes to managed data, corresponding
// DataManager(s) must join the transaction to participate in the completion.
type Transaction interface {
	User() string        // user name associated with transaction
	Description() string // description of transaction
	Extension() string   // opaque metadata

	// SetMeta sets user, description and extension.
	//
	// It must be called before transaction completion begins.
	SetMeta(user, description, extension string)

	// Status returns current status of the transaction.
	Status() Status

	// Commit finalizes the transaction.
	//
	// Commit completes the transaction by executing the two-phase commit
	// algorithm for all DataManagers associated with the transaction.
	Commit(ctx context.Context) error

	// Abort aborts the transaction.
	//
	// Abort completes the transaction by executing Abort on all
	// DataManagers associated with it.
	Abort()

	// ---- part for data managers & friends ----

	// Join associates a DataManager to the transaction.
	//
	// Only associated data managers will participate in the transaction
	// completion - commit or abort. Joining the same data manager twice
	// is a noop.
	//
	// Join must be called before transaction completion begins.
	Join(dm DataManager)

	// RegisterSync registers sync to be notified in this transaction boundary events.
	//
	// See Synchronizer for details.
	RegisterSync(sync Synchronizer)
}

// New creates new transaction.
//
// The transaction is associated with returned txnCtx, a child of ctx.
// Nested transactions are not supported.
func New(ctx context.Context) (txn Transaction, txnCtx context.Context) {
	return newTxn(ctx)
}

// Current returns current transaction.
//
// It panics if there is no transaction associated with provided context.
func Current(ctx context.Context) Transaction {
	return currentTxn(ctx)
}

// DataManager manages data and can transactionally persist it.
//
// If DataManager is registered to transaction via Transaction.Join, it will
// participate in that transaction completion - commit or abort. In other words
// a data manager have to join to corresponding transaction when it sees there
// are modifications to data it manages.
type DataManager interface {
	// Abort should abort all modifications to managed data.
	//
	// Abort is called by Transaction outside of two-phase commit, and only
	// if abort was caused by user requesting transaction abort. If
	// two-phase commit was started and transaction needs to be aborted due
	// to two-phase commit logic, TPCAbort will be called.
	Abort(txn Transaction)

	// TPCBegin should begin commit of a transaction, starting the two-phase commit.
	TPCBegin(ctx context.Context, txn Transaction) error

	// Commit should commit modifications to managed data.
	//
	// It should save changes to be made persistent if the transaction
	// commits (if TPCFinish is called later). If TPCAbort is called
	// later, changes must not persist.
	//
	// This should include conflict detection and handling. If no conflicts
	// or errors occur, the data manager should be prepared to make the
	// changes persist when TPCFinish is called.
	Commit(ctx context.Context, txn Transaction) error

	// TPCVote should verify that a data manager can commit the transaction.
	//
	// This is the last chance for a data manager to vote 'no'. A data
	// manager votes 'no' by returning an error.
	TPCVote(ctx context.Context, txn Transaction) error

	// TPCFinish should indicate confirmation that the transaction is done.
	//
	// It should make all changes to data modified by this transaction persist.
	//
	// This should never fail. If this returns an error, the database is
	// not expected to maintain consistency; it's a serious error.
	TPCFinish(ctx context.Context, txn Transaction) error

	// TPCAbort should Abort a transaction.
	//
	// This is called by a transaction manager to end a two-phase commit on
	// the data manager. It should abandon all changes to data modified
	// by this transaction.
	//
	// This should never fail.
	TPCAbort(ctx context.Context, txn Transaction)
}

// Synchronizer is the interface to participate in transaction-boundary notifications.
type Synchronizer interface {
	// BeforeCompletion is called before corresponding transaction is going to be completed.
	//
	// The transaction manager calls BeforeCompletion before txn is going
	// to be completed - either committed or aborted. An error returned
	// from BeforeCompletion of a committing transaction makes it abort.
	BeforeCompletion(ctx context.Context, txn Transaction) error

	// AfterCompletion is called after corresponding transaction was completed.
	//
	// The transaction manager calls AfterCompletion after txn is completed
	// - either committed or aborted.
	AfterCompletion(txn Transaction)
}
