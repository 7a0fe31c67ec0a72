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
	"errors"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestBasic(t *testing.T) {
	ctx := context.Background()

	// Current(ø) -> panic
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("Current(ø) -> not paniced")
			}

			if want := "transaction: no current transaction"; r != want {
				t.Fatalf("Current(ø) -> %q;  want %q", r, want)
			}
		}()

		Current(ctx)
	}()

	txn, ctx := New(ctx)
	if txn_ := Current(ctx); txn_ != txn {
		t.Fatalf("New inconsistent with Current: txn = %#v;  txn_ = %#v", txn, txn_)
	}

	// subtransactions not allowed
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("New(!ø) -> not paniced")
			}

			if want := "transaction: new: nested transactions not supported"; r != want {
				t.Fatalf("New(!ø) -> %q;  want %q", r, want)
			}
		}()

		_, _ = New(ctx)
	}()
}

// tDM is DataManager that records calls made to it.
type tDM struct {
	name string
	log  *[]string
	fail string // name of method to fail
}

func (dm *tDM) call(method string) error {
	*dm.log = append(*dm.log, dm.name+"."+method)
	if method == dm.fail {
		return errors.New(dm.name + ": " + method + " failed")
	}
	return nil
}

func (dm *tDM) Abort(txn Transaction)                                { dm.call("abort") }
func (dm *tDM) TPCBegin(ctx context.Context, txn Transaction) error  { return dm.call("begin") }
func (dm *tDM) Commit(ctx context.Context, txn Transaction) error    { return dm.call("commit") }
func (dm *tDM) TPCVote(ctx context.Context, txn Transaction) error   { return dm.call("vote") }
func (dm *tDM) TPCFinish(ctx context.Context, txn Transaction) error { return dm.call("finish") }
func (dm *tDM) TPCAbort(ctx context.Context, txn Transaction)        { dm.call("tpc_abort") }

// tSync is Synchronizer that records calls made to it.
type tSync struct {
	log  *[]string
	fail bool
}

func (s *tSync) BeforeCompletion(ctx context.Context, txn Transaction) error {
	*s.log = append(*s.log, "sync.before")
	if s.fail {
		return errors.New("sync: before failed")
	}
	return nil
}

func (s *tSync) AfterCompletion(txn Transaction) {
	*s.log = append(*s.log, "sync.after:"+txn.Status().String())
}

func TestCommit(t *testing.T) {
	testv := []struct {
		name     string
		failA    string
		failB    string
		failSync bool
		status   Status
		err      string
		logOk    []string
	}{
		{"ok", "", "", false, Committed, "", []string{
			"sync.before",
			"a.begin", "b.begin",
			"a.commit", "b.commit",
			"a.vote", "b.vote",
			"a.finish", "b.finish",
			"sync.after:committed",
		}},
		{"conflict", "", "commit", false, CommitFailed, "b: commit failed", []string{
			"sync.before",
			"a.begin", "b.begin",
			"a.commit", "b.commit",
			"a.tpc_abort", "b.tpc_abort",
			"sync.after:commit failed",
		}},
		{"vote no", "vote", "", false, CommitFailed, "a: vote failed", []string{
			"sync.before",
			"a.begin", "b.begin",
			"a.commit", "b.commit",
			"a.vote",
			"a.tpc_abort", "b.tpc_abort",
			"sync.after:commit failed",
		}},
		{"begin fails", "", "begin", false, CommitFailed, "b: begin failed", []string{
			"sync.before",
			"a.begin", "b.begin",
			"a.tpc_abort",
			"sync.after:commit failed",
		}},
		{"finish fails", "finish", "", false, CommitFailed, "a: finish failed", []string{
			"sync.before",
			"a.begin", "b.begin",
			"a.commit", "b.commit",
			"a.vote", "b.vote",
			"a.finish", "b.finish",
			"sync.after:commit failed",
		}},
		{"sync fails", "", "", true, CommitFailed, "sync: before failed", []string{
			"sync.before",
			"a.abort", "b.abort",
			"sync.after:commit failed",
		}},
	}

	for _, tt := range testv {
		t.Run(tt.name, func(t *testing.T) {
			var log []string
			a := &tDM{name: "a", log: &log, fail: tt.failA}
			b := &tDM{name: "b", log: &log, fail: tt.failB}

			txn, ctx := New(context.Background())
			txn.Join(a)
			txn.Join(b)
			txn.Join(a) // double join is noop
			txn.RegisterSync(&tSync{log: &log, fail: tt.failSync})

			err := txn.Commit(ctx)
			errStr := ""
			if err != nil {
				errStr = err.Error()
			}
			if !strings.Contains(errStr, tt.err) || (tt.err == "") != (err == nil) {
				t.Errorf("commit: err = %v  ; want %q", err, tt.err)
			}
			if s := txn.Status(); s != tt.status {
				t.Errorf("status = %s  ; want %s", s, tt.status)
			}
			if diff := pretty.Compare(tt.logOk, log); diff != "" {
				t.Errorf("calls: (-want +have):\n%s", diff)
			}
		})
	}
}

func TestAbort(t *testing.T) {
	var log []string
	txn, _ := New(context.Background())
	txn.SetMeta("user", "desc", "")
	txn.Join(&tDM{name: "a", log: &log})
	txn.RegisterSync(&tSync{log: &log, fail: true})
	txn.Abort()

	want := []string{"sync.before", "a.abort", "sync.after:aborted"}
	if diff := pretty.Compare(want, log); diff != "" {
		t.Errorf("calls: (-want +have):\n%s", diff)
	}
	if txn.User() != "user" || txn.Description() != "desc" {
		t.Errorf("meta: %q %q", txn.User(), txn.Description())
	}

	// completed transaction cannot be joined
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("join after abort -> not paniced")
			}
		}()
		txn.Join(&tDM{name: "b", log: &log})
	}()
}
