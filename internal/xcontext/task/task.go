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

// Package task keeps operational task stack in context.
//
// A task is a named operation, e.g. "poll" or "commit 0000000000000042".
// Tasks nest: the stack of a commit running inside a transaction is printed
// as "txn: commit 0000000000000042". The stack is used as prefix for log
// messages and for errors returned from the task.
package task

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Task is one entry of the operational stack.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Running pushes new task on top of ctx's stack.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Runningf is Running with formatting.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns top of ctx's task stack, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// ErrContext prefixes *errp with name of ctx's current task, if *errp != nil.
//
// Use it under defer:
//
//	func (s *Storage) Poll(ctx context.Context) (_ []zodb.Oid, err error) {
//		ctx = task.Running(ctx, "poll")
//		defer task.ErrContext(&err, ctx)
//		...
func ErrContext(errp *error, ctx context.Context) {
	t := Current(ctx)
	if t == nil {
		return
	}
	xerr.Context(errp, t.Name)
}

// Depth returns number of tasks in the stack ending at t.
func (t *Task) Depth() int {
	n := 0
	for ; t != nil; t = t.Parent {
		n++
	}
	return n
}

// String returns whole stack ending at t as "a: b: c".
//
// nil Task is represented as "".
func (t *Task) String() string {
	if t == nil {
		return ""
	}
	prefix := t.Parent.String()
	if prefix != "" {
		prefix += ": "
	}
	return prefix + t.Name
}
