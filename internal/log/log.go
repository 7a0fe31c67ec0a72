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

// Package log provides leveled logging prefixed with current task.
//
// Messages go to glog. Every message is prefixed with the operational task
// stack carried by ctx (see internal/xcontext/task), e.g.
//
//	I1018 12:00:00.000000 poll.go:87] poll @03e1...: 3 changes
package log

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/relstorage/go/internal/xcontext/task"
)

// withTask prepends current task stack to argv.
func withTask(ctx context.Context, argv ...interface{}) []interface{} {
	prefix := task.Current(ctx).String()
	if prefix == "" {
		return argv
	}
	if len(argv) != 0 {
		prefix += ": "
	}
	return append([]interface{}{prefix}, argv...)
}

// Depth allows to log on behalf of a caller up the stack.
//
// Depth(0) logs with location of direct caller, Depth(1) with location of
// caller's caller, etc.
type Depth int

func (d Depth) Info(ctx context.Context, argv ...interface{}) {
	glog.InfoDepth(int(d+1), withTask(ctx, argv...)...)
}

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	glog.InfoDepth(int(d+1), withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Warning(ctx context.Context, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withTask(ctx, argv...)...)
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Error(ctx context.Context, argv ...interface{}) {
	glog.ErrorDepth(int(d+1), withTask(ctx, argv...)...)
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d+1), withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func Info(ctx context.Context, argv ...interface{})    { Depth(1).Info(ctx, argv...) }
func Warning(ctx context.Context, argv ...interface{}) { Depth(1).Warning(ctx, argv...) }
func Error(ctx context.Context, argv ...interface{})   { Depth(1).Error(ctx, argv...) }

func Infof(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Infof(ctx, format, argv...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}

// Verbose logs at info severity only when glog verbosity is at least its level.
//
// Formatting and task-prefix computation are skipped when disabled.
type Verbose struct {
	enabled bool
}

// V returns Verbose logger for level.
func V(level glog.Level) Verbose {
	return Verbose{enabled: bool(glog.V(level))}
}

func (v Verbose) Infof(ctx context.Context, format string, argv ...interface{}) {
	if v.enabled {
		Depth(1).Infof(ctx, format, argv...)
	}
}

func (v Verbose) Info(ctx context.Context, argv ...interface{}) {
	if v.enabled {
		Depth(1).Info(ctx, argv...)
	}
}

func Flush() { glog.Flush() }
