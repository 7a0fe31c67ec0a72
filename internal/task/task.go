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

// Package task provides sugar to run and log long-lived tasks.
//
// It is used for operations whose start and end are worth a log line, e.g.
// opening a storage, priming checkpoints or serving the shared cache. Hot-path
// operations (load, commit) only push xcontext/task names without logging.
package task

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	taskctx "lab.nexedi.com/kirr/relstorage/go/internal/xcontext/task"
)

// Running pushes new task to ctx's operational stack, logs its start and
// returns function that logs its completion and prefixes error with task name.
//
// Use it like this:
//
//	defer task.Running(&ctx, "open")(&err)
func Running(ctxp *context.Context, name string) func(*error) {
	return running(ctxp, name)
}

// Runningf is Running with formatting.
func Runningf(ctxp *context.Context, format string, argv ...interface{}) func(*error) {
	return running(ctxp, fmt.Sprintf(format, argv...))
}

func running(ctxp *context.Context, name string) func(*error) {
	ctx := taskctx.Running(*ctxp, name)
	*ctxp = ctx
	log.Depth(2).Info(ctx, "start")

	return func(errp *error) {
		if *errp != nil {
			log.Depth(1).Warning(ctx, "failed: ", *errp)
		} else {
			log.Depth(1).Info(ctx, "done")
		}

		// ctx, not *ctxp: the caller might have pushed more tasks since.
		taskctx.ErrContext(errp, ctx)
	}
}
