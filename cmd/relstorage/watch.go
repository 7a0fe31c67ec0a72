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

// watch - watch database for changes
//
// Watch polls database for changes and prints what was committed since
// previous poll. Output formats:
//
// Plain:
//
//	# at <tid>
//	at <tid>
//	at <tid>
//	...
//
// Verbose:
//
//	# at <tid>
//	at <tid>
//	obj <oid>
//	obj ...
//	...
//	LF
//	at <tid>
//	...

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/relstorage/go/relstorage"
)

// Watch polls stor every interval and prints changes to w.
//
// see top-level documentation for output format.
func Watch(ctx context.Context, stor *relstorage.Storage, w io.Writer, interval time.Duration, verbose bool) (err error) {
	defer xerr.Contextf(&err, "%s: watch", stor.URL())

	emitf := func(format string, argv ...interface{}) error {
		_, err := fmt.Fprintf(w, format, argv...)
		return err
	}

	at := stor.View().Polled
	err = emitf("# at %s\n", at)
	if err != nil {
		return err
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		head, changed, err := stor.PollSince(ctx, at)
		if err != nil {
			return err
		}
		if head == at {
			continue
		}
		at = head

		err = emitf("at %s\n", head)
		if err != nil {
			return err
		}
		if verbose {
			for _, oid := range changed {
				err = emitf("obj %s\n", oid)
				if err != nil {
					return err
				}
			}
			err = emitf("\n")
			if err != nil {
				return err
			}
		}
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "watch database for changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx := cmd.Context()
		stor, close, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer close()

		err = Watch(ctx, stor, cmd.OutOrStdout(), viper.GetDuration("poll-interval"), verbose)
		if ctx.Err() != nil {
			return nil // interrupted
		}
		return err
	},
}

func init() {
	watchCmd.Flags().BoolP("verbose", "V", false, "print changed objects")
}
