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

package main
// load - load object state

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/relstorage/go/relstorage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// Load loads oid as of at and prints its serial and state to w.
//
// at = 0 means current view of stor. The state is printed raw if raw, and
// as hex dump otherwise.
func Load(ctx context.Context, w io.Writer, stor *relstorage.Storage, oid zodb.Oid, at zodb.Tid, raw bool) (err error) {
	defer xerr.Contextf(&err, "load %s", oid)

	var data []byte
	var serial zodb.Tid
	if at == 0 {
		data, serial, err = stor.Load(ctx, oid)
	} else {
		data, serial, err = stor.LoadAt(ctx, oid, at)
	}
	if err != nil {
		return err
	}

	if raw {
		_, err = w.Write(data)
		return err
	}
	_, err = fmt.Fprintf(w, "serial %s (%s)\nsize %d\n%s", serial, serial.Time(), len(data), hex.Dump(data))
	return err
}

var loadCmd = &cobra.Command{
	Use:   "load (<oid> | <at>:<oid>)",
	Short: "load object state",
	Long: `Load object state and print its serial and hex dump.

The object can be given as oid, or as xid <at>:<oid>. --at accepts either
tid in hex, or time in RFC3339 format, and cannot be combined with xid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var oid zodb.Oid
		var at zodb.Tid
		var err error
		if strings.Contains(args[0], ":") {
			var xid zodb.Xid
			xid, err = zodb.ParseXid(args[0])
			oid, at = xid.Oid, xid.At
		} else {
			oid, err = zodb.ParseOid(args[0])
		}
		if err != nil {
			return err
		}
		if s, _ := cmd.Flags().GetString("at"); s != "" {
			if at != 0 {
				return fmt.Errorf("load %s: --at given together with xid", args[0])
			}
			at, err = zodb.ParseTidOrTime(s)
			if err != nil {
				return err
			}
		}
		raw, _ := cmd.Flags().GetBool("raw")

		ctx := cmd.Context()
		stor, close, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer close()
		return Load(ctx, cmd.OutOrStdout(), stor, oid, at, raw)
	},
}

func init() {
	loadCmd.Flags().String("at", "", "load as of this tid or time; default = current")
	loadCmd.Flags().Bool("raw", false, "print state as is instead of hex dump")
}
