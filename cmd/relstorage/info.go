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
// info - print general information about a database

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"lab.nexedi.com/kirr/relstorage/go/relstorage"
)

// paramFunc is a function to retrieve 1 storage parameter.
type paramFunc func(ctx context.Context, stor *relstorage.Storage) (string, error)

var infov = []struct {
	name     string
	getParam paramFunc
}{
	{"name", func(ctx context.Context, stor *relstorage.Storage) (string, error) {
		return stor.URL(), nil
	}},
	{"last_tid", func(ctx context.Context, stor *relstorage.Storage) (string, error) {
		tid, err := stor.Backend().LastTid(ctx)
		return tid.String(), err
	}},
	{"last_tid_time", func(ctx context.Context, stor *relstorage.Storage) (string, error) {
		tid, err := stor.Backend().LastTid(ctx)
		return tid.Time().String(), err
	}},
	{"checkpoints", func(ctx context.Context, stor *relstorage.Storage) (string, error) {
		return stor.Checkpoints().String(), nil
	}},
	{"delta_size", func(ctx context.Context, stor *relstorage.Storage) (string, error) {
		return fmt.Sprint(stor.Stats().DeltaSize), nil
	}},
}

// {} parameter_name -> get_parameter(stor)
var infoDict = map[string]paramFunc{}

func init() {
	for _, info := range infov {
		infoDict[info.name] = info.getParam
	}
}

// Info prints general information about a storage.
func Info(ctx context.Context, w io.Writer, stor *relstorage.Storage, parameterv []string) error {
	wantnames := false
	if len(parameterv) == 0 {
		for _, info := range infov {
			parameterv = append(parameterv, info.name)
		}
		wantnames = true
	}

	for _, parameter := range parameterv {
		getParam, ok := infoDict[parameter]
		if !ok {
			return fmt.Errorf("invalid parameter: %s", parameter)
		}

		out := ""
		if wantnames {
			out += parameter + "="
		}
		value, err := getParam(ctx, stor)
		if err != nil {
			return fmt.Errorf("getting %s: %w", parameter, err)
		}
		out += value
		fmt.Fprintf(w, "%s\n", out)
	}
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info [parameter ...]",
	Short: "print general information about a database",
	Long: `Print general information about a database.

By default info prints information about all storage parameters. If one or
more parameter names are given as arguments, info prints the value of each
named parameter on its own line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stor, close, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer close()
		return Info(ctx, cmd.OutOrStdout(), stor, args)
	},
}
