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
// cache-server - serve shared cache

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lab.nexedi.com/kirr/relstorage/go/sharedcache"
)

var cacheServerCmd = &cobra.Command{
	Use:   "cache-server",
	Short: "serve shared cache tier to relstorage processes",
	Long: `Serve shared cache tier to relstorage processes.

The cache is served over RESP (GET, SET, DEL, ...), so it can be also used
with any Redis client. Prometheus metrics are served on the same address
at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		srv := sharedcache.NewServer(sharedcache.NewMemCache(viper.GetInt("max-entries")))
		err := srv.ListenAndServe(ctx, viper.GetString("listen"))
		if ctx.Err() != nil {
			return nil // interrupted
		}
		return err
	},
}

func init() {
	f := cacheServerCmd.Flags()
	f.String("listen", "localhost:6380", "address to listen on")
	f.Int("max-entries", 1000000, "bound on number of cached entries; 0 = no bound")
}
