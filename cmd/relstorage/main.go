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

// Relstorage is a tool for inspecting relstorage databases and for running
// the shared cache server.
//
// Every flag can also be given by environment as RELSTORAGE_<FLAG>, e.g.
// RELSTORAGE_URL=sqlite:///var/lib/app/data.sqlite. Environment is also read
// from .env and .env.local in current directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/relstorage"
	"lab.nexedi.com/kirr/relstorage/go/sharedcache"

	_ "lab.nexedi.com/kirr/relstorage/go/storage/mem"
	_ "lab.nexedi.com/kirr/relstorage/go/storage/sqlite"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "relstorage",
		Short: "inspect relstorage databases and serve shared cache",
		Long: fmt.Sprintf(`relstorage (v%s)

Relstorage keeps versioned object states in a relational database and serves
them to many processes with snapshot-consistent caching.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relstorage v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	def := relstorage.DefaultOptions()
	f := rootCmd.PersistentFlags()
	f.String("url", "", "URL of the database, e.g. sqlite:///path/to/data.sqlite")
	f.String("cache", "", "address of shared cache server; empty = no shared cache")
	f.String("cache-prefix", def.CacheKeyPrefix, "namespace of keys in shared cache")
	f.Duration("shared-ttl", def.SharedCacheTTL, "expiration of shared cache entries; 0 = never")
	f.Int("local-cache-size", def.LocalCacheSize, "bytes of object states cached in process")
	f.Duration("lock-timeout", def.LockTimeout, "bound for acquiring commit locks")
	f.Duration("poll-interval", def.PollInterval, "how often to poll for changes")
	f.Int("compress-threshold", def.CompressThreshold, "compress states at least this long in shared cache; 0 = never")
	f.Int("checkpoint-max-delta", def.CheckpointMaxDelta, "shift checkpoints when delta map grows to this many entries")
	f.Duration("checkpoint-max-age", def.CheckpointMaxAge, "shift checkpoints older than this")
	f.Int("max-delta-rebuild", def.MaxDeltaRebuild, "changes scanned on startup to adopt shared checkpoints")

	// glog flags: -v, -logtostderr, ...
	f.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(infoCmd, loadCmd, watchCmd, cacheServerCmd, versionCmd)
}

// initConfig sets up configuration from environment.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("relstorage")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	// flags were parsed by cobra; tell glog so
	if !flag.Parsed() {
		flag.CommandLine.Parse(nil)
	}
	return viper.BindPFlags(cmd.Flags())
}

// options returns storage options from flags and environment.
//
// The returned close releases connection to shared cache, if any.
func options() (opt relstorage.Options, close func() error, err error) {
	opt = relstorage.DefaultOptions()
	opt.CacheKeyPrefix = viper.GetString("cache-prefix")
	opt.SharedCacheTTL = viper.GetDuration("shared-ttl")
	opt.LocalCacheSize = viper.GetInt("local-cache-size")
	opt.LockTimeout = viper.GetDuration("lock-timeout")
	opt.PollInterval = viper.GetDuration("poll-interval")
	opt.CompressThreshold = viper.GetInt("compress-threshold")
	opt.CheckpointMaxDelta = viper.GetInt("checkpoint-max-delta")
	opt.CheckpointMaxAge = viper.GetDuration("checkpoint-max-age")
	opt.MaxDeltaRebuild = viper.GetInt("max-delta-rebuild")
	if err := opt.Validate(); err != nil {
		return opt, nil, err
	}

	close = func() error { return nil }
	if addr := viper.GetString("cache"); addr != "" {
		c := sharedcache.Dial(addr, sharedcache.DefaultTimeout)
		opt.SharedCache = c
		close = c.Close
	}
	return opt, close, nil
}

// openStorage opens storage configured by flags and environment.
func openStorage(ctx context.Context) (_ *relstorage.Storage, close func() error, err error) {
	url := viper.GetString("url")
	if url == "" {
		return nil, nil, fmt.Errorf("database URL not specified (--url or RELSTORAGE_URL)")
	}

	opt, cclose, err := options()
	if err != nil {
		return nil, nil, err
	}
	stor, err := relstorage.OpenURL(ctx, url, opt)
	if err != nil {
		cclose()
		return nil, nil, err
	}
	close = func() error {
		err := stor.Close()
		if err2 := cclose(); err == nil {
			err = err2
		}
		return err
	}
	return stor, close, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	log.Flush()
	if err != nil {
		os.Exit(1)
	}
}
