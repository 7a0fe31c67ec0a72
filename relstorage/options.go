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

package relstorage
// configuration

import (
	"fmt"
	"time"

	"lab.nexedi.com/kirr/relstorage/go/cache"
)

// Options configure Storage.
type Options struct {
	// SharedCache is the cache tier shared with other processes; nil = none.
	SharedCache cache.SharedCache

	LocalCacheSize    int           // bytes of object states cached in process
	SharedCacheTTL    time.Duration // expiration of shared cache entries; 0 = never
	CacheKeyPrefix    string        // namespace of shared cache keys
	CompressThreshold int           // compress states at least this long in shared cache; 0 = never

	// Checkpoints are shifted when delta map grows to CheckpointMaxDelta
	// entries, or when they are older than CheckpointMaxAge. ShiftPolicy,
	// if set, is used instead.
	CheckpointMaxDelta int
	CheckpointMaxAge   time.Duration
	ShiftPolicy        cache.ShiftPolicy

	// MaxDeltaRebuild bounds the number of changes scanned on startup to
	// rebuild delta map for checkpoints published by other processes.
	// If there are more, new checkpoints are started instead.
	MaxDeltaRebuild int

	LockTimeout  time.Duration // bound for acquiring commit locks
	PollInterval time.Duration // how often Run polls for changes
}

// DefaultOptions returns options with default values.
func DefaultOptions() Options {
	return Options{
		LocalCacheSize:     10 << 20,
		CacheKeyPrefix:     "relstorage",
		CompressThreshold:  1024,
		CheckpointMaxDelta: 10000,
		CheckpointMaxAge:   time.Hour,
		MaxDeltaRebuild:    100000,
		LockTimeout:        30 * time.Second,
		PollInterval:       1 * time.Second,
	}
}

// Validate checks options for consistency.
func (o *Options) Validate() error {
	switch {
	case o.LocalCacheSize < 0:
		return fmt.Errorf("options: invalid local cache size %d", o.LocalCacheSize)
	case o.SharedCacheTTL < 0:
		return fmt.Errorf("options: invalid shared cache ttl %s", o.SharedCacheTTL)
	case o.CompressThreshold < 0:
		return fmt.Errorf("options: invalid compress threshold %d", o.CompressThreshold)
	case o.CheckpointMaxDelta < 0:
		return fmt.Errorf("options: invalid checkpoint max delta %d", o.CheckpointMaxDelta)
	case o.CheckpointMaxAge < 0:
		return fmt.Errorf("options: invalid checkpoint max age %s", o.CheckpointMaxAge)
	case o.MaxDeltaRebuild < 0:
		return fmt.Errorf("options: invalid max delta rebuild %d", o.MaxDeltaRebuild)
	case o.LockTimeout <= 0:
		return fmt.Errorf("options: invalid lock timeout %s", o.LockTimeout)
	case o.PollInterval <= 0:
		return fmt.Errorf("options: invalid poll interval %s", o.PollInterval)
	}
	return nil
}

func (o *Options) shiftPolicy() cache.ShiftPolicy {
	if o.ShiftPolicy != nil {
		return o.ShiftPolicy
	}
	return cache.HybridPolicy(o.CheckpointMaxDelta, o.CheckpointMaxAge)
}

func (o *Options) cacheOptions() cache.Options {
	return cache.Options{
		LocalSize:         o.LocalCacheSize,
		SharedTTL:         o.SharedCacheTTL,
		KeyPrefix:         o.CacheKeyPrefix,
		CompressThreshold: o.CompressThreshold,
	}
}
