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

// Package sharedcache provides shared tier implementations for relstorage cache.
//
// MemCache keeps entries in process memory. It is used directly in tests and
// single-process setups, and is what Server exposes over the network.
//
// Server speaks subset of redis protocol (RESP): PING, GET, SET [PX|EX], DEL,
// DBSIZE, FLUSHALL and QUIT. Client is the corresponding client, and any
// redis server can be used in place of Server as well.
package sharedcache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemCache is in-memory shared cache with optional size bound and
// per-entry expiration.
//
// It is safe for concurrent use.
type MemCache struct {
	kv         *xsync.MapOf[string, memEntry]
	maxEntries int
	now        func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time // zero = never
}

// NewMemCache creates new MemCache holding at most maxEntries entries.
//
// maxEntries <= 0 means no limit.
func NewMemCache(maxEntries int) *MemCache {
	return &MemCache{
		kv:         xsync.NewMapOf[string, memEntry](),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := c.kv.Load(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.kv.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
			// delete only if not concurrently replaced
			return old, !loaded || sameEntry(old, e)
		})
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	if c.maxEntries > 0 && c.kv.Size() >= c.maxEntries {
		if _, ok := c.kv.Load(key); !ok {
			c.evict(c.kv.Size() - c.maxEntries + 1)
		}
	}
	c.kv.Store(key, e)
	return nil
}

func (c *MemCache) Delete(ctx context.Context, key string) error {
	c.kv.Delete(key)
	return nil
}

// Len returns number of entries in the cache.
func (c *MemCache) Len() int {
	return c.kv.Size()
}

// Flush removes all entries.
func (c *MemCache) Flush() {
	c.kv.Clear()
}

// evict removes n entries, expired first.
//
// The shared tier is best-effort, so which of live entries are evicted does
// not matter for correctness.
func (c *MemCache) evict(n int) {
	now := c.now()
	var victimv []string
	c.kv.Range(func(key string, e memEntry) bool {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			c.kv.Delete(key)
			n--
		} else if len(victimv) < n {
			victimv = append(victimv, key)
		}
		return true
	})
	for i := 0; i < n && i < len(victimv); i++ {
		c.kv.Delete(victimv[i])
	}
}

func sameEntry(a, b memEntry) bool {
	return a.expires.Equal(b.expires) && len(a.value) == len(b.value) &&
		(len(a.value) == 0 || &a.value[0] == &b.value[0])
}
