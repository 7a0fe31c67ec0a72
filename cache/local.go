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

package cache
// local tier: in-process LRU

import (
	"sync"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xcontainer/list"

	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// localCache keeps object states in process memory bounded by total size.
//
// Entries are keyed by (oid, keyTid) where keyTid is either a checkpoint or
// exact serial of the revision. The value is the state together with its
// serial, which for checkpoint keys may be below keyTid.
type localCache struct {
	mu      sync.Mutex
	entries map[zodb.Oid]map[zodb.Tid]*localEntry

	lru     lruHead // entries in LRU order, least used first
	size    int     // total size of cached states
	sizeMax int
}

type localEntry struct {
	oid    zodb.Oid
	keyTid zodb.Tid
	serial zodb.Tid
	data   []byte

	inLRU lruHead
}

func newLocalCache(sizeMax int) *localCache {
	c := &localCache{
		entries: make(map[zodb.Oid]map[zodb.Tid]*localEntry),
		sizeMax: sizeMax,
	}
	c.lru.Init()
	return c
}

// get returns state cached under (oid, keyTid) and marks it as recently used.
func (c *localCache) get(oid zodb.Oid, keyTid zodb.Tid) (data []byte, serial zodb.Tid, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[oid][keyTid]
	if e == nil {
		return nil, 0, false
	}
	e.inLRU.MoveBefore(&c.lru.Head)
	return e.data, e.serial, true
}

// set caches state under (oid, keyTid), replacing previous entry if any.
func (c *localCache) set(oid zodb.Oid, keyTid, serial zodb.Tid, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sizeMax <= 0 || len(data) > c.sizeMax {
		return
	}

	revs := c.entries[oid]
	if revs == nil {
		revs = make(map[zodb.Tid]*localEntry)
		c.entries[oid] = revs
	}
	e := revs[keyTid]
	if e != nil {
		c.size -= len(e.data)
	} else {
		e = &localEntry{oid: oid, keyTid: keyTid}
		e.inLRU.Init()
		revs[keyTid] = e
	}
	e.serial = serial
	e.data = data
	c.size += len(data)
	e.inLRU.MoveBefore(&c.lru.Head)

	c.gc()
}

// del removes entry (oid, keyTid), if present.
func (c *localCache) del(oid zodb.Oid, keyTid zodb.Tid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.entries[oid][keyTid]; e != nil {
		c.drop(e)
	}
}

// invalidate removes all entries of oid and returns their key tids.
func (c *localCache) invalidate(oid zodb.Oid) []zodb.Tid {
	c.mu.Lock()
	defer c.mu.Unlock()

	revs := c.entries[oid]
	keyv := make([]zodb.Tid, 0, len(revs))
	for _, e := range revs {
		keyv = append(keyv, e.keyTid)
		c.drop(e)
	}
	return keyv
}

// drop removes e from the cache.
//
// must be called with .mu locked.
func (c *localCache) drop(e *localEntry) {
	revs := c.entries[e.oid]
	delete(revs, e.keyTid)
	if len(revs) == 0 {
		delete(c.entries, e.oid)
	}
	c.size -= len(e.data)
	e.inLRU.Delete()
}

// gc evicts least used entries until cache size is within limit.
//
// must be called with .mu locked.
func (c *localCache) gc() {
	for c.size > c.sizeMax {
		h := c.lru.Next()
		if h == &c.lru {
			panic("cache: gc: empty .lru but .size > .sizeMax")
		}
		c.drop(h.entryFromInLRU())
	}
}

// setSizeMax changes cache size limit and evicts entries if needed.
func (c *localCache) setSizeMax(sizeMax int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizeMax = sizeMax
	c.gc()
}

// stats returns number of entries and their total size.
func (c *localCache) stats() (n, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, revs := range c.entries {
		n += len(revs)
	}
	return n, c.size
}

// list head that knows it is in localEntry.inLRU
type lruHead struct {
	list.Head
}

func (h *lruHead) Next() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Next())) }

// localEntry: .inLRU -> .
func (h *lruHead) entryFromInLRU() (e *localEntry) {
	ue := unsafe.Pointer(uintptr(unsafe.Pointer(h)) - unsafe.Offsetof(e.inLRU))
	return (*localEntry)(ue)
}
