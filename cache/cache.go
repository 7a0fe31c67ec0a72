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

// Package cache provides snapshot-consistent caching of object states.
//
// Object states are cached in two tiers: a local in-process LRU, and an
// optional SharedCache used by all processes working with the same database.
// Both tiers key states by (oid, keyTid):
//
//   - (oid, tid) with tid = exact serial of the revision, and
//   - (oid, cp) with cp = a checkpoint; the value is the state as of cp.
//
// Both kinds of keys name immutable facts, so entries never go stale and
// processes never have to coordinate invalidation of the shared tier.
// Which key to use for a particular (oid, at) is decided by the delta map
// managed by CheckpointManager:
//
//	Exact   -> (oid, tid)
//	Absent  -> (oid, cp0), then (oid, cp1)
//	Unknown -> load from the database
//
// Checkpoints are moved forward from time to time so that the delta map
// stays small; states cached under older checkpoints are then no longer
// looked up and age out.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// Loader loads object revisions from the database.
//
// storage.Backend implements Loader.
type Loader interface {
	LoadAt(ctx context.Context, oid zodb.Oid, at zodb.Tid) (data []byte, serial zodb.Tid, err error)
}

// Options configure ObjectStateCache.
type Options struct {
	LocalSize         int           // size limit of local tier in bytes; 0 disables local tier
	SharedTTL         time.Duration // expiration of shared tier entries; 0 = never
	KeyPrefix         string        // namespace of shared tier keys
	CompressThreshold int           // states at least this long are compressed in shared tier; 0 = never
}

// ObjectStateCache is two-tier cache of object states in front of a Loader.
//
// It is safe for concurrent use.
type ObjectStateCache struct {
	loader Loader
	cpm    *CheckpointManager
	local  *localCache
	shared SharedCache // nil if there is no shared tier
	opt    Options

	stats struct {
		localHits     atomic.Int64
		sharedHits    atomic.Int64
		misses        atomic.Int64
		inconsistency atomic.Int64
		sharedErrors  atomic.Int64
	}
}

// Stats is snapshot of cache counters.
type Stats struct {
	LocalHits       int64
	SharedHits      int64
	Misses          int64 // lookups that went to the database
	Inconsistencies int64
	SharedErrors    int64

	LocalEntries int
	LocalSize    int
}

// New creates new cache that loads missing states via loader and decides on
// cache keys via cpm.
//
// shared can be nil.
func New(loader Loader, cpm *CheckpointManager, shared SharedCache, opt Options) *ObjectStateCache {
	if opt.KeyPrefix == "" {
		opt.KeyPrefix = "relstorage"
	}
	return &ObjectStateCache{
		loader: loader,
		cpm:    cpm,
		local:  newLocalCache(opt.LocalSize),
		shared: shared,
		opt:    opt,
	}
}

// Checkpoints returns checkpoint manager the cache resolves keys with.
func (c *ObjectStateCache) Checkpoints() *CheckpointManager {
	return c.cpm
}

// SetLocalSize changes size limit of the local tier.
func (c *ObjectStateCache) SetLocalSize(size int) {
	c.local.setSizeMax(size)
}

// Get returns state of oid as of database state at, and its serial.
//
// The returned data must not be modified.
func (c *ObjectStateCache) Get(ctx context.Context, oid zodb.Oid, at zodb.Tid) (data []byte, serial zodb.Tid, err error) {
	tid, res, cps := c.cpm.Resolve(oid, at)

	switch res {
	case Exact:
		data, serial, ok := c.lookup(ctx, oid, tid)
		if ok && serial == tid {
			return data, serial, nil
		}
		if ok {
			c.evict(ctx, oid, tid)
		}

		data, serial, err = c.load(ctx, oid, tid)
		if err == nil && serial != tid {
			err = &zodb.CacheInconsistencyError{Oid: oid, Tid: tid,
				Detail: "database returned serial " + serial.String()}
		}
		if err != nil {
			if !isInconsistency(err) {
				return nil, 0, err
			}
			c.stats.inconsistency.Add(1)
			metricInconsistencies.Inc()
			log.Warning(ctx, err)
			c.Invalidate(ctx, oid)
			return c.loadExact(ctx, oid, at)
		}
		c.store(ctx, oid, tid, serial, data)
		return data, serial, nil

	case Absent:
		for i, cp := range []zodb.Tid{cps.Cp0, cps.Cp1} {
			if i == 1 && cp == cps.Cp0 {
				break
			}
			data, serial, ok := c.lookup(ctx, oid, cp)
			if !ok {
				continue
			}
			// state as of cp cannot have serial > cp; it also must be
			// visible from at
			if serial > cp || serial > at {
				c.evict(ctx, oid, cp)
				continue
			}
			if cp != cps.Cp0 {
				c.store(ctx, oid, cps.Cp0, serial, data)
			}
			return data, serial, nil
		}

		data, serial, err = c.load(ctx, oid, at)
		if err != nil {
			return nil, 0, err
		}
		// the object did not change in (cp1, head], so if serial ≤ cp0
		// the state is also the state as of cp0
		if serial <= cps.Cp0 {
			c.store(ctx, oid, cps.Cp0, serial, data)
		} else {
			c.store(ctx, oid, serial, serial, data)
		}
		return data, serial, nil

	default:
		return c.loadExact(ctx, oid, at)
	}
}

// loadExact loads state from the database and caches it under its exact serial.
func (c *ObjectStateCache) loadExact(ctx context.Context, oid zodb.Oid, at zodb.Tid) ([]byte, zodb.Tid, error) {
	data, serial, err := c.load(ctx, oid, at)
	if err != nil {
		return nil, 0, err
	}
	c.store(ctx, oid, serial, serial, data)
	return data, serial, nil
}

// isInconsistency returns whether err, got while loading revision the delta
// map pointed to, tells that cached metadata is wrong.
func isInconsistency(err error) bool {
	var e *zodb.CacheInconsistencyError
	return errors.As(err, &e) || zodb.IsNoObject(err)
}

// Put caches state of revision (oid, tid), e.g. just committed by us.
//
// data is copied.
func (c *ObjectStateCache) Put(ctx context.Context, oid zodb.Oid, tid zodb.Tid, data []byte) {
	data = append([]byte(nil), data...)
	c.store(ctx, oid, tid, tid, data)
}

// Invalidate removes entries of oid from all cache tiers.
//
// Entries in the shared tier are removed for current checkpoint keys and for
// exact keys known locally; other processes' exact keys stay, which is fine
// as those name immutable revisions.
func (c *ObjectStateCache) Invalidate(ctx context.Context, oid zodb.Oid) {
	keyv := c.local.invalidate(oid)
	if c.shared == nil {
		return
	}

	cps := c.cpm.CurrentEpoch()
	keyv = append(keyv, cps.Cp0, cps.Cp1)
	seen := make(map[zodb.Tid]bool, len(keyv))
	for _, keyTid := range keyv {
		if seen[keyTid] {
			continue
		}
		seen[keyTid] = true
		err := c.shared.Delete(ctx, stateKey(c.opt.KeyPrefix, oid, keyTid))
		if err != nil {
			c.sharedError(ctx, "delete", err)
		}
	}
}

// evict removes one (oid, keyTid) entry from all tiers.
func (c *ObjectStateCache) evict(ctx context.Context, oid zodb.Oid, keyTid zodb.Tid) {
	c.local.del(oid, keyTid)
	if c.shared != nil {
		err := c.shared.Delete(ctx, stateKey(c.opt.KeyPrefix, oid, keyTid))
		if err != nil {
			c.sharedError(ctx, "delete", err)
		}
	}
}

// lookup looks (oid, keyTid) up in local tier, then in shared tier.
//
// Shared tier hits are copied into local tier. Shared tier failures are
// logged and reported as a miss.
func (c *ObjectStateCache) lookup(ctx context.Context, oid zodb.Oid, keyTid zodb.Tid) (data []byte, serial zodb.Tid, ok bool) {
	data, serial, ok = c.local.get(oid, keyTid)
	if ok {
		c.stats.localHits.Add(1)
		metricLocalHits.Inc()
		return data, serial, true
	}
	if c.shared == nil {
		return nil, 0, false
	}

	key := stateKey(c.opt.KeyPrefix, oid, keyTid)
	b, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.sharedError(ctx, "get", err)
		return nil, 0, false
	}
	if !ok {
		return nil, 0, false
	}
	data, serial, err = decodeState(b)
	if err != nil {
		c.sharedError(ctx, key, err)
		return nil, 0, false
	}

	c.stats.sharedHits.Add(1)
	metricSharedHits.Inc()
	c.local.set(oid, keyTid, serial, data)
	return data, serial, true
}

// store puts state into both tiers under (oid, keyTid).
func (c *ObjectStateCache) store(ctx context.Context, oid zodb.Oid, keyTid, serial zodb.Tid, data []byte) {
	c.local.set(oid, keyTid, serial, data)
	if c.shared == nil {
		return
	}
	b, err := encodeState(serial, data, c.opt.CompressThreshold)
	if err == nil {
		err = c.shared.Set(ctx, stateKey(c.opt.KeyPrefix, oid, keyTid), b, c.opt.SharedTTL)
	}
	if err != nil {
		c.sharedError(ctx, "set", err)
	}
}

// load loads state from the database.
func (c *ObjectStateCache) load(ctx context.Context, oid zodb.Oid, at zodb.Tid) ([]byte, zodb.Tid, error) {
	c.stats.misses.Add(1)
	metricMisses.Inc()
	return c.loader.LoadAt(ctx, oid, at)
}

func (c *ObjectStateCache) sharedError(ctx context.Context, op string, err error) {
	c.stats.sharedErrors.Add(1)
	metricSharedErrors.Inc()
	log.V(1).Infof(ctx, "shared cache: %s: %s", op, err)
}

// FetchCheckpoints returns checkpoints published in the shared tier.
func (c *ObjectStateCache) FetchCheckpoints(ctx context.Context) (_ Checkpoints, ok bool) {
	if c.shared == nil {
		return Checkpoints{}, false
	}
	b, ok, err := c.shared.Get(ctx, checkpointsKey(c.opt.KeyPrefix))
	if err != nil {
		c.sharedError(ctx, "get checkpoints", err)
		return Checkpoints{}, false
	}
	if !ok {
		return Checkpoints{}, false
	}
	cps, err := decodeCheckpoints(b)
	if err != nil {
		c.sharedError(ctx, "get checkpoints", err)
		return Checkpoints{}, false
	}
	return cps, true
}

// PublishCheckpoints publishes checkpoints in the shared tier for other
// processes to adopt.
func (c *ObjectStateCache) PublishCheckpoints(ctx context.Context, cps Checkpoints) {
	if c.shared == nil {
		return
	}
	b, err := encodeCheckpoints(cps)
	if err == nil {
		err = c.shared.Set(ctx, checkpointsKey(c.opt.KeyPrefix), b, 0)
	}
	if err != nil {
		c.sharedError(ctx, "set checkpoints", err)
	}
}

// Stats returns snapshot of cache counters.
func (c *ObjectStateCache) Stats() Stats {
	n, size := c.local.stats()
	return Stats{
		LocalHits:       c.stats.localHits.Load(),
		SharedHits:      c.stats.sharedHits.Load(),
		Misses:          c.stats.misses.Load(),
		Inconsistencies: c.stats.inconsistency.Load(),
		SharedErrors:    c.stats.sharedErrors.Load(),
		LocalEntries:    n,
		LocalSize:       size,
	}
}
