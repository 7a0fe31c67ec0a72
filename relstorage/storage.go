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

// Package relstorage keeps versioned object states in a relational database
// and serves them to many processes with snapshot-consistent caching.
//
// A Storage is opened once per process over a storage.Backend:
//
//	stor, err := relstorage.OpenURL(ctx, "sqlite:///var/lib/app/data.sqlite", opt)
//
// Reads are served at the process View without going to the database when
// possible:
//
//	data, serial, err := stor.Load(ctx, oid)
//
// Other processes' commits become visible only after Poll, which advances the
// view and invalidates changed objects in the cache. Run polls periodically.
//
// Writes are committed optimistically:
//
//	h := stor.BeginCommit()
//	h.AddWrite(oid, newData, serial)
//	tid, err := h.Finish(ctx)
//
// If another commit changed oid after serial, Finish returns
// *zodb.ConflictError and nothing is committed; the caller reloads and
// retries.
package relstorage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/relstorage/go/cache"
	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/internal/task"
	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// Storage is relstorage instance of one process.
//
// It is safe for concurrent use.
type Storage struct {
	backend    storage.Backend
	ownBackend bool // whether Close closes backend
	opt        Options

	cpm    *cache.CheckpointManager
	cache  *cache.ObjectStateCache
	poller *Poller
	locks  *LockManager
	tids   *TidAllocator

	oidMu sync.Mutex
	oidv  []zodb.Oid // allocated but not yet handed out oids

	closeOnce sync.Once
	closeErr  error
}

// Open opens storage over backend.
//
// The backend is not closed by Storage.Close.
func Open(ctx context.Context, backend storage.Backend, opt Options) (_ *Storage, err error) {
	defer task.Runningf(&ctx, "open %s", backend.URL())(&err)

	if err := opt.Validate(); err != nil {
		return nil, err
	}

	s := &Storage{
		backend: backend,
		opt:     opt,
		locks:   NewLockManager(opt.LockTimeout),
		tids:    NewTidAllocator(),
	}

	head, err := backend.LastTid(ctx)
	if err != nil {
		return nil, err
	}
	s.cpm = cache.NewCheckpointManager(head, opt.shiftPolicy())
	s.cache = cache.New(backend, s.cpm, opt.SharedCache, opt.cacheOptions())
	s.poller = newPoller(backend, s.cache, opt.MaxDeltaRebuild)

	err = s.poller.Prime(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenURL opens backend by URL and storage over it.
//
// The backend is closed by Storage.Close.
func OpenURL(ctx context.Context, url string, opt Options) (*Storage, error) {
	backend, err := storage.OpenBackend(ctx, url)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, backend, opt)
	if err != nil {
		backend.Close()
		return nil, err
	}
	s.ownBackend = true
	return s, nil
}

// URL returns URL of the backend.
func (s *Storage) URL() string {
	return s.backend.URL()
}

// Backend returns the backend storage works over.
func (s *Storage) Backend() storage.Backend {
	return s.backend
}

// View returns database state loads are served at.
func (s *Storage) View() View {
	return s.poller.View()
}

// Checkpoints returns current cache checkpoints.
func (s *Storage) Checkpoints() cache.Checkpoints {
	return s.cpm.CurrentEpoch()
}

// Cache returns object state cache of the storage.
func (s *Storage) Cache() *cache.ObjectStateCache {
	return s.cache
}

func (s *Storage) opErr(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	return &zodb.OpError{URL: s.URL(), Op: op, Args: args, Err: err}
}

// Load loads state of oid as of current view.
//
// Objects committed by this process are seen with those commits even before
// the next poll. The returned data must not be modified.
func (s *Storage) Load(ctx context.Context, oid zodb.Oid) (data []byte, serial zodb.Tid, err error) {
	return s.LoadAt(ctx, oid, s.poller.loadAt(oid))
}

// LoadAt loads state of oid as of database state at.
//
// The returned data must not be modified.
func (s *Storage) LoadAt(ctx context.Context, oid zodb.Oid, at zodb.Tid) (data []byte, serial zodb.Tid, err error) {
	data, serial, err = s.cache.Get(ctx, oid, at)
	if err != nil {
		return nil, 0, s.opErr("load", zodb.Xid{At: at, Oid: oid}, err)
	}
	return data, serial, nil
}

// LoadBefore loads the revision of oid with the largest tid < before, and
// tells tid of the revision that replaced it, or 0 if it is still current.
//
// The answer always comes from the database, as only the database knows the
// next revision. The loaded revision is put into the cache. The returned data
// must not be modified.
func (s *Storage) LoadBefore(ctx context.Context, oid zodb.Oid, before zodb.Tid) (data []byte, serial, nextSerial zodb.Tid, err error) {
	data, serial, nextSerial, err = s.backend.LoadBefore(ctx, oid, before)
	if err != nil {
		return nil, 0, 0, s.opErr("loadBefore", zodb.Xid{At: before, Oid: oid}, err)
	}
	s.cache.Put(ctx, oid, serial, data)
	return data, serial, nextSerial, nil
}

// Exists tells whether oid exists as of current view.
func (s *Storage) Exists(ctx context.Context, oid zodb.Oid) (bool, error) {
	_, _, err := s.Load(ctx, oid)
	switch {
	case err == nil:
		return true, nil
	case zodb.IsNoObject(err):
		return false, nil
	default:
		return false, err
	}
}

// Poll advances view to include commits of other processes.
//
// It returns objects changed since the view was polled last time.
func (s *Storage) Poll(ctx context.Context) ([]zodb.Oid, error) {
	changed, err := s.poller.Poll(ctx)
	return changed, s.opErr("poll", nil, err)
}

// PollSince is like Poll but reports objects changed after lastKnown.
func (s *Storage) PollSince(ctx context.Context, lastKnown zodb.Tid) (head zodb.Tid, changed []zodb.Oid, err error) {
	head, changed, err = s.poller.PollSince(ctx, lastKnown)
	return head, changed, s.opErr("poll", lastKnown, err)
}

// Run polls every PollInterval until ctx is canceled.
//
// Poll errors are logged and polling continues.
func (s *Storage) Run(ctx context.Context) (err error) {
	defer task.Running(&ctx, "poll loop")(&err)

	tick := time.NewTicker(s.opt.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		_, err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warning(ctx, err)
		}
	}
}

// BeginCommit starts new commit.
func (s *Storage) BeginCommit() *CommitHandle {
	return newCommitHandle(s)
}

// NewOid allocates new object id.
//
// Oids are allocated from the database in blocks and are never reused.
func (s *Storage) NewOid(ctx context.Context) (_ zodb.Oid, err error) {
	s.oidMu.Lock()
	defer s.oidMu.Unlock()

	if len(s.oidv) == 0 {
		oidv, err := s.backend.NewOids(ctx)
		if err != nil {
			return 0, s.opErr("new_oid", nil, err)
		}
		if len(oidv) == 0 {
			return 0, s.opErr("new_oid", nil, errors.New("backend allocated no oids"))
		}
		s.oidv = oidv
	}
	oid := s.oidv[0]
	s.oidv = s.oidv[1:]
	return oid, nil
}

// SetMinOid makes sure all oids allocated from now on are > oid.
func (s *Storage) SetMinOid(ctx context.Context, oid zodb.Oid) error {
	s.oidMu.Lock()
	defer s.oidMu.Unlock()

	err := s.backend.SetMinOid(ctx, oid)
	if err != nil {
		return s.opErr("set_min_oid", oid, err)
	}
	var keep []zodb.Oid
	for _, o := range s.oidv {
		if o > oid {
			keep = append(keep, o)
		}
	}
	s.oidv = keep
	return nil
}

// Stats is snapshot of storage state and counters.
type Stats struct {
	View        View
	Checkpoints cache.Checkpoints
	DeltaSize   int
	Cache       cache.Stats
}

func (s *Storage) Stats() Stats {
	return Stats{
		View:        s.View(),
		Checkpoints: s.Checkpoints(),
		DeltaSize:   s.cpm.State().DeltaSize,
		Cache:       s.cache.Stats(),
	}
}

// Close releases resources of the storage.
//
// In-progress commits must be finished or aborted before Close.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		if s.ownBackend {
			s.closeErr = s.backend.Close()
		}
	})
	return s.closeErr
}
