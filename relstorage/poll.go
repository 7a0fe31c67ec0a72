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
// polling for changes

import (
	"context"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"lab.nexedi.com/kirr/relstorage/go/cache"
	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/internal/xcontext/task"
	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

var (
	metricPolls   = metrics.NewCounter(`relstorage_polls_total`)
	metricChanges = metrics.NewCounter(`relstorage_poll_changes_total`)
	metricShifts  = metrics.NewCounter(`relstorage_checkpoint_shifts_total`)
)

// View is database state a process reads at.
type View struct {
	// Polled is the database state up to which changes of all processes
	// were seen. It advances only by poll.
	Polled zodb.Tid

	// At is Polled, or the tid of this process' last commit if that is
	// newer. Objects changed by own commits after Polled are loaded as of
	// their commit; everything else is loaded as of Polled.
	At zodb.Tid
}

// Poller finds out what other processes committed, and keeps the delta map
// and the cache in sync with that.
type Poller struct {
	backend storage.Backend
	cpm     *cache.CheckpointManager
	cache   *cache.ObjectStateCache

	maxDeltaRebuild int

	pollMu sync.Mutex // serializes polls

	mu     sync.Mutex
	view   View
	own    map[zodb.Tid]struct{} // tids of own commits > view.Polled
	ownOid map[zodb.Oid]zodb.Tid // oid -> tid of own last commit > view.Polled
}

func newPoller(backend storage.Backend, c *cache.ObjectStateCache, maxDeltaRebuild int) *Poller {
	return &Poller{
		backend:         backend,
		cpm:             c.Checkpoints(),
		cache:           c,
		maxDeltaRebuild: maxDeltaRebuild,
		own:             make(map[zodb.Tid]struct{}),
		ownOid:          make(map[zodb.Oid]zodb.Tid),
	}
}

// View returns current view.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// loadAt returns database state oid should be loaded at.
func (p *Poller) loadAt(oid zodb.Oid) zodb.Tid {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tid, ok := p.ownOid[oid]; ok {
		return tid
	}
	return p.view.Polled
}

// noteCommit tells poller that this process committed oidv at tid.
//
// The commit was already applied to delta map and cache, so poll will not
// invalidate objects it changed.
func (p *Poller) noteCommit(tid zodb.Tid, oidv []zodb.Oid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tid <= p.view.Polled {
		return
	}
	p.own[tid] = struct{}{}
	for _, oid := range oidv {
		if tid > p.ownOid[oid] {
			p.ownOid[oid] = tid
		}
	}
	if tid > p.view.At {
		p.view.At = tid
	}
}

// Prime sets up checkpoints and delta map on startup.
//
// If other processes published checkpoints, the delta map is rebuilt for
// them from the database, unless that needs scanning more than
// maxDeltaRebuild changes. Otherwise new checkpoints are started at current
// head.
func (p *Poller) Prime(ctx context.Context) (err error) {
	ctx = task.Running(ctx, "prime")
	defer task.ErrContext(&err, ctx)

	head, err := p.backend.LastTid(ctx)
	if err != nil {
		return err
	}

	cps, ok := p.cache.FetchCheckpoints(ctx)
	if ok && cps.Cp0 <= head {
		changev, err := p.backend.ChangesSince(ctx, cps.Cp1)
		if err != nil {
			return err
		}
		if len(changev) <= p.maxDeltaRebuild {
			if l := len(changev); l > 0 && changev[l-1].Tid > head {
				head = changev[l-1].Tid
			}
			p.cpm.Reset(cps, head, changev)
			p.setPolled(head)
			log.V(1).Infof(ctx, "adopted checkpoints %s; %d changes up to @%s", cps, len(changev), head)
			return nil
		}
		log.Infof(ctx, "checkpoints %s: too many changes (%d) to rebuild deltas; starting new checkpoints",
			cps, len(changev))
	}

	cps = cache.Checkpoints{Cp0: head, Cp1: head}
	p.cpm.Reset(cps, head, nil)
	p.setPolled(head)
	p.cache.PublishCheckpoints(ctx, cps)
	log.V(1).Infof(ctx, "new checkpoints %s", cps)
	return nil
}

func (p *Poller) setPolled(head zodb.Tid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view.Polled = head
	if head > p.view.At {
		p.view.At = head
	}
	for tid := range p.own {
		if tid <= head {
			delete(p.own, tid)
		}
	}
	for oid, tid := range p.ownOid {
		if tid <= head {
			delete(p.ownOid, oid)
		}
	}
}

// Poll finds out changes committed since the view was last polled.
//
// All changed objects are recorded in delta map, and objects changed by
// other processes are invalidated in the cache. The view advances to the
// last found change. Changed oids are returned in order of commits,
// without duplicates.
func (p *Poller) Poll(ctx context.Context) (_ []zodb.Oid, err error) {
	_, changed, err := p.PollSince(ctx, p.View().Polled)
	return changed, err
}

// PollSince is like Poll, but reports changes committed after lastKnown.
//
// Changes already seen by previous polls are reported, but not applied
// again. Changes not yet seen are always applied, even those ≤ lastKnown,
// which are not reported. It returns the database state the view advanced to.
func (p *Poller) PollSince(ctx context.Context, lastKnown zodb.Tid) (head zodb.Tid, changed []zodb.Oid, err error) {
	ctx = task.Runningf(ctx, "poll @%s", lastKnown)
	defer task.ErrContext(&err, ctx)

	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	metricPolls.Inc()

	view := p.View()
	since := lastKnown
	if view.Polled < since {
		since = view.Polled
	}
	changev, err := p.backend.ChangesSince(ctx, since)
	if err != nil {
		return lastKnown, nil, err
	}

	head = view.Polled
	if l := len(changev); l > 0 && changev[l-1].Tid > head {
		head = changev[l-1].Tid
	}

	// apply what was not yet seen
	var fresh []storage.Change
	for i, c := range changev {
		if c.Tid > view.Polled {
			fresh = changev[i:]
			break
		}
	}
	p.cpm.Apply(fresh, head)

	p.mu.Lock()
	own := make(map[zodb.Tid]struct{}, len(p.own))
	for tid := range p.own {
		own[tid] = struct{}{}
	}
	p.mu.Unlock()

	for _, c := range fresh {
		if _, ok := own[c.Tid]; !ok {
			p.cache.Invalidate(ctx, c.Oid)
		}
	}
	p.setPolled(head)
	metricChanges.Add(len(fresh))

	seen := make(map[zodb.Oid]struct{}, len(changev))
	for _, c := range changev {
		if c.Tid <= lastKnown {
			continue
		}
		if _, ok := seen[c.Oid]; !ok {
			seen[c.Oid] = struct{}{}
			changed = append(changed, c.Oid)
		}
	}

	if len(fresh) > 0 {
		log.V(2).Infof(ctx, "%d changes; head @%s", len(fresh), head)
	}
	p.maybeShift(ctx, head)
	return head, changed, nil
}

// maybeShift adopts checkpoints published by other processes, or shifts
// checkpoints itself if policy says so.
//
// must be called with .pollMu held.
func (p *Poller) maybeShift(ctx context.Context, head zodb.Tid) {
	cur := p.cpm.CurrentEpoch()

	if cps, ok := p.cache.FetchCheckpoints(ctx); ok && cps.Cp0 > cur.Cp0 && cps.Cp0 <= head {
		adopted, err := p.cpm.Adopt(cps)
		if err == nil {
			if adopted {
				log.V(1).Infof(ctx, "adopted checkpoints %s", cps)
			}
			return
		}

		// our deltas do not go back to cps.Cp1; rebuild them
		changev, err := p.backend.ChangesSince(ctx, cps.Cp1)
		if err != nil {
			log.Warningf(ctx, "checkpoints %s: rebuild deltas: %s", cps, err)
			return
		}
		if len(changev) > p.maxDeltaRebuild {
			log.Warningf(ctx, "checkpoints %s: too many changes (%d) to rebuild deltas", cps, len(changev))
			return
		}
		// changes after head are applied again and invalidated by the next poll
		if l := len(changev); l > 0 && changev[l-1].Tid > head {
			head = changev[l-1].Tid
		}
		p.cpm.Reset(cps, head, changev)
		log.V(1).Infof(ctx, "adopted checkpoints %s; rebuilt %d changes", cps, len(changev))
		return
	}

	if cps, shifted := p.cpm.MaybeShift(); shifted {
		metricShifts.Inc()
		p.cache.PublishCheckpoints(ctx, cps)
		log.V(1).Infof(ctx, "shifted checkpoints %s -> %s", cur, cps)
	}
}
