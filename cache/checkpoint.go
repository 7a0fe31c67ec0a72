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
// checkpoint management

import (
	"sync"
	"time"

	"lab.nexedi.com/kirr/relstorage/go/storage"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// ShiftState is what a ShiftPolicy decides on.
type ShiftState struct {
	Checkpoints Checkpoints
	Head        zodb.Tid      // database state the delta map covers up to
	DeltaSize   int           // number of entries in after0
	Age         time.Duration // time since checkpoints were last moved
}

// ShiftPolicy decides whether checkpoints should be shifted.
//
// It is consulted only when Head > Cp0.
type ShiftPolicy func(st ShiftState) bool

// SizePolicy shifts checkpoints when after0 grows to maxDelta entries.
func SizePolicy(maxDelta int) ShiftPolicy {
	return func(st ShiftState) bool {
		return st.DeltaSize >= maxDelta
	}
}

// AgePolicy shifts checkpoints when they are older than maxAge and there
// were changes since.
func AgePolicy(maxAge time.Duration) ShiftPolicy {
	return func(st ShiftState) bool {
		return st.DeltaSize > 0 && st.Age >= maxAge
	}
}

// HybridPolicy shifts checkpoints when either SizePolicy or AgePolicy says so.
//
// Zero maxDelta or maxAge disable corresponding part.
func HybridPolicy(maxDelta int, maxAge time.Duration) ShiftPolicy {
	bySize := SizePolicy(maxDelta)
	byAge := AgePolicy(maxAge)
	return func(st ShiftState) bool {
		return (maxDelta > 0 && bySize(st)) || (maxAge > 0 && byAge(st))
	}
}

// NeverShift is ShiftPolicy that keeps checkpoints where they are.
func NeverShift(ShiftState) bool { return false }

// CheckpointManager owns the delta map and moves checkpoints forward.
//
// It is safe for concurrent use. Readers see checkpoints and delta map
// changes atomically: Resolve never observes a half-rebased map.
type CheckpointManager struct {
	policy ShiftPolicy
	now    func() time.Time

	mu        sync.RWMutex
	delta     *DeltaMap
	shiftedAt time.Time
}

// NewCheckpointManager creates checkpoint manager with Cp0 = Cp1 = head.
func NewCheckpointManager(head zodb.Tid, policy ShiftPolicy) *CheckpointManager {
	if policy == nil {
		policy = NeverShift
	}
	m := &CheckpointManager{policy: policy, now: time.Now}
	m.delta = NewDeltaMap(Checkpoints{head, head}, head)
	m.shiftedAt = m.now()
	return m
}

// CurrentEpoch returns current checkpoints.
func (m *CheckpointManager) CurrentEpoch() Checkpoints {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delta.Checkpoints()
}

// Head returns database state up to which changes were recorded.
func (m *CheckpointManager) Head() zodb.Tid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delta.Head()
}

// Resolve is DeltaMap.Resolve that also returns checkpoints it resolved against.
func (m *CheckpointManager) Resolve(oid zodb.Oid, at zodb.Tid) (zodb.Tid, Resolution, Checkpoints) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tid, res := m.delta.Resolve(oid, at)
	return tid, res, m.delta.Checkpoints()
}

// Record records change of oid by own commit.
//
// It does not advance Head: changes of other committers that might be below
// tid are not yet known.
func (m *CheckpointManager) Record(oid zodb.Oid, tid zodb.Tid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delta.Record(oid, tid)
}

// Apply records changes found by poll and advances Head.
func (m *CheckpointManager) Apply(changev []storage.Change, head zodb.Tid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changev {
		m.delta.Record(c.Oid, c.Tid)
	}
	m.delta.Advance(head)
}

// State returns what shift policy would currently be consulted with.
func (m *CheckpointManager) State() ShiftState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state()
}

func (m *CheckpointManager) state() ShiftState {
	n0, _ := m.delta.Len()
	return ShiftState{
		Checkpoints: m.delta.Checkpoints(),
		Head:        m.delta.Head(),
		DeltaSize:   n0,
		Age:         m.now().Sub(m.shiftedAt),
	}
}

// MaybeShift consults shift policy and shifts checkpoints to Head if it says so.
//
// It returns new checkpoints and whether shift happened.
func (m *CheckpointManager) MaybeShift() (Checkpoints, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state()
	if st.Head <= st.Checkpoints.Cp0 || !m.policy(st) {
		return st.Checkpoints, false
	}
	// Head ≥ Cp0 ≥ Cp1 and Head is covered, so shift cannot fail
	if err := m.delta.Shift(st.Head); err != nil {
		panic(err)
	}
	m.shiftedAt = m.now()
	return m.delta.Checkpoints(), true
}

// Adopt re-anchors delta map at checkpoints chosen by another process.
//
// Checkpoints older than ours are ignored and (false, nil) is returned. If
// cps are newer but not covered by changes recorded so far, an error is
// returned and the caller has to Reset the delta map from the database.
func (m *CheckpointManager) Adopt(cps Checkpoints) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.delta.Checkpoints()
	if cps.Cp0 <= cur.Cp0 {
		return false, nil
	}
	if err := m.delta.Rebase(cps); err != nil {
		return false, err
	}
	m.shiftedAt = m.now()
	return true, nil
}

// Reset replaces delta map with one built from changev.
//
// changev must be all changes in (cps.Cp1, head].
func (m *CheckpointManager) Reset(cps Checkpoints, head zodb.Tid, changev []storage.Change) {
	delta := NewDeltaMap(cps, head)
	for _, c := range changev {
		if c.Tid <= head {
			delta.Record(c.Oid, c.Tid)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.delta = delta
	m.shiftedAt = m.now()
}
