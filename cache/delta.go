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
// delta maps

import (
	"fmt"

	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// Checkpoints is pair of transaction ids that cache keys are anchored to.
//
// Cp0 is the current epoch anchor, Cp1 the previous one; Cp0 >= Cp1.
type Checkpoints struct {
	Cp0 zodb.Tid
	Cp1 zodb.Tid
}

func (cps Checkpoints) String() string {
	return fmt.Sprintf("(%s, %s)", cps.Cp0, cps.Cp1)
}

// Resolution tells how DeltaMap answered a query.
type Resolution int

const (
	// Unknown: the delta map cannot tell which revision is current as of
	// requested state; the database has to be asked.
	Unknown Resolution = iota

	// Absent: the object did not change since Cp1; its state can be looked
	// up under checkpoint keys.
	Absent

	// Exact: the delta map knows tid of the revision.
	Exact
)

func (r Resolution) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Absent:
		return "absent"
	case Exact:
		return "exact"
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

// DeltaMap records which objects changed after the checkpoints.
//
//	after0: oid -> newest tid > Cp0
//	after1: oid -> newest tid ∈ (Cp1, Cp0]
//
// Changes are known exhaustively over (Cp1, Head]: an oid present in neither
// map did not change in that range.
//
// DeltaMap is not safe for concurrent use; CheckpointManager serializes
// access to it.
type DeltaMap struct {
	cps    Checkpoints
	head   zodb.Tid
	after0 map[zodb.Oid]zodb.Tid
	after1 map[zodb.Oid]zodb.Tid
}

// NewDeltaMap creates empty delta map anchored at cps that covers (cps.Cp1, head].
func NewDeltaMap(cps Checkpoints, head zodb.Tid) *DeltaMap {
	if !(cps.Cp1 <= cps.Cp0 && cps.Cp0 <= head) {
		panic(fmt.Sprintf("delta: invalid checkpoints %s for head %s", cps, head))
	}
	return &DeltaMap{
		cps:    cps,
		head:   head,
		after0: make(map[zodb.Oid]zodb.Tid),
		after1: make(map[zodb.Oid]zodb.Tid),
	}
}

// Checkpoints returns checkpoints the delta map is anchored at.
func (m *DeltaMap) Checkpoints() Checkpoints {
	return m.cps
}

// Head returns database state up to which changes are known.
func (m *DeltaMap) Head() zodb.Tid {
	return m.head
}

// Len returns number of entries in after0 and after1.
func (m *DeltaMap) Len() (n0, n1 int) {
	return len(m.after0), len(m.after1)
}

// Record records that transaction tid changed oid.
//
// Changes ≤ Cp1 are ignored. Only the newest tid per oid is kept in every map.
func (m *DeltaMap) Record(oid zodb.Oid, tid zodb.Tid) {
	switch {
	case tid > m.cps.Cp0:
		if tid > m.after0[oid] {
			m.after0[oid] = tid
		}
	case tid > m.cps.Cp1:
		if tid > m.after1[oid] {
			m.after1[oid] = tid
		}
	}
}

// Advance tells that all changes with tid ≤ head have been recorded.
func (m *DeltaMap) Advance(head zodb.Tid) {
	if head > m.head {
		m.head = head
	}
}

// Resolve tells which revision of oid is current as of database state at.
//
// Beyond Head changes are not yet recorded, so there only a change committed
// exactly at `at` resolves.
func (m *DeltaMap) Resolve(oid zodb.Oid, at zodb.Tid) (zodb.Tid, Resolution) {
	if tid, ok := m.after0[oid]; ok {
		return m.exact(tid, at)
	}
	if tid, ok := m.after1[oid]; ok {
		return m.exact(tid, at)
	}
	// changes are known only in (cp1, head]
	if m.cps.Cp1 <= at && at <= m.head {
		return 0, Absent
	}
	return 0, Unknown
}

// exact resolves state as of at given the newest recorded change of an object.
func (m *DeltaMap) exact(tid, at zodb.Tid) (zodb.Tid, Resolution) {
	switch {
	case tid > at:
		// only the newest change is kept, older states cannot be resolved
		return 0, Unknown
	case at > m.head && tid != at:
		// an unrecorded change in (head, at] might be newer than tid
		return 0, Unknown
	}
	return tid, Exact
}

// Rebase re-anchors the delta map at new checkpoints.
//
// Retained entries are partitioned against cps: entries newer than cps.Cp0
// go to after0, entries in (cps.Cp1, cps.Cp0] to after1, and older entries
// are forgotten. New checkpoints must be covered by recorded changes:
//
//	Cp1 ≤ cps.Cp1 ≤ cps.Cp0 ≤ Head
func (m *DeltaMap) Rebase(cps Checkpoints) error {
	if !(m.cps.Cp1 <= cps.Cp1 && cps.Cp1 <= cps.Cp0 && cps.Cp0 <= m.head) {
		return fmt.Errorf("delta: rebase %s -> %s: not covered by changes in (%s, %s]",
			m.cps, cps, m.cps.Cp1, m.head)
	}

	after0 := make(map[zodb.Oid]zodb.Tid)
	after1 := make(map[zodb.Oid]zodb.Tid)
	place := func(oid zodb.Oid, tid zodb.Tid) {
		switch {
		case tid > cps.Cp0:
			after0[oid] = tid
		case tid > cps.Cp1:
			after1[oid] = tid
		}
	}
	for oid, tid := range m.after1 {
		if _, newer := m.after0[oid]; !newer {
			place(oid, tid)
		}
	}
	// for oids in old after0 the change in (cps.Cp1, cps.Cp0] older than
	// after0 entry is not known. This is fine: Resolve never consults
	// after1 for oids present in after0.
	for oid, tid := range m.after0 {
		place(oid, tid)
	}

	m.cps = cps
	m.after0 = after0
	m.after1 = after1
	return nil
}

// Shift moves checkpoints forward: Cp1 := Cp0, Cp0 := newCp0.
func (m *DeltaMap) Shift(newCp0 zodb.Tid) error {
	return m.Rebase(Checkpoints{Cp0: newCp0, Cp1: m.cps.Cp0})
}
