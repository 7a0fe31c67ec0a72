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

package zodb
// text form of ids

import (
	"fmt"
	"strconv"
	"time"

	"lab.nexedi.com/kirr/go123/xfmt"
	"lab.nexedi.com/kirr/go123/xstrings"
)

// Tids and oids are printed as 16 hex digits, e.g. 0285cbac258bf266.
// Xid is printed as "<at>:<oid>".

func (tid Tid) String() string { return string(tid.XFmtString(nil)) }
func (oid Oid) String() string { return string(oid.XFmtString(nil)) }
func (xid Xid) String() string { return string(xid.XFmtString(nil)) }

func (tid Tid) XFmtString(b []byte) []byte { return xfmt.AppendHex016(b, uint64(tid)) }
func (oid Oid) XFmtString(b []byte) []byte { return xfmt.AppendHex016(b, uint64(oid)) }

func (xid Xid) XFmtString(b []byte) []byte {
	b = append(xid.At.XFmtString(b), ':')
	return xid.Oid.XFmtString(b)
}

// parseHex16 parses id of kind from exactly 16 hex digits.
func parseHex16(kind, s string) (uint64, error) {
	if len(s) == 16 {
		x, err := strconv.ParseUint(s, 16, 64)
		if err == nil {
			return x, nil
		}
	}
	return 0, fmt.Errorf("%s %q invalid", kind, s)
}

// ParseTid parses tid from its String form.
func ParseTid(s string) (Tid, error) {
	x, err := parseHex16("tid", s)
	return Tid(x), err
}

// ParseOid parses oid from its String form.
func ParseOid(s string) (Oid, error) {
	x, err := parseHex16("oid", s)
	return Oid(x), err
}

// ParseXid parses "<at>:<oid>".
func ParseXid(s string) (Xid, error) {
	ats, oids, err := xstrings.Split2(s, ":")
	if err == nil {
		at, err1 := ParseTid(ats)
		oid, err2 := ParseOid(oids)
		if err1 == nil && err2 == nil {
			return Xid{At: at, Oid: oid}, nil
		}
	}
	return Xid{}, fmt.Errorf("xid %q invalid", s)
}

// ParseTidOrTime parses tid either from its String form or from RFC3339
// time, in which case the smallest tid at that time is returned.
func ParseTidOrTime(s string) (Tid, error) {
	tid, err := ParseTid(s)
	if err == nil {
		return tid, nil
	}
	t, terr := time.Parse(time.RFC3339Nano, s)
	if terr != nil {
		return 0, err
	}
	return TidFromTime(t), nil
}
