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

import "testing"

// estr returns string corresponding to error or "" for nil
func estr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestParseHex16(t *testing.T) {
	var testv = []struct {in string; out uint64; estr string} {
		{"", 0, `tid "" invalid`},
		{"0123456789abcde", 0, `tid "0123456789abcde" invalid`},
		{"0123456789abcdeq", 0, `tid "0123456789abcdeq" invalid`},
		{"+123456789abcdef", 0, `tid "+123456789abcdef" invalid`},
		{"0123456789ABCDEF", 0x0123456789abcdef, ""},
		{"0123456789abcdef", 0x0123456789abcdef, ""},
	}

	for _, tt := range testv {
		x, err := parseHex16("tid", tt.in)
		if !(x == tt.out && estr(err) == tt.estr) {
			t.Errorf("parseHex16: %v: test error:\nhave: %v %q\nwant: %v %q", tt.in, x, err, tt.out, tt.estr)
		}
	}
}

func TestString(t *testing.T) {
	xid := Xid{At: 0x0285cbac258bf266, Oid: 1}
	if s := xid.String(); s != "0285cbac258bf266:0000000000000001" {
		t.Errorf("xid: %q", s)
	}
	if s := Tid(0x12).String(); s != "0000000000000012" {
		t.Errorf("tid: %q", s)
	}
	xid2, err := ParseXid(xid.String())
	if !(xid2 == xid && err == nil) {
		t.Errorf("parse(%s) -> %v, %v", xid, xid2, err)
	}
}

func TestParseXid(t *testing.T) {
	var testv = []struct {in string; xid Xid; estr string} {
		{"", Xid{}, `xid "" invalid`},
		{"a", Xid{}, `xid "a" invalid`},
		{"0123456789abcdef", Xid{}, `xid "0123456789abcdef" invalid`},
		{"z0123456789abcdef", Xid{}, `xid "z0123456789abcdef" invalid`},
		{"=0123456789abcdef", Xid{}, `xid "=0123456789abcdef" invalid`},
		{"<0123456789abcdef", Xid{}, `xid "<0123456789abcdef" invalid`},

		{"=0123456789abcdef|fedcba9876543210", Xid{}, `xid "=0123456789abcdef|fedcba9876543210" invalid`},
		{"<0123456789abcdef|fedcba9876543210", Xid{}, `xid "<0123456789abcdef|fedcba9876543210" invalid`},

		{"=0123456789abcdef:fedcba9876543210", Xid{}, `xid "=0123456789abcdef:fedcba9876543210" invalid`},
		{"<0123456789abcdef:fedcba9876543210", Xid{}, `xid "<0123456789abcdef:fedcba9876543210" invalid`},
		{"0123456789abcdef:fedcba9876543210", Xid{0x0123456789abcdef, 0xfedcba9876543210}, ""},
	}

	for _, tt := range testv {
		xid, err := ParseXid(tt.in)
		if !(xid == tt.xid && estr(err) == tt.estr) {
			t.Errorf("parsexid: %v: test error:\nhave: %v %q\nwant: %v %q",
				tt.in, xid, err, tt.xid, tt.estr)
		}
	}
}

func TestParseTidOrTime(t *testing.T) {
	var testv = []struct {in string; tid Tid; estr string} {
		{"0285cbac258bf266", 0x0285cbac258bf266, ""},
		{"1979-01-03T21:00:08.8Z", 0x0285cbac258bf259, ""}, // smallest tid at that time
		{"1900-01-01T00:00:00Z", 0, ""},
		{"1800-01-01T00:00:00Z", 0, ""},
		{"zzz", 0, `tid "zzz" invalid`},
		{"2016-07-01", 0, `tid "2016-07-01" invalid`},
	}

	for _, tt := range testv {
		tid, err := ParseTidOrTime(tt.in)
		if !(tid == tt.tid && estr(err) == tt.estr) {
			t.Errorf("parseTidOrTime: %q:\nhave: %v %q\nwant: %v %q", tt.in, tid, estr(err), tt.tid, tt.estr)
		}
	}
}
