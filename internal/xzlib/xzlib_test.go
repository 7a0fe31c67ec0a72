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

package xzlib

import (
	"bytes"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestDecompress(t *testing.T) {
	in := "x\x9c\xf3H\xcd\xc9\xc9W\x08\xcf/\xcaIQ\x04\x00\x1cI\x04>"
	got, err := Decompress([]byte(in))
	if err != nil {
		t.Fatalf("decompress: %s", err)
	}
	if string(got) != "Hello World!" {
		t.Errorf("decompress output mismatch:\n%s\n", pretty.Compare("Hello World!", string(got)))
	}
}

func TestPack(t *testing.T) {
	big := bytes.Repeat([]byte("persistent state "), 100)
	small := []byte("abc")

	var testv = []struct {
		name      string
		data      []byte
		threshold int
		wantZ     bool
	}{
		{"disabled", big, 0, false},
		{"below threshold", small, 16, false},
		{"compressible", big, 16, true},
		{"incompressible", []byte{0x9f, 0x01, 0xe3, 0x44, 0x10, 0x7a, 0xc2, 0x38}, 1, false},
	}

	for _, tt := range testv {
		out, z := Pack(tt.data, tt.threshold)
		if z != tt.wantZ {
			t.Errorf("%s: compressed=%v; want %v", tt.name, z, tt.wantZ)
			continue
		}
		if z && len(out) >= len(tt.data) {
			t.Errorf("%s: compressed output is not smaller: %d >= %d", tt.name, len(out), len(tt.data))
		}

		back, err := Unpack(out, z)
		if err != nil {
			t.Errorf("%s: unpack: %s", tt.name, err)
			continue
		}
		if !bytes.Equal(back, tt.data) {
			t.Errorf("%s: roundtrip mismatch:\n%s", tt.name, pretty.Compare(string(tt.data), string(back)))
		}
	}
}
