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

// Package xzlib compresses object states kept in the shared cache tier.
package xzlib

import (
	"github.com/DataDog/czlib"
)

// Compress compresses data according to zlib encoding with default level.
func Compress(data []byte) (zdata []byte, err error) {
	return czlib.Compress(data)
}

// Decompress decompresses data according to zlib encoding.
//
// czlib is used: it decompresses real object states 2-3x faster than compress/zlib.
func Decompress(zdata []byte) (data []byte, err error) {
	return czlib.Decompress(zdata)
}

// Pack compresses data if it is at least threshold bytes long and
// compression actually makes it smaller.
//
// threshold <= 0 disables compression.
func Pack(data []byte, threshold int) (out []byte, compressed bool) {
	if threshold <= 0 || len(data) < threshold {
		return data, false
	}
	zdata, err := Compress(data)
	if err != nil || len(zdata) >= len(data) {
		return data, false
	}
	return zdata, true
}

// Unpack is the inverse of Pack.
func Unpack(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return Decompress(data)
}
