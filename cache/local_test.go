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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

func TestLocalCache(t *testing.T) {
	c := newLocalCache(10)

	c.set(1, 5, 5, []byte("aaa"))
	c.set(2, 5, 4, []byte("bbb"))
	c.set(1, 7, 7, []byte("ccc"))

	data, serial, ok := c.get(2, 5)
	require.True(t, ok)
	require.Equal(t, zodb.Tid(4), serial)
	require.Equal(t, "bbb", string(data))

	_, _, ok = c.get(2, 7)
	require.False(t, ok)

	n, size := c.stats()
	require.Equal(t, 3, n)
	require.Equal(t, 9, size)

	// 1@5 is least recently used and goes away
	c.set(3, 5, 5, []byte("dd"))
	_, _, ok = c.get(1, 5)
	require.False(t, ok)
	for _, key := range []struct{ oid, tid uint64 }{{2, 5}, {1, 7}, {3, 5}} {
		_, _, ok = c.get(zodb.Oid(key.oid), zodb.Tid(key.tid))
		require.True(t, ok, "%v", key)
	}
	n, size = c.stats()
	require.Equal(t, 3, n)
	require.Equal(t, 8, size)

	// replacing entry does not change number of entries
	c.set(3, 5, 5, []byte("eeee"))
	n, size = c.stats()
	require.Equal(t, 3, n)
	require.Equal(t, 10, size)

	keyv := c.invalidate(1)
	require.Equal(t, []zodb.Tid{7}, keyv)
	_, _, ok = c.get(1, 7)
	require.False(t, ok)
	require.Empty(t, c.invalidate(1))

	c.del(3, 5)
	n, size = c.stats()
	require.Equal(t, 1, n)
	require.Equal(t, 3, size)

	// too big entries are not cached at all
	c.set(4, 1, 1, make([]byte, 11))
	_, _, ok = c.get(4, 1)
	require.False(t, ok)

	c.setSizeMax(0)
	n, size = c.stats()
	require.Equal(t, 0, n)
	require.Equal(t, 0, size)
}
