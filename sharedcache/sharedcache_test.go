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

package sharedcache

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemCache(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMemCache(3)
	c.now = func() time.Time { return now }

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Second))
	v, ok, _ := c.Get(ctx, "b")
	require.True(t, ok)
	require.Equal(t, "2", string(v))

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "b")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())

	// size bound
	c.Set(ctx, "b", []byte("2"), time.Second)
	c.Set(ctx, "c", []byte("3"), 0)
	require.Equal(t, 3, c.Len())
	now = now.Add(time.Hour)
	c.Set(ctx, "d", []byte("4"), 0) // expired b is evicted first
	require.Equal(t, 3, c.Len())
	_, ok, _ = c.Get(ctx, "b")
	require.False(t, ok)
	c.Set(ctx, "e", []byte("5"), 0)
	require.Equal(t, 3, c.Len())
	_, ok, _ = c.Get(ctx, "e")
	require.True(t, ok)

	// replacing existing key does not evict
	c.Set(ctx, "e", []byte("55"), 0)
	require.Equal(t, 3, c.Len())

	require.NoError(t, c.Delete(ctx, "e"))
	require.NoError(t, c.Delete(ctx, "e"))
	require.Equal(t, 2, c.Len())

	c.Flush()
	require.Equal(t, 0, c.Len())
}

// startServer starts Server on localhost and returns its address.
func startServer(t *testing.T) (*MemCache, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cache := NewMemCache(0)
	srv := NewServer(cache)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("serve: not stopped after cancel")
		}
	})
	return cache, l.Addr().String()
}

func TestClientServer(t *testing.T) {
	cache, addr := startServer(t)
	ctx := context.Background()

	c := Dial(addr, 5*time.Second)
	defer c.Close()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("hello"), 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(v))

	// empty value is not the same as missing one
	require.NoError(t, c.Set(ctx, "empty", []byte{}, 0))
	v, ok, err = c.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, v, 0)

	// binary values and values bigger than read buffer
	big := make([]byte, 100000)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, c.Set(ctx, "big", big, time.Minute))
	v, ok, err = c.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, v)

	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, cache.Len())

	// concurrent use shares pooled connections
	errc := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			key := fmt.Sprintf("c%d", i)
			err := c.Set(ctx, key, []byte(key), 0)
			if err == nil {
				var v []byte
				v, _, err = c.Get(ctx, key)
				if err == nil && string(v) != key {
					err = fmt.Errorf("%s: got %q", key, v)
				}
			}
			errc <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-errc)
	}
}

func TestClientUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := Dial(addr, time.Second)
	_, _, err = c.Get(context.Background(), "k")
	require.Error(t, err)

	require.NoError(t, c.Close())
	err = c.Set(context.Background(), "k", nil, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "closed")
}

// Serve must return on cancel even with clients connected and listeners of
// both protocols in use.
func TestServeCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	srv := NewServer(NewMemCache(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, l)
	}()

	c := Dial(addr, 5*time.Second)
	defer c.Close()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("serve: not stopped 3s after cancel")
	}

	// server connections are closed as well
	_, _, err = c.Get(context.Background(), "k")
	require.Error(t, err)
}

func TestServerMetrics(t *testing.T) {
	_, addr := startServer(t)

	c := Dial(addr, 5*time.Second)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "relstorage_sharedcache_commands_total")
}
