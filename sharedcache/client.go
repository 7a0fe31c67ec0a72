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
// redis client

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v9"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Client is SharedCache talking to Server, or to a redis server, at addr.
//
// It is safe for concurrent use; connections are pooled by go-redis.
type Client struct {
	addr string
	rdb  *goredis.Client
}

// DefaultTimeout is per-command timeout used when Dial is given none.
const DefaultTimeout = 1 * time.Second

// Dial returns client for server at addr.
//
// Connections are established lazily, so Dial never fails because server is
// unreachable.
func Dial(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		// cache operations are best effort; a failed one is a miss
		MaxRetries: -1,
	})
	return &Client{addr: addr, rdb: rdb}
}

func (c *Client) Get(ctx context.Context, key string) (_ []byte, _ bool, err error) {
	defer xerr.Contextf(&err, "sharedcache %s: get %s", c.addr, key)
	value, err := c.rdb.Get(ctx, key).Bytes()
	switch err {
	case nil:
		return value, true, nil
	case goredis.Nil:
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Set stores value under key. ttl=0 means no expiration.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer xerr.Contextf(&err, "sharedcache %s: set %s", c.addr, key)
	if 0 < ttl && ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Delete(ctx context.Context, key string) (err error) {
	defer xerr.Contextf(&err, "sharedcache %s: del %s", c.addr, key)
	return c.rdb.Del(ctx, key).Err()
}

// Ping checks whether server is reachable.
func (c *Client) Ping(ctx context.Context) (err error) {
	defer xerr.Contextf(&err, "sharedcache %s: ping", c.addr)
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client and its connections.
func (c *Client) Close() error {
	return c.rdb.Close()
}
