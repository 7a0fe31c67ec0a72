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
// RESP server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/soheilhy/cmux"
	"github.com/tidwall/redcon"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/relstorage/go/internal/log"
	"lab.nexedi.com/kirr/relstorage/go/internal/task"
)

var (
	metricCommands = metrics.NewCounter(`relstorage_sharedcache_commands_total`)
	metricConns    = metrics.NewCounter(`relstorage_sharedcache_connections_total`)
)

// Server serves MemCache over RESP.
//
// HTTP requests arriving to the same port are served by HTTP handler, which
// by default exposes metrics on /metrics.
type Server struct {
	cache *MemCache
	HTTP  http.Handler
}

// NewServer creates new server for cache.
func NewServer(cache *MemCache) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	return &Server{cache: cache, HTTP: mux}
}

// ListenAndServe listens on laddr and serves until ctx is canceled.
func (srv *Server) ListenAndServe(ctx context.Context, laddr string) (err error) {
	defer task.Runningf(&ctx, "serve %s", laddr)(&err)

	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, l)
}

// Serve serves connections accepted on l until ctx is canceled.
//
// l is closed on return.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	log.Infof(ctx, "listening at %s ...", l.Addr())

	mux := cmux.New(l)
	httpL := mux.Match(cmux.HTTP1Fast())
	respL := mux.Match(cmux.Any())

	wg, gctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return mux.Serve()
	})

	wg.Go(func() error {
		return redcon.Serve(redconListener{respL},
			func(conn redcon.Conn, cmd redcon.Command) {
				srv.handle(ctx, conn, cmd)
			},
			func(conn redcon.Conn) bool {
				metricConns.Inc()
				return true
			},
			nil,
		)
	})

	wg.Go(func() error {
		return http.Serve(httpL, srv.HTTP)
	})

	wg.Go(func() error {
		<-gctx.Done()
		// closing l makes cmux close its listeners, and so all servers return
		l.Close()
		return gctx.Err()
	})

	err := wg.Wait()
	if ctx.Err() != nil {
		// shutdown requested; errors from closed listeners are expected
		return ctx.Err()
	}
	return err
}

// redconListener reports closing of cmux listener as net.ErrClosed.
//
// redcon stops serving only on net.ErrClosed and retries Accept on any other
// error.
type redconListener struct {
	net.Listener
}

func (l redconListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if errors.Is(err, cmux.ErrListenerClosed) {
		err = net.ErrClosed
	}
	return conn, err
}

func (srv *Server) handle(ctx context.Context, conn redcon.Conn, cmd redcon.Command) {
	metricCommands.Inc()

	argv := cmd.Args[1:]
	switch strings.ToLower(string(cmd.Args[0])) {
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")

	case "ping":
		conn.WriteString("PONG")

	case "quit":
		conn.WriteString("OK")
		conn.Close()

	case "get":
		if len(argv) != 1 {
			wrongArgs(conn, "get")
			return
		}
		value, ok, _ := srv.cache.Get(ctx, string(argv[0]))
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(value)

	case "set":
		if !(len(argv) == 2 || len(argv) == 4) {
			wrongArgs(conn, "set")
			return
		}
		var ttl time.Duration
		if len(argv) == 4 {
			n, err := strconv.ParseInt(string(argv[3]), 10, 64)
			if err != nil || n <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			switch strings.ToLower(string(argv[2])) {
			case "px":
				ttl = time.Duration(n) * time.Millisecond
			case "ex":
				ttl = time.Duration(n) * time.Second
			default:
				conn.WriteError("ERR syntax error")
				return
			}
		}
		// argv memory is reused by redcon after handler returns
		value := append([]byte(nil), argv[1]...)
		srv.cache.Set(ctx, string(argv[0]), value, ttl)
		conn.WriteString("OK")

	case "del":
		if len(argv) == 0 {
			wrongArgs(conn, "del")
			return
		}
		n := 0
		for _, key := range argv {
			if _, ok, _ := srv.cache.Get(ctx, string(key)); ok {
				n++
			}
			srv.cache.Delete(ctx, string(key))
		}
		conn.WriteInt(n)

	case "dbsize":
		conn.WriteInt(srv.cache.Len())

	case "flushall":
		srv.cache.Flush()
		conn.WriteString("OK")
	}
}

func wrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}
