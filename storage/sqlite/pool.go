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

package sqlite
// connection pool

import (
	"errors"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	sqlite3 "github.com/gwenn/gosqlite"
)

// maxIdleConns bounds how many idle connections a Backend keeps open.
const maxIdleConns = 8

var errPoolClosed = errors.New("sqlite: connection pool closed")

// connPool hands out sqlite connections to one database.
//
// Connections are opened on demand. At most maxIdle of them are kept around
// when returned; the rest are closed.
type connPool struct {
	open    func() (*sqlite3.Conn, error)
	maxIdle int

	mu     sync.Mutex
	idle   []*sqlite3.Conn // most recently returned last
	nopen  int             // connections opened and not yet closed
	closed bool
}

func newConnPool(maxIdle int, open func() (*sqlite3.Conn, error)) *connPool {
	return &connPool{open: open, maxIdle: maxIdle}
}

// getConn returns an idle connection or opens a new one.
func (p *connPool) getConn() (*sqlite3.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.nopen++
	p.mu.Unlock()

	conn, err := p.open()
	if err != nil {
		p.mu.Lock()
		p.nopen--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// putConn returns conn to the pool. conn must not be used afterwards.
func (p *connPool) putConn(conn *sqlite3.Conn) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.dropConn(conn)
}

// dropConn closes conn instead of returning it to the pool.
//
// It is used for connections left in unknown state, e.g. after failed rollback.
func (p *connPool) dropConn(conn *sqlite3.Conn) {
	p.mu.Lock()
	p.nopen--
	p.mu.Unlock()
	conn.Close()
}

// stats returns number of open and of idle connections.
func (p *connPool) stats() (nopen, nidle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nopen, len(p.idle)
}

// Close closes idle connections and makes further getConn fail.
//
// Connections in use are closed when they are put back.
func (p *connPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.nopen -= len(idle)
	p.mu.Unlock()

	var errv xerr.Errorv
	for _, conn := range idle {
		errv.Appendif(conn.Close())
	}
	return errv.Err()
}
