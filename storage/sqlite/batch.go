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
// batching of row inserts and IN-queries

import (
	"sort"
	"strings"
)

const (
	batchRowLimit  = 100     // rows per statement
	batchSizeLimit = 1 << 20 // bytes of row payload per statement
)

// execFunc executes one statement with arguments.
type execFunc func(query string, argv ...interface{}) error

// insertKey identifies one kind of batched insert.
type insertKey struct {
	command string // e.g. "INSERT" or "INSERT OR REPLACE"
	header  string // e.g. "current_object (zoid, tid)"
	schema  string // row placeholders, e.g. "?, ?"
}

// rowBatcher accumulates row inserts and executes them as multi-row
// statements.
//
// Rows are keyed: inserting a row with the same key twice keeps only the
// latter. Accumulated rows are flushed when either row or size limit is
// reached, and by explicit flush.
type rowBatcher struct {
	exec      execFunc
	rowLimit  int
	sizeLimit int

	inserts   map[insertKey]map[interface{}][]interface{} // {} kind -> {} rowkey -> row
	rowsAdded int
	sizeAdded int

	totalRows int
}

func newRowBatcher(exec execFunc) *rowBatcher {
	return &rowBatcher{
		exec:      exec,
		rowLimit:  batchRowLimit,
		sizeLimit: batchSizeLimit,
		inserts:   make(map[insertKey]map[interface{}][]interface{}),
	}
}

// insertInto queues row for insertion.
//
// size is approximate payload size of the row.
func (b *rowBatcher) insertInto(command, header, schema string, rowkey interface{}, size int, row ...interface{}) error {
	key := insertKey{command, header, schema}
	rows := b.inserts[key]
	if rows == nil {
		rows = make(map[interface{}][]interface{})
		b.inserts[key] = rows
	}
	rows[rowkey] = row
	b.rowsAdded++
	b.sizeAdded += size

	if b.rowsAdded >= b.rowLimit || b.sizeAdded >= b.sizeLimit {
		return b.flush()
	}
	return nil
}

// flush executes all queued inserts.
func (b *rowBatcher) flush() error {
	keyv := make([]insertKey, 0, len(b.inserts))
	for key := range b.inserts {
		keyv = append(keyv, key)
	}
	sort.Slice(keyv, func(i, j int) bool {
		ki, kj := keyv[i], keyv[j]
		if ki.header != kj.header {
			return ki.header < kj.header
		}
		return ki.command < kj.command
	})

	for _, key := range keyv {
		rows := b.inserts[key]
		// stable statement text and parameter order
		rowkeyv := make([]interface{}, 0, len(rows))
		for rowkey := range rows {
			rowkeyv = append(rowkeyv, rowkey)
		}
		sort.Slice(rowkeyv, func(i, j int) bool { return keyLess(rowkeyv[i], rowkeyv[j]) })

		valuev := make([]string, len(rowkeyv))
		var argv []interface{}
		for i, rowkey := range rowkeyv {
			valuev[i] = "(" + key.schema + ")"
			argv = append(argv, rows[rowkey]...)
		}
		query := key.command + " INTO " + key.header + " VALUES " + strings.Join(valuev, ", ")
		if err := b.exec(query, argv...); err != nil {
			return err
		}
		b.totalRows += len(rowkeyv)
	}

	b.inserts = make(map[insertKey]map[interface{}][]interface{})
	b.rowsAdded = 0
	b.sizeAdded = 0
	return nil
}

// keyLess orders row keys of the same kind.
func keyLess(a, b interface{}) bool {
	switch a := a.(type) {
	case int64:
		return a < b.(int64)
	case string:
		return a < b.(string)
	}
	return false
}

// selectIn splits valuev into chunks of at most rowLimit and calls query for
// each chunk with "?, ?, ..." placeholders matching the chunk.
func (b *rowBatcher) selectIn(valuev []int64, query func(placeholders string, argv []interface{}) error) error {
	for len(valuev) > 0 {
		n := len(valuev)
		if n > b.rowLimit {
			n = b.rowLimit
		}
		chunk := valuev[:n]
		valuev = valuev[n:]

		argv := make([]interface{}, n)
		for i, v := range chunk {
			argv[i] = v
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
		if err := query(placeholders, argv); err != nil {
			return err
		}
	}
	return nil
}
