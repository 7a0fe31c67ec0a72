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
// shared tier

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shamaton/msgpack"

	"lab.nexedi.com/kirr/relstorage/go/internal/xzlib"
	"lab.nexedi.com/kirr/relstorage/go/zodb"
)

// SharedCache is the interface for a key-value cache shared by many processes,
// e.g. memcached or redis.
//
// The shared cache is best-effort: it may lose entries at any time, and
// failing operations only make cache misses.
type SharedCache interface {
	// Get returns value stored under key, or ok=false if there is none.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. Zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// stateKey returns shared cache key for object state under (oid, keyTid).
func stateKey(prefix string, oid zodb.Oid, keyTid zodb.Tid) string {
	return fmt.Sprintf("%s:state:%s:%s", prefix, oid, keyTid)
}

// checkpointsKey returns shared cache key under which checkpoints are published.
func checkpointsKey(prefix string) string {
	return prefix + ":checkpoints"
}

// sharedState is how object state is stored in the shared cache.
type sharedState struct {
	Serial uint64
	Z      bool // whether State is compressed
	State  []byte
}

func encodeState(serial zodb.Tid, data []byte, compressThreshold int) ([]byte, error) {
	v := sharedState{Serial: uint64(serial)}
	v.State, v.Z = xzlib.Pack(data, compressThreshold)
	return msgpack.Encode(v)
}

func decodeState(b []byte) (data []byte, serial zodb.Tid, err error) {
	var v sharedState
	err = msgpack.Decode(b, &v)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode state")
	}
	data, err = xzlib.Unpack(v.State, v.Z)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode state")
	}
	serial = zodb.Tid(v.Serial)
	if !serial.Valid() {
		return nil, 0, errors.Errorf("decode state: invalid serial %s", serial)
	}
	return data, serial, nil
}

// sharedCheckpoints is how checkpoints are stored in the shared cache.
type sharedCheckpoints struct {
	Cp0 uint64
	Cp1 uint64
}

func encodeCheckpoints(cps Checkpoints) ([]byte, error) {
	return msgpack.Encode(sharedCheckpoints{uint64(cps.Cp0), uint64(cps.Cp1)})
}

func decodeCheckpoints(b []byte) (Checkpoints, error) {
	var v sharedCheckpoints
	err := msgpack.Decode(b, &v)
	if err != nil {
		return Checkpoints{}, errors.Wrap(err, "decode checkpoints")
	}
	cps := Checkpoints{zodb.Tid(v.Cp0), zodb.Tid(v.Cp1)}
	if !(cps.Cp1 <= cps.Cp0 && cps.Cp0.Valid()) {
		return Checkpoints{}, errors.Errorf("decode checkpoints: invalid %s", cps)
	}
	return cps, nil
}
