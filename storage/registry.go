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

package storage
// registry of backends

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Opener is a function to open a backend.
type Opener func(ctx context.Context, u *url.URL) (Backend, error)

// {} scheme -> Opener
var regMu sync.Mutex
var registry = map[string]Opener{}

// RegisterBackend registers opener to be used for backend URLs with scheme.
func RegisterBackend(scheme string, opener Opener) {
	regMu.Lock()
	defer regMu.Unlock()

	if _, already := registry[scheme]; already {
		panic(fmt.Errorf("relstorage backend with scheme %q was already registered", scheme))
	}

	registry[scheme] = opener
}

// AvailableBackends returns sorted list of all registered backend schemes.
func AvailableBackends() []string {
	regMu.Lock()
	defer regMu.Unlock()

	var schemev []string
	for scheme := range registry {
		schemev = append(schemev, scheme)
	}
	sort.Strings(schemev)

	return schemev
}

// OpenBackend opens backend by URL.
func OpenBackend(ctx context.Context, backendURL string) (Backend, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	regMu.Lock()
	opener, ok := registry[u.Scheme]
	regMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("relstorage: backend: URL scheme \"%s://\" not supported", u.Scheme)
	}

	return opener(ctx, u)
}
