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

import (
	"context"
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestRegistry(t *testing.T) {
	var opened *url.URL
	RegisterBackend("xtest", func(ctx context.Context, u *url.URL) (Backend, error) {
		opened = u
		return nil, nil
	})

	have := AvailableBackends()
	found := false
	for _, scheme := range have {
		if scheme == "xtest" {
			found = true
		}
	}
	if !found {
		t.Errorf("available backends: %v  ; want xtest among them", have)
	}

	_, err := OpenBackend(context.Background(), "xtest://host/path?x=1")
	if err != nil {
		t.Fatal(err)
	}
	want := &url.URL{Scheme: "xtest", Host: "host", Path: "/path", RawQuery: "x=1"}
	if !reflect.DeepEqual(opened, want) {
		t.Errorf("opener got url %#v  ; want %#v", opened, want)
	}

	_, err = OpenBackend(context.Background(), "nosuch://x")
	if err == nil || !strings.Contains(err.Error(), `"nosuch://" not supported`) {
		t.Errorf("open nosuch://: err = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("duplicate RegisterBackend did not panic")
		}
	}()
	RegisterBackend("xtest", nil)
}
