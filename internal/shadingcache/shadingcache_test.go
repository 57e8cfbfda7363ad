// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadingcache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "shading.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	c := openTemp(t)
	key := Key{Vendor: "Microtek", Model: "Phantom 636cx / C6", Revision: "1.00", Source: "flatbed", Mode: "color"}
	want := &Entry{
		Dark:  []uint16{1, 2, 3},
		White: []uint16{4000, 4001, 4002},
		Depth: 12,
	}
	if err := c.Put(key, want); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.White, got.White); diff != "" {
		t.Fatalf("White: unexpected diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Dark, got.Dark); diff != "" {
		t.Fatalf("Dark: unexpected diff (-want +got):\n%s", diff)
	}
	if got.Created.IsZero() {
		t.Fatalf("Created not set")
	}

	other := key
	other.Mode = "gray"
	if _, err := c.Get(other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(%v) = %v, want ErrNotFound", other, err)
	}

	if err := c.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shading.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	key := Key{Vendor: "Microtek", Model: "SlimScan C3", Revision: "1.30", Source: "flatbed", Mode: "gray"}
	if err := c.Put(key, &Entry{White: []uint16{255}, Depth: 8}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	keys, err := c.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Microtek/SlimScan C3/1.30/flatbed/gray"}, keys); diff != "" {
		t.Fatalf("Keys: unexpected diff (-want +got):\n%s", diff)
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Vendor: "MICROTEK", Model: "ScanMaker 336 / ScanMaker V310", Revision: "2.70", Source: "tma", Mode: "color"}
	if got, want := k.String(), "MICROTEK/ScanMaker 336 _ ScanMaker V310/2.70/tma/color"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
