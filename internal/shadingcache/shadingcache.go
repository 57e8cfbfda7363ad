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

// Package shadingcache persists shading tables across program runs, so
// that devices which calibrate in the backend do not need to read a
// shading image on the first scan.
package shadingcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "shading"

// ErrNotFound is returned by Get for keys without an entry.
var ErrNotFound = errors.New("shadingcache: not found")

// Key identifies the tables of one device, source and mode.
type Key struct {
	Vendor   string
	Model    string
	Revision string
	Source   string
	Mode     string
}

func (k Key) String() string {
	parts := []string{k.Vendor, k.Model, k.Revision, k.Source, k.Mode}
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.TrimSpace(p), "/", "_")
	}
	return strings.Join(parts, "/")
}

// Entry is one set of shading tables.
type Entry struct {
	Dark    []uint16  `json:"dark,omitempty"`
	White   []uint16  `json:"white"`
	Depth   int       `json:"depth"`
	Created time.Time `json:"created"`
}

// Cache is a bbolt database of shading tables.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening shading cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the entry stored for key, or ErrNotFound.
func (c *Cache) Get(key Key) (*Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key.String()))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Put stores e for key, replacing a previous entry.
func (c *Cache) Put(key Key, e *Entry) error {
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling shading entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key.String()), data)
	})
}

// Delete removes the entry for key. Deleting a missing key is not an
// error.
func (c *Cache) Delete(key Key) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key.String()))
	})
}

// Keys returns the keys of all entries, in lexical order.
func (c *Cache) Keys() ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
