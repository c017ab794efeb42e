// Copyright 2025 The obscura-core Authors
// This file is part of the obscura-core library.
//
// The obscura-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The obscura-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the obscura-core library. If not, see <http://www.gnu.org/licenses/>.

// Package dbtest provides a conformance suite that every kvdb backend must
// pass before the coordinator store will run on it.
package dbtest

import (
	"bytes"
	"sort"
	"testing"

	"github.com/obscura-network/obscura-core/kvdb"
)

// TestDatabaseSuite runs a suite of tests against a KeyValueStore database
// implementation.
func TestDatabaseSuite(t *testing.T, New func() kvdb.KeyValueStore) {
	t.Run("KeyValueOperations", func(t *testing.T) {
		db := New()
		defer db.Close()

		key := []byte("job_0001")
		if got, err := db.Has(key); err != nil {
			t.Fatal(err)
		} else if got {
			t.Errorf("fresh database reports key present")
		}
		if err := db.Put(key, []byte("queued")); err != nil {
			t.Fatal(err)
		}
		if got, err := db.Has(key); err != nil {
			t.Fatal(err)
		} else if !got {
			t.Errorf("written key not reported present")
		}
		if got, err := db.Get(key); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(got, []byte("queued")) {
			t.Errorf("Get: have %q, want %q", got, "queued")
		}
		// Overwrite must replace, not append.
		if err := db.Put(key, []byte("running")); err != nil {
			t.Fatal(err)
		}
		if got, err := db.Get(key); err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(got, []byte("running")) {
			t.Errorf("Get after overwrite: have %q, want %q", got, "running")
		}
		if err := db.Delete(key); err != nil {
			t.Fatal(err)
		}
		if got, err := db.Has(key); err != nil {
			t.Fatal(err)
		} else if got {
			t.Errorf("deleted key still reported present")
		}
		if _, err := db.Get(key); err == nil {
			t.Errorf("Get on deleted key did not error")
		}
		// Deleting an absent key is not an error.
		if err := db.Delete([]byte("job_none")); err != nil {
			t.Fatalf("deleting absent key: %v", err)
		}
	})

	t.Run("Iterator", func(t *testing.T) {
		tests := []struct {
			content map[string]string
			prefix  string
			start   string
			order   []string
		}{
			// Empty databases are iterable.
			{map[string]string{}, "", "", nil},
			{map[string]string{}, "missing", "", nil},

			// Full iteration in binary-alphabetical order.
			{
				map[string]string{"j3": "c", "j1": "a", "j2": "b"},
				"", "",
				[]string{"j1", "j2", "j3"},
			},

			// Prefix restricts the key space.
			{
				map[string]string{"ma1": "x", "ma2": "y", "mb1": "z"},
				"ma", "",
				[]string{"ma1", "ma2"},
			},
			{
				map[string]string{"ma1": "x", "ma2": "y", "mb1": "z"},
				"mc", "",
				nil,
			},

			// Start seeks within the prefix, inclusive.
			{
				map[string]string{"ka1": "1", "ka2": "2", "ka3": "3", "kb1": "4"},
				"ka", "2",
				[]string{"ka2", "ka3"},
			},
			{
				map[string]string{"ka1": "1", "ka2": "2", "ka3": "3"},
				"ka", "9",
				nil,
			},
		}
		for i, tt := range tests {
			db := New()
			for key, val := range tt.content {
				if err := db.Put([]byte(key), []byte(val)); err != nil {
					t.Fatalf("test %d: insert %s: %v", i, key, err)
				}
			}
			it, idx := db.NewIterator([]byte(tt.prefix), []byte(tt.start)), 0
			for it.Next() {
				if idx >= len(tt.order) {
					t.Errorf("test %d: surplus key %q", i, it.Key())
					break
				}
				if !bytes.Equal(it.Key(), []byte(tt.order[idx])) {
					t.Errorf("test %d: item %d: key have %q, want %q", i, idx, it.Key(), tt.order[idx])
				}
				if !bytes.Equal(it.Value(), []byte(tt.content[tt.order[idx]])) {
					t.Errorf("test %d: item %d: value have %q, want %q", i, idx, it.Value(), tt.content[tt.order[idx]])
				}
				idx++
			}
			if err := it.Error(); err != nil {
				t.Errorf("test %d: iteration failed: %v", i, err)
			}
			if idx != len(tt.order) {
				t.Errorf("test %d: iteration stopped early: have %d, want %d", i, idx, len(tt.order))
			}
			it.Release()
			db.Close()
		}
	})

	t.Run("Batch", func(t *testing.T) {
		db := New()
		defer db.Close()

		b := db.NewBatch()
		for _, k := range []string{"p1", "p2", "p3"} {
			if err := b.Put([]byte(k), []byte("held")); err != nil {
				t.Fatal(err)
			}
		}
		// Nothing visible before Write.
		if got, err := db.Has([]byte("p1")); err != nil {
			t.Fatal(err)
		} else if got {
			t.Errorf("batched write visible before commit")
		}
		if b.ValueSize() == 0 {
			t.Errorf("batch reports zero queued size")
		}
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"p1", "p2", "p3"} {
			if got, err := db.Get([]byte(k)); err != nil {
				t.Fatalf("%s: %v", k, err)
			} else if !bytes.Equal(got, []byte("held")) {
				t.Errorf("%s: have %q, want %q", k, got, "held")
			}
		}

		// Mixed puts and deletes in a second batch.
		b.Reset()
		if b.ValueSize() != 0 {
			t.Errorf("reset batch reports queued size")
		}
		if err := b.Delete([]byte("p2")); err != nil {
			t.Fatal(err)
		}
		if err := b.Put([]byte("p4"), []byte("released")); err != nil {
			t.Fatal(err)
		}
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		if got, _ := db.Has([]byte("p2")); got {
			t.Errorf("batched delete not applied")
		}
		if got, err := db.Get([]byte("p4")); err != nil || !bytes.Equal(got, []byte("released")) {
			t.Errorf("batched put not applied: %q, %v", got, err)
		}
	})

	t.Run("BatchReplay", func(t *testing.T) {
		db := New()
		defer db.Close()

		b := db.NewBatchWithSize(64)
		if err := b.Put([]byte("r1"), []byte("a")); err != nil {
			t.Fatal(err)
		}
		if err := b.Delete([]byte("r2")); err != nil {
			t.Fatal(err)
		}
		rec := &recordingWriter{}
		if err := b.Replay(rec); err != nil {
			t.Fatal(err)
		}
		want := []string{"put r1=a", "del r2"}
		if len(rec.ops) != len(want) {
			t.Fatalf("replay ops: have %v, want %v", rec.ops, want)
		}
		for i := range want {
			if rec.ops[i] != want[i] {
				t.Errorf("replay op %d: have %q, want %q", i, rec.ops[i], want[i])
			}
		}
	})

	t.Run("IteratorSnapshotsWrites", func(t *testing.T) {
		// Keys inserted while an iterator is live must not disturb the
		// already-started iteration on any backend.
		db := New()
		defer db.Close()

		keys := []string{"a1", "a2", "a3"}
		for _, k := range keys {
			if err := db.Put([]byte(k), nil); err != nil {
				t.Fatal(err)
			}
		}
		it := db.NewIterator(nil, nil)
		defer it.Release()

		if err := db.Put([]byte("a0"), nil); err != nil {
			t.Fatal(err)
		}
		var got []string
		for it.Next() {
			got = append(got, string(it.Key()))
		}
		if err := it.Error(); err != nil {
			t.Fatal(err)
		}
		sort.Strings(got)
		for _, k := range keys {
			if !contains(got, k) {
				t.Errorf("pre-existing key %q missing from iteration %v", k, got)
			}
		}
	})
}

type recordingWriter struct {
	ops []string
}

func (r *recordingWriter) Put(key, value []byte) error {
	r.ops = append(r.ops, "put "+string(key)+"="+string(value))
	return nil
}

func (r *recordingWriter) Delete(key []byte) error {
	r.ops = append(r.ops, "del "+string(key))
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
