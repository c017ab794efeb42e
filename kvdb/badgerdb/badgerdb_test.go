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

package badgerdb

import (
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/obscura-network/obscura-core/kvdb"
	"github.com/obscura-network/obscura-core/kvdb/dbtest"
)

func TestBadgerDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() kvdb.KeyValueStore {
			opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
			db, err := badger.Open(opts)
			if err != nil {
				t.Fatal(err)
			}
			return &Database{db: db}
		})
	})
}
