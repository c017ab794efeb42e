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

package rawdb

import (
	"encoding/binary"
	"fmt"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
)

// read returns the value for key, or nil when the key is absent. The kvdb
// backends report missing keys through backend-specific errors; probing with
// Has first keeps this package backend-agnostic.
func read(db kvdb.KeyValueReader, key []byte) ([]byte, error) {
	ok, err := db.Has(key)
	if err != nil || !ok {
		return nil, err
	}
	return db.Get(key)
}

func decodeUint64(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}

// ReadSchemaVersion retrieves the stored schema version, zero on a fresh
// database.
func ReadSchemaVersion(db kvdb.KeyValueReader) (uint64, error) {
	data, err := read(db, schemaVersionKey)
	if err != nil || data == nil {
		return 0, err
	}
	return decodeUint64(data), nil
}

// WriteSchemaVersion stores the schema version.
func WriteSchemaVersion(w kvdb.KeyValueWriter, version uint64) error {
	return w.Put(schemaVersionKey, encodeUint64(version))
}

// InitSchema stamps a fresh database with the current schema version and
// rejects databases written by an incompatible layout.
func InitSchema(db kvdb.KeyValueStore) error {
	stored, err := ReadSchemaVersion(db)
	if err != nil {
		return err
	}
	switch stored {
	case SchemaVersion:
		return nil
	case 0:
		return WriteSchemaVersion(db, SchemaVersion)
	default:
		return fmt.Errorf("incompatible database schema: stored version %d, supported %d", stored, SchemaVersion)
	}
}

// counters below are uint64 big endian values read-modified-written by the
// store under its writer lock.

func readCounter(db kvdb.KeyValueReader, key []byte) (uint64, error) {
	data, err := read(db, key)
	if err != nil || data == nil {
		return 0, err
	}
	return decodeUint64(data), nil
}

func writeCounter(w kvdb.KeyValueWriter, key []byte, value uint64) error {
	if value == 0 {
		return w.Delete(key)
	}
	return w.Put(key, encodeUint64(value))
}

// ReadTenantOpenJobs retrieves the number of non-terminal jobs of a tenant.
func ReadTenantOpenJobs(db kvdb.KeyValueReader, tenant string) (uint64, error) {
	return readCounter(db, tenantOpenJobsKey(tenant))
}

// WriteTenantOpenJobs stores the open job count of a tenant.
func WriteTenantOpenJobs(w kvdb.KeyValueWriter, tenant string, count uint64) error {
	return writeCounter(w, tenantOpenJobsKey(tenant), count)
}

// ReadTenantEscrow retrieves the escrow currently held for a tenant.
func ReadTenantEscrow(db kvdb.KeyValueReader, tenant string) (uint64, error) {
	return readCounter(db, tenantEscrowKey(tenant))
}

// WriteTenantEscrow stores the escrow currently held for a tenant.
func WriteTenantEscrow(w kvdb.KeyValueWriter, tenant string, amount uint64) error {
	return writeCounter(w, tenantEscrowKey(tenant), amount)
}

// ReadJobStateCount retrieves the number of jobs in a state.
func ReadJobStateCount(db kvdb.KeyValueReader, state types.JobState) (uint64, error) {
	return readCounter(db, jobStateCountKey(state))
}

// WriteJobStateCount stores the number of jobs in a state.
func WriteJobStateCount(w kvdb.KeyValueWriter, state types.JobState, count uint64) error {
	return writeCounter(w, jobStateCountKey(state), count)
}
