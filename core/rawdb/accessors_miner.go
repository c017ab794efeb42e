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
	"fmt"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
)

// ReadMiner retrieves the miner row, or nil if it does not exist.
func ReadMiner(db kvdb.KeyValueReader, id string) (*types.Miner, error) {
	data, err := read(db, minerKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	miner := new(types.Miner)
	if err := json.Unmarshal(data, miner); err != nil {
		return nil, fmt.Errorf("decode miner %s: %w", id, err)
	}
	return miner, nil
}

// WriteMiner stores the miner row and maintains the registration and
// heartbeat indexes. prev is the previously stored version, nil on first
// write.
func WriteMiner(w kvdb.KeyValueWriter, prev, miner *types.Miner) error {
	data, err := json.Marshal(miner)
	if err != nil {
		return fmt.Errorf("encode miner %s: %w", miner.ID, err)
	}
	if err := w.Put(minerKey(miner.ID), data); err != nil {
		return err
	}
	if prev == nil {
		if err := w.Put(minerKeyIndexKey(miner.TenantID, miner.KeyHash()), []byte(miner.ID)); err != nil {
			return err
		}
	} else if prev.KeyHash() != miner.KeyHash() {
		if err := w.Delete(minerKeyIndexKey(prev.TenantID, prev.KeyHash())); err != nil {
			return err
		}
		if err := w.Put(minerKeyIndexKey(miner.TenantID, miner.KeyHash()), []byte(miner.ID)); err != nil {
			return err
		}
	}
	if prev != nil && (prev.Status != miner.Status || prev.LastHeartbeatMS != miner.LastHeartbeatMS) {
		if err := w.Delete(minerBeatKey(prev.Status, prev.LastHeartbeatMS, prev.ID)); err != nil {
			return err
		}
	}
	if prev == nil || prev.Status != miner.Status || prev.LastHeartbeatMS != miner.LastHeartbeatMS {
		if err := w.Put(minerBeatKey(miner.Status, miner.LastHeartbeatMS, miner.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// ReadMinerIDByKey resolves the miner registered under (tenant, pubkey hash),
// or the empty string.
func ReadMinerIDByKey(db kvdb.KeyValueReader, tenant string, keyHash [32]byte) (string, error) {
	data, err := read(db, minerKeyIndexKey(tenant, keyHash))
	if err != nil || data == nil {
		return "", err
	}
	return string(data), nil
}

// ReadMinerIDsByStatus returns up to limit miner ids with the given status,
// ordered by last heartbeat ascending (stalest first).
func ReadMinerIDsByStatus(db kvdb.Iteratee, status types.MinerStatus, limit int) ([]string, error) {
	prefix := append(minerBeatPrefix, minerStatusByte(status))
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	var ids []string
	for it.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, string(it.Key()[len(prefix)+8:]))
	}
	return ids, it.Error()
}

// ReadStaleMinerIDs returns up to limit miner ids with the given status whose
// last heartbeat is strictly before the cutoff, stalest first.
func ReadStaleMinerIDs(db kvdb.Iteratee, status types.MinerStatus, cutoffMS int64, limit int) ([]string, error) {
	prefix := append(minerBeatPrefix, minerStatusByte(status))
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	var ids []string
	for it.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		key := it.Key()
		beat := int64(decodeUint64(key[len(prefix) : len(prefix)+8]))
		if beat >= cutoffMS {
			break
		}
		ids = append(ids, string(key[len(prefix)+8:]))
	}
	return ids, it.Error()
}

// ForEachMiner invokes fn for every stored miner. Used to rebuild in-memory
// indexes at startup.
func ForEachMiner(db kvdb.Iteratee, fn func(*types.Miner) error) error {
	it := db.NewIterator(minerPrefix, nil)
	defer it.Release()

	for it.Next() {
		miner := new(types.Miner)
		if err := json.Unmarshal(it.Value(), miner); err != nil {
			return fmt.Errorf("decode miner %s: %w", string(it.Key()[len(minerPrefix):]), err)
		}
		if err := fn(miner); err != nil {
			return err
		}
	}
	return it.Error()
}
