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

// Package rawdb contains the low level database schema of the coordinator and
// typed accessors over it. Callers compose accessors inside a single batch to
// keep multi-row transitions atomic; nothing in this package locks.
package rawdb

import (
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/obscura-network/obscura-core/core/types"
)

// json encodes rows byte-compatibly with encoding/json, at jsoniter speed.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The fields below define the low level database schema prefixing.
var (
	schemaVersionKey = []byte("SchemaVersion") // current schema version, uint64 big endian
	outboxSeqKey     = []byte("OutboxSeq")     // last assigned outbox sequence, uint64 big endian

	// Data item prefixes (single byte to avoid mixing data types).
	jobPrefix     = []byte("j") // jobPrefix + job id -> job row
	minerPrefix   = []byte("m") // minerPrefix + miner id -> miner row
	paymentPrefix = []byte("p") // paymentPrefix + payment id -> payment row
	receiptPrefix = []byte("r") // receiptPrefix + receipt id -> receipt row
	outboxPrefix  = []byte("o") // outboxPrefix + seq (uint64 big endian) -> payment event row

	// Index prefixes.
	jobStatePrefix      = []byte("s") // jobStatePrefix + state byte + created_ms (8) + job id -> nil
	jobTimerPrefix      = []byte("x") // jobTimerPrefix + fire_ms (8) + job id -> nil
	minerKeyPrefix      = []byte("k") // minerKeyPrefix + tenant + 0x00 + sha256(pubkey) -> miner id
	minerBeatPrefix     = []byte("h") // minerBeatPrefix + status byte + heartbeat_ms (8) + miner id -> nil
	receiptTenantPrefix = []byte("t") // receiptTenantPrefix + tenant + 0x00 + completed_ms (8) + receipt id -> nil

	// Counter prefixes (uint64 big endian values).
	tenantOpenJobsPrefix = []byte("c") // tenantOpenJobsPrefix + tenant -> open job count
	tenantEscrowPrefix   = []byte("e") // tenantEscrowPrefix + tenant -> escrow currently held
	jobStateCountPrefix  = []byte("n") // jobStateCountPrefix + state byte -> job count
)

// SchemaVersion is bumped on any incompatible layout change.
const SchemaVersion uint64 = 1

// State bytes are part of the persisted schema and must stay stable.
var jobStateBytes = map[types.JobState]byte{
	types.JobQueued:     1,
	types.JobRunning:    2,
	types.JobFinalizing: 3,
	types.JobSucceeded:  4,
	types.JobFailed:     5,
	types.JobExpired:    6,
	types.JobCancelled:  7,
}

var minerStatusBytes = map[types.MinerStatus]byte{
	types.MinerActive:   1,
	types.MinerDraining: 2,
	types.MinerOffline:  3,
}

func jobStateByte(s types.JobState) byte {
	b, ok := jobStateBytes[s]
	if !ok {
		panic(fmt.Sprintf("rawdb: unmapped job state %q", s))
	}
	return b
}

func minerStatusByte(s types.MinerStatus) byte {
	b, ok := minerStatusBytes[s]
	if !ok {
		panic(fmt.Sprintf("rawdb: unmapped miner status %q", s))
	}
	return b
}

// encodeMS encodes a millisecond timestamp big endian so index keys sort
// chronologically. Negative timestamps never occur in stored rows.
func encodeMS(ms int64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, uint64(ms))
	return enc
}

func encodeUint64(n uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, n)
	return enc
}

// jobKey = jobPrefix + id
func jobKey(id string) []byte {
	return append(jobPrefix, id...)
}

// minerKey = minerPrefix + id
func minerKey(id string) []byte {
	return append(minerPrefix, id...)
}

// paymentKey = paymentPrefix + id
func paymentKey(id string) []byte {
	return append(paymentPrefix, id...)
}

// receiptKey = receiptPrefix + id
func receiptKey(id string) []byte {
	return append(receiptPrefix, id...)
}

// outboxKey = outboxPrefix + seq (uint64 big endian)
func outboxKey(seq uint64) []byte {
	return append(outboxPrefix, encodeUint64(seq)...)
}

// jobStateKey = jobStatePrefix + state byte + created_ms (8) + job id
func jobStateKey(state types.JobState, createdMS int64, id string) []byte {
	key := append(jobStatePrefix, jobStateByte(state))
	key = append(key, encodeMS(createdMS)...)
	return append(key, id...)
}

// jobTimerKey = jobTimerPrefix + fire_ms (8) + job id
func jobTimerKey(fireMS int64, id string) []byte {
	return append(append(jobTimerPrefix, encodeMS(fireMS)...), id...)
}

// minerKeyIndexKey = minerKeyPrefix + tenant + 0x00 + sha256(pubkey)
func minerKeyIndexKey(tenant string, keyHash [32]byte) []byte {
	key := append(minerKeyPrefix, tenant...)
	key = append(key, 0)
	return append(key, keyHash[:]...)
}

// minerBeatKey = minerBeatPrefix + status byte + heartbeat_ms (8) + miner id
func minerBeatKey(status types.MinerStatus, beatMS int64, id string) []byte {
	key := append(minerBeatPrefix, minerStatusByte(status))
	key = append(key, encodeMS(beatMS)...)
	return append(key, id...)
}

// receiptTenantKey = receiptTenantPrefix + tenant + 0x00 + completed_ms (8) + receipt id
func receiptTenantKey(tenant string, completedMS int64, id string) []byte {
	key := append(receiptTenantPrefix, tenant...)
	key = append(key, 0)
	key = append(key, encodeMS(completedMS)...)
	return append(key, id...)
}

// tenantOpenJobsKey = tenantOpenJobsPrefix + tenant
func tenantOpenJobsKey(tenant string) []byte {
	return append(tenantOpenJobsPrefix, tenant...)
}

// tenantEscrowKey = tenantEscrowPrefix + tenant
func tenantEscrowKey(tenant string) []byte {
	return append(tenantEscrowPrefix, tenant...)
}

// jobStateCountKey = jobStateCountPrefix + state byte
func jobStateCountKey(state types.JobState) []byte {
	return append(jobStateCountPrefix, jobStateByte(state))
}
