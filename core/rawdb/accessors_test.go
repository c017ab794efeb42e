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
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb/memorydb"
)

func testJob(id string, state types.JobState, createdMS int64) *types.Job {
	return &types.Job{
		ID:          id,
		TenantID:    "t1",
		SubmitterID: "client-1",
		State:       state,
		Requirement: types.Requirement{Model: "m1"},
		MaxPrice:    100,
		PaymentID:   "pay_" + id,
		CreatedMS:   createdMS,
		UpdatedMS:   createdMS,
		ExpiresMS:   createdMS + 60_000,
	}
}

func TestJobRoundTrip(t *testing.T) {
	db := memorydb.New()
	job := testJob("job_a", types.JobQueued, 100)
	require.NoError(t, WriteJob(db, nil, job))

	got, err := ReadJob(db, "job_a")
	require.NoError(t, err)
	require.Equal(t, job, got)

	missing, err := ReadJob(db, "job_nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestJobStateIndexOrdering(t *testing.T) {
	db := memorydb.New()
	// Written out of order, read back FIFO by creation time.
	require.NoError(t, WriteJob(db, nil, testJob("job_c", types.JobQueued, 300)))
	require.NoError(t, WriteJob(db, nil, testJob("job_a", types.JobQueued, 100)))
	require.NoError(t, WriteJob(db, nil, testJob("job_b", types.JobQueued, 200)))
	require.NoError(t, WriteJob(db, nil, testJob("job_x", types.JobRunning, 50)))

	ids, err := ReadJobIDsByState(db, types.JobQueued, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"job_a", "job_b", "job_c"}, ids)

	ids, err = ReadJobIDsByState(db, types.JobQueued, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"job_a", "job_b"}, ids)
}

func TestJobStateIndexTiebreak(t *testing.T) {
	db := memorydb.New()
	// Equal created_ms: job id ascending decides.
	require.NoError(t, WriteJob(db, nil, testJob("job_b", types.JobQueued, 100)))
	require.NoError(t, WriteJob(db, nil, testJob("job_a", types.JobQueued, 100)))

	ids, err := ReadJobIDsByState(db, types.JobQueued, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"job_a", "job_b"}, ids)
}

func TestJobIndexMaintenance(t *testing.T) {
	db := memorydb.New()
	prev := testJob("job_a", types.JobQueued, 100)
	require.NoError(t, WriteJob(db, nil, prev))

	next := prev.Copy()
	require.NoError(t, next.Transition(types.JobRunning, 150))
	next.AttemptDeadlineMS = 10_000
	require.NoError(t, WriteJob(db, prev, next))

	queued, err := ReadJobIDsByState(db, types.JobQueued, 0)
	require.NoError(t, err)
	require.Empty(t, queued)
	running, err := ReadJobIDsByState(db, types.JobRunning, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"job_a"}, running)

	// The timer index now points at the attempt deadline, not the expiry.
	due, err := ReadJobTimersDueBefore(db, 20_000, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, TimerEntry{JobID: "job_a", FireMS: 10_000}, due[0])

	require.NoError(t, DeleteJob(db, next))
	running, err = ReadJobIDsByState(db, types.JobRunning, 0)
	require.NoError(t, err)
	require.Empty(t, running)
	due, err = ReadJobTimersDueBefore(db, 20_000, 0)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestJobTimersCutoff(t *testing.T) {
	db := memorydb.New()
	for i, expires := range []int64{500, 1500, 2500} {
		job := testJob(fmt.Sprintf("job_%d", i), types.JobQueued, int64(i))
		job.ExpiresMS = expires
		require.NoError(t, WriteJob(db, nil, job))
	}
	due, err := ReadJobTimersDueBefore(db, 2000, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "job_0", due[0].JobID)
	require.Equal(t, "job_1", due[1].JobID)
}

func testMiner(t *testing.T, id string, status types.MinerStatus, beatMS int64) *types.Miner {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &types.Miner{
		ID:              id,
		TenantID:        "t1",
		PublicKey:       pub,
		Status:          status,
		Capabilities:    []types.Capability{{Model: "m1", MemBytes: 1 << 30}},
		PricePerUnit:    10,
		MaxParallel:     4,
		LastHeartbeatMS: beatMS,
		RegisteredMS:    beatMS,
	}
}

func TestMinerRoundTripAndKeyIndex(t *testing.T) {
	db := memorydb.New()
	miner := testMiner(t, "mnr_a", types.MinerActive, 100)
	require.NoError(t, WriteMiner(db, nil, miner))

	got, err := ReadMiner(db, "mnr_a")
	require.NoError(t, err)
	require.Equal(t, miner, got)

	id, err := ReadMinerIDByKey(db, "t1", miner.KeyHash())
	require.NoError(t, err)
	require.Equal(t, "mnr_a", id)

	id, err = ReadMinerIDByKey(db, "t2", miner.KeyHash())
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestStaleMinerScan(t *testing.T) {
	db := memorydb.New()
	require.NoError(t, WriteMiner(db, nil, testMiner(t, "mnr_stale", types.MinerActive, 100)))
	require.NoError(t, WriteMiner(db, nil, testMiner(t, "mnr_fresh", types.MinerActive, 5000)))
	require.NoError(t, WriteMiner(db, nil, testMiner(t, "mnr_off", types.MinerOffline, 50)))

	ids, err := ReadStaleMinerIDs(db, types.MinerActive, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"mnr_stale"}, ids)

	// Heartbeat moves the miner out of the stale window.
	prev, err := ReadMiner(db, "mnr_stale")
	require.NoError(t, err)
	next := prev.Copy()
	next.LastHeartbeatMS = 6000
	require.NoError(t, WriteMiner(db, prev, next))

	ids, err = ReadStaleMinerIDs(db, types.MinerActive, 1000, 0)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOutbox(t *testing.T) {
	db := memorydb.New()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, WritePaymentEvent(db, &types.PaymentEvent{
			ID: fmt.Sprintf("evt_%d", seq), Seq: seq, PaymentID: "pay_a", Kind: types.PaymentRefunded,
		}))
	}
	require.NoError(t, WriteOutboxSeq(db, 3))

	events, err := ReadOutboxBatch(db, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Seq)
	require.Equal(t, uint64(2), events[1].Seq)

	require.NoError(t, DeletePaymentEvent(db, 1))
	depth, err := ReadOutboxDepth(db)
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	seq, err := ReadOutboxSeq(db)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestReceiptIdempotentWrite(t *testing.T) {
	db := memorydb.New()
	receipt := &types.Receipt{
		ReceiptID: "rcp_a", JobID: "job_a", MinerID: "mnr_a", SubmitterID: "client-1",
		TenantID: "t1", ResultHash: types.HashResult([]byte("r")), Model: "m1",
		StartedMS: 100, CompletedMS: 200, Signature: "sig1", KeyID: "k1",
	}
	require.NoError(t, WriteReceipt(db, db, receipt))

	// A second write with different content must not clobber the sealed row.
	altered := receipt.Copy()
	altered.Signature = "sig2"
	require.NoError(t, WriteReceipt(db, db, altered))

	got, err := ReadReceipt(db, "rcp_a")
	require.NoError(t, err)
	require.Equal(t, "sig1", got.Signature)
}

func TestReceiptTenantListing(t *testing.T) {
	db := memorydb.New()
	for i := 1; i <= 5; i++ {
		require.NoError(t, WriteReceipt(db, db, &types.Receipt{
			ReceiptID: fmt.Sprintf("rcp_%d", i), JobID: fmt.Sprintf("job_%d", i),
			MinerID: "mnr_a", SubmitterID: "client-1", TenantID: "t1",
			ResultHash: types.HashResult(nil), Model: "m1",
			StartedMS: int64(i * 100), CompletedMS: int64(i * 100), Signature: "s", KeyID: "k",
		}))
	}
	// Another tenant's receipt must not leak into the listing.
	require.NoError(t, WriteReceipt(db, db, &types.Receipt{
		ReceiptID: "rcp_other", JobID: "job_o", MinerID: "mnr_a", SubmitterID: "client-2",
		TenantID: "t2", ResultHash: types.HashResult(nil), Model: "m1",
		StartedMS: 1000, CompletedMS: 1000, Signature: "s", KeyID: "k",
	}))

	ids, err := ReadReceiptIDsByTenant(db, db, "t1", "", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"rcp_5", "rcp_4", "rcp_3"}, ids)

	ids, err = ReadReceiptIDsByTenant(db, db, "t1", "rcp_3", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"rcp_2", "rcp_1"}, ids)
}

func TestSchemaVersion(t *testing.T) {
	db := memorydb.New()
	require.NoError(t, InitSchema(db))
	stored, err := ReadSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, stored)
	require.NoError(t, InitSchema(db)) // idempotent

	require.NoError(t, WriteSchemaVersion(db, SchemaVersion+1))
	require.Error(t, InitSchema(db))
}

func TestCounters(t *testing.T) {
	db := memorydb.New()
	n, err := ReadTenantOpenJobs(db, "t1")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, WriteTenantOpenJobs(db, "t1", 7))
	n, err = ReadTenantOpenJobs(db, "t1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)

	// Zero deletes the key rather than storing an empty counter.
	require.NoError(t, WriteTenantOpenJobs(db, "t1", 0))
	ok, err := db.Has(tenantOpenJobsKey("t1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteJobStateCount(db, types.JobQueued, 3))
	c, err := ReadJobStateCount(db, types.JobQueued)
	require.NoError(t, err)
	require.Equal(t, uint64(3), c)
}
