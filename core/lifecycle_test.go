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

package core

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/params"
)

func TestResultHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	assigned := env.pollOne(m.ID)
	require.Equal(t, job.ID, assigned.ID)
	require.Equal(t, types.JobRunning, assigned.State)
	require.Equal(t, uint32(1), assigned.AttemptCount)
	require.Equal(t, []string{job.ID}, env.miner(m.ID).InFlight)

	env.clock.Add(3 * time.Second)
	receipt, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)
	require.Equal(t, uint64(10), receipt.AmountCharged) // floor(2000*5/1000)
	require.Equal(t, types.HashResult([]byte("result")), receipt.ResultHash)
	require.False(t, receipt.PriceClamped)

	// The signature covers the canonical bytes.
	msg, err := receipt.SigningBytes()
	require.NoError(t, err)
	sig, err := base64.RawURLEncoding.DecodeString(receipt.Signature)
	require.NoError(t, err)
	pub := env.sealer.key.Public().(ed25519.PublicKey)
	require.True(t, ed25519.Verify(pub, msg, sig))

	stored := env.job(job.ID)
	require.Equal(t, types.JobSucceeded, stored.State)
	require.Equal(t, receipt.ReceiptID, stored.ReceiptID)

	pay := env.payment(job.PaymentID)
	require.Equal(t, types.PaymentReleased, pay.State)
	require.Equal(t, uint64(10), pay.AmountCharged)
	require.Equal(t, m.ID, pay.PayeeMiner)

	require.Empty(t, env.miner(m.ID).InFlight)

	open, err := env.store.TenantOpenJobs("acme")
	require.NoError(t, err)
	require.Zero(t, open)
	held, err := env.store.TenantEscrow("acme")
	require.NoError(t, err)
	require.Zero(t, held)
}

func TestResultReplayReturnsSealedReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	first, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)
	second, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)
	require.Equal(t, first.ReceiptID, second.ReceiptID)
	require.Equal(t, first.Signature, second.Signature)

	// The replay must not settle twice.
	n, err := env.payments.FlushOutbox()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	events := env.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, types.PaymentReleased, events[0].Kind)
	require.Equal(t, uint64(10), events[0].AmountCharged)
	require.Equal(t, uint64(90), events[0].AmountRefunded)
}

func TestResultStaleAssignment(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	other := env.registerMiner("acme", "llama-70b", 7, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	_, err := env.lifecycle.SubmitResult(m.ID, job.ID, 2, 100, []byte("x"))
	require.ErrorIs(t, err, ErrStaleAssignment)
	_, err = env.lifecycle.SubmitResult(other.ID, job.ID, 1, 100, []byte("x"))
	require.ErrorIs(t, err, ErrStaleAssignment)

	// The legitimate owner still completes.
	_, err = env.lifecycle.SubmitResult(m.ID, job.ID, 1, 100, []byte("x"))
	require.NoError(t, err)
}

func TestSealerOutageFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	env.sealer.setFail(true)
	_, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.ErrorIs(t, err, ErrSealerUnavailable)

	stored := env.job(job.ID)
	require.Equal(t, types.JobFailed, stored.State)
	require.Equal(t, types.ErrKindSealerUnavailable, stored.ErrorKind)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
	require.Empty(t, env.miner(m.ID).InFlight)
}

func TestPricingClampPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	// floor(100000*5/1000) = 500 exceeds the escrowed 100.
	receipt, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 100000, []byte("result"))
	require.NoError(t, err)
	require.True(t, receipt.PriceClamped)
	require.Equal(t, uint64(100), receipt.AmountCharged)

	stored := env.job(job.ID)
	require.Equal(t, types.JobSucceeded, stored.State)
	require.Equal(t, "price_clamped", stored.ErrorKind)

	pay := env.payment(job.PaymentID)
	require.Equal(t, types.PaymentReleased, pay.State)
	require.Equal(t, uint64(100), pay.AmountCharged)
}

func TestPricingFailPolicy(t *testing.T) {
	env := newTestEnv(t, func(cfg *params.Config) {
		cfg.PricingPolicy = params.PricingFail
	})
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	_, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 100000, []byte("result"))
	require.ErrorIs(t, err, ErrPriceExceeded)

	stored := env.job(job.ID)
	require.Equal(t, types.JobFailed, stored.State)
	require.Equal(t, types.ErrKindPriceExceeded, stored.ErrorKind)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestErrorRetriableRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	require.NoError(t, env.lifecycle.SubmitError(m.ID, job.ID, 1, "oom", true))

	stored := env.job(job.ID)
	require.Equal(t, types.JobQueued, stored.State)
	require.Empty(t, stored.AssignedMiner)
	require.True(t, stored.Excluded(m.ID))
	require.Equal(t, uint32(1), stored.AttemptCount)
	require.Equal(t, types.PaymentHeld, env.payment(job.PaymentID).State)
	require.Empty(t, env.miner(m.ID).InFlight)

	// The faulted miner is excluded from the retry; a fresh miner claims it.
	jobs, err := env.queue.Poll(context.Background(), m.ID, nil, 1, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)

	other := env.registerMiner("acme", "llama-70b", 7, 4)
	retried := env.pollOne(other.ID)
	require.Equal(t, job.ID, retried.ID)
	require.Equal(t, uint32(2), retried.AttemptCount)
}

func TestErrorNonRetriableFails(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	require.NoError(t, env.lifecycle.SubmitError(m.ID, job.ID, 1, "invalid_payload", false))

	stored := env.job(job.ID)
	require.Equal(t, types.JobFailed, stored.State)
	require.Equal(t, "invalid_payload", stored.ErrorKind)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestErrorExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *params.Config) {
		cfg.MaxAttempts = 1
	})
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	require.NoError(t, env.lifecycle.SubmitError(m.ID, job.ID, 1, "oom", true))

	stored := env.job(job.ID)
	require.Equal(t, types.JobFailed, stored.State)
	require.Equal(t, "oom", stored.ErrorKind)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestCancelQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	cancelled, err := env.lifecycle.Cancel("acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, cancelled.State)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)

	open, err := env.store.TenantOpenJobs("acme")
	require.NoError(t, err)
	require.Zero(t, open)

	// Cancelling again is a no-op returning the terminal snapshot.
	again, err := env.lifecycle.Cancel("acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, again.State)
}

func TestCancelWrongTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	_, err := env.lifecycle.Cancel("rival", job.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, types.JobQueued, env.job(job.ID).State)
}

func TestCancelRunningObservedOnHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	marked, err := env.lifecycle.Cancel("acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobRunning, marked.State)
	require.True(t, marked.CancelRequested)

	cancelled, err := env.lifecycle.JobHeartbeat(m.ID, job.ID)
	require.True(t, cancelled)
	require.ErrorIs(t, err, ErrJobCancelled)

	stored := env.job(job.ID)
	require.Equal(t, types.JobCancelled, stored.State)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
	require.Empty(t, env.miner(m.ID).InFlight)
}

func TestCancelRunningObservedOnResult(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	_, err := env.lifecycle.Cancel("acme", job.ID)
	require.NoError(t, err)

	_, err = env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.ErrorIs(t, err, ErrJobCancelled)

	stored := env.job(job.ID)
	require.Equal(t, types.JobCancelled, stored.State)
	require.Empty(t, stored.ReceiptID)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestJobHeartbeatExtendsAttemptDeadline(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	start := env.clock.Now().UnixMilli()
	env.clock.Add(time.Minute)
	cancelled, err := env.lifecycle.JobHeartbeat(m.ID, job.ID)
	require.NoError(t, err)
	require.False(t, cancelled)

	stored := env.job(job.ID)
	require.Equal(t, start+time.Minute.Milliseconds()+env.cfg.AttemptTimeout.Milliseconds(), stored.AttemptDeadlineMS)

	// The original deadline fires as a stale timer entry: dropped, job
	// untouched.
	env.clock.Add(env.cfg.AttemptTimeout - 30*time.Second)
	_, err = env.lifecycle.SweepTimers()
	require.NoError(t, err)
	require.Equal(t, types.JobRunning, env.job(job.ID).State)

	// The extended deadline fires for real.
	env.clock.Add(2 * time.Minute)
	_, err = env.lifecycle.SweepTimers()
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, env.job(job.ID).State)
}

func TestAttemptTimeoutRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	env.clock.Add(env.cfg.AttemptTimeout + time.Second)
	n, err := env.lifecycle.SweepTimers()
	require.NoError(t, err)
	require.Positive(t, n)

	stored := env.job(job.ID)
	require.Equal(t, types.JobQueued, stored.State)
	require.True(t, stored.Excluded(m.ID))
	require.Empty(t, stored.AssignedMiner)
	require.Equal(t, types.PaymentHeld, env.payment(job.PaymentID).State)
	require.Empty(t, env.miner(m.ID).InFlight)
}

func TestAttemptTimeoutExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *params.Config) {
		cfg.MaxAttempts = 1
	})
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	env.clock.Add(env.cfg.AttemptTimeout + time.Second)
	_, err := env.lifecycle.SweepTimers()
	require.NoError(t, err)

	stored := env.job(job.ID)
	require.Equal(t, types.JobFailed, stored.State)
	require.Equal(t, types.ErrKindAttemptTimeout, stored.ErrorKind)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestAbsoluteExpiryQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, time.Minute)

	env.clock.Add(time.Minute + time.Second)
	_, err := env.lifecycle.SweepTimers()
	require.NoError(t, err)

	stored := env.job(job.ID)
	require.Equal(t, types.JobExpired, stored.State)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
}

func TestAbsoluteExpiryRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, time.Minute)
	env.pollOne(m.ID)

	// The expiry precedes the attempt deadline and wins.
	env.clock.Add(time.Minute + time.Second)
	_, err := env.lifecycle.SweepTimers()
	require.NoError(t, err)

	stored := env.job(job.ID)
	require.Equal(t, types.JobExpired, stored.State)
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)
	require.Empty(t, env.miner(m.ID).InFlight)

	// A late result lands on the expired job.
	_, err = env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.ErrorIs(t, err, ErrStaleAssignment)
}

func TestMinerLostReclaimsInFlight(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)

	env.clock.Add(env.cfg.MinerLivenessTimeout + time.Second)
	require.NoError(t, env.registry.SweepLiveness())

	require.Equal(t, types.MinerOffline, env.miner(m.ID).Status)
	require.Empty(t, env.miner(m.ID).InFlight)

	stored := env.job(job.ID)
	require.Equal(t, types.JobQueued, stored.State)
	require.True(t, stored.Excluded(m.ID))

	// Heartbeating again brings the miner back, but the exclusion holds.
	env.heartbeat(m)
	require.Equal(t, types.MinerActive, env.miner(m.ID).Status)
	jobs, err := env.queue.Poll(context.Background(), m.ID, nil, 1, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestRetentionReapsTerminalJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)
	receipt, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)

	// Settlement is exported before the rows age out.
	_, err = env.payments.FlushOutbox()
	require.NoError(t, err)

	env.clock.Add(env.cfg.RetentionPeriod + time.Hour)
	require.NoError(t, env.lifecycle.SweepRetention())

	_, err = env.store.Job(job.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.store.Payment(job.PaymentID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.store.Receipt(receipt.ReceiptID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionSparesRecentAndLiveJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	done := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)
	_, err := env.lifecycle.SubmitResult(m.ID, done.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)
	live := env.submitJob("acme", "llama-70b", 100, 0)

	require.NoError(t, env.lifecycle.SweepRetention())

	require.Equal(t, types.JobSucceeded, env.job(done.ID).State)
	require.Equal(t, types.JobQueued, env.job(live.ID).State)
}

func TestOutboxRedelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)
	_, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)

	env.sink.SetFailing(true)
	_, err = env.payments.FlushOutbox()
	require.Error(t, err)
	depth, err := env.store.OutboxDepth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	env.sink.SetFailing(false)
	n, err := env.payments.FlushOutbox()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	depth, err = env.store.OutboxDepth()
	require.NoError(t, err)
	require.Zero(t, depth)

	events := env.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, job.PaymentID, events[0].PaymentID)
}
