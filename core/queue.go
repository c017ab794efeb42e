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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/params"
)

// pollScanBatch bounds how many queued jobs one poll scans for candidates.
const pollScanBatch = 512

// TTLDefault asks Submit to apply the configured default time-to-live. An
// explicit zero TTL is honored as given: the job expires on the next timer
// pass without ever being assigned.
const TTLDefault = time.Duration(-1)

// Queue owns job admission and the miner poll contract: FIFO selection over
// the pending set and at-most-once assignment through the store's
// conditional QUEUED -> RUNNING transition.
type Queue struct {
	store    *Store
	payments *PaymentEngine
	clock    clock.Clock
	cfg      *params.Config
	log      zerolog.Logger

	// wake is closed and replaced whenever new work may be available, waking
	// long-pollers.
	wakeMu sync.Mutex
	wake   chan struct{}
}

// NewQueue builds the queue.
func NewQueue(store *Store, payments *PaymentEngine, clk clock.Clock, cfg *params.Config, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    store,
		payments: payments,
		clock:    clk,
		cfg:      cfg,
		log:      logger.With().Str("component", "queue").Logger(),
		wake:     make(chan struct{}),
	}
}

// Notify wakes blocked long-pollers. Called after any transition that can
// put a job back into QUEUED.
func (q *Queue) Notify() {
	q.wakeMu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.wakeMu.Unlock()
}

func (q *Queue) wakeChan() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

// Submit admits a job: payload and quota checks, then job plus escrow hold
// in one atomic transaction. The job starts QUEUED with its absolute expiry
// armed.
func (q *Queue) Submit(tenant, submitter string, req types.Requirement, payload []byte, maxPrice uint64, ttl time.Duration) (*types.Job, *types.Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if len(payload) > q.cfg.MaxJobPayloadBytes {
		return nil, nil, fmt.Errorf("payload %d bytes exceeds limit %d: %w", len(payload), q.cfg.MaxJobPayloadBytes, ErrPayloadTooLarge)
	}
	switch {
	case ttl == TTLDefault:
		ttl = q.cfg.JobDefaultTTL
	case ttl < 0:
		return nil, nil, fmt.Errorf("%w: negative ttl", ErrInvalidRequest)
	}
	if ttl > q.cfg.JobMaxTTL {
		ttl = q.cfg.JobMaxTTL
	}

	now := q.clock.Now().UnixMilli()
	job := &types.Job{
		ID:          ids.New(ids.JobPrefix),
		TenantID:    tenant,
		SubmitterID: submitter,
		State:       types.JobQueued,
		Requirement: req,
		Payload:     payload,
		MaxPrice:    maxPrice,
		PaymentID:   ids.New(ids.PaymentPrefix),
		CreatedMS:   now,
		UpdatedMS:   now,
		ExpiresMS:   now + ttl.Milliseconds(),
	}

	var payment *types.Payment
	err := q.store.Update(func(tx *Tx) error {
		open, err := tx.TenantOpenJobs(tenant)
		if err != nil {
			return err
		}
		if q.cfg.TenantOpenJobsMax > 0 && open >= uint64(q.cfg.TenantOpenJobsMax) {
			return fmt.Errorf("tenant %s has %d open jobs: %w", tenant, open, ErrQuotaExceeded)
		}
		if q.cfg.TenantEscrowMax > 0 {
			held, err := tx.TenantEscrow(tenant)
			if err != nil {
				return err
			}
			if held+maxPrice > q.cfg.TenantEscrowMax {
				return fmt.Errorf("tenant %s escrow %d + %d over budget %d: %w",
					tenant, held, maxPrice, q.cfg.TenantEscrowMax, ErrInsufficientFunds)
			}
		}
		if err := tx.PutJob(job); err != nil {
			return err
		}
		payment, err = q.payments.Hold(tx, job)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	jobsSubmittedCounter.Inc(1)
	q.log.Info().Str("job_id", job.ID).Str("tenant", tenant).Str("model", req.Model).
		Uint64("max_price", maxPrice).Int64("expires_ms", job.ExpiresMS).Msg("job submitted")
	q.Notify()
	return job, payment, nil
}

// Poll assigns up to maxJobs queued jobs to the calling miner. Selection is
// FIFO over jobs whose requirement the miner satisfies; each claim is one
// conditional transaction, so concurrent pollers racing on a job produce
// exactly one winner. With wait > 0 the call blocks until at least one job
// is assigned or the wait (capped by configuration) elapses.
func (q *Queue) Poll(ctx context.Context, minerID string, filter *types.Requirement, maxJobs int, wait time.Duration) ([]*types.Job, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if wait > q.cfg.PollLongWaitMax {
		wait = q.cfg.PollLongWaitMax
	}
	deadline := q.clock.Now().Add(wait)
	for {
		wake := q.wakeChan()
		assigned, err := q.pollOnce(minerID, filter, maxJobs)
		if err != nil || len(assigned) > 0 {
			return assigned, err
		}
		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-wake:
		case <-q.clock.After(remaining):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) pollOnce(minerID string, filter *types.Requirement, maxJobs int) ([]*types.Job, error) {
	miner, err := q.store.Miner(minerID)
	if err != nil {
		return nil, err
	}
	if miner.Status != types.MinerActive {
		return nil, fmt.Errorf("miner %s is %s: %w", minerID, miner.Status, ErrMinerNotActive)
	}
	now := q.clock.Now().UnixMilli()
	if now-miner.LastHeartbeatMS > q.cfg.MinerLivenessTimeout.Milliseconds() {
		return nil, fmt.Errorf("miner %s heartbeat lapsed: %w", minerID, ErrMinerNotActive)
	}
	if filter != nil && filter.Model != "" && !miner.Serves(filter.Model) {
		return nil, fmt.Errorf("miner %s does not serve %s: %w", minerID, filter.Model, ErrCapabilityUnavailable)
	}
	want := maxJobs
	if free := miner.FreeSlots(); want > free {
		want = free
	}
	if want == 0 {
		return nil, nil
	}

	candidates, err := q.store.JobIDsByState(types.JobQueued, pollScanBatch)
	if err != nil {
		return nil, err
	}
	var assigned []*types.Job
	for _, jobID := range candidates {
		if len(assigned) == want {
			break
		}
		job, err := q.claim(jobID, miner, filter)
		switch {
		case errors.Is(err, ErrStaleState):
			// Another poller or a timer won the race; no retry budget is
			// consumed, move to the next candidate.
			racesCounter.Inc(1)
			continue
		case err != nil:
			return assigned, err
		case job != nil:
			assigned = append(assigned, job)
		}
	}
	return assigned, nil
}

// claim runs the atomic QUEUED -> RUNNING assignment. A nil job with nil
// error means the candidate did not fit this miner.
func (q *Queue) claim(jobID string, pollMiner *types.Miner, filter *types.Requirement) (*types.Job, error) {
	var claimed *types.Job
	err := q.store.Update(func(tx *Tx) error {
		job, err := tx.JobForUpdate(jobID, types.JobQueued)
		if err != nil {
			return err
		}
		if job.TenantID != pollMiner.TenantID || job.Excluded(pollMiner.ID) {
			return nil
		}
		if filter != nil && filter.Model != "" && job.Requirement.Model != filter.Model {
			return nil
		}
		// A job past its expiry is never assigned; the timer sweep owns it.
		if job.ExpiresMS <= q.clock.Now().UnixMilli() {
			return nil
		}
		// Re-load the miner inside the transaction: slots and status must be
		// current when the claim commits.
		miner, err := tx.Miner(pollMiner.ID)
		if err != nil {
			return err
		}
		if miner.Status != types.MinerActive || miner.FreeSlots() == 0 || !miner.Satisfies(&job.Requirement) {
			return nil
		}
		now := q.clock.Now().UnixMilli()
		if err := job.Transition(types.JobRunning, now); err != nil {
			return err
		}
		job.AssignedMiner = miner.ID
		job.AttemptCount++
		job.AttemptStartedMS = now
		job.LastHeartbeatMS = now
		job.AttemptDeadlineMS = now + q.cfg.AttemptTimeout.Milliseconds()
		miner.AddInFlight(job.ID)
		miner.UpdatedMS = now
		if err := tx.PutJob(job); err != nil {
			return err
		}
		if err := tx.PutMiner(miner); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}
	assignmentsCounter.Inc(1)
	queueWaitTimer.Update(time.Duration(claimed.AttemptStartedMS-claimed.CreatedMS) * time.Millisecond)
	q.log.Info().Str("job_id", claimed.ID).Str("from", string(types.JobQueued)).Str("to", string(types.JobRunning)).
		Str("reason", "assigned").Str("miner_id", pollMiner.ID).Uint32("attempt", claimed.AttemptCount).Msg("job assigned")
	return claimed, nil
}
