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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core/rawdb"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/params"
)

// retentionScanInterval is how often terminal jobs past retention are
// reaped.
const retentionScanInterval = 10 * time.Minute

// Lifecycle owns every job state transition after assignment: results,
// errors, heartbeats, cancellation, attempt timeouts, absolute expiry and
// retention. All transitions are conditional store transactions, so timer
// handlers and miner calls racing on the same job resolve to exactly one
// winner; the duplicate firing is a no-op.
type Lifecycle struct {
	store    *Store
	queue    *Queue
	payments *PaymentEngine
	receipts *ReceiptService
	clock    clock.Clock
	cfg      *params.Config
	log      zerolog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewLifecycle wires the lifecycle over its collaborators.
func NewLifecycle(store *Store, queue *Queue, payments *PaymentEngine, receipts *ReceiptService, clk clock.Clock, cfg *params.Config, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		store:    store,
		queue:    queue,
		payments: payments,
		receipts: receipts,
		clock:    clk,
		cfg:      cfg,
		log:      logger.With().Str("component", "lifecycle").Logger(),
		quit:     make(chan struct{}),
	}
}

// Start launches the timer and retention sweepers.
func (l *Lifecycle) Start() {
	l.wg.Add(2)
	go l.timerLoop()
	go l.retentionLoop()
}

// Stop terminates the sweepers and waits for them.
func (l *Lifecycle) Stop() {
	close(l.quit)
	l.wg.Wait()
}

func (l *Lifecycle) logTransition(jobID string, from, to types.JobState, reason string, sinceMS int64) {
	ev := l.log.Info().Str("job_id", jobID).Str("from", string(from)).Str("to", string(to)).Str("reason", reason)
	if sinceMS > 0 {
		ev = ev.Int64("duration_ms", l.clock.Now().UnixMilli()-sinceMS)
	}
	ev.Msg("job transition")
}

// SubmitResult completes one attempt: the job moves RUNNING -> FINALIZING,
// the receipt is built and sealed, then FINALIZING -> SUCCEEDED with the
// payment release and receipt persisted in one transaction. A replay of the
// same (job, attempt) returns the already sealed receipt. Seal failure moves
// the job to FAILED with a refund; no automatic replay follows.
func (l *Lifecycle) SubmitResult(minerID, jobID string, attempt uint32, unitsConsumed uint64, output []byte) (*types.Receipt, error) {
	job, err := l.store.Job(jobID)
	if err != nil {
		return nil, err
	}
	receiptID := ids.Receipt(jobID, attempt)
	if job.State == types.JobSucceeded && job.ReceiptID == receiptID {
		return l.store.Receipt(receiptID)
	}
	if job.State == types.JobCancelled {
		return nil, ErrJobCancelled
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("job %s already %s: %w", jobID, job.State, ErrStaleAssignment)
	}

	// Phase one: take ownership of finalization.
	var (
		snapshot *types.Job
		miner    *types.Miner
		canceled bool
	)
	err = l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, types.JobRunning)
		if err != nil {
			return err
		}
		if j.AssignedMiner != minerID || j.AttemptCount != attempt {
			return fmt.Errorf("job %s attempt %d owned by %s: %w", jobID, j.AttemptCount, j.AssignedMiner, ErrStaleAssignment)
		}
		if j.CancelRequested {
			canceled = true
			return l.cancelOwned(tx, j, minerID)
		}
		if err := j.Transition(types.JobFinalizing, l.clock.Now().UnixMilli()); err != nil {
			return err
		}
		if err := tx.PutJob(j); err != nil {
			return err
		}
		m, err := tx.Miner(minerID)
		if err != nil {
			return err
		}
		snapshot, miner = j, m
		return nil
	})
	if canceled && err == nil {
		return nil, ErrJobCancelled
	}
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, fmt.Errorf("%w: %s", ErrStaleAssignment, err)
		}
		return nil, err
	}
	l.logTransition(jobID, types.JobRunning, types.JobFinalizing, "result_received", snapshot.AttemptStartedMS)

	// Phase two: price and seal, off the store lock.
	receipt, sealErr := l.receipts.BuildAndSeal(snapshot, miner, unitsConsumed, output)
	if sealErr != nil {
		kind := types.ErrKindSealerUnavailable
		if errors.Is(sealErr, ErrPriceExceeded) {
			kind = types.ErrKindPriceExceeded
		}
		if failErr := l.failFinalizing(jobID, minerID, kind); failErr != nil {
			return nil, failErr
		}
		return nil, sealErr
	}

	// Phase three: seal the outcome atomically.
	err = l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, types.JobFinalizing)
		if err != nil {
			return err
		}
		if err := j.Transition(types.JobSucceeded, receipt.CompletedMS); err != nil {
			return err
		}
		j.ReceiptID = receipt.ReceiptID
		if receipt.PriceClamped {
			j.ErrorKind = "price_clamped"
		}
		if err := tx.PutJob(j); err != nil {
			return err
		}
		if err := tx.PutReceipt(receipt); err != nil {
			return err
		}
		if err := l.payments.Release(tx, j.PaymentID, receipt.AmountCharged, minerID); err != nil {
			return err
		}
		return l.detachFromMiner(tx, minerID, jobID)
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			// The absolute deadline fired between sealing and committing; the
			// expiry path already refunded the payment.
			return nil, fmt.Errorf("%w: job finalization superseded", ErrStaleAssignment)
		}
		return nil, err
	}
	markTerminal(types.JobSucceeded)
	attemptDurationTimer.Update(time.Duration(receipt.CompletedMS-receipt.StartedMS) * time.Millisecond)
	l.logTransition(jobID, types.JobFinalizing, types.JobSucceeded, "sealed", snapshot.AttemptStartedMS)
	return receipt, nil
}

// failFinalizing moves a FINALIZING job to FAILED with a refund.
func (l *Lifecycle) failFinalizing(jobID, minerID, kind string) error {
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, types.JobFinalizing)
		if err != nil {
			return err
		}
		if err := j.Transition(types.JobFailed, l.clock.Now().UnixMilli()); err != nil {
			return err
		}
		j.ErrorKind = kind
		if err := tx.PutJob(j); err != nil {
			return err
		}
		if err := l.payments.Refund(tx, j.PaymentID); err != nil {
			return err
		}
		return l.detachFromMiner(tx, minerID, jobID)
	})
	if err != nil {
		return err
	}
	markTerminal(types.JobFailed)
	l.logTransition(jobID, types.JobFinalizing, types.JobFailed, kind, 0)
	return nil
}

// SubmitError records a failed attempt. Retriable errors requeue the job
// with the miner excluded while attempts remain, otherwise the job fails
// and the hold is refunded.
func (l *Lifecycle) SubmitError(minerID, jobID string, attempt uint32, errorKind string, retriable bool) error {
	var (
		requeued bool
		canceled bool
		outcome  types.JobState
	)
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, types.JobRunning)
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				return fmt.Errorf("%w: %s", ErrStaleAssignment, err)
			}
			return err
		}
		if j.AssignedMiner != minerID || j.AttemptCount != attempt {
			return fmt.Errorf("job %s attempt %d owned by %s: %w", jobID, j.AttemptCount, j.AssignedMiner, ErrStaleAssignment)
		}
		now := l.clock.Now().UnixMilli()
		if j.CancelRequested {
			canceled = true
			return l.cancelOwned(tx, j, minerID)
		}
		if retriable && j.AttemptCount < l.cfg.MaxAttempts {
			if err := l.requeueOwned(tx, j, minerID, now); err != nil {
				return err
			}
			requeued = true
			return nil
		}
		if err := j.Transition(types.JobFailed, now); err != nil {
			return err
		}
		j.ErrorKind = errorKind
		if err := tx.PutJob(j); err != nil {
			return err
		}
		if err := l.payments.Refund(tx, j.PaymentID); err != nil {
			return err
		}
		outcome = types.JobFailed
		return l.detachFromMiner(tx, minerID, jobID)
	})
	if err != nil {
		return err
	}
	switch {
	case canceled:
		return ErrJobCancelled
	case requeued:
		retriesCounter.Inc(1)
		l.logTransition(jobID, types.JobRunning, types.JobQueued, errorKind, 0)
		l.queue.Notify()
	default:
		markTerminal(outcome)
		l.logTransition(jobID, types.JobRunning, types.JobFailed, errorKind, 0)
	}
	return nil
}

// JobHeartbeat extends the attempt deadline of a running job. The boolean
// reports a pending cancellation: when set, the job has been cancelled in
// this call and the error is ErrJobCancelled so the miner stops computing.
func (l *Lifecycle) JobHeartbeat(minerID, jobID string) (bool, error) {
	canceled := false
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, types.JobRunning)
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				return fmt.Errorf("%w: %s", ErrStaleAssignment, err)
			}
			return err
		}
		if j.AssignedMiner != minerID {
			return fmt.Errorf("job %s owned by %s: %w", jobID, j.AssignedMiner, ErrStaleAssignment)
		}
		if j.CancelRequested {
			canceled = true
			return l.cancelOwned(tx, j, minerID)
		}
		now := l.clock.Now().UnixMilli()
		j.LastHeartbeatMS = now
		// The absolute deadline is never extended.
		j.AttemptDeadlineMS = now + l.cfg.AttemptTimeout.Milliseconds()
		j.UpdatedMS = now
		return tx.PutJob(j)
	})
	if canceled && err == nil {
		return true, ErrJobCancelled
	}
	return false, err
}

// Cancel stops a job on the submitter's behalf. QUEUED cancels and refunds
// immediately; RUNNING marks the cancellation for the next miner
// interaction; FINALIZING is past the point of no return. Cancelling a
// terminal job is a no-op returning the terminal snapshot.
func (l *Lifecycle) Cancel(tenant, jobID string) (*types.Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := l.store.Job(jobID)
		if err != nil {
			return nil, err
		}
		if job.TenantID != tenant {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		if job.State.Terminal() {
			return job, nil
		}
		if job.State == types.JobFinalizing {
			return nil, fmt.Errorf("job %s is finalizing: %w", jobID, ErrStaleState)
		}
		err = l.cancelOnce(job.State, jobID)
		if err == nil {
			return l.store.Job(jobID)
		}
		if !errors.Is(err, ErrStaleState) || attempt >= 2 {
			return nil, err
		}
		// Lost a race with an assignment or timer; reload and retry.
	}
}

func (l *Lifecycle) cancelOnce(expected types.JobState, jobID string) error {
	cancelled := false
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.JobForUpdate(jobID, expected)
		if err != nil {
			return err
		}
		switch expected {
		case types.JobQueued:
			if err := j.Transition(types.JobCancelled, l.clock.Now().UnixMilli()); err != nil {
				return err
			}
			if err := tx.PutJob(j); err != nil {
				return err
			}
			cancelled = true
			return l.payments.Refund(tx, j.PaymentID)
		case types.JobRunning:
			if j.CancelRequested {
				return nil
			}
			j.CancelRequested = true
			j.UpdatedMS = l.clock.Now().UnixMilli()
			return tx.PutJob(j)
		default:
			return fmt.Errorf("job %s is %s: %w", jobID, expected, ErrStaleState)
		}
	})
	if err == nil {
		if cancelled {
			markTerminal(types.JobCancelled)
			l.logTransition(jobID, expected, types.JobCancelled, "client_cancel", 0)
		} else {
			l.log.Info().Str("job_id", jobID).Msg("cancellation requested on running job")
		}
	}
	return err
}

// OnMinerLost reclaims a job whose miner lapsed: requeue while attempts
// remain, otherwise fail with a refund. Safe to invoke repeatedly.
func (l *Lifecycle) OnMinerLost(jobID, minerID string) {
	if err := l.reclaim(jobID, minerID, types.ErrKindMinerLost); err != nil {
		l.log.Error().Err(err).Str("job_id", jobID).Str("miner_id", minerID).Msg("failed to reclaim job from lost miner")
	}
}

// reclaim moves a RUNNING job off its miner after a lapse or attempt
// timeout. Idempotent: a job no longer running under that miner is left
// alone, except that a stale in-flight reference is still dropped.
func (l *Lifecycle) reclaim(jobID, minerID, kind string) error {
	var (
		requeued bool
		outcome  types.JobState
	)
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.Job(jobID)
		if errors.Is(err, ErrNotFound) {
			return l.detachFromMiner(tx, minerID, jobID)
		}
		if err != nil {
			return err
		}
		if j.State != types.JobRunning || j.AssignedMiner != minerID {
			if j.State.Terminal() || j.AssignedMiner != minerID {
				return l.detachFromMiner(tx, minerID, jobID)
			}
			return nil
		}
		now := l.clock.Now().UnixMilli()
		if j.CancelRequested {
			outcome = types.JobCancelled
			return l.cancelOwned(tx, j, minerID)
		}
		if j.AttemptCount < l.cfg.MaxAttempts {
			if err := l.requeueOwned(tx, j, minerID, now); err != nil {
				return err
			}
			requeued = true
			return nil
		}
		if err := j.Transition(types.JobFailed, now); err != nil {
			return err
		}
		j.ErrorKind = kind
		if err := tx.PutJob(j); err != nil {
			return err
		}
		if err := l.payments.Refund(tx, j.PaymentID); err != nil {
			return err
		}
		outcome = types.JobFailed
		return l.detachFromMiner(tx, minerID, jobID)
	})
	if err != nil {
		return err
	}
	switch {
	case requeued:
		retriesCounter.Inc(1)
		l.logTransition(jobID, types.JobRunning, types.JobQueued, kind, 0)
		l.queue.Notify()
	case outcome != "":
		markTerminal(outcome)
		l.logTransition(jobID, types.JobRunning, outcome, kind, 0)
	}
	return nil
}

// requeueOwned returns a running job to the queue, excluding its previous
// miner. Caller stages the transaction.
func (l *Lifecycle) requeueOwned(tx *Tx, j *types.Job, minerID string, nowMS int64) error {
	if err := j.Transition(types.JobQueued, nowMS); err != nil {
		return err
	}
	j.Exclude(minerID)
	j.AssignedMiner = ""
	j.AttemptStartedMS = 0
	j.AttemptDeadlineMS = 0
	j.LastHeartbeatMS = 0
	if err := tx.PutJob(j); err != nil {
		return err
	}
	return l.detachFromMiner(tx, minerID, j.ID)
}

// cancelOwned finishes a cancellation observed while the job was running
// under the given miner: CANCELLED, refund, in-flight cleanup.
func (l *Lifecycle) cancelOwned(tx *Tx, j *types.Job, minerID string) error {
	if err := j.Transition(types.JobCancelled, l.clock.Now().UnixMilli()); err != nil {
		return err
	}
	if err := tx.PutJob(j); err != nil {
		return err
	}
	if err := l.payments.Refund(tx, j.PaymentID); err != nil {
		return err
	}
	if err := l.detachFromMiner(tx, minerID, j.ID); err != nil {
		return err
	}
	markTerminal(types.JobCancelled)
	l.logTransition(j.ID, types.JobRunning, types.JobCancelled, "client_cancel", 0)
	return nil
}

// detachFromMiner drops the job from the miner's in-flight set. A missing
// miner row is tolerated.
func (l *Lifecycle) detachFromMiner(tx *Tx, minerID, jobID string) error {
	m, err := tx.Miner(minerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.RemoveInFlight(jobID)
	m.UpdatedMS = l.clock.Now().UnixMilli()
	return tx.PutMiner(m)
}

// timerLoop drives deadline expiry.
func (l *Lifecycle) timerLoop() {
	defer l.wg.Done()

	ticker := l.clock.Ticker(l.cfg.TimerScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := l.SweepTimers(); err != nil {
				l.log.Error().Err(err).Msg("timer sweep failed")
			}
		case <-l.quit:
			return
		}
	}
}

// SweepTimers fires one bounded pass of due deadlines: attempt timeouts
// reclaim the job from its miner, absolute expiries terminate it. Firing is
// at-least-once; every handler is a conditional transition, so a duplicate
// or superseded firing is a no-op. Returns the number of entries processed.
func (l *Lifecycle) SweepTimers() (int, error) {
	now := l.clock.Now().UnixMilli()
	due, err := l.store.TimersDueBefore(now+1, l.cfg.TimerBatchMax)
	if err != nil {
		return 0, err
	}
	for _, entry := range due {
		if err := l.fireTimer(entry, now); err != nil && !errors.Is(err, ErrStaleState) {
			l.log.Error().Err(err).Str("job_id", entry.JobID).Msg("timer handler failed")
		}
	}
	return len(due), nil
}

func (l *Lifecycle) fireTimer(entry rawdb.TimerEntry, now int64) error {
	job, err := l.store.Job(entry.JobID)
	if errors.Is(err, ErrNotFound) {
		return l.dropTimer(entry)
	}
	if err != nil {
		return err
	}
	switch {
	case job.State.Terminal():
		return l.dropTimer(entry)
	case job.ExpiresMS <= now:
		return l.expire(entry.JobID)
	case job.State == types.JobRunning && job.AttemptDeadlineMS > 0 && job.AttemptDeadlineMS <= now:
		return l.reclaim(entry.JobID, job.AssignedMiner, types.ErrKindAttemptTimeout)
	case entry.FireMS != job.NextDeadlineMS():
		// Deadline moved (heartbeat extension or requeue); retire the old
		// index entry.
		return l.dropTimer(entry)
	}
	return nil
}

func (l *Lifecycle) dropTimer(entry rawdb.TimerEntry) error {
	return l.store.Update(func(tx *Tx) error {
		return tx.DeleteTimer(entry.FireMS, entry.JobID)
	})
}

// expire terminates a job whose absolute deadline passed, in any
// non-terminal state, refunding the hold and detaching it from its miner.
func (l *Lifecycle) expire(jobID string) error {
	var from types.JobState
	err := l.store.Update(func(tx *Tx) error {
		j, err := tx.Job(jobID)
		if err != nil {
			return err
		}
		if j.State.Terminal() {
			return nil
		}
		from = j.State
		minerID := j.AssignedMiner
		if err := j.Transition(types.JobExpired, l.clock.Now().UnixMilli()); err != nil {
			return err
		}
		if err := tx.PutJob(j); err != nil {
			return err
		}
		if err := l.payments.Refund(tx, j.PaymentID); err != nil {
			return err
		}
		if minerID != "" {
			return l.detachFromMiner(tx, minerID, jobID)
		}
		return nil
	})
	if err != nil || from == "" {
		return err
	}
	markTerminal(types.JobExpired)
	l.logTransition(jobID, from, types.JobExpired, "deadline", 0)
	return nil
}

// retentionLoop reaps terminal jobs older than the retention period.
func (l *Lifecycle) retentionLoop() {
	defer l.wg.Done()

	ticker := l.clock.Ticker(retentionScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.SweepRetention(); err != nil {
				l.log.Error().Err(err).Msg("retention sweep failed")
			}
		case <-l.quit:
			return
		}
	}
}

// SweepRetention deletes terminal jobs (with their payment and receipt
// rows) whose last update predates the retention period. Settlement events
// were exported through the outbox long before a job ages out.
func (l *Lifecycle) SweepRetention() error {
	cutoff := l.clock.Now().UnixMilli() - l.cfg.RetentionPeriod.Milliseconds()
	var g errgroup.Group
	for _, state := range []types.JobState{types.JobSucceeded, types.JobFailed, types.JobExpired, types.JobCancelled} {
		state := state
		g.Go(func() error {
			jobIDs, err := l.store.JobIDsByState(state, l.cfg.TimerBatchMax)
			if err != nil {
				return err
			}
			for _, jobID := range jobIDs {
				if err := l.reapJob(jobID, cutoff); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Lifecycle) reapJob(jobID string, cutoff int64) error {
	return l.store.Update(func(tx *Tx) error {
		j, err := tx.Job(jobID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !j.State.Terminal() || j.UpdatedMS >= cutoff {
			return nil
		}
		if err := tx.DeleteJob(j); err != nil {
			return err
		}
		if payment, err := tx.Payment(j.PaymentID); err == nil {
			if err := tx.DeletePayment(payment); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if j.ReceiptID != "" {
			receipt, err := tx.Receipt(j.ReceiptID)
			if err != nil {
				return err
			}
			if receipt != nil {
				if err := tx.DeleteReceipt(receipt); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
