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

// Package core implements the coordinator: durable store, miner registry,
// job queue and lifecycle, payment engine and receipt service.
package core

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core/rawdb"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
)

// Store provides typed, transactional access to coordinator state. Writes
// run one at a time under an exclusive lock and commit as a single atomic
// batch, which gives every multi-row transition serializable semantics.
// Reads run concurrently and may trail an in-flight write by one transition.
type Store struct {
	db  kvdb.KeyValueStore
	mu  sync.RWMutex
	log zerolog.Logger

	retryMax  int
	outboxSeq uint64 // last committed outbox sequence, guarded by mu
}

// NewStore opens typed storage over db. The database is stamped with the
// schema version on first use and refused on a version mismatch.
func NewStore(db kvdb.KeyValueStore, retryMax int, logger zerolog.Logger) (*Store, error) {
	if err := rawdb.InitSchema(db); err != nil {
		return nil, err
	}
	seq, err := rawdb.ReadOutboxSeq(db)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:        db,
		log:       logger.With().Str("component", "store").Logger(),
		retryMax:  retryMax,
		outboxSeq: seq,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside an exclusive transaction. All reads through the Tx
// observe committed state plus the transaction's own writes; the write set
// commits atomically when fn returns nil and is discarded entirely when fn
// returns an error. Transient backend write failures are retried with
// jittered backoff before surfacing.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		s:          s,
		batch:      s.db.NewBatch(),
		jobs:       make(map[string]*types.Job),
		miners:     make(map[string]*types.Miner),
		payments:   make(map[string]*types.Payment),
		stateDelta: make(map[types.JobState]int64),
		openDelta:  make(map[string]int64),
		heldDelta:  make(map[string]int64),
		nextSeq:    s.outboxSeq,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.flushCounters(); err != nil {
		return err
	}
	if err := s.commit(tx.batch); err != nil {
		return err
	}
	s.outboxSeq = tx.nextSeq
	return nil
}

// commit writes the batch, retrying transient backend failures.
func (s *Store) commit(batch kvdb.Batch) error {
	var err error
	for attempt := 0; attempt <= s.retryMax; attempt++ {
		if err = batch.Write(); err == nil {
			return nil
		}
		backoff := time.Duration(10*(1<<attempt))*time.Millisecond + time.Duration(rand.Int63n(int64(10*time.Millisecond)))
		s.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("store batch write failed, retrying")
		time.Sleep(backoff)
	}
	return fmt.Errorf("store commit: %w", err)
}

// Job returns the job by id, or ErrNotFound.
func (s *Store) Job(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, err := rawdb.ReadJob(s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

// Miner returns the miner by id, or ErrNotFound.
func (s *Store) Miner(id string) (*types.Miner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	miner, err := rawdb.ReadMiner(s.db, id)
	if err != nil {
		return nil, err
	}
	if miner == nil {
		return nil, fmt.Errorf("miner %s: %w", id, ErrNotFound)
	}
	return miner, nil
}

// Payment returns the payment by id, or ErrNotFound.
func (s *Store) Payment(id string) (*types.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payment, err := rawdb.ReadPayment(s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return payment, nil
}

// Receipt returns the receipt by id, or ErrNotFound.
func (s *Store) Receipt(id string) (*types.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	receipt, err := rawdb.ReadReceipt(s.db, id)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	return receipt, nil
}

// MinerIDByKey resolves the miner registered under the tenant's public key,
// or the empty string.
func (s *Store) MinerIDByKey(tenant string, keyHash [32]byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadMinerIDByKey(s.db, tenant, keyHash)
}

// JobIDsByState returns up to limit job ids in the state, FIFO by creation
// time.
func (s *Store) JobIDsByState(state types.JobState, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadJobIDsByState(s.db, state, limit)
}

// TimersDueBefore returns up to limit due timer entries, earliest first.
func (s *Store) TimersDueBefore(cutoffMS int64, limit int) ([]rawdb.TimerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadJobTimersDueBefore(s.db, cutoffMS, limit)
}

// StaleMinerIDs returns miners of the given status whose heartbeat is older
// than the cutoff.
func (s *Store) StaleMinerIDs(status types.MinerStatus, cutoffMS int64, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadStaleMinerIDs(s.db, status, cutoffMS, limit)
}

// MinerIDsByStatus returns up to limit miner ids with the given status.
func (s *Store) MinerIDsByStatus(status types.MinerStatus, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadMinerIDsByStatus(s.db, status, limit)
}

// ForEachMiner streams every stored miner, used to rebuild in-memory indexes
// at startup.
func (s *Store) ForEachMiner(fn func(*types.Miner) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ForEachMiner(s.db, fn)
}

// OutboxBatch returns up to limit undelivered payment events in order.
func (s *Store) OutboxBatch(limit int) ([]*types.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadOutboxBatch(s.db, limit)
}

// OutboxDepth counts undelivered payment events.
func (s *Store) OutboxDepth() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadOutboxDepth(s.db)
}

// ReceiptIDsByTenant lists a tenant's receipts, newest first, resuming after
// the cursor receipt when given.
func (s *Store) ReceiptIDsByTenant(tenant, cursor string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadReceiptIDsByTenant(s.db, s.db, tenant, cursor, limit)
}

// TenantOpenJobs returns the number of non-terminal jobs of a tenant.
func (s *Store) TenantOpenJobs(tenant string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadTenantOpenJobs(s.db, tenant)
}

// TenantEscrow returns the escrow currently held for a tenant.
func (s *Store) TenantEscrow(tenant string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rawdb.ReadTenantEscrow(s.db, tenant)
}

// JobStateCounts returns the number of jobs per state.
func (s *Store) JobStateCounts() (map[types.JobState]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[types.JobState]uint64)
	for _, state := range []types.JobState{
		types.JobQueued, types.JobRunning, types.JobFinalizing,
		types.JobSucceeded, types.JobFailed, types.JobExpired, types.JobCancelled,
	} {
		n, err := rawdb.ReadJobStateCount(s.db, state)
		if err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, nil
}

// Tx is one exclusive store transaction. The jobs/miners/payments maps cache
// the clean version of every row the transaction touched (nil marks a row as
// absent), so loads observe the transaction's own writes and Put* calls can
// diff against the superseded version for index maintenance. Loads hand out
// copies; callers mutate the copy and put it back.
type Tx struct {
	s     *Store
	batch kvdb.Batch

	jobs     map[string]*types.Job
	miners   map[string]*types.Miner
	payments map[string]*types.Payment

	stateDelta map[types.JobState]int64
	openDelta  map[string]int64
	heldDelta  map[string]int64
	nextSeq    uint64
}

// Job loads a job, or ErrNotFound.
func (tx *Tx) Job(id string) (*types.Job, error) {
	if job, ok := tx.jobs[id]; ok {
		if job == nil {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return job.Copy(), nil
	}
	job, err := rawdb.ReadJob(tx.s.db, id)
	if err != nil {
		return nil, err
	}
	tx.jobs[id] = job
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Copy(), nil
}

// JobForUpdate loads a job and verifies its state, failing with ErrStaleState
// on a mismatch. This is the optimistic-concurrency guard every conditional
// transition goes through.
func (tx *Tx) JobForUpdate(id string, expected types.JobState) (*types.Job, error) {
	job, err := tx.Job(id)
	if err != nil {
		return nil, err
	}
	if job.State != expected {
		return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, job.State, expected, ErrStaleState)
	}
	return job, nil
}

// PutJob stages the job row and its index maintenance. The superseded
// version is the transaction's cached clean copy of the same id.
func (tx *Tx) PutJob(job *types.Job) error {
	prev, loaded := tx.jobs[job.ID]
	if !loaded {
		stored, err := rawdb.ReadJob(tx.s.db, job.ID)
		if err != nil {
			return err
		}
		prev = stored
	}
	if err := rawdb.WriteJob(tx.batch, prev, job); err != nil {
		return err
	}
	switch {
	case prev == nil:
		tx.stateDelta[job.State]++
		if !job.State.Terminal() {
			tx.openDelta[job.TenantID]++
		}
	case prev.State != job.State:
		tx.stateDelta[prev.State]--
		tx.stateDelta[job.State]++
		if !prev.State.Terminal() && job.State.Terminal() {
			tx.openDelta[job.TenantID]--
		}
	}
	tx.jobs[job.ID] = job.Copy()
	return nil
}

// DeleteJob stages removal of a terminal job row.
func (tx *Tx) DeleteJob(job *types.Job) error {
	if err := rawdb.DeleteJob(tx.batch, job); err != nil {
		return err
	}
	tx.stateDelta[job.State]--
	if !job.State.Terminal() {
		tx.openDelta[job.TenantID]--
	}
	tx.jobs[job.ID] = nil
	return nil
}

// Miner loads a miner, or ErrNotFound.
func (tx *Tx) Miner(id string) (*types.Miner, error) {
	if miner, ok := tx.miners[id]; ok {
		if miner == nil {
			return nil, fmt.Errorf("miner %s: %w", id, ErrNotFound)
		}
		return miner.Copy(), nil
	}
	miner, err := rawdb.ReadMiner(tx.s.db, id)
	if err != nil {
		return nil, err
	}
	tx.miners[id] = miner
	if miner == nil {
		return nil, fmt.Errorf("miner %s: %w", id, ErrNotFound)
	}
	return miner.Copy(), nil
}

// PutMiner stages the miner row and its index maintenance.
func (tx *Tx) PutMiner(miner *types.Miner) error {
	prev, loaded := tx.miners[miner.ID]
	if !loaded {
		stored, err := rawdb.ReadMiner(tx.s.db, miner.ID)
		if err != nil {
			return err
		}
		prev = stored
	}
	if err := rawdb.WriteMiner(tx.batch, prev, miner); err != nil {
		return err
	}
	tx.miners[miner.ID] = miner.Copy()
	return nil
}

// Payment loads a payment, or ErrNotFound.
func (tx *Tx) Payment(id string) (*types.Payment, error) {
	if payment, ok := tx.payments[id]; ok {
		if payment == nil {
			return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return payment.Copy(), nil
	}
	payment, err := rawdb.ReadPayment(tx.s.db, id)
	if err != nil {
		return nil, err
	}
	tx.payments[id] = payment
	if payment == nil {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return payment.Copy(), nil
}

// PutPayment stages the payment row and the tenant escrow accounting.
func (tx *Tx) PutPayment(payment *types.Payment) error {
	prev, loaded := tx.payments[payment.ID]
	if !loaded {
		stored, err := rawdb.ReadPayment(tx.s.db, payment.ID)
		if err != nil {
			return err
		}
		prev = stored
	}
	if err := rawdb.WritePayment(tx.batch, payment); err != nil {
		return err
	}
	if prev == nil && payment.State == types.PaymentHeld {
		tx.heldDelta[payment.TenantID] += int64(payment.AmountHeld)
	}
	if prev != nil && prev.State == types.PaymentHeld && payment.State.Terminal() {
		tx.heldDelta[payment.TenantID] -= int64(payment.AmountHeld)
	}
	tx.payments[payment.ID] = payment.Copy()
	return nil
}

// DeletePayment stages removal of a settled payment row.
func (tx *Tx) DeletePayment(payment *types.Payment) error {
	if err := rawdb.DeletePayment(tx.batch, payment.ID); err != nil {
		return err
	}
	tx.payments[payment.ID] = nil
	return nil
}

// PutReceipt stages the sealed receipt. Idempotent on receipt id.
func (tx *Tx) PutReceipt(receipt *types.Receipt) error {
	return rawdb.WriteReceipt(tx.s.db, tx.batch, receipt)
}

// Receipt loads a receipt, or nil when absent.
func (tx *Tx) Receipt(id string) (*types.Receipt, error) {
	return rawdb.ReadReceipt(tx.s.db, id)
}

// DeleteReceipt stages removal of a receipt row.
func (tx *Tx) DeleteReceipt(receipt *types.Receipt) error {
	return rawdb.DeleteReceipt(tx.batch, receipt)
}

// AppendEvent stages a payment event on the outbox, assigning the next
// sequence number and the derived event id.
func (tx *Tx) AppendEvent(ev *types.PaymentEvent) error {
	tx.nextSeq++
	ev.Seq = tx.nextSeq
	ev.ID = ids.Event(ev.PaymentID, ev.Seq)
	if err := rawdb.WritePaymentEvent(tx.batch, ev); err != nil {
		return err
	}
	return rawdb.WriteOutboxSeq(tx.batch, tx.nextSeq)
}

// DeleteEvent stages removal of a delivered outbox event.
func (tx *Tx) DeleteEvent(seq uint64) error {
	return rawdb.DeletePaymentEvent(tx.batch, seq)
}

// TenantOpenJobs returns the tenant's open job count as seen by the
// transaction, including its own staged changes.
func (tx *Tx) TenantOpenJobs(tenant string) (uint64, error) {
	current, err := rawdb.ReadTenantOpenJobs(tx.s.db, tenant)
	if err != nil {
		return 0, err
	}
	return applyDelta(current, tx.openDelta[tenant]), nil
}

// TenantEscrow returns the tenant's held escrow as seen by the transaction,
// including its own staged changes.
func (tx *Tx) TenantEscrow(tenant string) (uint64, error) {
	current, err := rawdb.ReadTenantEscrow(tx.s.db, tenant)
	if err != nil {
		return 0, err
	}
	return applyDelta(current, tx.heldDelta[tenant]), nil
}

// MinerIDByKey resolves the miner registered under the tenant's public key
// within the transaction, or the empty string.
func (tx *Tx) MinerIDByKey(tenant string, keyHash [32]byte) (string, error) {
	return rawdb.ReadMinerIDByKey(tx.s.db, tenant, keyHash)
}

// DeleteTimer stages removal of a stale timer index entry.
func (tx *Tx) DeleteTimer(fireMS int64, jobID string) error {
	return rawdb.DeleteJobTimer(tx.batch, fireMS, jobID)
}

// flushCounters folds the accumulated deltas into the stored counters.
func (tx *Tx) flushCounters() error {
	for state, delta := range tx.stateDelta {
		if delta == 0 {
			continue
		}
		current, err := rawdb.ReadJobStateCount(tx.s.db, state)
		if err != nil {
			return err
		}
		if err := rawdb.WriteJobStateCount(tx.batch, state, applyDelta(current, delta)); err != nil {
			return err
		}
	}
	for tenant, delta := range tx.openDelta {
		if delta == 0 {
			continue
		}
		current, err := rawdb.ReadTenantOpenJobs(tx.s.db, tenant)
		if err != nil {
			return err
		}
		if err := rawdb.WriteTenantOpenJobs(tx.batch, tenant, applyDelta(current, delta)); err != nil {
			return err
		}
	}
	for tenant, delta := range tx.heldDelta {
		if delta == 0 {
			continue
		}
		current, err := rawdb.ReadTenantEscrow(tx.s.db, tenant)
		if err != nil {
			return err
		}
		if err := rawdb.WriteTenantEscrow(tx.batch, tenant, applyDelta(current, delta)); err != nil {
			return err
		}
	}
	return nil
}

// applyDelta adds a signed delta to an unsigned counter, clamping at zero.
// A negative result would mean double accounting; clamping keeps the counter
// advisory rather than corrupting it.
func applyDelta(current uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > current {
		return 0
	}
	return uint64(int64(current) + delta)
}
