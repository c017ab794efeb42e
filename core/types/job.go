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

// Package types contains the data types persisted and exchanged by the
// compute coordinator: jobs, miners, payments and sealed receipts.
package types

import (
	"errors"
	"fmt"

	"github.com/obscura-network/obscura-core/params"
)

// JobState is the lifecycle state of a compute job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobFinalizing JobState = "finalizing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobExpired    JobState = "expired"
	JobCancelled  JobState = "cancelled"
)

// jobTransitions is the set of legal state moves. Expiry is additionally
// allowed from every non-terminal state and handled in CanTransition.
var jobTransitions = map[JobState][]JobState{
	JobQueued:     {JobRunning, JobCancelled},
	JobRunning:    {JobFinalizing, JobQueued, JobFailed, JobCancelled},
	JobFinalizing: {JobSucceeded, JobFailed},
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobFinalizing, JobSucceeded, JobFailed, JobExpired, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobExpired, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
func (s JobState) CanTransition(next JobState) bool {
	if next == JobExpired {
		return !s.Terminal() && s.Valid()
	}
	for _, t := range jobTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Failure kinds recorded on jobs that end in JobFailed. Miner-reported
// kinds are carried through verbatim.
const (
	ErrKindAttemptTimeout    = "attempt_timeout"
	ErrKindMinerLost         = "miner_lost"
	ErrKindSealerUnavailable = "signer_unavailable"
	ErrKindPriceExceeded     = "price_exceeds_escrow"
)

// ErrInvalidTransition is returned when a lifecycle move violates the state
// machine.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Requirement describes the capability a job needs from a miner.
type Requirement struct {
	Model       string   `json:"model"`
	MinMemBytes uint64   `json:"min_mem_bytes,omitempty"`
	Region      string   `json:"region,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// Validate checks the requirement is well formed.
func (r *Requirement) Validate() error {
	if r.Model == "" {
		return errors.New("requirement: model is required")
	}
	for _, f := range r.Features {
		if f == "" {
			return errors.New("requirement: empty feature name")
		}
	}
	return nil
}

// Job is a unit of compute work, escrow-backed and assigned to at most one
// miner at a time.
type Job struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	SubmitterID string      `json:"submitter_id"`
	State       JobState    `json:"state"`
	Requirement Requirement `json:"requirement"`
	Payload     []byte      `json:"payload,omitempty"`
	MaxPrice    uint64      `json:"max_price"`
	PaymentID   string      `json:"payment_id"`

	AssignedMiner     string   `json:"assigned_miner,omitempty"`
	AttemptCount      uint32   `json:"attempt_count"`
	AttemptDeadlineMS int64    `json:"attempt_deadline_ms,omitempty"`
	AttemptStartedMS  int64    `json:"attempt_started_ms,omitempty"`
	LastHeartbeatMS   int64    `json:"last_heartbeat_ms,omitempty"`
	ExcludeMiners     []string `json:"exclude_miners,omitempty"`
	CancelRequested   bool     `json:"cancel_requested,omitempty"`
	ErrorKind         string   `json:"error_kind,omitempty"`
	ReceiptID         string   `json:"receipt_id,omitempty"`

	CreatedMS int64 `json:"created_ms"`
	UpdatedMS int64 `json:"updated_ms"`
	ExpiresMS int64 `json:"expires_ms"`
}

// Exclude appends a miner to the job's exclusion list. The list is bounded;
// when full the oldest entry is evicted first. Re-excluding a present miner
// is a no-op.
func (j *Job) Exclude(minerID string) {
	if j.Excluded(minerID) {
		return
	}
	j.ExcludeMiners = append(j.ExcludeMiners, minerID)
	if len(j.ExcludeMiners) > params.ExcludeMinersMax {
		j.ExcludeMiners = j.ExcludeMiners[len(j.ExcludeMiners)-params.ExcludeMinersMax:]
	}
}

// Excluded reports whether the miner is on the job's exclusion list.
func (j *Job) Excluded(minerID string) bool {
	for _, id := range j.ExcludeMiners {
		if id == minerID {
			return true
		}
	}
	return false
}

// NextDeadlineMS returns the earliest timer relevant to the job: the attempt
// deadline while running, otherwise the absolute expiry. Terminal jobs carry
// no deadline and return 0.
func (j *Job) NextDeadlineMS() int64 {
	if j.State.Terminal() {
		return 0
	}
	if j.State == JobRunning && j.AttemptDeadlineMS > 0 && j.AttemptDeadlineMS < j.ExpiresMS {
		return j.AttemptDeadlineMS
	}
	return j.ExpiresMS
}

// Copy returns a deep copy of the job.
func (j *Job) Copy() *Job {
	cpy := *j
	if j.Payload != nil {
		cpy.Payload = append([]byte(nil), j.Payload...)
	}
	if j.ExcludeMiners != nil {
		cpy.ExcludeMiners = append([]string(nil), j.ExcludeMiners...)
	}
	if j.Requirement.Features != nil {
		cpy.Requirement.Features = append([]string(nil), j.Requirement.Features...)
	}
	return &cpy
}

// Transition moves the job to next, recording the update time. It fails with
// ErrInvalidTransition when the state machine forbids the move.
func (j *Job) Transition(next JobState, nowMS int64) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	j.State = next
	j.UpdatedMS = nowMS
	return nil
}
