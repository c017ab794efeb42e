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

package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/obscura-network/obscura-core/params"
)

func TestJobTransitions(t *testing.T) {
	allowed := map[string]bool{
		"queued->running":       true,
		"queued->cancelled":     true,
		"queued->expired":       true,
		"running->finalizing":   true,
		"running->queued":       true,
		"running->failed":       true,
		"running->cancelled":    true,
		"running->expired":      true,
		"finalizing->succeeded": true,
		"finalizing->failed":    true,
		"finalizing->expired":   true,
	}
	states := []JobState{JobQueued, JobRunning, JobFinalizing, JobSucceeded, JobFailed, JobExpired, JobCancelled}
	for _, from := range states {
		for _, to := range states {
			key := fmt.Sprintf("%s->%s", from, to)
			if got := from.CanTransition(to); got != allowed[key] {
				t.Errorf("CanTransition(%s) = %v, want %v", key, got, allowed[key])
			}
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, s := range []JobState{JobSucceeded, JobFailed, JobExpired, JobCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
		j := &Job{State: s}
		if err := j.Transition(JobQueued, 1); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("terminal state %s allowed a transition: %v", s, err)
		}
	}
}

func TestTransitionRecordsUpdateTime(t *testing.T) {
	j := &Job{State: JobQueued}
	if err := j.Transition(JobRunning, 42); err != nil {
		t.Fatal(err)
	}
	if j.State != JobRunning || j.UpdatedMS != 42 {
		t.Fatalf("got state %s updated %d", j.State, j.UpdatedMS)
	}
}

func TestExcludeBound(t *testing.T) {
	j := &Job{}
	for i := 0; i < params.ExcludeMinersMax+4; i++ {
		j.Exclude(fmt.Sprintf("mnr_%d", i))
	}
	if len(j.ExcludeMiners) != params.ExcludeMinersMax {
		t.Fatalf("exclusion list not bounded: %d entries", len(j.ExcludeMiners))
	}
	// FIFO eviction: the oldest entries are gone, the newest survive.
	if j.Excluded("mnr_0") {
		t.Fatal("oldest entry not evicted")
	}
	if !j.Excluded(fmt.Sprintf("mnr_%d", params.ExcludeMinersMax+3)) {
		t.Fatal("newest entry missing")
	}
	// Re-excluding a present miner does not grow or reorder the list.
	before := append([]string(nil), j.ExcludeMiners...)
	j.Exclude(before[0])
	if len(j.ExcludeMiners) != len(before) || j.ExcludeMiners[0] != before[0] {
		t.Fatal("re-exclusion changed the list")
	}
}

func TestNextDeadline(t *testing.T) {
	j := &Job{State: JobQueued, ExpiresMS: 1000}
	if got := j.NextDeadlineMS(); got != 1000 {
		t.Fatalf("queued deadline = %d, want 1000", got)
	}
	j.State = JobRunning
	j.AttemptDeadlineMS = 500
	if got := j.NextDeadlineMS(); got != 500 {
		t.Fatalf("running deadline = %d, want attempt deadline 500", got)
	}
	j.AttemptDeadlineMS = 2000 // attempt deadline past absolute expiry
	if got := j.NextDeadlineMS(); got != 1000 {
		t.Fatalf("running deadline = %d, want absolute expiry 1000", got)
	}
	j.State = JobSucceeded
	if got := j.NextDeadlineMS(); got != 0 {
		t.Fatalf("terminal deadline = %d, want 0", got)
	}
}

func TestCapabilitySatisfies(t *testing.T) {
	cap := Capability{Model: "m1", MemBytes: 2_000_000_000, Features: []string{"fp16", "flash"}}
	tests := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"exact model", Requirement{Model: "m1"}, true},
		{"other model", Requirement{Model: "m2"}, false},
		{"memory fits", Requirement{Model: "m1", MinMemBytes: 1_000_000_000}, true},
		{"memory short", Requirement{Model: "m1", MinMemBytes: 3_000_000_000}, false},
		{"features subset", Requirement{Model: "m1", Features: []string{"fp16"}}, true},
		{"feature missing", Requirement{Model: "m1", Features: []string{"int8"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cap.Satisfies(&tt.req); got != tt.want {
				t.Errorf("Satisfies = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMinerSatisfiesRegion(t *testing.T) {
	m := &Miner{
		Region:       "eu-1",
		Capabilities: []Capability{{Model: "m1", MemBytes: 1}},
	}
	if !m.Satisfies(&Requirement{Model: "m1"}) {
		t.Fatal("region-less requirement refused")
	}
	if !m.Satisfies(&Requirement{Model: "m1", Region: "eu-1"}) {
		t.Fatal("matching region refused")
	}
	if m.Satisfies(&Requirement{Model: "m1", Region: "us-1"}) {
		t.Fatal("mismatched region accepted")
	}
}

func TestMinerInFlight(t *testing.T) {
	m := &Miner{MaxParallel: 2}
	if m.FreeSlots() != 2 {
		t.Fatalf("free slots = %d", m.FreeSlots())
	}
	m.AddInFlight("job_a")
	m.AddInFlight("job_a") // idempotent
	m.AddInFlight("job_b")
	if len(m.InFlight) != 2 || m.FreeSlots() != 0 {
		t.Fatalf("in-flight %v free %d", m.InFlight, m.FreeSlots())
	}
	m.RemoveInFlight("job_a")
	m.RemoveInFlight("job_missing") // no-op
	if len(m.InFlight) != 1 || m.InFlight[0] != "job_b" {
		t.Fatalf("in-flight after remove: %v", m.InFlight)
	}
}

func TestPaymentRefundable(t *testing.T) {
	p := &Payment{AmountHeld: 100, State: PaymentHeld}
	if p.Refundable() != 0 {
		t.Fatal("held payment has refundable amount")
	}
	p.State = PaymentReleased
	p.AmountCharged = 30
	if p.Refundable() != 70 {
		t.Fatalf("released refundable = %d, want 70", p.Refundable())
	}
	p.State = PaymentRefunded
	if p.Refundable() != 100 {
		t.Fatalf("refunded refundable = %d, want 100", p.Refundable())
	}
}
