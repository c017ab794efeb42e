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

// PaymentState is the escrow state of a job's payment.
type PaymentState string

const (
	// PaymentHeld escrow is reserved while the job is live.
	PaymentHeld PaymentState = "held"
	// PaymentReleased the charged amount is owed to the miner, the
	// remainder of the hold returns to the tenant.
	PaymentReleased PaymentState = "released"
	// PaymentRefunded the full hold returns to the tenant.
	PaymentRefunded PaymentState = "refunded"
	// PaymentVoided the hold is cancelled without settlement, operator use.
	PaymentVoided PaymentState = "voided"
)

// Valid reports whether s is a known payment state.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentHeld, PaymentReleased, PaymentRefunded, PaymentVoided:
		return true
	}
	return false
}

// Terminal reports whether s is a settled state.
func (s PaymentState) Terminal() bool {
	return s == PaymentReleased || s == PaymentRefunded || s == PaymentVoided
}

// Payment records the escrow obligation backing one job. The coordinator
// does not custody funds; settlement happens downstream off the event feed.
type Payment struct {
	ID       string       `json:"id"`
	JobID    string       `json:"job_id"`
	TenantID string       `json:"tenant_id"`
	State    PaymentState `json:"state"`

	// AmountHeld is the escrow reserved at submission (the job's max_price).
	AmountHeld uint64 `json:"amount_held"`
	// AmountCharged is the metered charge, set when the payment releases.
	AmountCharged uint64 `json:"amount_charged,omitempty"`
	// PayeeMiner is the miner owed the charge, set when the payment releases.
	PayeeMiner string `json:"payee_miner,omitempty"`

	CreatedMS int64 `json:"created_ms"`
	UpdatedMS int64 `json:"updated_ms"`
}

// Refundable is the part of the hold returned to the tenant under the
// payment's current state.
func (p *Payment) Refundable() uint64 {
	switch p.State {
	case PaymentReleased:
		return p.AmountHeld - p.AmountCharged
	case PaymentRefunded:
		return p.AmountHeld
	default:
		return 0
	}
}

// Copy returns a copy of the payment.
func (p *Payment) Copy() *Payment {
	cpy := *p
	return &cpy
}

// PaymentEvent is the outbox record emitted when a payment settles. Delivery
// to the ledger sink is at-least-once; consumers dedupe on ID.
type PaymentEvent struct {
	ID             string       `json:"id"`
	Seq            uint64       `json:"seq"`
	PaymentID      string       `json:"payment_id"`
	JobID          string       `json:"job_id"`
	TenantID       string       `json:"tenant_id"`
	Kind           PaymentState `json:"kind"`
	AmountHeld     uint64       `json:"amount_held"`
	AmountCharged  uint64       `json:"amount_charged"`
	AmountRefunded uint64       `json:"amount_refunded"`
	PayeeMiner     string       `json:"payee_miner,omitempty"`
	OccurredMS     int64        `json:"occurred_ms"`
}
