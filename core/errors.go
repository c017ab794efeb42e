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

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist or belongs to a
	// different tenant.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned when a conditional transition finds the
	// entity in a different state than expected. The losing side of a
	// concurrent update sees this and reloads.
	ErrStaleState = errors.New("stale state")

	// ErrStaleAssignment is returned when a miner acts on a job attempt it
	// no longer owns. The miner should discard the in-progress work.
	ErrStaleAssignment = errors.New("stale assignment")

	// ErrJobCancelled tells a miner the job it is working on was cancelled
	// by the submitter.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrMinerNotActive is returned when a draining or offline miner polls
	// for work.
	ErrMinerNotActive = errors.New("miner not active")

	// ErrCapabilityUnavailable is returned when a poll filter cannot be
	// served by the calling miner's registered capabilities.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrQuotaExceeded is returned when a tenant is at its open job limit.
	ErrQuotaExceeded = errors.New("tenant open job quota exceeded")

	// ErrPayloadTooLarge is returned when a submitted payload exceeds the
	// configured bound.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInsufficientFunds is returned when holding the escrow would push a
	// tenant over its escrow budget.
	ErrInsufficientFunds = errors.New("insufficient escrow budget")

	// ErrInvalidRequest is returned for malformed inputs.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPriceExceeded is returned under the fail pricing policy when the
	// metered charge exceeds the escrowed maximum.
	ErrPriceExceeded = errors.New("charge exceeds escrowed max price")
)
