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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
)

func TestReleaseIdempotentAndGuarded(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	release := func(amount uint64) error {
		return env.store.Update(func(tx *Tx) error {
			return env.payments.Release(tx, job.PaymentID, amount, "mnr_x")
		})
	}
	require.NoError(t, release(40))
	pay := env.payment(job.PaymentID)
	require.Equal(t, types.PaymentReleased, pay.State)
	require.Equal(t, uint64(40), pay.AmountCharged)
	require.Equal(t, uint64(60), pay.Refundable())

	// Identical re-release is absorbed, a conflicting one is refused.
	require.NoError(t, release(40))
	require.ErrorIs(t, release(50), ErrStaleState)

	// Exactly one settlement event leaves the outbox.
	n, err := env.payments.FlushOutbox()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReleaseOverdraftRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	err := env.store.Update(func(tx *Tx) error {
		return env.payments.Release(tx, job.PaymentID, 101, "mnr_x")
	})
	require.Error(t, err)
	require.Equal(t, types.PaymentHeld, env.payment(job.PaymentID).State)
}

func TestRefundIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	refund := func() error {
		return env.store.Update(func(tx *Tx) error {
			return env.payments.Refund(tx, job.PaymentID)
		})
	}
	require.NoError(t, refund())
	require.NoError(t, refund())
	require.Equal(t, types.PaymentRefunded, env.payment(job.PaymentID).State)

	held, err := env.store.TenantEscrow("acme")
	require.NoError(t, err)
	require.Zero(t, held)

	n, err := env.payments.FlushOutbox()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	events := env.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, types.PaymentRefunded, events[0].Kind)
	require.Equal(t, uint64(100), events[0].AmountRefunded)
}

func TestVoidHold(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob("acme", "llama-70b", 100, 0)

	require.NoError(t, env.payments.Void(job.PaymentID))
	require.NoError(t, env.payments.Void(job.PaymentID))
	require.Equal(t, types.PaymentVoided, env.payment(job.PaymentID).State)

	// A voided hold cannot settle any more.
	err := env.store.Update(func(tx *Tx) error {
		return env.payments.Release(tx, job.PaymentID, 10, "mnr_x")
	})
	require.ErrorIs(t, err, ErrStaleState)
	err = env.store.Update(func(tx *Tx) error {
		return env.payments.Refund(tx, job.PaymentID)
	})
	require.ErrorIs(t, err, ErrStaleState)
}

func TestReceiptServiceTenantScope(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)
	receipt, err := env.lifecycle.SubmitResult(m.ID, job.ID, 1, 2000, []byte("result"))
	require.NoError(t, err)

	got, err := env.receipts.Receipt("acme", receipt.ReceiptID)
	require.NoError(t, err)
	require.Equal(t, receipt.ReceiptID, got.ReceiptID)

	_, err = env.receipts.Receipt("globex", receipt.ReceiptID)
	require.ErrorIs(t, err, ErrNotFound)

	page, err := env.receipts.List("acme", "", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 1)
	page, err = env.receipts.List("acme", job.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Receipts, 1)
	page, err = env.receipts.List("globex", "", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Receipts)
}
