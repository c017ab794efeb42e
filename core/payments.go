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
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/ledger"
	"github.com/obscura-network/obscura-core/params"
)

// outboxBatchSize bounds one delivery to the ledger sink.
const outboxBatchSize = 100

// PaymentEngine records escrow obligations: a hold per job, released to the
// miner on success or refunded on any other terminal outcome. Terminal
// transitions append an event to a durable outbox in the same transaction;
// a background worker delivers the outbox to the ledger sink at-least-once.
type PaymentEngine struct {
	store *Store
	clock clock.Clock
	cfg   *params.Config
	sink  ledger.Sink
	log   zerolog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPaymentEngine builds the engine around a ledger sink.
func NewPaymentEngine(store *Store, clk clock.Clock, cfg *params.Config, sink ledger.Sink, logger zerolog.Logger) *PaymentEngine {
	return &PaymentEngine{
		store: store,
		clock: clk,
		cfg:   cfg,
		sink:  sink,
		log:   logger.With().Str("component", "payments").Logger(),
		quit:  make(chan struct{}),
	}
}

// Hold stages a new escrow hold for a job inside the caller's transaction.
func (p *PaymentEngine) Hold(tx *Tx, job *types.Job) (*types.Payment, error) {
	payment := &types.Payment{
		ID:         job.PaymentID,
		JobID:      job.ID,
		TenantID:   job.TenantID,
		State:      types.PaymentHeld,
		AmountHeld: job.MaxPrice,
		CreatedMS:  job.CreatedMS,
		UpdatedMS:  job.CreatedMS,
	}
	if err := tx.PutPayment(payment); err != nil {
		return nil, err
	}
	paymentHoldsCounter.Inc(1)
	return payment, nil
}

// Release stages the HELD -> RELEASED transition, owing amount to the payee
// miner, and appends the settlement event. Re-applying an identical release
// is a no-op; any other terminal state fails with ErrStaleState.
func (p *PaymentEngine) Release(tx *Tx, paymentID string, amount uint64, payeeMiner string) error {
	payment, err := tx.Payment(paymentID)
	if err != nil {
		return err
	}
	if payment.State == types.PaymentReleased && payment.AmountCharged == amount && payment.PayeeMiner == payeeMiner {
		return nil
	}
	if payment.State != types.PaymentHeld {
		return fmt.Errorf("payment %s is %s: %w", paymentID, payment.State, ErrStaleState)
	}
	if amount > payment.AmountHeld {
		return fmt.Errorf("release %d exceeds hold %d on payment %s", amount, payment.AmountHeld, paymentID)
	}
	payment.State = types.PaymentReleased
	payment.AmountCharged = amount
	payment.PayeeMiner = payeeMiner
	payment.UpdatedMS = p.clock.Now().UnixMilli()
	if err := tx.PutPayment(payment); err != nil {
		return err
	}
	paymentReleasesCounter.Inc(1)
	return p.appendEvent(tx, payment)
}

// Refund stages the HELD -> REFUNDED transition, returning the full hold to
// the tenant. Idempotent on an already refunded payment.
func (p *PaymentEngine) Refund(tx *Tx, paymentID string) error {
	payment, err := tx.Payment(paymentID)
	if err != nil {
		return err
	}
	if payment.State == types.PaymentRefunded {
		return nil
	}
	if payment.State != types.PaymentHeld {
		return fmt.Errorf("payment %s is %s: %w", paymentID, payment.State, ErrStaleState)
	}
	payment.State = types.PaymentRefunded
	payment.UpdatedMS = p.clock.Now().UnixMilli()
	if err := tx.PutPayment(payment); err != nil {
		return err
	}
	paymentRefundsCounter.Inc(1)
	return p.appendEvent(tx, payment)
}

// Void administratively cancels a hold without settlement. Runs in its own
// transaction; operator use only.
func (p *PaymentEngine) Void(paymentID string) error {
	err := p.store.Update(func(tx *Tx) error {
		payment, err := tx.Payment(paymentID)
		if err != nil {
			return err
		}
		if payment.State == types.PaymentVoided {
			return nil
		}
		if payment.State != types.PaymentHeld {
			return fmt.Errorf("payment %s is %s: %w", paymentID, payment.State, ErrStaleState)
		}
		payment.State = types.PaymentVoided
		payment.UpdatedMS = p.clock.Now().UnixMilli()
		if err := tx.PutPayment(payment); err != nil {
			return err
		}
		paymentVoidsCounter.Inc(1)
		return p.appendEvent(tx, payment)
	})
	if err == nil {
		p.log.Warn().Str("payment_id", paymentID).Msg("payment voided")
	}
	return err
}

func (p *PaymentEngine) appendEvent(tx *Tx, payment *types.Payment) error {
	return tx.AppendEvent(&types.PaymentEvent{
		PaymentID:      payment.ID,
		JobID:          payment.JobID,
		TenantID:       payment.TenantID,
		Kind:           payment.State,
		AmountHeld:     payment.AmountHeld,
		AmountCharged:  payment.AmountCharged,
		AmountRefunded: payment.Refundable(),
		PayeeMiner:     payment.PayeeMiner,
		OccurredMS:     payment.UpdatedMS,
	})
}

// Start launches the outbox delivery worker.
func (p *PaymentEngine) Start() {
	p.wg.Add(1)
	go p.outboxLoop()
}

// Stop terminates the outbox worker and closes the sink.
func (p *PaymentEngine) Stop() error {
	close(p.quit)
	p.wg.Wait()
	return p.sink.Close()
}

// outboxLoop drains the outbox to the ledger sink. Failed deliveries back
// off exponentially (capped) and redeliver the same batch, preserving order.
func (p *PaymentEngine) outboxLoop() {
	defer p.wg.Done()

	const maxBackoff = 30 * time.Second
	backoff := p.cfg.OutboxScanInterval

	ticker := p.clock.Ticker(p.cfg.OutboxScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			delivered, err := p.FlushOutbox()
			if err != nil {
				ledgerErrorsCounter.Inc(1)
				p.log.Warn().Err(err).Dur("backoff", backoff).Msg("ledger delivery failed")
				select {
				case <-p.clock.After(backoff):
				case <-p.quit:
					return
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
			} else if delivered > 0 {
				backoff = p.cfg.OutboxScanInterval
			}
		case <-p.quit:
			return
		}
	}
}

// FlushOutbox delivers one batch of pending payment events and deletes the
// acknowledged entries. Returns the number delivered.
func (p *PaymentEngine) FlushOutbox() (int, error) {
	events, err := p.store.OutboxBatch(outboxBatchSize)
	if err != nil {
		return 0, err
	}
	if depth, err := p.store.OutboxDepth(); err == nil {
		outboxDepthGauge.Update(int64(depth))
	}
	if len(events) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.sink.Record(ctx, events); err != nil {
		return 0, err
	}
	err = p.store.Update(func(tx *Tx) error {
		for _, ev := range events {
			if err := tx.DeleteEvent(ev.Seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ledgerDeliveredCounter.Inc(int64(len(events)))
	p.log.Debug().Int("events", len(events)).Msg("payment events delivered to ledger")
	return len(events), nil
}
