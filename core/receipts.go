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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/attest"
	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/params"
)

// Sealer signs receipts. The concrete implementation lives in the sealer
// package; the narrow interface keeps the lifecycle testable with a stub.
type Sealer interface {
	// Seal computes the canonical signing bytes of the receipt and fills in
	// signature and key id.
	Seal(receipt *types.Receipt) error
	// Ready reports whether an active signing key is configured.
	Ready() bool
}

// ErrSealerUnavailable is returned when sealing is attempted without an
// active signing key or the sealer fails.
var ErrSealerUnavailable = errors.New("sealer unavailable")

// ReceiptList is one page of a tenant's receipts.
type ReceiptList struct {
	Receipts []*types.Receipt
	// NextCursor resumes the listing; empty when the page is the last.
	NextCursor string
}

// ReceiptService assembles, prices, seals and serves receipts.
type ReceiptService struct {
	store    *Store
	sealer   Sealer
	attester attest.Plugin
	clock    clock.Clock
	cfg      *params.Config
	log      zerolog.Logger
}

// NewReceiptService builds the service. attester may be nil, in which case
// no attestations are recorded.
func NewReceiptService(store *Store, sealer Sealer, attester attest.Plugin, clk clock.Clock, cfg *params.Config, logger zerolog.Logger) *ReceiptService {
	if attester == nil {
		attester = attest.Noop{}
	}
	return &ReceiptService{
		store:    store,
		sealer:   sealer,
		attester: attester,
		clock:    clk,
		cfg:      cfg,
		log:      logger.With().Str("component", "receipts").Logger(),
	}
}

// BuildAndSeal produces the sealed receipt for one successful attempt. The
// charge is floor(units * price_per_unit / 1000); under the clamp policy a
// charge above the escrowed maximum caps at max_price and flags the receipt,
// under the fail policy it returns ErrPriceExceeded. The receipt id derives
// deterministically from (job, attempt), so a replayed submission rebuilds
// the identical receipt.
func (rs *ReceiptService) BuildAndSeal(job *types.Job, miner *types.Miner, unitsConsumed uint64, output []byte) (*types.Receipt, error) {
	charge, clamped := types.CalcCharge(unitsConsumed, miner.PricePerUnit, job.MaxPrice)
	if clamped && rs.cfg.PricingPolicy == params.PricingFail {
		return nil, fmt.Errorf("units %d at rate %d against max price %d: %w",
			unitsConsumed, miner.PricePerUnit, job.MaxPrice, ErrPriceExceeded)
	}
	now := rs.clock.Now().UnixMilli()
	started := job.AttemptStartedMS
	if started <= 0 || started > now {
		started = now
	}
	receipt := &types.Receipt{
		ReceiptID:     ids.Receipt(job.ID, job.AttemptCount),
		JobID:         job.ID,
		MinerID:       miner.ID,
		SubmitterID:   job.SubmitterID,
		UnitsConsumed: unitsConsumed,
		UnitRate:      miner.PricePerUnit,
		AmountCharged: charge,
		StartedMS:     started,
		CompletedMS:   now,
		ResultHash:    types.HashResult(output),
		Model:         job.Requirement.Model,
		TenantID:      job.TenantID,
		Attempt:       job.AttemptCount,
		PriceClamped:  clamped,
	}
	sealStart := time.Now()
	if err := rs.sealer.Seal(receipt); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealerUnavailable, err)
	}
	sealDurationTimer.UpdateSince(sealStart)

	if attestation, err := rs.attester.Attest(receipt); err != nil {
		rs.log.Warn().Err(err).Str("receipt_id", receipt.ReceiptID).Msg("attestation failed, sealing without")
	} else {
		receipt.Attestation = attestation
	}
	return receipt, nil
}

// Receipt returns a tenant's receipt by id.
func (rs *ReceiptService) Receipt(tenant, receiptID string) (*types.Receipt, error) {
	receipt, err := rs.store.Receipt(receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.TenantID != tenant {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	return receipt, nil
}

// List returns a page of the tenant's receipts, newest first. jobID, when
// non-empty, restricts the page to receipts of that job.
func (rs *ReceiptService) List(tenant, jobID, cursor string, limit int) (*ReceiptList, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	receiptIDs, err := rs.store.ReceiptIDsByTenant(tenant, cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &ReceiptList{}
	for _, id := range receiptIDs {
		receipt, err := rs.store.Receipt(id)
		if err != nil {
			return nil, err
		}
		if jobID != "" && receipt.JobID != jobID {
			continue
		}
		page.Receipts = append(page.Receipts, receipt)
	}
	if len(receiptIDs) == limit {
		page.NextCursor = receiptIDs[len(receiptIDs)-1]
	}
	return page, nil
}
