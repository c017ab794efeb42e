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
	"github.com/rcrowley/go-metrics"

	"github.com/obscura-network/obscura-core/core/types"
)

var (
	jobsSubmittedCounter = metrics.GetOrRegisterCounter("jobs/submitted", nil)
	jobsSucceededCounter = metrics.GetOrRegisterCounter("jobs/terminal/succeeded", nil)
	jobsFailedCounter    = metrics.GetOrRegisterCounter("jobs/terminal/failed", nil)
	jobsExpiredCounter   = metrics.GetOrRegisterCounter("jobs/terminal/expired", nil)
	jobsCancelledCounter = metrics.GetOrRegisterCounter("jobs/terminal/cancelled", nil)

	assignmentsCounter = metrics.GetOrRegisterCounter("queue/assignments", nil)
	racesCounter       = metrics.GetOrRegisterCounter("queue/races", nil)
	retriesCounter     = metrics.GetOrRegisterCounter("queue/retries", nil)

	heartbeatExpiryCounter = metrics.GetOrRegisterCounter("registry/heartbeat_expiries", nil)

	paymentHoldsCounter    = metrics.GetOrRegisterCounter("payments/holds", nil)
	paymentReleasesCounter = metrics.GetOrRegisterCounter("payments/releases", nil)
	paymentRefundsCounter  = metrics.GetOrRegisterCounter("payments/refunds", nil)
	paymentVoidsCounter    = metrics.GetOrRegisterCounter("payments/voids", nil)

	ledgerDeliveredCounter = metrics.GetOrRegisterCounter("ledger/delivered", nil)
	ledgerErrorsCounter    = metrics.GetOrRegisterCounter("ledger/deliver_errors", nil)
	outboxDepthGauge       = metrics.GetOrRegisterGauge("ledger/outbox_depth", nil)

	queueWaitTimer       = metrics.GetOrRegisterTimer("queue/wait", nil)
	attemptDurationTimer = metrics.GetOrRegisterTimer("jobs/attempt_duration", nil)
	sealDurationTimer    = metrics.GetOrRegisterTimer("receipts/seal_duration", nil)
)

// markTerminal bumps the terminal-state counter for a finished job.
func markTerminal(state types.JobState) {
	switch state {
	case types.JobSucceeded:
		jobsSucceededCounter.Inc(1)
	case types.JobFailed:
		jobsFailedCounter.Inc(1)
	case types.JobExpired:
		jobsExpiredCounter.Inc(1)
	case types.JobCancelled:
		jobsCancelledCounter.Inc(1)
	}
}
