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

package params

import "time"

// Coordinator protocol constants. These are part of the receipt and
// settlement semantics and must not be changed on a live network.
const (
	// UnitRateDivisor scales a miner's price_per_unit: a job consuming
	// units at rate r is charged floor(units*r/UnitRateDivisor).
	UnitRateDivisor = 1000

	// ExcludeMinersMax bounds the per-job exclusion list built up by
	// failed attempts. The oldest entry is evicted first at the bound.
	ExcludeMinersMax = 8
)

// Default coordinator tunables. Config files and flags override these.
const (
	DefaultMinerLivenessTimeout  = 30 * time.Second
	DefaultHeartbeatScanInterval = 5 * time.Second
	DefaultTimerScanInterval     = time.Second
	DefaultTimerBatchMax         = 500
	DefaultAttemptTimeout        = 2 * time.Minute
	DefaultJobTTL                = 15 * time.Minute
	DefaultJobMaxTTL             = 24 * time.Hour
	DefaultMaxAttempts           = 3
	DefaultPollLongWaitMax       = 10 * time.Second
	DefaultMaxJobPayloadBytes    = 64 * 1024
	DefaultTenantOpenJobsMax     = 1000
	DefaultStoreRetryMax         = 3
	DefaultRetentionPeriod       = 7 * 24 * time.Hour
	DefaultOutboxScanInterval    = time.Second
	DefaultNonceCacheSize        = 4096
	DefaultSessionTokenTTL       = 24 * time.Hour
)
