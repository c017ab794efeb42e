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

// Package params holds the coordinator configuration surface, protocol
// constants and release version information.
package params

import (
	"errors"
	"fmt"
	"time"
)

// Pricing policies for results whose metered charge exceeds the job's
// escrowed maximum.
const (
	// PricingClamp caps the charge at max_price and completes the job.
	PricingClamp = "clamp"
	// PricingFail fails the job and refunds the full hold.
	PricingFail = "fail"
)

// RateLimit is a token bucket definition for one endpoint class.
type RateLimit struct {
	RPS   float64
	Burst int
}

// DefaultRateLimits returns the per-endpoint-class token buckets applied when
// the configuration does not override a class.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"submit":    {RPS: 10, Burst: 20},
		"query":     {RPS: 50, Burst: 100},
		"poll":      {RPS: 20, Burst: 40},
		"heartbeat": {RPS: 20, Burst: 40},
		"result":    {RPS: 20, Burst: 40},
		"register":  {RPS: 1, Burst: 5},
		"admin":     {RPS: 10, Burst: 20},
	}
}

// Config is the complete coordinator configuration. The zero value is not
// usable; start from DefaultConfig and override.
type Config struct {
	// DataDir holds the database, generated secrets and the default ledger
	// file.
	DataDir string

	// DBEngine selects the key-value backend: pebble, leveldb, badger or
	// memory.
	DBEngine string

	// Miner liveness.
	MinerLivenessTimeout  time.Duration
	HeartbeatScanInterval time.Duration
	NonceCacheSize        int

	// Job lifecycle.
	TimerScanInterval time.Duration
	TimerBatchMax     int
	AttemptTimeout    time.Duration
	JobDefaultTTL     time.Duration
	JobMaxTTL         time.Duration
	MaxAttempts       uint32
	RetentionPeriod   time.Duration

	// Admission.
	MaxJobPayloadBytes int
	TenantOpenJobsMax  int
	// TenantEscrowMax bounds the total escrow held per tenant; zero disables
	// the check.
	TenantEscrowMax uint64
	PricingPolicy   string

	// Dispatch.
	PollLongWaitMax time.Duration

	// Receipt sealing. Both are required; the daemon refuses to start
	// without a signing key.
	SigningKeyPath string
	SigningKeyID   string

	// Store.
	StoreRetryMax int

	// Payment event delivery.
	OutboxScanInterval time.Duration
	// LedgerSink selects the payment event consumer: "memory",
	// "file:<path>" or an http(s) URL. Empty means a JSONL file under
	// DataDir.
	LedgerSink string

	// Authentication.
	AuthKeyfile     string
	JWTSecretPath   string
	SessionTokenTTL time.Duration

	// HTTP API.
	HTTPHost         string
	HTTPPort         int
	HTTPCors         []string
	MaxHTTPBodyBytes int64
	RateLimits       map[string]RateLimit
}

// DefaultConfig returns the coordinator defaults. Signing key and auth
// keyfile paths are deployment-specific and stay empty.
func DefaultConfig() Config {
	return Config{
		DBEngine:              "pebble",
		MinerLivenessTimeout:  DefaultMinerLivenessTimeout,
		HeartbeatScanInterval: DefaultHeartbeatScanInterval,
		NonceCacheSize:        DefaultNonceCacheSize,
		TimerScanInterval:     DefaultTimerScanInterval,
		TimerBatchMax:         DefaultTimerBatchMax,
		AttemptTimeout:        DefaultAttemptTimeout,
		JobDefaultTTL:         DefaultJobTTL,
		JobMaxTTL:             DefaultJobMaxTTL,
		MaxAttempts:           DefaultMaxAttempts,
		RetentionPeriod:       DefaultRetentionPeriod,
		MaxJobPayloadBytes:    DefaultMaxJobPayloadBytes,
		TenantOpenJobsMax:     DefaultTenantOpenJobsMax,
		PricingPolicy:         PricingClamp,
		PollLongWaitMax:       DefaultPollLongWaitMax,
		StoreRetryMax:         DefaultStoreRetryMax,
		OutboxScanInterval:    DefaultOutboxScanInterval,
		SessionTokenTTL:       DefaultSessionTokenTTL,
		HTTPHost:              "127.0.0.1",
		HTTPPort:              8647,
		MaxHTTPBodyBytes:      5 * 1024 * 1024,
		RateLimits:            DefaultRateLimits(),
	}
}

// Sanitize validates the configuration and fills derivable gaps. It is called
// once at startup; a non-nil error refuses the boot.
func (c *Config) Sanitize() error {
	if c.SigningKeyPath == "" {
		return errors.New("config: signing key path is required")
	}
	if c.SigningKeyID == "" {
		return errors.New("config: signing key id is required")
	}
	switch c.PricingPolicy {
	case PricingClamp, PricingFail:
	case "":
		c.PricingPolicy = PricingClamp
	default:
		return fmt.Errorf("config: unknown pricing policy %q", c.PricingPolicy)
	}
	if c.MaxAttempts == 0 {
		return errors.New("config: max attempts must be positive")
	}
	if c.TimerBatchMax <= 0 {
		c.TimerBatchMax = DefaultTimerBatchMax
	}
	if c.JobDefaultTTL <= 0 {
		c.JobDefaultTTL = DefaultJobTTL
	}
	if c.JobMaxTTL < c.JobDefaultTTL {
		c.JobMaxTTL = DefaultJobMaxTTL
	}
	if c.MaxJobPayloadBytes <= 0 {
		c.MaxJobPayloadBytes = DefaultMaxJobPayloadBytes
	}
	if c.StoreRetryMax <= 0 {
		c.StoreRetryMax = DefaultStoreRetryMax
	}
	if c.NonceCacheSize <= 0 {
		c.NonceCacheSize = DefaultNonceCacheSize
	}
	defaults := DefaultRateLimits()
	if c.RateLimits == nil {
		c.RateLimits = defaults
	} else {
		for class, rl := range defaults {
			if _, ok := c.RateLimits[class]; !ok {
				c.RateLimits[class] = rl
			}
		}
	}
	return nil
}
