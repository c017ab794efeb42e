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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb/memorydb"
	"github.com/obscura-network/obscura-core/ledger"
	"github.com/obscura-network/obscura-core/params"
)

// testSealer signs receipts with an ephemeral ed25519 key. The fail switch
// simulates a signer outage.
type testSealer struct {
	mu   sync.Mutex
	fail bool
	key  ed25519.PrivateKey
}

func newTestSealer(t *testing.T) *testSealer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSealer{key: priv}
}

func (s *testSealer) Seal(r *types.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("signer offline")
	}
	msg, err := r.SigningBytes()
	if err != nil {
		return err
	}
	r.KeyID = "test-key"
	r.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(s.key, msg))
	return nil
}

func (s *testSealer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fail
}

func (s *testSealer) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// testEnv wires the full coordinator core over an in-memory database and a
// mock clock. Sweepers are driven explicitly; no background goroutines run.
type testEnv struct {
	t         *testing.T
	clock     *clock.Mock
	cfg       *params.Config
	store     *Store
	registry  *Registry
	queue     *Queue
	payments  *PaymentEngine
	receipts  *ReceiptService
	lifecycle *Lifecycle
	sink      *ledger.MemorySink
	sealer    *testSealer
}

func newTestEnv(t *testing.T, mutate func(cfg *params.Config)) *testEnv {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))

	cfg := params.DefaultConfig()
	cfg.SigningKeyPath = "unused-in-tests"
	cfg.SigningKeyID = "test-key"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Sanitize())

	logger := zerolog.Nop()
	store, err := NewStore(memorydb.New(), cfg.StoreRetryMax, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := ledger.NewMemory()
	payments := NewPaymentEngine(store, clk, &cfg, sink, logger)
	queue := NewQueue(store, payments, clk, &cfg, logger)
	sealer := newTestSealer(t)
	receipts := NewReceiptService(store, sealer, nil, clk, &cfg, logger)
	lifecycle := NewLifecycle(store, queue, payments, receipts, clk, &cfg, logger)
	registry, err := NewRegistry(store, clk, &cfg, logger)
	require.NoError(t, err)
	registry.SetMinerLostHandler(lifecycle.OnMinerLost)

	return &testEnv{
		t:         t,
		clock:     clk,
		cfg:       &cfg,
		store:     store,
		registry:  registry,
		queue:     queue,
		payments:  payments,
		receipts:  receipts,
		lifecycle: lifecycle,
		sink:      sink,
		sealer:    sealer,
	}
}

// testMiner pairs a registered miner with its private key so tests can
// produce valid heartbeats.
type testMiner struct {
	*types.Miner
	priv ed25519.PrivateKey
}

func (e *testEnv) registerMiner(tenant, model string, price uint64, slots uint32) *testMiner {
	e.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(e.t, err)
	m, _, err := e.registry.Register(tenant, pub, []types.Capability{{Model: model, MemBytes: 16 << 30}}, price, slots, "")
	require.NoError(e.t, err)
	return &testMiner{Miner: m, priv: priv}
}

// heartbeat sends one valid signed heartbeat for the miner at the current
// mock time.
func (e *testEnv) heartbeat(m *testMiner) {
	e.t.Helper()
	nonce := make([]byte, 16)
	_, err := rand.Read(nonce)
	require.NoError(e.t, err)
	_, err = e.registry.Heartbeat(m.ID, nonce, ed25519.Sign(m.priv, nonce))
	require.NoError(e.t, err)
}

// submitJob admits a job with the configured default TTL when ttl is zero;
// pass an explicit duration to exercise the TTL bounds.
func (e *testEnv) submitJob(tenant, model string, maxPrice uint64, ttl time.Duration) *types.Job {
	e.t.Helper()
	if ttl == 0 {
		ttl = TTLDefault
	}
	job, _, err := e.queue.Submit(tenant, tenant+"/client", types.Requirement{Model: model}, []byte("payload"), maxPrice, ttl)
	require.NoError(e.t, err)
	return job
}

// pollOne assigns exactly one job to the miner and fails the test otherwise.
func (e *testEnv) pollOne(minerID string) *types.Job {
	e.t.Helper()
	jobs, err := e.queue.Poll(context.Background(), minerID, nil, 1, 0)
	require.NoError(e.t, err)
	require.Len(e.t, jobs, 1)
	return jobs[0]
}

func (e *testEnv) job(id string) *types.Job {
	e.t.Helper()
	job, err := e.store.Job(id)
	require.NoError(e.t, err)
	return job
}

func (e *testEnv) miner(id string) *types.Miner {
	e.t.Helper()
	m, err := e.store.Miner(id)
	require.NoError(e.t, err)
	return m
}

func (e *testEnv) payment(id string) *types.Payment {
	e.t.Helper()
	p, err := e.store.Payment(id)
	require.NoError(e.t, err)
	return p
}
