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
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
)

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.registry.Register("acme", []byte("short"), []types.Capability{{Model: "m"}}, 5, 4, "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, _, err = env.registry.Register("acme", pub, nil, 5, 4, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = env.registry.Register("acme", pub, []types.Capability{{Model: "m"}}, 5, 0, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegisterIdempotentOnKey(t *testing.T) {
	env := newTestEnv(t, nil)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	first, created, err := env.registry.Register("acme", pub, []types.Capability{{Model: "llama-70b"}}, 5, 4, "eu")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := env.registry.Register("acme", pub, []types.Capability{{Model: "mixtral"}}, 9, 8, "us")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, uint64(9), second.PricePerUnit)
	require.Equal(t, uint32(8), second.MaxParallel)
	require.Equal(t, "us", second.Region)
	require.Equal(t, "mixtral", second.Capabilities[0].Model)

	// The same key under another tenant is a distinct miner.
	foreign, created, err := env.registry.Register("globex", pub, []types.Capability{{Model: "llama-70b"}}, 5, 4, "")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, foreign.ID)
}

func TestReregisterPrunesModelIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m, _, err := env.registry.Register("acme", pub, []types.Capability{{Model: "llama-70b"}}, 5, 4, "")
	require.NoError(t, err)
	_, _, err = env.registry.Register("acme", pub, []types.Capability{{Model: "mixtral"}}, 5, 4, "")
	require.NoError(t, err)

	// The dropped model must leave no stale index entry behind.
	env.registry.indexMu.RLock()
	_, stale := env.registry.byModel["llama-70b"]
	current, ok := env.registry.byModel["mixtral"]
	env.registry.indexMu.RUnlock()
	require.False(t, stale)
	require.True(t, ok)
	require.True(t, current.Contains(m.ID))

	miners, err := env.registry.Search(&types.Requirement{Model: "llama-70b"}, nil, 0)
	require.NoError(t, err)
	require.Empty(t, miners)
}

func TestHeartbeatAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	nonce := []byte("0123456789abcdef")

	// Valid signature refreshes the liveness window.
	expires, err := env.registry.Heartbeat(m.ID, nonce, ed25519.Sign(m.priv, nonce))
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().UnixMilli()+env.cfg.MinerLivenessTimeout.Milliseconds(), expires)

	// Replayed nonce is rejected even with a valid signature.
	_, err = env.registry.Heartbeat(m.ID, nonce, ed25519.Sign(m.priv, nonce))
	require.ErrorIs(t, err, ErrAuthFailed)

	// Forged signature is rejected.
	_, wrong, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = env.registry.Heartbeat(m.ID, []byte("fedcba9876543210"), ed25519.Sign(wrong, []byte("fedcba9876543210")))
	require.ErrorIs(t, err, ErrAuthFailed)

	// Undersized nonce is rejected before any verification.
	_, err = env.registry.Heartbeat(m.ID, []byte("tiny"), nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHeartbeatRevivesOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)

	env.clock.Add(env.cfg.MinerLivenessTimeout + time.Second)
	require.NoError(t, env.registry.SweepLiveness())
	require.Equal(t, types.MinerOffline, env.miner(m.ID).Status)

	env.heartbeat(m)
	require.Equal(t, types.MinerActive, env.miner(m.ID).Status)
}

func TestDrainResume(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)

	require.NoError(t, env.registry.Drain(m.ID))
	require.Equal(t, types.MinerDraining, env.miner(m.ID).Status)
	// Draining again is idempotent.
	require.NoError(t, env.registry.Drain(m.ID))

	// A draining miner keeps heartbeating without reactivating.
	env.heartbeat(m)
	require.Equal(t, types.MinerDraining, env.miner(m.ID).Status)

	require.NoError(t, env.registry.Resume(m.ID))
	require.Equal(t, types.MinerActive, env.miner(m.ID).Status)
	require.NoError(t, env.registry.Resume(m.ID))
}

func TestDrainingMinerLapsesToo(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)
	job := env.submitJob("acme", "llama-70b", 100, 0)
	env.pollOne(m.ID)
	require.NoError(t, env.registry.Drain(m.ID))

	env.clock.Add(env.cfg.MinerLivenessTimeout + time.Second)
	require.NoError(t, env.registry.SweepLiveness())

	require.Equal(t, types.MinerOffline, env.miner(m.ID).Status)
	require.Equal(t, types.JobQueued, env.job(job.ID).State)
}

func TestSearchOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	cheap := env.registerMiner("acme", "llama-70b", 3, 4)
	pricey := env.registerMiner("acme", "llama-70b", 9, 4)
	drained := env.registerMiner("acme", "llama-70b", 1, 4)
	env.registerMiner("acme", "mixtral", 1, 4)
	require.NoError(t, env.registry.Drain(drained.ID))

	miners, err := env.registry.Search(&types.Requirement{Model: "llama-70b"}, nil, 0)
	require.NoError(t, err)
	require.Len(t, miners, 2)
	require.Equal(t, cheap.ID, miners[0].ID)
	require.Equal(t, pricey.ID, miners[1].ID)

	miners, err = env.registry.Search(&types.Requirement{Model: "llama-70b"}, map[string]bool{cheap.ID: true}, 0)
	require.NoError(t, err)
	require.Len(t, miners, 1)
	require.Equal(t, pricey.ID, miners[0].ID)

	miners, err = env.registry.Search(&types.Requirement{Model: "unknown"}, nil, 0)
	require.NoError(t, err)
	require.Empty(t, miners)
}

func TestSearchIndexSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.registerMiner("acme", "llama-70b", 5, 4)

	// A fresh registry over the same store rebuilds the capability index.
	reopened, err := NewRegistry(env.store, env.clock, env.cfg, env.registry.log)
	require.NoError(t, err)
	miners, err := reopened.Search(&types.Requirement{Model: "llama-70b"}, nil, 0)
	require.NoError(t, err)
	require.Len(t, miners, 1)
	require.Equal(t, m.ID, miners[0].ID)
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerMiner("acme", "llama-70b", 5, 4)
	drained := env.registerMiner("acme", "llama-70b", 5, 4)
	require.NoError(t, env.registry.Drain(drained.ID))

	counts, err := env.registry.StatusCounts()
	require.NoError(t, err)
	require.Equal(t, 1, counts[types.MinerActive])
	require.Equal(t, 1, counts[types.MinerDraining])
	require.Equal(t, 0, counts[types.MinerOffline])
}
