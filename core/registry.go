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
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/params"
)

// ErrAuthFailed is returned when a heartbeat nonce signature does not verify
// or a nonce is replayed.
var ErrAuthFailed = errors.New("authentication failed")

// Registry is the authoritative directory of miners: registration,
// liveness, status and capability search. A background sweeper marks miners
// OFFLINE when their heartbeats lapse and hands their in-flight jobs to the
// lifecycle.
type Registry struct {
	store *Store
	clock clock.Clock
	cfg   *params.Config
	log   zerolog.Logger

	// byModel indexes miner ids by advertised model. Derived from the store,
	// rebuilt on startup, maintained on registration.
	indexMu sync.RWMutex
	byModel map[string]mapset.Set[string]

	// seenNonces guards heartbeat nonces against replay.
	seenNonces *lru.Cache[string, struct{}]

	// onMinerLost is invoked for every in-flight job of a miner that went
	// offline, after the miner's status transition committed.
	onMinerLost func(jobID, minerID string)

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry builds the registry and rebuilds the capability index from the
// store.
func NewRegistry(store *Store, clk clock.Clock, cfg *params.Config, logger zerolog.Logger) (*Registry, error) {
	nonces, err := lru.New[string, struct{}](cfg.NonceCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		store:      store,
		clock:      clk,
		cfg:        cfg,
		log:        logger.With().Str("component", "registry").Logger(),
		byModel:    make(map[string]mapset.Set[string]),
		seenNonces: nonces,
		quit:       make(chan struct{}),
	}
	if err := store.ForEachMiner(func(m *types.Miner) error {
		r.indexMiner(m)
		return nil
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// SetMinerLostHandler wires the lifecycle callback invoked for in-flight
// jobs of miners that lapse. Must be called before Start.
func (r *Registry) SetMinerLostHandler(fn func(jobID, minerID string)) {
	r.onMinerLost = fn
}

// Start launches the liveness sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.livenessLoop()
}

// Stop terminates the liveness sweeper and waits for it.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Registry) indexMiner(m *types.Miner) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	for i := range m.Capabilities {
		model := m.Capabilities[i].Model
		set, ok := r.byModel[model]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			r.byModel[model] = set
		}
		set.Add(m.ID)
	}
}

// unindexModels drops the miner from model sets it no longer advertises.
// Empty sets are removed so the index does not accumulate dead models.
func (r *Registry) unindexModels(minerID string, models []string) {
	if len(models) == 0 {
		return
	}
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	for _, model := range models {
		set, ok := r.byModel[model]
		if !ok {
			continue
		}
		set.Remove(minerID)
		if set.Cardinality() == 0 {
			delete(r.byModel, model)
		}
	}
}

// Register inserts or refreshes a miner. Registration is idempotent on
// (tenant, public key): a re-registration updates capabilities, pricing and
// concurrency, resets the heartbeat and re-activates an offline miner. The
// returned flag reports whether a new row was created.
func (r *Registry) Register(tenant string, publicKey []byte, caps []types.Capability, pricePerUnit uint64, maxParallel uint32, region string) (*types.Miner, bool, error) {
	now := r.clock.Now().UnixMilli()
	candidate := &types.Miner{
		ID:              ids.New(ids.MinerPrefix),
		TenantID:        tenant,
		PublicKey:       append([]byte(nil), publicKey...),
		Status:          types.MinerActive,
		Capabilities:    caps,
		PricePerUnit:    pricePerUnit,
		MaxParallel:     maxParallel,
		Region:          region,
		LastHeartbeatMS: now,
		RegisteredMS:    now,
		UpdatedMS:       now,
	}
	if err := candidate.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	var (
		result  *types.Miner
		created bool
		dropped []string
	)
	err := r.store.Update(func(tx *Tx) error {
		existingID, err := tx.MinerIDByKey(tenant, candidate.KeyHash())
		if err != nil {
			return err
		}
		if existingID == "" {
			result = candidate
			created = true
			return tx.PutMiner(candidate)
		}
		miner, err := tx.Miner(existingID)
		if err != nil {
			return err
		}
		dropped = droppedModels(miner.Capabilities, caps)
		miner.Capabilities = caps
		miner.PricePerUnit = pricePerUnit
		miner.MaxParallel = maxParallel
		miner.Region = region
		miner.LastHeartbeatMS = now
		miner.UpdatedMS = now
		if miner.Status == types.MinerOffline {
			miner.Status = types.MinerActive
		}
		result = miner
		return tx.PutMiner(miner)
	})
	if err != nil {
		return nil, false, err
	}
	r.indexMiner(result)
	r.unindexModels(result.ID, dropped)
	r.log.Info().Str("miner_id", result.ID).Str("tenant", tenant).Bool("created", created).
		Uint64("price_per_unit", pricePerUnit).Msg("miner registered")
	return result, created, nil
}

// droppedModels returns the models advertised before but absent from the new
// capability set.
func droppedModels(before, after []types.Capability) []string {
	kept := make(map[string]bool, len(after))
	for i := range after {
		kept[after[i].Model] = true
	}
	var dropped []string
	for i := range before {
		if model := before[i].Model; !kept[model] {
			dropped = append(dropped, model)
		}
	}
	return dropped
}

// Heartbeat verifies a signed nonce against the miner's public key and
// refreshes its liveness window. An offline miner that heartbeats again is
// re-activated; a draining miner keeps draining. Returns the instant the
// liveness window expires.
func (r *Registry) Heartbeat(minerID string, nonce, sig []byte) (int64, error) {
	if len(nonce) < 8 {
		return 0, fmt.Errorf("%w: nonce too short", ErrInvalidRequest)
	}
	miner, err := r.store.Miner(minerID)
	if err != nil {
		return 0, err
	}
	if !ed25519.Verify(ed25519.PublicKey(miner.PublicKey), nonce, sig) {
		return 0, fmt.Errorf("heartbeat signature: %w", ErrAuthFailed)
	}
	replayKey := minerID + ":" + hex.EncodeToString(nonce)
	if _, seen := r.seenNonces.Get(replayKey); seen {
		return 0, fmt.Errorf("replayed heartbeat nonce: %w", ErrAuthFailed)
	}
	r.seenNonces.Add(replayKey, struct{}{})

	now := r.clock.Now().UnixMilli()
	err = r.store.Update(func(tx *Tx) error {
		m, err := tx.Miner(minerID)
		if err != nil {
			return err
		}
		m.LastHeartbeatMS = now
		m.UpdatedMS = now
		if m.Status == types.MinerOffline {
			m.Status = types.MinerActive
		}
		return tx.PutMiner(m)
	})
	if err != nil {
		return 0, err
	}
	return now + r.cfg.MinerLivenessTimeout.Milliseconds(), nil
}

// Drain stops new assignments to the miner while letting in-flight jobs
// complete.
func (r *Registry) Drain(minerID string) error {
	return r.setStatus(minerID, types.MinerActive, types.MinerDraining)
}

// Resume returns a draining miner to active duty.
func (r *Registry) Resume(minerID string) error {
	return r.setStatus(minerID, types.MinerDraining, types.MinerActive)
}

func (r *Registry) setStatus(minerID string, expected, next types.MinerStatus) error {
	err := r.store.Update(func(tx *Tx) error {
		m, err := tx.Miner(minerID)
		if err != nil {
			return err
		}
		if m.Status == next {
			return nil // idempotent
		}
		if m.Status != expected {
			return fmt.Errorf("miner %s is %s, expected %s: %w", minerID, m.Status, expected, ErrStaleState)
		}
		m.Status = next
		m.UpdatedMS = r.clock.Now().UnixMilli()
		return tx.PutMiner(m)
	})
	if err == nil {
		r.log.Info().Str("miner_id", minerID).Str("status", string(next)).Msg("miner status changed")
	}
	return err
}

// Miner returns the miner row.
func (r *Registry) Miner(minerID string) (*types.Miner, error) {
	return r.store.Miner(minerID)
}

// Search returns active miners able to satisfy the requirement, excluding
// the given ids, sorted by ascending price, then staleness of heartbeat,
// then id. limit <= 0 means no limit.
func (r *Registry) Search(req *types.Requirement, exclude map[string]bool, limit int) ([]*types.Miner, error) {
	r.indexMu.RLock()
	set, ok := r.byModel[req.Model]
	var candidates []string
	if ok {
		candidates = set.ToSlice()
	}
	r.indexMu.RUnlock()

	miners := make([]*types.Miner, 0, len(candidates))
	for _, id := range candidates {
		if exclude[id] {
			continue
		}
		m, err := r.store.Miner(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.Status != types.MinerActive || !m.Satisfies(req) {
			continue
		}
		miners = append(miners, m)
	}
	sort.Slice(miners, func(i, j int) bool {
		if miners[i].PricePerUnit != miners[j].PricePerUnit {
			return miners[i].PricePerUnit < miners[j].PricePerUnit
		}
		if miners[i].LastHeartbeatMS != miners[j].LastHeartbeatMS {
			return miners[i].LastHeartbeatMS < miners[j].LastHeartbeatMS
		}
		return miners[i].ID < miners[j].ID
	})
	if limit > 0 && len(miners) > limit {
		miners = miners[:limit]
	}
	return miners, nil
}

// List returns every registered miner regardless of status, optionally
// filtered to those serving the given model, ordered by id. limit <= 0
// means no limit.
func (r *Registry) List(model string, limit int) ([]*types.Miner, error) {
	var minerIDs []string
	for _, status := range []types.MinerStatus{types.MinerActive, types.MinerDraining, types.MinerOffline} {
		batch, err := r.store.MinerIDsByStatus(status, 0)
		if err != nil {
			return nil, err
		}
		minerIDs = append(minerIDs, batch...)
	}
	miners := make([]*types.Miner, 0, len(minerIDs))
	for _, id := range minerIDs {
		m, err := r.store.Miner(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if model != "" && !m.Serves(model) {
			continue
		}
		miners = append(miners, m)
	}
	sort.Slice(miners, func(i, j int) bool { return miners[i].ID < miners[j].ID })
	if limit > 0 && len(miners) > limit {
		miners = miners[:limit]
	}
	return miners, nil
}

// StatusCounts returns the number of miners per status.
func (r *Registry) StatusCounts() (map[types.MinerStatus]int, error) {
	counts := make(map[types.MinerStatus]int)
	for _, status := range []types.MinerStatus{types.MinerActive, types.MinerDraining, types.MinerOffline} {
		minerIDs, err := r.store.MinerIDsByStatus(status, 0)
		if err != nil {
			return nil, err
		}
		counts[status] = len(minerIDs)
	}
	return counts, nil
}

// livenessLoop periodically marks miners with lapsed heartbeats offline.
func (r *Registry) livenessLoop() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.cfg.HeartbeatScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.SweepLiveness(); err != nil {
				r.log.Error().Err(err).Msg("liveness sweep failed")
			}
		case <-r.quit:
			return
		}
	}
}

// SweepLiveness runs one liveness pass: every active or draining miner whose
// last heartbeat predates the liveness window goes OFFLINE, then each of its
// in-flight jobs is handed to the lifecycle. Firing is at-least-once; if the
// job iteration is cut short the miner stays offline with a non-empty
// in-flight set and the next pass resumes it.
func (r *Registry) SweepLiveness() error {
	cutoff := r.clock.Now().UnixMilli() - r.cfg.MinerLivenessTimeout.Milliseconds()
	for _, status := range []types.MinerStatus{types.MinerActive, types.MinerDraining} {
		stale, err := r.store.StaleMinerIDs(status, cutoff, 0)
		if err != nil {
			return err
		}
		for _, minerID := range stale {
			if err := r.markOffline(minerID, cutoff); err != nil {
				r.log.Error().Err(err).Str("miner_id", minerID).Msg("failed to offline lapsed miner")
			}
		}
	}
	// Offline miners may still hold in-flight jobs from an interrupted pass.
	offline, err := r.store.MinerIDsByStatus(types.MinerOffline, 0)
	if err != nil {
		return err
	}
	for _, minerID := range offline {
		m, err := r.store.Miner(minerID)
		if err != nil || len(m.InFlight) == 0 {
			continue
		}
		r.handMinerLost(m)
	}
	return nil
}

func (r *Registry) markOffline(minerID string, cutoff int64) error {
	var lapsed *types.Miner
	err := r.store.Update(func(tx *Tx) error {
		m, err := tx.Miner(minerID)
		if err != nil {
			return err
		}
		if m.Status == types.MinerOffline || m.LastHeartbeatMS >= cutoff {
			return nil // heartbeat arrived since the scan
		}
		m.Status = types.MinerOffline
		m.UpdatedMS = r.clock.Now().UnixMilli()
		lapsed = m
		return tx.PutMiner(m)
	})
	if err != nil || lapsed == nil {
		return err
	}
	heartbeatExpiryCounter.Inc(1)
	r.log.Warn().Str("miner_id", minerID).Int64("last_heartbeat_ms", lapsed.LastHeartbeatMS).
		Int("in_flight", len(lapsed.InFlight)).Msg("miner heartbeat lapsed, marked offline")
	r.handMinerLost(lapsed)
	return nil
}

func (r *Registry) handMinerLost(m *types.Miner) {
	if r.onMinerLost == nil {
		return
	}
	for _, jobID := range m.InFlight {
		r.onMinerLost(jobID, m.ID)
	}
}
