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

package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// MinerStatus is the registry state of a miner.
type MinerStatus string

const (
	// MinerActive miners heartbeat on time and accept new assignments.
	MinerActive MinerStatus = "active"
	// MinerDraining miners finish their in-flight jobs but match no new work.
	MinerDraining MinerStatus = "draining"
	// MinerOffline miners missed their liveness window or never came back.
	MinerOffline MinerStatus = "offline"
)

// Valid reports whether s is a known miner status.
func (s MinerStatus) Valid() bool {
	switch s {
	case MinerActive, MinerDraining, MinerOffline:
		return true
	}
	return false
}

// Capability advertises one model a miner can serve and the resources
// backing it.
type Capability struct {
	Model    string   `json:"model"`
	MemBytes uint64   `json:"mem_bytes"`
	Features []string `json:"features,omitempty"`
}

// Satisfies reports whether the capability covers the requirement. The model
// must match exactly, memory must meet the floor and every required feature
// must be present.
func (c *Capability) Satisfies(req *Requirement) bool {
	if c.Model != req.Model {
		return false
	}
	if c.MemBytes < req.MinMemBytes {
		return false
	}
	if len(req.Features) > 0 {
		have := mapset.NewThreadUnsafeSet(c.Features...)
		for _, f := range req.Features {
			if !have.Contains(f) {
				return false
			}
		}
	}
	return true
}

// Validate checks the capability is well formed.
func (c *Capability) Validate() error {
	if c.Model == "" {
		return errors.New("capability: model is required")
	}
	return nil
}

// Miner is a registered GPU host.
type Miner struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	PublicKey    []byte       `json:"public_key"`
	Status       MinerStatus  `json:"status"`
	Capabilities []Capability `json:"capabilities"`
	PricePerUnit uint64       `json:"price_per_unit"`
	Region       string       `json:"region,omitempty"`
	MaxParallel  uint32       `json:"max_parallel"`
	InFlight     []string     `json:"in_flight,omitempty"`

	LastHeartbeatMS int64 `json:"last_heartbeat_ms"`
	RegisteredMS    int64 `json:"registered_ms"`
	UpdatedMS       int64 `json:"updated_ms"`
}

// Validate checks the miner row is well formed.
func (m *Miner) Validate() error {
	if len(m.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("miner: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(m.PublicKey))
	}
	if len(m.Capabilities) == 0 {
		return errors.New("miner: at least one capability is required")
	}
	for i := range m.Capabilities {
		if err := m.Capabilities[i].Validate(); err != nil {
			return err
		}
	}
	if !m.Status.Valid() {
		return fmt.Errorf("miner: unknown status %q", m.Status)
	}
	if m.MaxParallel == 0 {
		return errors.New("miner: max_parallel must be positive")
	}
	return nil
}

// FreeSlots is the number of further jobs the miner may be assigned.
func (m *Miner) FreeSlots() int {
	free := int(m.MaxParallel) - len(m.InFlight)
	if free < 0 {
		return 0
	}
	return free
}

// Satisfies reports whether any advertised capability covers the requirement,
// including the miner-level region match.
func (m *Miner) Satisfies(req *Requirement) bool {
	if req.Region != "" && m.Region != req.Region {
		return false
	}
	for i := range m.Capabilities {
		if m.Capabilities[i].Satisfies(req) {
			return true
		}
	}
	return false
}

// Serves reports whether the miner advertises the given model at all.
func (m *Miner) Serves(model string) bool {
	for i := range m.Capabilities {
		if m.Capabilities[i].Model == model {
			return true
		}
	}
	return false
}

// KeyHash returns the digest of the miner's public key, used as the
// idempotent registration index within a tenant.
func (m *Miner) KeyHash() [32]byte {
	return sha256.Sum256(m.PublicKey)
}

// AddInFlight records an assigned job. Adding a present job is a no-op.
func (m *Miner) AddInFlight(jobID string) {
	for _, id := range m.InFlight {
		if id == jobID {
			return
		}
	}
	m.InFlight = append(m.InFlight, jobID)
}

// RemoveInFlight drops a job from the in-flight set. Removing an absent job
// is a no-op.
func (m *Miner) RemoveInFlight(jobID string) {
	for i, id := range m.InFlight {
		if id == jobID {
			m.InFlight = append(m.InFlight[:i], m.InFlight[i+1:]...)
			return
		}
	}
}

// Copy returns a deep copy of the miner.
func (m *Miner) Copy() *Miner {
	cpy := *m
	if m.PublicKey != nil {
		cpy.PublicKey = append([]byte(nil), m.PublicKey...)
	}
	if m.InFlight != nil {
		cpy.InFlight = append([]string(nil), m.InFlight...)
	}
	if m.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(m.Capabilities))
		for i, c := range m.Capabilities {
			cpy.Capabilities[i] = c
			if c.Features != nil {
				cpy.Capabilities[i].Features = append([]string(nil), c.Features...)
			}
		}
	}
	return &cpy
}
