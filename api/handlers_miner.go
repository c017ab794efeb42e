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

package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/obscura-network/obscura-core/common/ids"
	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/ident"
)

// authorizeMiner checks the principal may act as the given miner: the miner
// must belong to the principal's tenant, and a session token is bound to
// its own miner id.
func (s *Server) authorizeMiner(principal *ident.Principal, minerID string) error {
	if ids.Valid(principal.Subject, ids.MinerPrefix) && principal.Subject != minerID {
		return fmt.Errorf("session token bound to another miner: %w", ident.ErrForbidden)
	}
	miner, err := s.backend.Registry.Miner(minerID)
	if err != nil {
		return err
	}
	if miner.TenantID != principal.Tenant {
		return ident.ErrForbidden
	}
	return nil
}

type registerMinerRequest struct {
	PubkeyB64    string             `json:"pubkey_b64"`
	Capabilities []types.Capability `json:"capabilities"`
	PricePerUnit uint64             `json:"price_per_unit"`
	MaxParallel  uint32             `json:"max_parallel"`
	Region       string             `json:"region,omitempty"`
}

type minerView struct {
	ID              string             `json:"id"`
	Status          types.MinerStatus  `json:"status"`
	Capabilities    []types.Capability `json:"capabilities"`
	PricePerUnit    uint64             `json:"price_per_unit"`
	MaxParallel     uint32             `json:"max_parallel"`
	Region          string             `json:"region,omitempty"`
	InFlight        []string           `json:"in_flight,omitempty"`
	LastHeartbeatMS int64              `json:"last_heartbeat_ms"`
	RegisteredMS    int64              `json:"registered_ms"`
}

func viewMiner(m *types.Miner) *minerView {
	return &minerView{
		ID:              m.ID,
		Status:          m.Status,
		Capabilities:    m.Capabilities,
		PricePerUnit:    m.PricePerUnit,
		MaxParallel:     m.MaxParallel,
		Region:          m.Region,
		InFlight:        m.InFlight,
		LastHeartbeatMS: m.LastHeartbeatMS,
		RegisteredMS:    m.RegisteredMS,
	}
}

func (s *Server) registerMiner(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	var req registerMinerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pubkey, err := base64.StdEncoding.DecodeString(req.PubkeyB64)
	if err != nil {
		writeError(w, CodeInvalidRequest, "pubkey_b64 is not valid base64", nil)
		return
	}
	miner, created, err := s.backend.Registry.Register(principal.Tenant, pubkey,
		req.Capabilities, req.PricePerUnit, req.MaxParallel, req.Region)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	token, err := s.backend.Minter.MintSessionToken(miner.ID, principal.Tenant, s.clock.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"miner":         viewMiner(miner),
		"session_token": token,
	})
}

type minerHeartbeatRequest struct {
	NonceB64 string `json:"nonce_b64"`
	SigB64   string `json:"sig_b64"`
}

func (s *Server) minerHeartbeat(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	minerID := mux.Vars(r)["id"]
	if err := s.authorizeMiner(principal, minerID); err != nil {
		writeDomainError(w, err)
		return
	}
	var req minerHeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(req.NonceB64)
	if err != nil {
		writeError(w, CodeInvalidRequest, "nonce_b64 is not valid base64", nil)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.SigB64)
	if err != nil {
		writeError(w, CodeInvalidRequest, "sig_b64 is not valid base64", nil)
		return
	}
	expires, err := s.backend.Registry.Heartbeat(minerID, nonce, sig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at_ms": expires})
}

type pollRequest struct {
	Filter  *types.Requirement `json:"filter,omitempty"`
	MaxJobs int                `json:"max_jobs,omitempty"`
	WaitMS  int64              `json:"wait_ms,omitempty"`
}

func (s *Server) pollJobs(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	minerID := mux.Vars(r)["id"]
	if err := s.authorizeMiner(principal, minerID); err != nil {
		writeDomainError(w, err)
		return
	}
	var req pollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WaitMS < 0 {
		writeError(w, CodeInvalidRequest, "wait_ms must not be negative", nil)
		return
	}
	jobs, err := s.backend.Queue.Poll(r.Context(), minerID, req.Filter, req.MaxJobs,
		time.Duration(req.WaitMS)*time.Millisecond)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]*jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewJob(job, true))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

type jobHeartbeatRequest struct {
	MinerID string `json:"miner_id"`
}

func (s *Server) jobHeartbeat(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	var req jobHeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.authorizeMiner(principal, req.MinerID); err != nil {
		writeDomainError(w, err)
		return
	}
	cancelled, err := s.backend.Lifecycle.JobHeartbeat(req.MinerID, mux.Vars(r)["id"])
	if cancelled {
		// The cooperative cancellation handshake: 200 telling the miner to
		// stop; the job is already terminal.
		writeJSON(w, http.StatusOK, map[string]interface{}{"cancel_requested": true})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancel_requested": false})
}

type submitResultRequest struct {
	MinerID       string `json:"miner_id"`
	Attempt       uint32 `json:"attempt"`
	UnitsConsumed uint64 `json:"units_consumed"`
	OutputB64     string `json:"output_b64"`
}

func (s *Server) submitResult(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	var req submitResultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.authorizeMiner(principal, req.MinerID); err != nil {
		writeDomainError(w, err)
		return
	}
	output, err := base64.StdEncoding.DecodeString(req.OutputB64)
	if err != nil {
		writeError(w, CodeInvalidRequest, "output_b64 is not valid base64", nil)
		return
	}
	receipt, err := s.backend.Lifecycle.SubmitResult(req.MinerID, mux.Vars(r)["id"], req.Attempt, req.UnitsConsumed, output)
	if err != nil {
		if errors.Is(err, core.ErrJobCancelled) {
			writeError(w, CodeStaleAssignment, "job cancelled", map[string]interface{}{"cancelled": true})
			return
		}
		writeDomainError(w, err)
		return
	}
	v, err := viewReceipt(receipt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type submitErrorRequest struct {
	MinerID   string `json:"miner_id"`
	Attempt   uint32 `json:"attempt"`
	ErrorKind string `json:"error_kind"`
	Retriable bool   `json:"retriable"`
}

func (s *Server) submitError(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	var req submitErrorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ErrorKind == "" {
		writeError(w, CodeInvalidRequest, "error_kind is required", nil)
		return
	}
	if err := s.authorizeMiner(principal, req.MinerID); err != nil {
		writeDomainError(w, err)
		return
	}
	err := s.backend.Lifecycle.SubmitError(req.MinerID, mux.Vars(r)["id"], req.Attempt, req.ErrorKind, req.Retriable)
	if err != nil {
		if errors.Is(err, core.ErrJobCancelled) {
			writeError(w, CodeStaleAssignment, "job cancelled", map[string]interface{}{"cancelled": true})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true})
}
