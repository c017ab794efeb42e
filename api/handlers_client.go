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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/ident"
)

// jobView is the job as serialized to clients and miners. The payload is
// included only on assignment responses.
type jobView struct {
	ID              string            `json:"id"`
	State           types.JobState    `json:"state"`
	Requirement     types.Requirement `json:"requirement"`
	PayloadB64      string            `json:"payload_b64,omitempty"`
	MaxPrice        uint64            `json:"max_price"`
	AssignedMiner   string            `json:"assigned_miner,omitempty"`
	AttemptCount    uint32            `json:"attempt_count"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	ReceiptID       string            `json:"receipt_id,omitempty"`
	CreatedMS       int64             `json:"created_ms"`
	UpdatedMS       int64             `json:"updated_ms"`
	ExpiresMS       int64             `json:"expires_ms"`
}

func viewJob(job *types.Job, withPayload bool) *jobView {
	v := &jobView{
		ID:              job.ID,
		State:           job.State,
		Requirement:     job.Requirement,
		MaxPrice:        job.MaxPrice,
		AssignedMiner:   job.AssignedMiner,
		AttemptCount:    job.AttemptCount,
		CancelRequested: job.CancelRequested,
		ErrorKind:       job.ErrorKind,
		ReceiptID:       job.ReceiptID,
		CreatedMS:       job.CreatedMS,
		UpdatedMS:       job.UpdatedMS,
		ExpiresMS:       job.ExpiresMS,
	}
	if withPayload {
		v.PayloadB64 = base64.StdEncoding.EncodeToString(job.Payload)
	}
	return v
}

// decodeBody parses the JSON request body into v, mapping size overruns to
// the PayloadTooLarge code. The body is drained before decoding so the
// MaxBytesReader limit error surfaces directly instead of being swallowed by
// the JSON decoder.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, CodePayloadTooLarge, "request body too large", nil)
		} else {
			writeError(w, CodeInvalidRequest, "unreadable request body: "+err.Error(), nil)
		}
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, CodeInvalidRequest, "malformed JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

// submitJobRequest carries ttl_ms as a pointer: an omitted TTL selects the
// configured default, while an explicit 0 means the job expires immediately.
type submitJobRequest struct {
	Requirement types.Requirement `json:"requirement"`
	PayloadB64  string            `json:"payload_b64"`
	MaxPrice    uint64            `json:"max_price"`
	TTLMS       *int64            `json:"ttl_ms,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	var req submitJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		writeError(w, CodeInvalidRequest, "payload_b64 is not valid base64", nil)
		return
	}
	ttl := core.TTLDefault
	if req.TTLMS != nil {
		if *req.TTLMS < 0 {
			writeError(w, CodeInvalidRequest, "ttl_ms must not be negative", nil)
			return
		}
		ttl = time.Duration(*req.TTLMS) * time.Millisecond
	}
	job, payment, err := s.backend.Queue.Submit(principal.Tenant, principal.Subject,
		req.Requirement, payload, req.MaxPrice, ttl)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job":        viewJob(job, false),
		"payment_id": payment.ID,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	job, err := s.backend.Store.Job(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.TenantID != principal.Tenant {
		writeError(w, CodeNotFound, "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": viewJob(job, false)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	job, err := s.backend.Lifecycle.Cancel(principal.Tenant, mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": viewJob(job, false)})
}

// receiptView carries the wire form of a sealed receipt plus list metadata.
type receiptView struct {
	Receipt      jsoniter.RawMessage `json:"receipt"`
	Attempt      uint32              `json:"attempt,omitempty"`
	PriceClamped bool                `json:"price_clamped,omitempty"`
}

func viewReceipt(receipt *types.Receipt) (*receiptView, error) {
	wire, err := receipt.WireBytes()
	if err != nil {
		return nil, err
	}
	return &receiptView{
		Receipt:      jsoniter.RawMessage(wire),
		Attempt:      receipt.Attempt,
		PriceClamped: receipt.PriceClamped,
	}, nil
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, CodeInvalidRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	page, err := s.backend.Receipts.List(principal.Tenant, q.Get("job"), q.Get("cursor"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]*receiptView, 0, len(page.Receipts))
	for _, receipt := range page.Receipts {
		v, err := viewReceipt(receipt)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipts":    views,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request, principal *ident.Principal) {
	receipt, err := s.backend.Receipts.Receipt(principal.Tenant, mux.Vars(r)["id"])
	if err != nil {
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
