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
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rcrowley/go-metrics"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/ident"
	"github.com/obscura-network/obscura-core/params"
)

func (s *Server) adminListMiners(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
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
	miners, err := s.backend.Registry.List(q.Get("model"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]*minerView, 0, len(miners))
	for _, m := range miners {
		views = append(views, viewMiner(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"miners": views})
}

func (s *Server) adminDrainMiner(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
	if err := s.backend.Registry.Drain(mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"draining": true})
}

func (s *Server) adminResumeMiner(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
	if err := s.backend.Registry.Resume(mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"draining": false})
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
	jobCounts, err := s.backend.Store.JobStateCounts()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	minerCounts, err := s.backend.Registry.StatusCounts()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	outboxDepth, err := s.backend.Store.OutboxDepth()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":      params.VersionWithMeta,
		"uptime_ms":    s.clock.Now().Sub(s.started).Milliseconds(),
		"jobs":         jobCounts,
		"miners":       minerCounts,
		"queue_depth":  jobCounts[types.JobQueued],
		"outbox_depth": outboxDepth,
	})
}

func (s *Server) adminVoidPayment(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
	if err := s.backend.Payments.Void(mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"voided": true})
}

func (s *Server) debugMetrics(w http.ResponseWriter, r *http.Request, _ *ident.Principal) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	metrics.WriteJSONOnce(metrics.DefaultRegistry, w)
}
