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

import "net/http"

// healthLive answers as long as the process serves requests.
func (s *Server) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// healthReady additionally requires the coordinator backend to be up:
// store open, signing key loaded.
func (s *Server) healthReady(w http.ResponseWriter, _ *http.Request) {
	if s.backend.Ready != nil {
		if err := s.backend.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
