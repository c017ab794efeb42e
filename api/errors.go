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
	"errors"
	"net/http"

	"github.com/obscura-network/obscura-core/core"
	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/ident"
)

// Stable wire error codes. Clients dispatch on the code, never on the
// message, so the set and the status mapping are frozen.
const (
	CodeAuthRequired          = "AuthRequired"
	CodeAuthFailed            = "AuthFailed"
	CodeForbidden             = "Forbidden"
	CodeNotFound              = "NotFound"
	CodeInvalidRequest        = "InvalidRequest"
	CodePayloadTooLarge       = "PayloadTooLarge"
	CodeQuotaExceeded         = "QuotaExceeded"
	CodeRateLimited           = "RateLimited"
	CodeStaleState            = "StaleState"
	CodeStaleAssignment       = "StaleAssignment"
	CodeMinerNotActive        = "MinerNotActive"
	CodeCapabilityUnavailable = "CapabilityUnavailable"
	CodeInsufficientFunds     = "InsufficientFunds"
	CodeSignerUnavailable     = "SignerUnavailable"
	CodeInternal              = "Internal"
)

// statusOf maps a wire code to its HTTP status.
var statusOf = map[string]int{
	CodeAuthRequired:          http.StatusUnauthorized,
	CodeAuthFailed:            http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeNotFound:              http.StatusNotFound,
	CodeInvalidRequest:        http.StatusBadRequest,
	CodePayloadTooLarge:       http.StatusRequestEntityTooLarge,
	CodeQuotaExceeded:         http.StatusTooManyRequests,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeStaleState:            http.StatusConflict,
	CodeStaleAssignment:       http.StatusConflict,
	CodeMinerNotActive:        http.StatusConflict,
	CodeCapabilityUnavailable: http.StatusConflict,
	CodeInsufficientFunds:     http.StatusPaymentRequired,
	CodeSignerUnavailable:     http.StatusServiceUnavailable,
	CodeInternal:              http.StatusInternalServerError,
}

// errorBody is the envelope of every non-2xx response.
type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// codeFor translates a domain error into its wire code. A cancelled job
// surfaces to the miner as a stale assignment: the assignment is void and
// the miner must stop computing.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ident.ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ident.ErrAuthFailed), errors.Is(err, core.ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ident.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, types.ErrInvalidTransition):
		return CodeInvalidRequest
	case errors.Is(err, core.ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, core.ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, core.ErrJobCancelled), errors.Is(err, core.ErrStaleAssignment):
		return CodeStaleAssignment
	case errors.Is(err, core.ErrStaleState):
		return CodeStaleState
	case errors.Is(err, core.ErrMinerNotActive):
		return CodeMinerNotActive
	case errors.Is(err, core.ErrCapabilityUnavailable):
		return CodeCapabilityUnavailable
	case errors.Is(err, core.ErrInsufficientFunds), errors.Is(err, core.ErrPriceExceeded):
		return CodeInsufficientFunds
	case errors.Is(err, core.ErrSealerUnavailable):
		return CodeSignerUnavailable
	default:
		return CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, code, message string, details map[string]interface{}) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Details = details
	writeJSON(w, statusOf[code], body)
}

// writeDomainError renders err through the stable code table. Internal
// errors hide their message from callers.
func writeDomainError(w http.ResponseWriter, err error) {
	code := codeFor(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	writeError(w, code, msg, nil)
}
