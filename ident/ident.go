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

// Package ident authenticates API callers. Two credential forms are
// accepted: static API keys from an operator-managed TOML keyfile, and
// short-lived miner session tokens minted at registration.
package ident

import (
	"errors"
	"net/http"
)

// Roles a principal may hold.
const (
	RoleClient   = "client"
	RoleMiner    = "miner"
	RoleOperator = "operator"
)

var (
	// ErrAuthRequired is returned when a request carries no usable
	// credentials.
	ErrAuthRequired = errors.New("authentication required")
	// ErrAuthFailed is returned when presented credentials do not verify.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrForbidden is returned when an authenticated principal lacks the
	// role or tenant for an operation.
	ErrForbidden = errors.New("forbidden")
)

// Principal is an authenticated caller.
type Principal struct {
	Tenant  string
	Subject string
	Roles   []string
}

// HasRole reports whether the principal holds the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Provider authenticates HTTP requests.
type Provider interface {
	Authenticate(r *http.Request) (*Principal, error)
}

func validRole(role string) bool {
	switch role {
	case RoleClient, RoleMiner, RoleOperator:
		return true
	}
	return false
}
