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

// Package attest is the extension seam for proof systems that attest sealed
// receipts. The coordinator stores whatever the plugin returns without
// interpreting it.
package attest

import "github.com/obscura-network/obscura-core/core/types"

// Plugin produces an opaque attestation for a sealed receipt, or nil when it
// has nothing to add. Errors do not fail the receipt; the attestation is
// best-effort by contract.
type Plugin interface {
	Attest(receipt *types.Receipt) ([]byte, error)
}

// Noop is the default plugin; it never attests.
type Noop struct{}

// Attest returns no attestation.
func (Noop) Attest(*types.Receipt) ([]byte, error) { return nil, nil }
