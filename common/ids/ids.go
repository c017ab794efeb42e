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

// Package ids generates the opaque identifiers used across the coordinator.
// Identifiers are URL-safe, constant-length per kind and carry a short kind
// prefix so log lines and API payloads stay self-describing.
package ids

import (
	"crypto/sha256"
	"encoding/base32"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identifier kind prefixes.
const (
	JobPrefix     = "job"
	MinerPrefix   = "mnr"
	PaymentPrefix = "pay"
	ReceiptPrefix = "rcp"
	EventPrefix   = "evt"
)

// encodedLen is the length of 16 encoded bytes: ceil(128/5) characters.
const encodedLen = 26

// enc is lowercase unpadded base32. Lowercase keeps ids stable under
// case-folding proxies and easy to read aloud.
var enc = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// New returns a fresh identifier of the given kind: the prefix, an
// underscore and 26 base32 characters covering 128 random bits.
func New(prefix string) string {
	u := uuid.New()
	return prefix + "_" + enc.EncodeToString(u[:])
}

// Receipt derives the receipt identifier for one attempt of a job. The
// derivation is deterministic so a resubmitted result maps onto the
// receipt already sealed for that attempt.
func Receipt(jobID string, attempt uint32) string {
	h := sha256.Sum256([]byte(jobID + ":" + strconv.FormatUint(uint64(attempt), 10)))
	return ReceiptPrefix + "_" + enc.EncodeToString(h[:16])
}

// Event derives the payment event identifier from the payment id and the
// outbox sequence number, keeping redelivered events recognizable.
func Event(paymentID string, seq uint64) string {
	h := sha256.Sum256([]byte(paymentID + "#" + strconv.FormatUint(seq, 10)))
	return EventPrefix + "_" + enc.EncodeToString(h[:16])
}

// Valid reports whether id is well formed for the given kind prefix.
func Valid(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || len(rest) != encodedLen {
		return false
	}
	_, err := enc.DecodeString(rest)
	return err == nil
}
