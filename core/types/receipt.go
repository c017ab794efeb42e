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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/obscura-network/obscura-core/params"
)

// Receipt is the sealed settlement artifact for one successful job attempt.
// The canonical byte form produced by SigningBytes is the signed message;
// key id and signature ride alongside and are appended in the wire form.
// Receipts are immutable once sealed.
type Receipt struct {
	ReceiptID     string `json:"receipt_id"`
	JobID         string `json:"job_id"`
	MinerID       string `json:"miner_id"`
	SubmitterID   string `json:"submitter_id"`
	UnitsConsumed uint64 `json:"units_consumed"`
	UnitRate      uint64 `json:"unit_rate"`
	AmountCharged uint64 `json:"amount_charged"`
	StartedMS     int64  `json:"started_ms"`
	CompletedMS   int64  `json:"completed_ms"`
	ResultHash    string `json:"result_hash"`
	Model         string `json:"model"`

	KeyID     string `json:"key_id,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Bookkeeping outside the signed form.
	TenantID     string `json:"tenant_id,omitempty"`
	Attempt      uint32 `json:"attempt,omitempty"`
	PriceClamped bool   `json:"price_clamped,omitempty"`
	Attestation  []byte `json:"attestation,omitempty"`
}

// CanonicalError reports a receipt field that cannot be canonically encoded.
type CanonicalError struct {
	Field  string
	Reason string
}

func (e *CanonicalError) Error() string {
	return fmt.Sprintf("receipt canonicalization: field %s: %s", e.Field, e.Reason)
}

// canonicalStrings lists the string fields of the signed form in order,
// paired with accessors, so encoding and validation cannot drift apart.
func (r *Receipt) validateCanonical() error {
	strFields := []struct {
		name  string
		value string
	}{
		{"receipt_id", r.ReceiptID},
		{"job_id", r.JobID},
		{"miner_id", r.MinerID},
		{"submitter_id", r.SubmitterID},
		{"model", r.Model},
	}
	for _, f := range strFields {
		if f.value == "" {
			return &CanonicalError{Field: f.name, Reason: "required"}
		}
	}
	if len(r.ResultHash) != 64 {
		return &CanonicalError{Field: "result_hash", Reason: "must be 64 hex characters"}
	}
	if _, err := hex.DecodeString(r.ResultHash); err != nil {
		return &CanonicalError{Field: "result_hash", Reason: "must be hex"}
	}
	if r.StartedMS <= 0 {
		return &CanonicalError{Field: "started_ms", Reason: "required"}
	}
	if r.CompletedMS < r.StartedMS {
		return &CanonicalError{Field: "completed_ms", Reason: "before started_ms"}
	}
	return nil
}

// SigningBytes returns the canonical JSON the sealer signs: one line, fixed
// field order, no insignificant whitespace, integers in base 10, strings
// with only the mandatory escapes. Two receipts with equal fields always
// canonicalize to identical bytes.
func (r *Receipt) SigningBytes() ([]byte, error) {
	if err := r.validateCanonical(); err != nil {
		return nil, err
	}
	return r.appendCanonical(nil), nil
}

// WireBytes returns the full receipt as transmitted to clients: the signed
// canonical form with key_id and signature appended before the closing
// brace. Verifiers strip the same two fields to recover the signed bytes.
func (r *Receipt) WireBytes() ([]byte, error) {
	if err := r.validateCanonical(); err != nil {
		return nil, err
	}
	if r.KeyID == "" {
		return nil, &CanonicalError{Field: "key_id", Reason: "receipt not sealed"}
	}
	if r.Signature == "" {
		return nil, &CanonicalError{Field: "signature", Reason: "receipt not sealed"}
	}
	buf := r.appendCanonical(nil)
	buf = buf[:len(buf)-1] // reopen the object
	buf = append(buf, `,"key_id":`...)
	buf = appendJSONString(buf, r.KeyID)
	buf = append(buf, `,"signature":`...)
	buf = appendJSONString(buf, r.Signature)
	buf = append(buf, '}')
	return buf, nil
}

// appendCanonical writes the signed form. Field order is part of the
// protocol and must never change.
func (r *Receipt) appendCanonical(buf []byte) []byte {
	buf = append(buf, `{"receipt_id":`...)
	buf = appendJSONString(buf, r.ReceiptID)
	buf = append(buf, `,"job_id":`...)
	buf = appendJSONString(buf, r.JobID)
	buf = append(buf, `,"miner_id":`...)
	buf = appendJSONString(buf, r.MinerID)
	buf = append(buf, `,"submitter_id":`...)
	buf = appendJSONString(buf, r.SubmitterID)
	buf = append(buf, `,"units_consumed":`...)
	buf = strconv.AppendUint(buf, r.UnitsConsumed, 10)
	buf = append(buf, `,"unit_rate":`...)
	buf = strconv.AppendUint(buf, r.UnitRate, 10)
	buf = append(buf, `,"amount_charged":`...)
	buf = strconv.AppendUint(buf, r.AmountCharged, 10)
	buf = append(buf, `,"started_ms":`...)
	buf = strconv.AppendInt(buf, r.StartedMS, 10)
	buf = append(buf, `,"completed_ms":`...)
	buf = strconv.AppendInt(buf, r.CompletedMS, 10)
	buf = append(buf, `,"result_hash":`...)
	buf = appendJSONString(buf, r.ResultHash)
	buf = append(buf, `,"model":`...)
	buf = appendJSONString(buf, r.Model)
	buf = append(buf, '}')
	return buf
}

// appendJSONString writes s as a JSON string using only the mandatory
// escapes: quote, backslash, and \u00XX for control characters. Other bytes
// pass through untouched, so the encoding is byte-deterministic for any
// UTF-8 input.
func appendJSONString(buf []byte, s string) []byte {
	const hexdigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c < 0x20:
			buf = append(buf, '\\', 'u', '0', '0', hexdigits[c>>4], hexdigits[c&0xf])
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}

// Copy returns a deep copy of the receipt.
func (r *Receipt) Copy() *Receipt {
	cpy := *r
	if r.Attestation != nil {
		cpy.Attestation = append([]byte(nil), r.Attestation...)
	}
	return &cpy
}

// HashResult returns the lowercase hex sha256 of a result payload, the
// result_hash recorded on receipts.
func HashResult(output []byte) string {
	h := sha256.Sum256(output)
	return hex.EncodeToString(h[:])
}

// CalcCharge computes floor(units*rate/1000) through a 128-bit intermediate
// and clamps the result to maxPrice. The boolean reports whether the clamp
// was applied (including multiplication overflow, which the clamp absorbs).
func CalcCharge(units, rate, maxPrice uint64) (uint64, bool) {
	hi, lo := bits.Mul64(units, rate)
	if hi >= params.UnitRateDivisor {
		// Quotient would overflow uint64; necessarily above any max price.
		return maxPrice, true
	}
	q, _ := bits.Div64(hi, lo, params.UnitRateDivisor)
	if q > maxPrice {
		return maxPrice, true
	}
	return q, false
}
