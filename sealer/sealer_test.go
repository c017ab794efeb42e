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

package sealer

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
)

func testReceipt() *types.Receipt {
	return &types.Receipt{
		ReceiptID:     "rcp_aaaaaaaaaaaaaaaaaaaaaaaaaa",
		JobID:         "job_bbbbbbbbbbbbbbbbbbbbbbbbbb",
		MinerID:       "mnr_cccccccccccccccccccccccccc",
		SubmitterID:   "acme/client",
		UnitsConsumed: 2000,
		UnitRate:      5,
		AmountCharged: 10,
		StartedMS:     1700000000000,
		CompletedMS:   1700000003000,
		ResultHash:    types.HashResult([]byte("result")),
		Model:         "llama-70b",
	}
}

func newTestSealer(t *testing.T) (*Sealer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sealing.key")
	priv, err := Generate()
	require.NoError(t, err)
	require.NoError(t, SaveSeed(path, priv))

	s, err := New(path, "key-1", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSeedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sealing.key")
	priv, err := Generate()
	require.NoError(t, err)
	require.NoError(t, SaveSeed(path, priv))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadSeed(path)
	require.NoError(t, err)
	require.Equal(t, priv.Seed(), loaded.Seed())
}

func TestLoadSeedRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("abcd\n"), 0600))
	_, err := LoadSeed(short)
	require.Error(t, err)

	nonhex := filepath.Join(dir, "nonhex")
	require.NoError(t, os.WriteFile(nonhex, []byte(strings.Repeat("z", 64)+"\n"), 0600))
	_, err = LoadSeed(nonhex)
	require.Error(t, err)

	_, err = LoadSeed(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestSealAndVerify(t *testing.T) {
	s, _ := newTestSealer(t)
	require.True(t, s.Ready())
	require.Equal(t, "key-1", s.ActiveKeyID())

	r := testReceipt()
	require.NoError(t, s.Seal(r))
	require.Equal(t, "key-1", r.KeyID)
	require.NotEmpty(t, r.Signature)
	require.NoError(t, s.Verify(r))

	// Any field change breaks the signature.
	tampered := r.Copy()
	tampered.AmountCharged++
	require.ErrorIs(t, s.Verify(tampered), ErrBadSignature)

	// Unknown key id is refused outright.
	foreign := r.Copy()
	foreign.KeyID = "key-9"
	require.ErrorIs(t, s.Verify(foreign), ErrUnknownKey)
}

func TestSignatureWireEncoding(t *testing.T) {
	s, _ := newTestSealer(t)
	r := testReceipt()
	require.NoError(t, s.Seal(r))

	// The signature is unpadded base64url over the signing bytes.
	require.NotContains(t, r.Signature, "=")
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	require.NoError(t, err)
	require.Len(t, sig, ed25519.SignatureSize)
}

func TestSealRejectsMalformedReceipt(t *testing.T) {
	s, _ := newTestSealer(t)
	r := testReceipt()
	r.ResultHash = "not-hex"
	var canonicalErr *types.CanonicalError
	require.ErrorAs(t, s.Seal(r), &canonicalErr)
	require.Equal(t, "result_hash", canonicalErr.Field)
}

func TestRotationRetiresOldKey(t *testing.T) {
	s, path := newTestSealer(t)

	old := testReceipt()
	require.NoError(t, s.Seal(old))

	next, err := Generate()
	require.NoError(t, err)
	require.NoError(t, SaveSeed(path, next))
	require.NoError(t, s.Reload())

	require.Equal(t, KeyID(next.Public().(ed25519.PublicKey)), s.ActiveKeyID())

	// New receipts seal under the new key; old ones still verify.
	fresh := testReceipt()
	require.NoError(t, s.Seal(fresh))
	require.NotEqual(t, old.KeyID, fresh.KeyID)
	require.NoError(t, s.Verify(fresh))
	require.NoError(t, s.Verify(old))
}

func TestReloadUnchangedSeedKeepsKeyID(t *testing.T) {
	s, _ := newTestSealer(t)
	require.NoError(t, s.Reload())
	require.Equal(t, "key-1", s.ActiveKeyID())
}
