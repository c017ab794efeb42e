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

package ident

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testKeyfile = `
[[keys]]
key     = "client-secret"
tenant  = "acme"
subject = "ci"
roles   = ["client"]

[[keys]]
key     = "admin-secret"
tenant  = "ops"
subject = "oncall"
roles   = ["operator", "client"]
`

func newTestProvider(t *testing.T) (*FileProvider, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.toml")
	require.NoError(t, os.WriteFile(path, []byte(testKeyfile), 0600))

	p, err := NewFileProvider(path, []byte("0123456789abcdef0123456789abcdef"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, path
}

func TestAuthenticateAPIKey(t *testing.T) {
	p, _ := newTestProvider(t)

	r := httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("X-Api-Key", "client-secret")
	principal, err := p.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "acme", principal.Tenant)
	require.Equal(t, "ci", principal.Subject)
	require.True(t, principal.HasRole(RoleClient))
	require.False(t, principal.HasRole(RoleOperator))

	// The same key rides in a bearer header too.
	r = httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("Authorization", "Bearer admin-secret")
	principal, err = p.Authenticate(r)
	require.NoError(t, err)
	require.True(t, principal.HasRole(RoleOperator))
}

func TestAuthenticateRejections(t *testing.T) {
	p, _ := newTestProvider(t)

	r := httptest.NewRequest("GET", "/v1/jobs", nil)
	_, err := p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthRequired)

	r = httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthRequired)

	r = httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("X-Api-Key", "wrong-secret")
	_, err = p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	p, _ := newTestProvider(t)

	token, err := p.MintSessionToken("mnr_abc", "acme", time.Now())
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/miners/mnr_abc/poll", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	principal, err := p.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "acme", principal.Tenant)
	require.Equal(t, "mnr_abc", principal.Subject)
	require.True(t, principal.HasRole(RoleMiner))
}

func TestSessionTokenExpiry(t *testing.T) {
	p, _ := newTestProvider(t)

	token, err := p.MintSessionToken("mnr_abc", "acme", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/miners/mnr_abc/poll", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestSessionTokenForgedSecret(t *testing.T) {
	p, _ := newTestProvider(t)
	forger, err := NewFileProvider(p.path, []byte("another-secret-another-secret-xx"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer forger.Close()

	token, err := forger.MintSessionToken("mnr_abc", "acme", time.Now())
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/miners/mnr_abc/poll", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestKeyfileReload(t *testing.T) {
	p, path := newTestProvider(t)

	require.NoError(t, os.WriteFile(path, []byte(`
[[keys]]
key     = "rotated-secret"
tenant  = "acme"
subject = "ci"
roles   = ["client"]
`), 0600))
	require.NoError(t, p.Reload())

	r := httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("X-Api-Key", "client-secret")
	_, err := p.Authenticate(r)
	require.ErrorIs(t, err, ErrAuthFailed)

	r = httptest.NewRequest("GET", "/v1/jobs", nil)
	r.Header.Set("X-Api-Key", "rotated-secret")
	_, err = p.Authenticate(r)
	require.NoError(t, err)
}

func TestKeyfileValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[keys]]
key     = "x"
tenant  = "acme"
subject = "ci"
roles   = ["superuser"]
`), 0600))

	_, err := NewFileProvider(path, []byte("0123456789abcdef0123456789abcdef"), time.Hour, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown role")
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.secret")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	require.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
