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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/naoina/toml"
	"github.com/rs/zerolog"
)

// keyfileDoc is the on-disk keyfile layout:
//
//	[[keys]]
//	key     = "s3cret"
//	tenant  = "acme"
//	subject = "ci"
//	roles   = ["client"]
type keyfileDoc struct {
	Keys []struct {
		Key     string   `toml:"key"`
		Tenant  string   `toml:"tenant"`
		Subject string   `toml:"subject"`
		Roles   []string `toml:"roles"`
	} `toml:"keys"`
}

// keyEntry holds one loaded API key. Only the digest of the key is kept.
type keyEntry struct {
	digest    [sha256.Size]byte
	principal Principal
}

// sessionClaims is the JWT payload of a miner session token.
type sessionClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
}

// FileProvider authenticates API keys from a TOML keyfile and miner session
// tokens signed with the node secret. The keyfile reloads on change.
type FileProvider struct {
	path   string
	secret []byte
	ttl    time.Duration
	log    zerolog.Logger

	mu      sync.RWMutex
	entries []keyEntry

	watcher *fsnotify.Watcher
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewFileProvider loads the keyfile and starts watching it for changes.
// secret signs and verifies miner session tokens.
func NewFileProvider(path string, secret []byte, sessionTTL time.Duration, logger zerolog.Logger) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		secret: secret,
		ttl:    sessionTTL,
		log:    logger.With().Str("component", "ident").Logger(),
		quit:   make(chan struct{}),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	p.watcher = watcher
	p.wg.Add(1)
	go p.watchLoop()
	return p, nil
}

// Close stops the keyfile watcher.
func (p *FileProvider) Close() error {
	close(p.quit)
	err := p.watcher.Close()
	p.wg.Wait()
	return err
}

// Reload re-reads the keyfile, replacing the loaded key set atomically.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read auth keyfile: %w", err)
	}
	var doc keyfileDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse auth keyfile: %w", err)
	}
	entries := make([]keyEntry, 0, len(doc.Keys))
	for i, k := range doc.Keys {
		if k.Key == "" || k.Tenant == "" || k.Subject == "" || len(k.Roles) == 0 {
			return fmt.Errorf("auth keyfile entry %d: key, tenant, subject and roles are required", i)
		}
		for _, role := range k.Roles {
			if !validRole(role) {
				return fmt.Errorf("auth keyfile entry %d: unknown role %q", i, role)
			}
		}
		entries = append(entries, keyEntry{
			digest: sha256.Sum256([]byte(k.Key)),
			principal: Principal{
				Tenant:  k.Tenant,
				Subject: k.Subject,
				Roles:   append([]string(nil), k.Roles...),
			},
		})
	}
	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
	p.log.Info().Int("keys", len(entries)).Msg("auth keyfile loaded")
	return nil
}

func (p *FileProvider) watchLoop() {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.log.Error().Err(err).Msg("auth keyfile reload failed, keeping previous keys")
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn().Err(err).Msg("auth keyfile watcher error")
		case <-p.quit:
			return
		}
	}
}

// Authenticate resolves the request's credentials to a principal. API keys
// arrive in X-Api-Key or as a bearer credential; anything shaped like a JWT
// is treated as a miner session token.
func (p *FileProvider) Authenticate(r *http.Request) (*Principal, error) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return p.lookupKey(key)
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, ErrAuthRequired
	}
	scheme, cred, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || cred == "" {
		return nil, fmt.Errorf("%w: malformed authorization header", ErrAuthRequired)
	}
	if strings.Count(cred, ".") == 2 {
		return p.verifyToken(cred)
	}
	return p.lookupKey(cred)
}

// lookupKey compares the presented key's digest against every loaded entry
// in constant time.
func (p *FileProvider) lookupKey(key string) (*Principal, error) {
	digest := sha256.Sum256([]byte(key))
	p.mu.RLock()
	defer p.mu.RUnlock()

	var found *Principal
	for i := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], p.entries[i].digest[:]) == 1 {
			found = &p.entries[i].principal
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrAuthFailed)
	}
	cpy := *found
	cpy.Roles = append([]string(nil), found.Roles...)
	return &cpy, nil
}

// MintSessionToken issues a miner session token for the registered miner.
func (p *FileProvider) MintSessionToken(minerID, tenant string, now time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   minerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
		Tenant: tenant,
		Role:   RoleMiner,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *FileProvider) verifyToken(token string) (*Principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	if claims.Subject == "" || claims.Tenant == "" || claims.Role != RoleMiner {
		return nil, fmt.Errorf("%w: malformed session token", ErrAuthFailed)
	}
	return &Principal{
		Tenant:  claims.Tenant,
		Subject: claims.Subject,
		Roles:   []string{RoleMiner},
	}, nil
}

// LoadOrCreateSecret returns the node's token signing secret, generating a
// fresh one at path on first boot.
func LoadOrCreateSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(secret) != 32 {
			return nil, fmt.Errorf("jwt secret file %s: want 64 hex characters", path)
		}
		return secret, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0600); err != nil {
		return nil, err
	}
	return secret, nil
}
