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

// Package sealer signs canonical receipts with the coordinator's ed25519
// key. The key lives in a hex seed file on disk; rotating the file swaps
// the active key while retired public keys stay available for verification.
package sealer

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core/types"
)

// ErrUnknownKey is returned when a receipt references a key id this sealer
// never held.
var ErrUnknownKey = errors.New("unknown signing key")

// ErrBadSignature is returned when a receipt's signature does not verify.
var ErrBadSignature = errors.New("receipt signature invalid")

// signingKey is one key the sealer has held, active or retired.
type signingKey struct {
	id   string
	priv ed25519.PrivateKey
}

// Sealer signs receipts with the active key and verifies against every key
// it has held since startup. A filesystem watcher picks up seed file
// rotations without a restart.
type Sealer struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	active  *signingKey
	retired map[string]ed25519.PublicKey

	watcher *fsnotify.Watcher
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New loads the seed file and starts watching its directory for rotations.
// keyID names the initial key in sealed receipts; rotated keys derive their
// id from the public key.
func New(path, keyID string, logger zerolog.Logger) (*Sealer, error) {
	priv, err := LoadSeed(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	s := &Sealer{
		path:    path,
		log:     logger.With().Str("component", "sealer").Logger(),
		active:  &signingKey{id: keyID, priv: priv},
		retired: make(map[string]ed25519.PublicKey),
		quit:    make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: rotations usually replace the file
	// and would detach a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// Close stops the rotation watcher.
func (s *Sealer) Close() error {
	close(s.quit)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

// Ready reports whether an active signing key is loaded.
func (s *Sealer) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil
}

// ActiveKeyID returns the id stamped on newly sealed receipts.
func (s *Sealer) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.id
}

// Seal signs the receipt's canonical bytes with the active key, filling in
// key id and signature. The signature travels as unpadded base64url.
func (s *Sealer) Seal(r *types.Receipt) error {
	s.mu.RLock()
	key := s.active
	s.mu.RUnlock()
	if key == nil {
		return errors.New("no active signing key")
	}
	msg, err := r.SigningBytes()
	if err != nil {
		return err
	}
	r.KeyID = key.id
	r.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(key.priv, msg))
	return nil
}

// Verify checks a sealed receipt against the key it names. Both the active
// and every retired key are accepted.
func (s *Sealer) Verify(r *types.Receipt) error {
	s.mu.RLock()
	var pub ed25519.PublicKey
	if s.active != nil && s.active.id == r.KeyID {
		pub = s.active.priv.Public().(ed25519.PublicKey)
	} else if p, ok := s.retired[r.KeyID]; ok {
		pub = p
	}
	s.mu.RUnlock()
	if pub == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKey, r.KeyID)
	}
	msg, err := r.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Reload re-reads the seed file. An unchanged seed is a no-op; a new seed
// retires the previous key for verification and activates the new one under
// its derived id.
func (s *Sealer) Reload() error {
	priv, err := LoadSeed(s.path)
	if err != nil {
		return fmt.Errorf("reload signing key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if bytes.Equal(s.active.priv.Seed(), priv.Seed()) {
			return nil
		}
		s.retired[s.active.id] = s.active.priv.Public().(ed25519.PublicKey)
	}
	id := KeyID(priv.Public().(ed25519.PublicKey))
	s.active = &signingKey{id: id, priv: priv}
	s.log.Info().Str("key_id", id).Msg("signing key rotated")
	return nil
}

// watchLoop reacts to writes of the seed file.
func (s *Sealer) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Error().Err(err).Msg("signing key reload failed, keeping previous key")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("signing key watcher error")
		case <-s.quit:
			return
		}
	}
}

// KeyID derives the identifier of a public key: the first 8 bytes of its
// sha256 digest, hex encoded.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:8])
}

// Generate returns a fresh signing key.
func Generate() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}
