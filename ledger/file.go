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

package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileSink appends payment events to a JSONL file, one event per line,
// synced per batch. Redelivered events appear as duplicate lines and are
// deduplicated downstream by event id.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewFile opens (or creates) the ledger file for appending.
func NewFile(path string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		file: f,
		log:  logger.With().Str("component", "ledger").Str("sink", "file").Logger(),
	}, nil
}

// Record appends the batch and syncs. A partial write followed by an error
// leaves duplicate-prone lines behind, which the at-least-once contract
// already permits.
func (s *FileSink) Record(_ context.Context, events []*types.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

// Close syncs and closes the ledger file. The sink has two owners at
// shutdown (the payment engine and the node), so Close is idempotent.
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.file.Sync(); err != nil {
			s.file.Close()
			s.closeErr = err
			return
		}
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}
