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
	"errors"
	"sync"

	"github.com/obscura-network/obscura-core/core/types"
)

// MemorySink collects events in memory, deduplicated by event id. It backs
// tests and dev mode.
type MemorySink struct {
	mu     sync.Mutex
	events []*types.PaymentEvent
	seen   map[string]bool
	fail   error
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *MemorySink {
	return &MemorySink{seen: make(map[string]bool)}
}

// Record accepts the batch, dropping events already recorded.
func (s *MemorySink) Record(_ context.Context, events []*types.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, ev := range events {
		if s.seen[ev.ID] {
			continue
		}
		s.seen[ev.ID] = true
		s.events = append(s.events, ev)
	}
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Events returns a snapshot of the recorded events in delivery order.
func (s *MemorySink) Events() []*types.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.PaymentEvent(nil), s.events...)
}

// SetFailing makes Record fail until reset, for redelivery tests.
func (s *MemorySink) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fail {
		s.fail = errors.New("sink unavailable")
	} else {
		s.fail = nil
	}
}
