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

// Package ledger defines the payment event sink consumed by the settlement
// layer, with file, HTTP and in-memory implementations. Delivery is
// at-least-once; sinks must deduplicate on event id.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core/types"
)

// Sink receives finalized payment events. Record either durably accepts the
// whole batch or returns an error, in which case the entire batch is
// redelivered later.
type Sink interface {
	Record(ctx context.Context, events []*types.PaymentEvent) error
	Close() error
}

// New builds a sink from its configuration string: "memory", "file:<path>"
// or an http(s) URL.
func New(spec string, logger zerolog.Logger) (Sink, error) {
	switch {
	case spec == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(spec, "file:"):
		return NewFile(strings.TrimPrefix(spec, "file:"), logger)
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return NewHTTP(spec, logger), nil
	default:
		return nil, fmt.Errorf("ledger: unrecognized sink %q", spec)
	}
}
