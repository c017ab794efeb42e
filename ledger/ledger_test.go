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
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/obscura-network/obscura-core/core/types"
)

func testEvents(ids ...string) []*types.PaymentEvent {
	events := make([]*types.PaymentEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, &types.PaymentEvent{
			ID:        id,
			PaymentID: "pay_aaaaaaaaaaaaaaaaaaaaaaaaaa",
			JobID:     "job_bbbbbbbbbbbbbbbbbbbbbbbbbb",
			TenantID:  "acme",
			Kind:      types.PaymentReleased,
		})
	}
	return events
}

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	sink, err := NewFile(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sink.Record(context.Background(), testEvents("evt_1", "evt_2")))
	require.NoError(t, sink.Record(context.Background(), testEvents("evt_3")))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev types.PaymentEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 3, lines)
}

func TestFileSinkCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	sink, err := NewFile(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sink.Record(context.Background(), testEvents("evt_1")))

	// The payment engine and the node both close the sink at shutdown.
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}

func TestMemorySinkDeduplicates(t *testing.T) {
	sink := NewMemory()
	require.NoError(t, sink.Record(context.Background(), testEvents("evt_1", "evt_2")))
	require.NoError(t, sink.Record(context.Background(), testEvents("evt_2", "evt_3")))
	require.Len(t, sink.Events(), 3)
}
