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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/core/types"
)

// HTTPSink POSTs payment event batches as JSON to a settlement endpoint.
// Any 2xx response acknowledges the batch.
type HTTPSink struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTP builds a sink delivering to the given URL.
func NewHTTP(url string, logger zerolog.Logger) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.With().Str("component", "ledger").Str("sink", "http").Logger(),
	}
}

// Record delivers one batch. Errors are retryable; the caller redelivers.
func (s *HTTPSink) Record(ctx context.Context, events []*types.PaymentEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ledger endpoint returned %s", resp.Status)
	}
	return nil
}

// Close is a no-op for the HTTP sink.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
