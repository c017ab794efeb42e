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

package rawdb

import (
	"fmt"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
)

// ReadPayment retrieves the payment row, or nil if it does not exist.
func ReadPayment(db kvdb.KeyValueReader, id string) (*types.Payment, error) {
	data, err := read(db, paymentKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	payment := new(types.Payment)
	if err := json.Unmarshal(data, payment); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return payment, nil
}

// WritePayment stores the payment row.
func WritePayment(w kvdb.KeyValueWriter, payment *types.Payment) error {
	data, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("encode payment %s: %w", payment.ID, err)
	}
	return w.Put(paymentKey(payment.ID), data)
}

// DeletePayment removes the payment row.
func DeletePayment(w kvdb.KeyValueWriter, id string) error {
	return w.Delete(paymentKey(id))
}

// ReadOutboxSeq retrieves the last assigned outbox sequence number.
func ReadOutboxSeq(db kvdb.KeyValueReader) (uint64, error) {
	return readCounter(db, outboxSeqKey)
}

// WriteOutboxSeq stores the last assigned outbox sequence number.
func WriteOutboxSeq(w kvdb.KeyValueWriter, seq uint64) error {
	return w.Put(outboxSeqKey, encodeUint64(seq))
}

// WritePaymentEvent appends a payment event to the outbox under its sequence
// number.
func WritePaymentEvent(w kvdb.KeyValueWriter, ev *types.PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode payment event %s: %w", ev.ID, err)
	}
	return w.Put(outboxKey(ev.Seq), data)
}

// DeletePaymentEvent removes a delivered event from the outbox.
func DeletePaymentEvent(w kvdb.KeyValueWriter, seq uint64) error {
	return w.Delete(outboxKey(seq))
}

// ReadOutboxBatch returns up to limit undelivered payment events in sequence
// order.
func ReadOutboxBatch(db kvdb.Iteratee, limit int) ([]*types.PaymentEvent, error) {
	it := db.NewIterator(outboxPrefix, nil)
	defer it.Release()

	var events []*types.PaymentEvent
	for it.Next() {
		if limit > 0 && len(events) >= limit {
			break
		}
		ev := new(types.PaymentEvent)
		if err := json.Unmarshal(it.Value(), ev); err != nil {
			return nil, fmt.Errorf("decode payment event seq %d: %w", decodeUint64(it.Key()[len(outboxPrefix):]), err)
		}
		events = append(events, ev)
	}
	return events, it.Error()
}

// ReadOutboxDepth counts the undelivered events in the outbox.
func ReadOutboxDepth(db kvdb.Iteratee) (int, error) {
	it := db.NewIterator(outboxPrefix, nil)
	defer it.Release()

	depth := 0
	for it.Next() {
		depth++
	}
	return depth, it.Error()
}
