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
	"bytes"
	"fmt"

	"github.com/obscura-network/obscura-core/core/types"
	"github.com/obscura-network/obscura-core/kvdb"
)

// ReadReceipt retrieves the receipt row, or nil if it does not exist.
func ReadReceipt(db kvdb.KeyValueReader, id string) (*types.Receipt, error) {
	data, err := read(db, receiptKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	receipt := new(types.Receipt)
	if err := json.Unmarshal(data, receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", id, err)
	}
	return receipt, nil
}

// WriteReceipt stores the receipt row and its tenant listing index entry.
// Receipts are immutable; writing an existing id is a no-op, keeping the
// operation idempotent for replayed result submissions.
func WriteReceipt(db kvdb.KeyValueReader, w kvdb.KeyValueWriter, receipt *types.Receipt) error {
	ok, err := db.Has(receiptKey(receipt.ReceiptID))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt %s: %w", receipt.ReceiptID, err)
	}
	if err := w.Put(receiptKey(receipt.ReceiptID), data); err != nil {
		return err
	}
	return w.Put(receiptTenantKey(receipt.TenantID, receipt.CompletedMS, receipt.ReceiptID), nil)
}

// DeleteReceipt removes the receipt row and its index entry.
func DeleteReceipt(w kvdb.KeyValueWriter, receipt *types.Receipt) error {
	if err := w.Delete(receiptKey(receipt.ReceiptID)); err != nil {
		return err
	}
	return w.Delete(receiptTenantKey(receipt.TenantID, receipt.CompletedMS, receipt.ReceiptID))
}

// ReadReceiptIDsByTenant returns up to limit receipt ids of a tenant, newest
// first. A non-empty cursor (the last id of the previous page) resumes the
// listing strictly after that entry.
func ReadReceiptIDsByTenant(db kvdb.KeyValueReader, iteratee kvdb.Iteratee, tenant, cursor string, limit int) ([]string, error) {
	prefix := append(receiptTenantPrefix, tenant...)
	prefix = append(prefix, 0)
	it := iteratee.NewIterator(prefix, nil)
	defer it.Release()

	// The index sorts oldest first; collect everything and walk backwards.
	// Tenant receipt sets are bounded by retention, keeping this acceptable.
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	var cursorKey []byte
	if cursor != "" {
		r, err := ReadReceipt(db, cursor)
		if err != nil {
			return nil, err
		}
		if r != nil {
			cursorKey = receiptTenantKey(tenant, r.CompletedMS, r.ReceiptID)
		}
	}

	var ids []string
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if cursorKey != nil && bytes.Compare(keys[i], cursorKey) >= 0 {
			continue
		}
		ids = append(ids, string(keys[i][len(prefix)+8:]))
	}
	return ids, nil
}
