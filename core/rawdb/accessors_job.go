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

// ReadJob retrieves the job row, or nil if it does not exist.
func ReadJob(db kvdb.KeyValueReader, id string) (*types.Job, error) {
	data, err := read(db, jobKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	job := new(types.Job)
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// WriteJob stores the job row and maintains its state and timer indexes.
// prev is the previously stored version, nil on first write; index entries
// keyed by superseded attributes are removed in the same write set.
func WriteJob(w kvdb.KeyValueWriter, prev, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := w.Put(jobKey(job.ID), data); err != nil {
		return err
	}
	if prev != nil {
		if prev.State != job.State {
			if err := w.Delete(jobStateKey(prev.State, prev.CreatedMS, prev.ID)); err != nil {
				return err
			}
		}
		if d := prev.NextDeadlineMS(); d != 0 && d != job.NextDeadlineMS() {
			if err := w.Delete(jobTimerKey(d, prev.ID)); err != nil {
				return err
			}
		}
	}
	if prev == nil || prev.State != job.State {
		if err := w.Put(jobStateKey(job.State, job.CreatedMS, job.ID), nil); err != nil {
			return err
		}
	}
	if d := job.NextDeadlineMS(); d != 0 && (prev == nil || prev.NextDeadlineMS() != d) {
		if err := w.Put(jobTimerKey(d, job.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteJob removes the job row and its index entries.
func DeleteJob(w kvdb.KeyValueWriter, job *types.Job) error {
	if err := w.Delete(jobKey(job.ID)); err != nil {
		return err
	}
	if err := w.Delete(jobStateKey(job.State, job.CreatedMS, job.ID)); err != nil {
		return err
	}
	if d := job.NextDeadlineMS(); d != 0 {
		if err := w.Delete(jobTimerKey(d, job.ID)); err != nil {
			return err
		}
	}
	return nil
}

// ReadJobIDsByState returns up to limit job ids in the given state, ordered
// by creation time ascending, job id as tiebreak. limit <= 0 means no limit.
func ReadJobIDsByState(db kvdb.Iteratee, state types.JobState, limit int) ([]string, error) {
	prefix := append(jobStatePrefix, jobStateByte(state))
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	var ids []string
	for it.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		key := it.Key()
		// prefix byte + state byte + 8 bytes created_ms, remainder is the id.
		ids = append(ids, string(key[len(prefix)+8:]))
	}
	return ids, it.Error()
}

// TimerEntry is one due deadline from the timer index.
type TimerEntry struct {
	JobID  string
	FireMS int64
}

// ReadJobTimersDueBefore returns up to limit timer entries with a fire time
// strictly before the cutoff, earliest first.
func ReadJobTimersDueBefore(db kvdb.Iteratee, cutoffMS int64, limit int) ([]TimerEntry, error) {
	it := db.NewIterator(jobTimerPrefix, nil)
	defer it.Release()

	var due []TimerEntry
	for it.Next() {
		if limit > 0 && len(due) >= limit {
			break
		}
		key := it.Key()
		fire := int64(decodeUint64(key[len(jobTimerPrefix) : len(jobTimerPrefix)+8]))
		if fire >= cutoffMS {
			break // keys sort chronologically
		}
		due = append(due, TimerEntry{JobID: string(key[len(jobTimerPrefix)+8:]), FireMS: fire})
	}
	return due, it.Error()
}

// DeleteJobTimer removes a single timer index entry. Used when a sweep finds
// an entry whose job no longer carries that deadline.
func DeleteJobTimer(w kvdb.KeyValueWriter, fireMS int64, jobID string) error {
	return w.Delete(jobTimerKey(fireMS, jobID))
}
