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

// Package badgerdb implements the key-value database layer based on BadgerDB.
package badgerdb

import (
	"runtime"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/common"
	"github.com/obscura-network/obscura-core/kvdb"
)

// metricsGatheringInterval specifies the interval to retrieve badger database
// size stats to report to the user.
const metricsGatheringInterval = 3 * time.Second

// Database is a persistent key-value store based on the badger storage engine.
// Batches are committed as single transactions, so the atomic-write contract
// of kvdb.Batch holds as long as a batch stays within badger's transaction
// size limits; coordinator rows are far below them.
type Database struct {
	fn string     // filename for reporting
	db *badger.DB // Underlying badger storage engine

	lsmSizeGauge  metrics.Gauge // Gauge for tracking the size of the LSM tree
	vlogSizeGauge metrics.Gauge // Gauge for tracking the size of the value log

	quitLock sync.Mutex      // Mutex protecting the quit channel access
	quitChan chan chan error // Quit channel to stop the metrics collection before closing the database

	log zerolog.Logger // Contextual logger tracking the database path
}

// New returns a wrapped badger DB object. The namespace is the prefix that the
// metrics reporting should use for surfacing internal stats.
func New(file string, cache int, namespace string, readonly bool, logger zerolog.Logger) (*Database, error) {
	logger = logger.With().Str("database", file).Logger()
	logger.Info().
		Str("cache", common.StorageSize(cache*1024*1024).String()).
		Msg("allocated block and index caches")

	opts := badger.DefaultOptions(file).
		WithReadOnly(readonly).
		WithBlockCacheSize(int64(cache) * 1024 * 1024 / 2).
		WithIndexCacheSize(int64(cache) * 1024 * 1024 / 2).
		WithLogger(&badgerLogger{log: logger})
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	db := &Database{
		fn:       file,
		db:       bdb,
		log:      logger,
		quitChan: make(chan chan error),
	}
	db.lsmSizeGauge = metrics.GetOrRegisterGauge(namespace+"disk/lsm/size", nil)
	db.vlogSizeGauge = metrics.GetOrRegisterGauge(namespace+"disk/vlog/size", nil)

	go db.meter(metricsGatheringInterval)
	return db, nil
}

// Close stops the metrics collection and closes all io accesses to the
// underlying key-value store.
func (db *Database) Close() error {
	db.quitLock.Lock()
	defer db.quitLock.Unlock()

	if db.quitChan != nil {
		errc := make(chan error)
		db.quitChan <- errc
		<-errc
		db.quitChan = nil
	}
	return db.db.Close()
}

// Has retrieves if a key is present in the key-value store.
func (db *Database) Has(key []byte) (bool, error) {
	err := db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Get retrieves the given key if it's present in the key-value store.
func (db *Database) Get(key []byte) ([]byte, error) {
	var val []byte
	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put inserts the given value into the key-value store.
func (db *Database) Put(key []byte, value []byte) error {
	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes the key from the key-value store.
func (db *Database) Delete(key []byte) error {
	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// NewBatch creates a write-only key-value store that buffers changes to its host
// database until a final write is called.
func (db *Database) NewBatch() kvdb.Batch {
	return &batch{db: db.db}
}

// NewBatchWithSize creates a write-only database batch with pre-allocated buffer.
func (db *Database) NewBatchWithSize(size int) kvdb.Batch {
	return &batch{db: db.db, writes: make([]keyvalue, 0, size)}
}

// NewIterator creates a binary-alphabetical iterator over a subset
// of database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist). The returned iterator holds a
// read transaction open until released.
func (db *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	txn := db.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = common.CopyBytes(prefix)
	it := txn.NewIterator(opts)

	seek := make([]byte, 0, len(prefix)+len(start))
	seek = append(seek, prefix...)
	seek = append(seek, start...)
	it.Seek(seek)

	return &iterator{
		txn:    txn,
		iter:   it,
		prefix: opts.Prefix,
		moved:  true,
	}
}

// Stat returns a particular internal stat of the database.
func (db *Database) Stat(property string) (string, error) {
	return db.db.LevelsToString(), nil
}

// Compact flattens the LSM tree and drops garbage from the value log. The key
// range arguments are accepted for interface compatibility; badger compacts
// the whole store.
func (db *Database) Compact(start []byte, limit []byte) error {
	if err := db.db.Flatten(runtime.NumCPU()); err != nil {
		return err
	}
	// Repeated GC passes until badger reports nothing left to collect.
	for {
		if err := db.db.RunValueLogGC(0.5); err != nil {
			if err == badger.ErrNoRewrite || err == badger.ErrRejected {
				return nil
			}
			return err
		}
	}
}

// Path returns the path to the database directory.
func (db *Database) Path() string {
	return db.fn
}

// meter periodically retrieves internal badger counters and reports them to
// the metrics subsystem.
func (db *Database) meter(refresh time.Duration) {
	var errc chan error
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	for errc == nil {
		lsm, vlog := db.db.Size()
		db.lsmSizeGauge.Update(lsm)
		db.vlogSizeGauge.Update(vlog)

		select {
		case errc = <-db.quitChan:
		case <-timer.C:
			timer.Reset(refresh)
		}
	}
	errc <- nil
}

// badgerLogger routes badger's internal logging onto the contextual logger.
type badgerLogger struct {
	log zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

// keyvalue is a key-value tuple tagged with a deletion field to allow creating
// database write batches.
type keyvalue struct {
	key    []byte
	value  []byte
	delete bool
}

// batch is a write-only badger batch that commits changes to its host database
// as a single transaction when Write is called. A batch cannot be used
// concurrently.
type batch struct {
	db     *badger.DB
	writes []keyvalue
	size   int
}

// Put inserts the given value into the batch for later committing.
func (b *batch) Put(key, value []byte) error {
	b.writes = append(b.writes, keyvalue{common.CopyBytes(key), common.CopyBytes(value), false})
	b.size += len(key) + len(value)
	return nil
}

// Delete inserts the a key removal into the batch for later committing.
func (b *batch) Delete(key []byte) error {
	b.writes = append(b.writes, keyvalue{common.CopyBytes(key), nil, true})
	b.size += len(key)
	return nil
}

// ValueSize retrieves the amount of data queued up for writing.
func (b *batch) ValueSize() int {
	return b.size
}

// Write flushes any accumulated data to disk in one transaction.
func (b *batch) Write() error {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	for _, kv := range b.writes {
		var err error
		if kv.delete {
			err = txn.Delete(kv.key)
		} else {
			err = txn.Set(kv.key, kv.value)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

// Reset resets the batch for reuse.
func (b *batch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}

// Replay replays the batch contents.
func (b *batch) Replay(w kvdb.KeyValueWriter) error {
	for _, kv := range b.writes {
		if kv.delete {
			if err := w.Delete(kv.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// iterator walks a prefix of the badger keyspace inside a read transaction.
type iterator struct {
	txn    *badger.Txn
	iter   *badger.Iterator
	prefix []byte
	moved  bool
	err    error
}

// Next moves the iterator to the next key/value pair. It returns whether the
// iterator is exhausted.
func (it *iterator) Next() bool {
	if it.iter == nil {
		return false
	}
	if it.moved {
		it.moved = false
		return it.iter.ValidForPrefix(it.prefix)
	}
	it.iter.Next()
	return it.iter.ValidForPrefix(it.prefix)
}

// Error returns any accumulated error. Exhausting all the key/value pairs
// is not considered to be an error.
func (it *iterator) Error() error {
	return it.err
}

// Key returns the key of the current key/value pair, or nil if done. The caller
// should not modify the contents of the returned slice, and its contents may
// change on the next call to Next.
func (it *iterator) Key() []byte {
	if it.iter == nil || !it.iter.ValidForPrefix(it.prefix) {
		return nil
	}
	return it.iter.Item().Key()
}

// Value returns the value of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its contents
// may change on the next call to Next.
func (it *iterator) Value() []byte {
	if it.iter == nil || !it.iter.ValidForPrefix(it.prefix) {
		return nil
	}
	val, err := it.iter.Item().ValueCopy(nil)
	if err != nil {
		it.err = err
		return nil
	}
	return val
}

// Release releases associated resources. Release should always succeed and can
// be called multiple times without causing error.
func (it *iterator) Release() {
	if it.iter != nil {
		it.iter.Close()
		it.txn.Discard()
		it.iter, it.txn = nil, nil
	}
}
