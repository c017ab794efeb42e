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

// Package pebble implements the key-value store on top of the pebble LSM
// engine, the coordinator's default persistent backend.
package pebble

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/obscura-network/obscura-core/common"
	"github.com/obscura-network/obscura-core/kvdb"
)

const (
	// minCache is the floor, in megabytes, for the pebble block cache.
	minCache = 16

	// minHandles is the floor for open file handles.
	minHandles = 16

	// numLevels is how many LSM levels receive explicit options.
	numLevels = 7

	// degradationWarnInterval is how often to warn that the database is
	// falling behind on compaction.
	degradationWarnInterval = time.Minute

	// meterInterval is how often internal engine stats are republished as
	// metrics.
	meterInterval = 3 * time.Second
)

// Database wraps a pebble instance behind the kvdb contract: atomic batches
// and prefix iteration in ascending key order, plus a stats meter feeding
// the metrics registry.
type Database struct {
	path string
	db   *pebble.DB
	log  zerolog.Logger

	// Compaction and write-stall bookkeeping fed by engine event listeners.
	activeComp    int
	compStart     time.Time
	compTime      atomic.Int64
	level0Comp    atomic.Uint32
	nonLevel0Comp atomic.Uint32
	seekComp      atomic.Int64
	stallStart    time.Time
	stallCount    atomic.Int64
	stallTime     atomic.Int64

	compTimeMeter    metrics.Meter
	compReadMeter    metrics.Meter
	compWriteMeter   metrics.Meter
	stallCountMeter  metrics.Meter
	stallTimeMeter   metrics.Meter
	diskSizeGauge    metrics.Gauge
	diskWriteMeter   metrics.Meter
	memCompGauge     metrics.Gauge
	level0CompGauge  metrics.Gauge
	levelNCompGauge  metrics.Gauge
	seekCompGauge    metrics.Gauge
	manualAllocGauge metrics.Gauge

	quitLock sync.Mutex
	quitChan chan chan error
}

// New opens (or creates) a pebble database at path. cache is the block cache
// budget in megabytes and handles caps open files; both are raised to sane
// minimums. namespace prefixes the exported metrics.
func New(path string, cache int, handles int, namespace string, readonly bool, logger zerolog.Logger) (*Database, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	logger = logger.With().Str("database", path).Logger()
	logger.Info().
		Str("cache", common.StorageSize(cache*1024*1024).String()).
		Int("handles", handles).
		Bool("readonly", readonly).
		Msg("opening pebble database")

	db := &Database{
		path:     path,
		log:      logger,
		quitChan: make(chan chan error),
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cache * 1024 * 1024)),
		MaxOpenFiles: handles,
		// A quarter of the cache for memtables; pebble may keep more than
		// one around, bounded by MemTableStopWritesThreshold.
		MemTableSize:             uint64(cache * 1024 * 1024 / 4),
		MaxConcurrentCompactions: runtime.NumCPU,
		ReadOnly:                 readonly,
		EventListener: &pebble.EventListener{
			CompactionBegin: db.onCompactionBegin,
			CompactionEnd:   db.onCompactionEnd,
			WriteStallBegin: db.onWriteStallBegin,
			WriteStallEnd:   db.onWriteStallEnd,
		},
	}
	// Options must cover at least one level; the last entry carries over to
	// deeper levels.
	for i := 0; i < numLevels; i++ {
		opts.Levels = append(opts.Levels, pebble.LevelOptions{
			TargetFileSize: 2 * 1024 * 1024,
			FilterPolicy:   bloom.FilterPolicy(10),
		})
	}
	pdb, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	db.db = pdb

	db.compTimeMeter = metrics.GetOrRegisterMeter(namespace+"compact/time", nil)
	db.compReadMeter = metrics.GetOrRegisterMeter(namespace+"compact/input", nil)
	db.compWriteMeter = metrics.GetOrRegisterMeter(namespace+"compact/output", nil)
	db.stallCountMeter = metrics.GetOrRegisterMeter(namespace+"stall/counter", nil)
	db.stallTimeMeter = metrics.GetOrRegisterMeter(namespace+"stall/duration", nil)
	db.diskSizeGauge = metrics.GetOrRegisterGauge(namespace+"disk/size", nil)
	db.diskWriteMeter = metrics.GetOrRegisterMeter(namespace+"disk/write", nil)
	db.memCompGauge = metrics.GetOrRegisterGauge(namespace+"compact/memory", nil)
	db.level0CompGauge = metrics.GetOrRegisterGauge(namespace+"compact/level0", nil)
	db.levelNCompGauge = metrics.GetOrRegisterGauge(namespace+"compact/nonlevel0", nil)
	db.seekCompGauge = metrics.GetOrRegisterGauge(namespace+"compact/seek", nil)
	db.manualAllocGauge = metrics.GetOrRegisterGauge(namespace+"memory/manualalloc", nil)

	go db.meter(meterInterval)
	return db, nil
}

func (d *Database) onCompactionBegin(info pebble.CompactionInfo) {
	if d.activeComp == 0 {
		d.compStart = time.Now()
	}
	if info.Reason == "read" {
		d.seekComp.Add(1)
	}
	for _, level := range info.Input {
		if level.Level == 0 {
			d.level0Comp.Add(1)
		} else {
			d.nonLevel0Comp.Add(1)
		}
	}
	d.activeComp++
}

func (d *Database) onCompactionEnd(pebble.CompactionInfo) {
	if d.activeComp == 1 {
		d.compTime.Add(int64(time.Since(d.compStart)))
	}
	d.activeComp--
}

func (d *Database) onWriteStallBegin(pebble.WriteStallBeginInfo) {
	d.stallStart = time.Now()
	d.stallCount.Add(1)
}

func (d *Database) onWriteStallEnd() {
	d.stallTime.Add(int64(time.Since(d.stallStart)))
}

// Close stops the stats meter and releases the engine. Pending writes are
// flushed before the file handles go away.
func (d *Database) Close() error {
	d.quitLock.Lock()
	defer d.quitLock.Unlock()

	if d.quitChan != nil {
		errc := make(chan error)
		d.quitChan <- errc
		if err := <-errc; err != nil {
			d.log.Error().Err(err).Msg("stats meter failed on close")
		}
		d.quitChan = nil
	}
	return d.db.Close()
}

// Has reports whether the key is present.
func (d *Database) Has(key []byte) (bool, error) {
	_, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Get returns a copy of the value stored under key.
func (d *Database) Get(key []byte) ([]byte, error) {
	val, closer, err := d.db.Get(key)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	closer.Close()
	return ret, nil
}

// Put stores the value under key.
func (d *Database) Put(key []byte, value []byte) error {
	return d.db.Set(key, value, pebble.NoSync)
}

// Delete removes the key.
func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

// NewBatch returns a batch that commits atomically on Write.
func (d *Database) NewBatch() kvdb.Batch {
	return &batch{b: d.db.NewBatch()}
}

// NewBatchWithSize returns a batch; pebble sizes its own buffers, so the
// hint is ignored.
func (d *Database) NewBatchWithSize(_ int) kvdb.Batch {
	return &batch{b: d.db.NewBatch()}
}

// upperBound returns the smallest key strictly greater than every key with
// the given prefix, or nil when the prefix is all 0xff.
func upperBound(prefix []byte) []byte {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] == 0xff {
			continue
		}
		limit = make([]byte, i+1)
		copy(limit, prefix)
		limit[i]++
		break
	}
	return limit
}

// NewIterator iterates the keys carrying the given prefix in ascending
// order, starting at prefix+start.
func (d *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	iter, _ := d.db.NewIter(&pebble.IterOptions{
		LowerBound: append(append([]byte(nil), prefix...), start...),
		UpperBound: upperBound(prefix),
	})
	iter.First()
	return &pebbleIterator{iter: iter, positioned: true}
}

// Stat is unsupported by the pebble backend.
func (d *Database) Stat(property string) (string, error) {
	return "", fmt.Errorf("pebble: unknown property %q", property)
}

// Compact flattens the given key range, discarding deleted and overwritten
// versions. Nil bounds cover the whole keyspace.
func (d *Database) Compact(start []byte, limit []byte) error {
	// Pebble has no open-ended range form; stand in a key beyond anything
	// the schema produces.
	if limit == nil {
		limit = bytes.Repeat([]byte{0xff}, 8)
	}
	return d.db.Compact(start, limit, true)
}

// Path returns the on-disk location of the database.
func (d *Database) Path() string {
	return d.path
}

// meter republishes engine counters into the metrics registry until Close.
func (d *Database) meter(refresh time.Duration) {
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	// Previous sample per delta-reported series.
	var (
		lastCompTime   int64
		lastCompRead   int64
		lastCompWrite  int64
		lastStallCount int64
		lastStallTime  int64
		lastWritten    int64
		lastWarned     time.Time
	)
	var errc chan error
	for errc == nil {
		stats := d.db.Metrics()

		var compRead, compWrite, written int64
		for _, level := range stats.Levels {
			compRead += int64(level.BytesRead)
			compWrite += int64(level.BytesCompacted)
			written += int64(level.BytesCompacted) + int64(level.BytesFlushed)
		}
		written += int64(stats.WAL.BytesWritten)

		compTime := d.compTime.Load()
		stallCount := d.stallCount.Load()
		stallTime := d.stallTime.Load()

		d.compTimeMeter.Mark(compTime - lastCompTime)
		d.compReadMeter.Mark(compRead - lastCompRead)
		d.compWriteMeter.Mark(compWrite - lastCompWrite)
		d.stallCountMeter.Mark(stallCount - lastStallCount)
		d.stallTimeMeter.Mark(stallTime - lastStallTime)
		d.diskWriteMeter.Mark(written - lastWritten)
		d.diskSizeGauge.Update(int64(stats.DiskSpaceUsage()))

		d.memCompGauge.Update(stats.Flush.Count)
		d.level0CompGauge.Update(int64(d.level0Comp.Load()))
		d.levelNCompGauge.Update(int64(d.nonLevel0Comp.Load()))
		d.seekCompGauge.Update(d.seekComp.Load())
		d.manualAllocGauge.Update(stats.BlockCache.Size + int64(stats.MemTable.Size) + int64(stats.MemTable.ZombieSize))

		if stalled := stallTime - lastStallTime; stalled > 0 && time.Since(lastWarned) > degradationWarnInterval {
			d.log.Warn().Dur("stalled", time.Duration(stalled)).Msg("database write stalls, compaction falling behind")
			lastWarned = time.Now()
		}

		lastCompTime, lastCompRead, lastCompWrite = compTime, compRead, compWrite
		lastStallCount, lastStallTime, lastWritten = stallCount, stallTime, written

		select {
		case errc = <-d.quitChan:
		case <-timer.C:
			timer.Reset(refresh)
		}
	}
	errc <- nil
}

// batch buffers writes until Write commits them in one atomic operation.
type batch struct {
	b    *pebble.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	if err := b.b.Set(key, value, nil); err != nil {
		return err
	}
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	if err := b.b.Delete(key, nil); err != nil {
		return err
	}
	b.size += len(key)
	return nil
}

// ValueSize reports the amount of data queued for writing.
func (b *batch) ValueSize() int {
	return b.size
}

// Write commits every queued operation atomically.
func (b *batch) Write() error {
	return b.b.Commit(pebble.NoSync)
}

// Reset empties the batch for reuse.
func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}

// Replay feeds the queued operations into the given writer in order.
func (b *batch) Replay(w kvdb.KeyValueWriter) error {
	reader := b.b.Reader()
	for {
		kind, key, value, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// Key and value alias the batch buffer; the writer copies what it
		// keeps.
		switch kind {
		case pebble.InternalKeyKindSet:
			if err := w.Put(key, value); err != nil {
				return err
			}
		case pebble.InternalKeyKindDelete:
			if err := w.Delete(key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("pebble: unhandled batch operation %s", kind)
		}
	}
}

// pebbleIterator adapts pebble's seeked iterator to the kvdb contract,
// which expects a Next call before the first pair.
type pebbleIterator struct {
	iter       *pebble.Iterator
	positioned bool
}

// Next advances to the next pair, reporting whether one exists.
func (it *pebbleIterator) Next() bool {
	if it.positioned {
		it.positioned = false
		return it.iter.Valid()
	}
	return it.iter.Next()
}

// Error returns any accumulated failure; exhaustion is not an error.
func (it *pebbleIterator) Error() error {
	return it.iter.Error()
}

// Key returns the current key. The slice is only valid until the next
// Next call.
func (it *pebbleIterator) Key() []byte {
	return it.iter.Key()
}

// Value returns the current value, valid until the next Next call.
func (it *pebbleIterator) Value() []byte {
	return it.iter.Value()
}

// Release frees the underlying iterator. Safe to call more than once.
func (it *pebbleIterator) Release() { it.iter.Close() }
