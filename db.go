package petrel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petreldb/petrel/block"
	"github.com/petreldb/petrel/bloom"
	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/memtable"
	"github.com/petreldb/petrel/sstable"
	"github.com/petreldb/petrel/wal"
)

// DB is the embedded storage engine. One instance owns its data and
// WAL directories for the life of the process.
//
// Concurrency model: a single reader-writer lock separates mutators
// (Put, Delete, flush, Close) from readers (Get). Flushes happen under
// the write lock, so a reader never observes the memtable swap
// half-done. The level manager carries its own lock for the finer
// structural changes driven by the background compactor.
type DB struct {
	opts *Options
	// The global lock. Coarse, but it keeps the write path simple and
	// correct.
	mu sync.RWMutex

	memtable  *memtable.MemTable
	wal       *wal.WAL
	levels    *LevelManager
	cache     *ShardedCache
	compactor *Compactor
	txns      *TransactionManager

	// Every mutation gets the next sequence number; it travels through
	// the WAL. Flushed runs are named by the memtable's own mutation
	// counter instead.
	seq    atomic.Uint64
	closed atomic.Bool

	lock   *dirLock
	logger *slog.Logger
}

// Open validates the configuration, creates the directories, recovers
// state from the WAL and existing sorted runs, and starts the
// background compactor.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		logger.Error("options did not validate", "error", err)
		return nil, err
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(opts.WALDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	// The engine assumes exclusive ownership of both directories.
	locks, err := acquireDirLock(opts.DataDir, opts.WALDir)
	if err != nil {
		return nil, err
	}

	walLog, err := wal.Open(wal.Config{
		Dir:             opts.WALDir,
		SyncImmediate:   opts.WALSyncImmediate,
		TruncateEnabled: opts.WALTruncateEnabled,
		Logger:          logger,
	})
	if err != nil {
		locks.Release()
		return nil, err
	}

	db := &DB{
		opts:     opts,
		memtable: memtable.New(opts.MemTableSize),
		wal:      walLog,
		levels:   NewLevelManager(opts, logger),
		cache:    NewShardedCache(opts.CacheShardCount, opts.CacheShardCapacity),
		lock:     locks,
		logger:   logger,
	}
	db.compactor = NewCompactor(opts, db.levels, logger)
	db.compactor.structural = &db.mu
	db.txns = NewTransactionManager(db)

	db.compactor.Start()

	if err := db.recover(); err != nil {
		db.compactor.Stop()
		walLog.Close()
		locks.Release()
		return nil, err
	}

	logger.Info("storage engine opened",
		"data_dir", opts.DataDir, "wal_dir", opts.WALDir)
	return db, nil
}

// recover clears the cache, replays the WAL into the fresh memtable,
// and reloads the on-disk level structure.
func (db *DB) recover() error {
	db.cache.Clear()

	report, err := db.wal.Recover(db.memtable)
	if err != nil {
		return fmt.Errorf("WAL recovery failed: %w", err)
	}
	metricWALRecovered.Add(report.Recovered)
	metricWALCorrupted.Add(report.Corrupted)
	db.seq.Store(report.MaxSequence)

	if err := db.levels.LoadExisting(); err != nil {
		return fmt.Errorf("failed to load sorted runs: %w", err)
	}
	return nil
}

// Put stores a value under key. The write is logged to the WAL before
// it touches the memtable; with WALSyncImmediate it is durable when
// Put returns.
func (db *DB) Put(key string, value []byte) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if !keys.IsValidKey(key) {
		return ErrInvalidKey
	}
	if !keys.IsValidValue(value) {
		return ErrInvalidValue
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	seq := db.seq.Add(1)
	if err := db.wal.AppendPut(key, value, uint64(time.Now().UnixMilli()), seq); err != nil {
		return err
	}
	db.memtable.Put(key, value)
	db.cache.Put(key, value)

	if db.memtable.ShouldFlush() {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound. The read
// path is cache, then the active memtable, then the levels; a
// memtable tombstone shadows anything older on disk.
func (db *DB) Get(key string) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if !keys.IsValidKey(key) {
		return nil, ErrInvalidKey
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if v, ok := db.cache.Get(key); ok {
		metricCacheHits.Inc()
		return v, nil
	}
	metricCacheMisses.Inc()

	v, state := db.memtable.Get(key)
	switch state {
	case memtable.LookupFound:
		db.cache.Put(key, v)
		return v, nil
	case memtable.LookupTombstone:
		return nil, ErrNotFound
	}

	if v, ok := db.levels.Get(key); ok {
		db.cache.Put(key, v)
		return v, nil
	}
	return nil, ErrNotFound
}

// Delete records a tombstone for key. Deleting an absent key is not an
// error.
func (db *DB) Delete(key string) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if !keys.IsValidKey(key) {
		return ErrInvalidKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	seq := db.seq.Add(1)
	if err := db.wal.AppendDelete(key, uint64(time.Now().UnixMilli()), seq); err != nil {
		return err
	}
	db.memtable.Delete(key)
	db.cache.Remove(key)

	if db.memtable.ShouldFlush() {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Compact submits a manual compaction check to the background worker.
func (db *DB) Compact() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	db.logger.Info("manual compaction triggered")
	return db.compactor.TriggerCompaction()
}

// Begin starts a new transaction.
func (db *DB) Begin() (*Transaction, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	return db.txns.Begin(), nil
}

// TransactionManager exposes the engine's transaction manager.
func (db *DB) TransactionManager() *TransactionManager {
	return db.txns
}

// Flush forces the active memtable to disk. Flushing an empty memtable
// is a no-op.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flushLocked()
}

// flushLocked snapshots the active memtable, replaces it with a fresh
// one, writes the snapshot as a level-0 run, and marks the WAL
// flushed. Caller must hold the write lock.
func (db *DB) flushLocked() error {
	if db.memtable.Size() == 0 && db.memtable.Len() == 0 {
		return nil
	}

	snapshot := db.memtable
	db.memtable = memtable.New(db.opts.MemTableSize)

	run, err := db.writeMemtable(snapshot)
	if err != nil {
		// Put the snapshot back so nothing is lost; the WAL still has
		// every record.
		db.memtable = snapshot
		return err
	}

	if run != nil {
		if err := db.levels.Add(run, 0); err != nil {
			return err
		}
	}

	if err := db.wal.MarkFlushed(snapshot.MaxSequence()); err != nil {
		return err
	}

	metricFlushes.Inc()
	db.logger.Info("memtable flushed",
		"entries", snapshot.Len(), "bytes", snapshot.Size(),
		"max_seq", snapshot.MaxSequence())

	db.compactor.TriggerCompaction()
	return nil
}

// writeMemtable turns a memtable snapshot into a level-0 run at the
// data directory root. Tombstones are dropped here; the compactor
// keeps same-key survivors in deeper levels from resurfacing by
// merging newest-first. Returns nil when the snapshot holds only
// tombstones.
func (db *DB) writeMemtable(snapshot *memtable.MemTable) (*sstable.SSTable, error) {
	live := snapshot.LiveLen()
	if live == 0 {
		return nil, nil
	}

	builder := block.NewBuilder(db.opts.BlockSize)
	filter := bloom.New(live, db.opts.BloomFilterFPP)

	it := snapshot.NewIterator()
	for it.Next() {
		e := it.Entry()
		if e.Tombstone {
			continue
		}
		builder.Add(e.Key, e.Value)
		filter.Add(e.Key)
	}
	it.Close()

	name := sstable.Filename(time.Now().UnixMilli(), snapshot.MaxSequence())
	path := filepath.Join(db.opts.DataDir, name)
	run, err := sstable.Build(path, 0, builder.Build(), filter)
	if err != nil {
		return nil, fmt.Errorf("failed to flush memtable to %s: %w", path, err)
	}

	stats := builder.Stats()
	db.logger.Debug("built level-0 run", "path", path,
		"blocks", stats.Blocks, "entries", stats.Entries, "bytes", stats.Bytes)
	return run, nil
}

// Stats returns a human-readable status report.
func (db *DB) Stats() string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var b strings.Builder
	b.WriteString("LSM Storage Engine Statistics:\n")
	fmt.Fprintf(&b, "- Active MemTable Size: %d bytes\n", db.memtable.Size())
	fmt.Fprintf(&b, "- Active MemTable Entries: %d\n", db.memtable.Len())
	fmt.Fprintf(&b, "- Cache Shard Count: %d\n", db.cache.ShardCount())
	fmt.Fprintf(&b, "- Cached Entries: %d\n", db.cache.Len())
	status := "RUNNING"
	if db.closed.Load() {
		status = "CLOSED"
	}
	fmt.Fprintf(&b, "- Engine Status: %s\n", status)

	for level := 0; level < db.levels.MaxLevel(); level++ {
		if n := db.levels.FileCount(level); n > 0 {
			fmt.Fprintf(&b, "- Level %d: %d files, %d bytes\n",
				level, n, db.levels.TotalSize(level))
		}
	}

	cs := db.compactor.Stats()
	fmt.Fprintf(&b, "- Total Compactions: %d\n", cs.TotalCompactions)
	fmt.Fprintf(&b, "- Total Bytes Compacted: %d\n", cs.TotalBytesCompacted)
	fmt.Fprintf(&b, "- Active Transactions: %d\n", db.txns.ActiveCount())
	return b.String()
}

// Close stops the compactor, flushes the memtable, and closes the WAL.
// Safe to call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	// Stop the compactor before taking the engine lock: its structural
	// swap needs that lock, so stopping under it could deadlock.
	db.compactor.Stop()

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.flushLocked(); err != nil {
		db.logger.Error("flush during close failed", "error", err)
		db.wal.Close()
		db.lock.Release()
		return err
	}
	if err := db.wal.Close(); err != nil {
		db.lock.Release()
		return err
	}
	if err := db.lock.Release(); err != nil {
		return err
	}

	db.logger.Info("storage engine closed")
	return nil
}
