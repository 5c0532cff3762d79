package petrel

import (
	"errors"

	"github.com/petreldb/petrel/codec"
)

// Error definitions for the engine.
// Standard Go practice - define all your errors in one place so they're easy to find.
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrDBClosed is returned when operating on a closed engine
	ErrDBClosed = errors.New("storage engine is closed")

	// ErrDBAlreadyOpen is returned when the data or WAL directory is already locked by another open engine
	ErrDBAlreadyOpen = errors.New("data directory is already open by another process")

	// ErrInvalidKey is returned when a key is nil, empty, or too large
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value is nil, empty, or too large
	ErrInvalidValue = errors.New("invalid value")

	// ErrCorruption is returned when data fails checksum or format validation
	ErrCorruption = codec.ErrCorrupt

	// ErrConflict is returned when a transaction fails read-set validation at commit
	ErrConflict = errors.New("transaction conflict: read set validation failed")

	// ErrTxnNotActive is returned when operating on a committed or rolled-back transaction
	ErrTxnNotActive = errors.New("transaction is not active")

	// ErrCompactorStopped is returned when triggering compaction on a stopped compactor
	ErrCompactorStopped = errors.New("compactor is not running")

	// ErrLevelOutOfRange is returned when adding a run beyond the configured max level
	ErrLevelOutOfRange = errors.New("level exceeds maximum")

	// Configuration validation errors
	ErrInvalidDataDir         = errors.New("invalid data directory")
	ErrInvalidWALDir          = errors.New("invalid WAL directory")
	ErrInvalidMemTableSize    = errors.New("invalid memtable size")
	ErrInvalidBlockSize       = errors.New("invalid block size")
	ErrInvalidBloomFPP        = errors.New("invalid bloom filter false positive rate")
	ErrInvalidCacheShards     = errors.New("cache shard count must be a power of two")
	ErrInvalidCacheCapacity   = errors.New("invalid cache shard capacity")
	ErrInvalidMaxLevel        = errors.New("invalid max level")
	ErrInvalidLevelMultiplier = errors.New("invalid level multiplier")
	ErrInvalidLevel0Threshold = errors.New("invalid level-0 file threshold")
	ErrInvalidLevel1MaxSize   = errors.New("invalid level-1 max size")
)
