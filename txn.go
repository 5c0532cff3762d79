package petrel

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// TransactionManager issues transaction ids, tracks active
// transactions, and owns the process-wide per-key lock registry that
// serializes transactional writers.
//
// The manager holds a plain back-reference to the engine; the engine
// owns the manager, and Go's garbage collector makes the cycle
// harmless.
type TransactionManager struct {
	db     *DB
	nextID atomic.Uint64
	active *xsync.MapOf[uint64, *Transaction]

	// keyLocks grows for the lifetime of the process; entries are
	// never evicted.
	keyLocks *xsync.MapOf[string, *sync.Mutex]
}

// NewTransactionManager creates a manager bound to the engine.
func NewTransactionManager(db *DB) *TransactionManager {
	return &TransactionManager{
		db:       db,
		active:   xsync.NewMapOf[uint64, *Transaction](),
		keyLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Begin starts a transaction with the next monotonic id.
func (tm *TransactionManager) Begin() *Transaction {
	txn := &Transaction{
		id:        tm.nextID.Add(1),
		manager:   tm,
		startedAt: time.Now(),
		readSet:   make(map[string][]byte),
		writeSet:  make(map[string][]byte),
		deleteSet: make(map[string]struct{}),
		locked:    make(map[string]struct{}),
		active:    true,
	}
	tm.active.Store(txn.id, txn)
	tm.db.logger.Debug("transaction started", "txn", txn.id)
	return txn
}

// ActiveCount returns the number of transactions that are neither
// committed nor rolled back.
func (tm *TransactionManager) ActiveCount() int {
	return tm.active.Size()
}

// keyLock returns the writer lock for a key, creating it on first use.
func (tm *TransactionManager) keyLock(key string) *sync.Mutex {
	lock, _ := tm.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock
}

// commit validates the read set against current committed state and
// applies the write and delete sets in key order. On a validation
// failure the transaction is rolled back and ErrConflict returned.
func (tm *TransactionManager) commit(txn *Transaction) error {
	if err := tm.validateReadSet(txn); err != nil {
		tm.rollback(txn)
		return err
	}

	// Deterministic apply order keeps concurrent committers from
	// interleaving surprisingly.
	writes := make([]string, 0, len(txn.writeSet))
	for k := range txn.writeSet {
		writes = append(writes, k)
	}
	sort.Strings(writes)
	for _, k := range writes {
		if err := tm.db.Put(k, txn.writeSet[k]); err != nil {
			tm.rollback(txn)
			return err
		}
	}

	deletes := make([]string, 0, len(txn.deleteSet))
	for k := range txn.deleteSet {
		deletes = append(deletes, k)
	}
	sort.Strings(deletes)
	for _, k := range deletes {
		if err := tm.db.Delete(k); err != nil {
			tm.rollback(txn)
			return err
		}
	}

	tm.active.Delete(txn.id)
	txn.releaseLocks()
	tm.db.logger.Debug("transaction committed", "txn", txn.id)
	return nil
}

// validateReadSet re-reads every observed key; any divergence from
// what the transaction saw is a conflict.
func (tm *TransactionManager) validateReadSet(txn *Transaction) error {
	for key, expected := range txn.readSet {
		actual, err := tm.db.Get(key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if !bytes.Equal(expected, actual) {
			tm.db.logger.Debug("read set validation failed",
				"txn", txn.id, "key", key)
			return ErrConflict
		}
	}
	return nil
}

// rollback drops the transaction's buffered state and releases its
// locks.
func (tm *TransactionManager) rollback(txn *Transaction) {
	tm.active.Delete(txn.id)
	txn.writeSet = nil
	txn.deleteSet = nil
	txn.releaseLocks()
	tm.db.logger.Debug("transaction rolled back", "txn", txn.id)
}

// Transaction buffers writes and deletes until commit, reading through
// to the engine for anything it hasn't touched. Reads are validated
// optimistically at commit; writes take per-key locks pessimistically
// at first mutation and hold them to commit or rollback. Together that
// yields snapshot isolation against committed state at validation
// time.
//
// A transaction is not safe for concurrent use by multiple goroutines.
type Transaction struct {
	id        uint64
	manager   *TransactionManager
	startedAt time.Time

	mu        sync.Mutex
	readSet   map[string][]byte // nil value records an observed absence
	writeSet  map[string][]byte
	deleteSet map[string]struct{}
	locked    map[string]struct{}
	active    bool
}

// ID returns the transaction's id.
func (t *Transaction) ID() uint64 { return t.id }

// StartedAt returns the transaction's begin time.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// Active reports whether the transaction can still be used.
func (t *Transaction) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Get reads a key through the transaction: its own writes first, then
// its deletes, then the engine. Engine reads are recorded in the read
// set for commit-time validation, absence included.
func (t *Transaction) Get(key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, ErrTxnNotActive
	}

	if v, ok := t.writeSet[key]; ok {
		return v, nil
	}
	if _, ok := t.deleteSet[key]; ok {
		return nil, ErrNotFound
	}

	v, err := t.manager.db.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.readSet[key] = nil
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.readSet[key] = v
	return v, nil
}

// Put buffers a write. The key's writer lock is held from here until
// commit or rollback.
func (t *Transaction) Put(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return ErrTxnNotActive
	}

	t.lockKey(key)
	t.writeSet[key] = value
	delete(t.deleteSet, key)
	return nil
}

// Delete buffers a deletion. The key's writer lock is held from here
// until commit or rollback.
func (t *Transaction) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return ErrTxnNotActive
	}

	t.lockKey(key)
	t.deleteSet[key] = struct{}{}
	delete(t.writeSet, key)
	return nil
}

// Commit validates the read set and applies the buffered mutations.
// On ErrConflict the transaction has already been rolled back and its
// locks released.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return ErrTxnNotActive
	}
	t.active = false
	t.mu.Unlock()

	return t.manager.commit(t)
}

// Rollback discards the transaction. Calling it on a finished
// transaction does nothing.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	t.manager.rollback(t)
}

// lockKey takes the key's writer lock once per transaction. The
// registry's mutexes are not reentrant, so the locked set doubles as
// the reentrance guard.
func (t *Transaction) lockKey(key string) {
	if _, held := t.locked[key]; held {
		return
	}
	t.manager.keyLock(key).Lock()
	t.locked[key] = struct{}{}
}

func (t *Transaction) releaseLocks() {
	for key := range t.locked {
		t.manager.keyLock(key).Unlock()
	}
	t.locked = make(map[string]struct{})
}
