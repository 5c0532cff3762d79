package petrel

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/petreldb/petrel/block"
	"github.com/petreldb/petrel/bloom"
	"github.com/petreldb/petrel/sstable"
)

// testOptions returns a config pointed at fresh temp directories with
// thresholds that keep background work quiet unless a test asks for it.
func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.DataDir = filepath.Join(t.TempDir(), "data")
	opts.WALDir = filepath.Join(t.TempDir(), "wal")
	opts.Logger = DefaultLogger()
	return opts
}

// openTestDB opens an engine over testOptions and registers cleanup.
func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = testOptions(t)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testRunSeq keeps test run file names unique within a millisecond.
var testRunSeq uint64

// buildTestRun writes a sorted run with the given entries into dir.
func buildTestRun(t *testing.T, dir string, level int, entries map[string]string) *sstable.SSTable {
	t.Helper()

	sorted := make([]string, 0, len(entries))
	for k := range entries {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	builder := block.NewBuilder(4096)
	filter := bloom.New(len(entries), 0.01)
	for _, k := range sorted {
		builder.Add(k, []byte(entries[k]))
		filter.Add(k)
	}

	testRunSeq++
	path := filepath.Join(dir, sstable.Filename(time.Now().UnixMilli(), testRunSeq))
	run, err := sstable.Build(path, level, builder.Build(), filter)
	if err != nil {
		t.Fatalf("failed to build test run: %v", err)
	}
	return run
}

// crash simulates a process death: resources are dropped on the floor
// without flushing the memtable or truncating the WAL.
func crash(db *DB) {
	db.closed.Store(true)
	db.compactor.Stop()
	db.wal.Close()
	db.lock.Release()
}

// fill writes sequential keys key-%05d / value-%05d through the engine.
func fill(t *testing.T, db *DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := db.Put(fmt.Sprintf("key-%05d", i), []byte(fmt.Sprintf("value-%05d", i))); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
}
