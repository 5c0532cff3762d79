package petrel

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// TestBasicOperations covers the Put/Get/Delete cycle every KV store
// should support. This is the smoke test - if this fails, everything
// else is broken.
func TestBasicOperations(t *testing.T) {
	db := openTestDB(t, nil)

	key := "user:1001"
	if err := db.Put(key, []byte("alice")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	v, err := db.Get(key)
	if err != nil || !bytes.Equal(v, []byte("alice")) {
		t.Errorf("Get = %q, %v, want alice", v, err)
	}

	// Update in place.
	if err := db.Put(key, []byte("alice2")); err != nil {
		t.Fatal(err)
	}
	v, err = db.Get(key)
	if err != nil || !bytes.Equal(v, []byte("alice2")) {
		t.Errorf("Get after update = %q, %v, want alice2", v, err)
	}

	// Delete, then the key is gone.
	if err := db.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	if _, err := db.Get("never-written"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get of absent key = %v, want ErrNotFound", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	db := openTestDB(t, nil)

	if err := db.Put("", []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty key = %v, want ErrInvalidKey", err)
	}
	if err := db.Put("k", nil); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("nil value = %v, want ErrInvalidValue", err)
	}
	if err := db.Put("k", []byte{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("empty value = %v, want ErrInvalidValue", err)
	}
	if err := db.Put(strings.Repeat("k", 10*KiB+1), []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("oversized key = %v, want ErrInvalidKey", err)
	}
	if err := db.Put("k", make([]byte, MiB+1)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("oversized value = %v, want ErrInvalidValue", err)
	}

	// Exactly at the limits is fine.
	if err := db.Put(strings.Repeat("k", 10*KiB), make([]byte, MiB)); err != nil {
		t.Errorf("limit-sized entry rejected: %v", err)
	}

	if _, err := db.Get(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Get with empty key = %v, want ErrInvalidKey", err)
	}
	if err := db.Delete(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Delete with empty key = %v, want ErrInvalidKey", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	db := openTestDB(t, nil)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}

	if err := db.Put("k", []byte("v")); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Put after close = %v, want ErrDBClosed", err)
	}
	if _, err := db.Get("k"); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Get after close = %v, want ErrDBClosed", err)
	}
	if err := db.Delete("k"); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Delete after close = %v, want ErrDBClosed", err)
	}
	if err := db.Compact(); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Compact after close = %v, want ErrDBClosed", err)
	}
	if _, err := db.Begin(); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Begin after close = %v, want ErrDBClosed", err)
	}
}

func TestDeleteIsDurableAcrossFlush(t *testing.T) {
	db := openTestDB(t, nil)

	db.Put("keep", []byte("v"))
	db.Put("drop", []byte("v"))
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}

	// The value now lives in a level-0 run; a fresh tombstone in the
	// memtable must shadow it.
	db.Delete("drop")
	if _, err := db.Get("drop"); !errors.Is(err, ErrNotFound) {
		t.Error("memtable tombstone must shadow the on-disk value")
	}
	if _, err := db.Get("keep"); err != nil {
		t.Errorf("untouched key lost: %v", err)
	}
}

func TestFlushEmptyMemtableIsNoOp(t *testing.T) {
	db := openTestDB(t, nil)
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if db.levels.FileCount(0) != 0 {
		t.Error("flushing an empty memtable should produce no run")
	}
}

func TestSecondOpenOnSameDirFails(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)

	if _, err := Open(opts.Clone()); !errors.Is(err, ErrDBAlreadyOpen) {
		t.Errorf("second open = %v, want ErrDBAlreadyOpen", err)
	}

	// After closing, the directory can be reopened.
	db.Close()
	db2, err := Open(opts.Clone())
	if err != nil {
		t.Fatalf("reopen after close failed: %v", err)
	}
	db2.Close()
}

func TestStatsReport(t *testing.T) {
	db := openTestDB(t, nil)
	db.Put("k", []byte("v"))

	stats := db.Stats()
	for _, want := range []string{
		"Active MemTable Size",
		"Cache Shard Count",
		"Engine Status: RUNNING",
		"Total Compactions",
	} {
		if !strings.Contains(stats, want) {
			t.Errorf("stats report missing %q:\n%s", want, stats)
		}
	}
}

func TestCacheConsistencyThroughUpdates(t *testing.T) {
	db := openTestDB(t, nil)

	db.Put("k", []byte("v1"))
	db.Get("k") // populate cache
	db.Put("k", []byte("v2"))

	v, err := db.Get("k")
	if err != nil || !bytes.Equal(v, []byte("v2")) {
		t.Errorf("cached value stale after update: %q, %v", v, err)
	}

	db.Delete("k")
	if _, err := db.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Error("cache must not serve a deleted key")
	}
}
