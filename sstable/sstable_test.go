package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/petreldb/petrel/block"
	"github.com/petreldb/petrel/bloom"
)

// buildRun creates a run with n sequential keys under dir.
func buildRun(t *testing.T, dir string, level, n int) *SSTable {
	t.Helper()

	bb := block.NewBuilder(256)
	filter := bloom.New(n, 0.01)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%03d", i)
		bb.Add(key, []byte(fmt.Sprintf("value-%d", i)))
		filter.Add(key)
	}

	path := filepath.Join(dir, Filename(1722800000000, uint64(n)))
	run, err := Build(path, level, bb.Build(), filter)
	if err != nil {
		t.Fatalf("failed to build run: %v", err)
	}
	return run
}

func TestBuildAndGet(t *testing.T) {
	run := buildRun(t, t.TempDir(), 0, 100)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		v, ok := run.Get(key)
		if !ok {
			t.Fatalf("key %s missing from run", key)
		}
		if want := fmt.Sprintf("value-%d", i); !bytes.Equal(v, []byte(want)) {
			t.Errorf("key %s = %q, want %q", key, v, want)
		}
	}

	if _, ok := run.Get("key999"); ok {
		t.Error("absent key reported present")
	}
	if run.MinKey() != "key000" || run.MaxKey() != "key099" {
		t.Errorf("key range [%s, %s], want [key000, key099]", run.MinKey(), run.MaxKey())
	}
	if run.EntryCount() != 100 {
		t.Errorf("entry count = %d, want 100", run.EntryCount())
	}
	if run.Size() == 0 {
		t.Error("file size should be recorded")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	built := buildRun(t, dir, 0, 100)

	opened, err := Open(built.Path(), 1)
	if err != nil {
		t.Fatalf("failed to open run: %v", err)
	}
	if opened.Level() != 1 {
		t.Errorf("level = %d, want 1", opened.Level())
	}
	if opened.MinKey() != built.MinKey() || opened.MaxKey() != built.MaxKey() {
		t.Errorf("key range [%s, %s] differs from built [%s, %s]",
			opened.MinKey(), opened.MaxKey(), built.MinKey(), built.MaxKey())
	}
	if opened.EntryCount() != built.EntryCount() {
		t.Errorf("entry count = %d, want %d", opened.EntryCount(), built.EntryCount())
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		v, ok := opened.Get(key)
		if !ok || !bytes.Equal(v, []byte(fmt.Sprintf("value-%d", i))) {
			t.Errorf("key %s not preserved across open", key)
		}
	}
}

func TestBloomFilterNegative(t *testing.T) {
	run := buildRun(t, t.TempDir(), 0, 1000)

	// Bloom never produces false negatives.
	for i := 0; i < 1000; i++ {
		if !run.MightContain(fmt.Sprintf("key%03d", i)) {
			t.Fatalf("false negative for key%03d", i)
		}
	}
	// A wildly different key should be rejected by the filter alone.
	if run.MightContain("zzz") {
		t.Log("bloom false positive for zzz; acceptable but unexpected at 1% fpp")
	}
}

func TestKeyInRange(t *testing.T) {
	run := buildRun(t, t.TempDir(), 0, 10)

	if !run.KeyInRange("key000") || !run.KeyInRange("key009") {
		t.Error("boundary keys should be in range")
	}
	if !run.KeyInRange("key005x") {
		t.Error("key inside the range should be in range even if absent")
	}
	if run.KeyInRange("aaa") || run.KeyInRange("zzz") {
		t.Error("keys outside the range should be rejected")
	}
}

func TestIteratorOrder(t *testing.T) {
	run := buildRun(t, t.TempDir(), 0, 100)

	n := 0
	prev := ""
	for it := run.NewIterator(); it.Valid(); it.Next() {
		if prev != "" && it.Key() <= prev {
			t.Fatalf("iterator out of order: %s after %s", it.Key(), prev)
		}
		prev = it.Key()
		n++
	}
	if n != 100 {
		t.Errorf("iterated %d entries, want 100", n)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	run := buildRun(t, dir, 0, 10)

	data, err := os.ReadFile(run.Path())
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt a byte of the first block's stored CRC64; the recomputed
	// checksum no longer matches it.
	corrupt := bytes.Clone(data)
	corrupt[10] ^= 0xff
	badPath := filepath.Join(dir, "corrupt.dat")
	os.WriteFile(badPath, corrupt, 0644)
	if _, err := Open(badPath, 0); err == nil {
		t.Error("corrupted block should fail to open")
	}

	// Truncated footer.
	shortPath := filepath.Join(dir, "short.dat")
	os.WriteFile(shortPath, data[:4], 0644)
	if _, err := Open(shortPath, 0); err == nil {
		t.Error("truncated file should fail to open")
	}
}

func TestBuildLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	buildRun(t, dir, 0, 10)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == tmpSuffix {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	name := Filename(1722800000123, 42)
	millis, seq, ok := ParseFilename(name)
	if !ok || millis != 1722800000123 || seq != 42 {
		t.Errorf("ParseFilename(%s) = (%d, %d, %v)", name, millis, seq, ok)
	}

	if _, _, ok := ParseFilename("random.txt"); ok {
		t.Error("non-run file name should not parse")
	}
	if _, _, ok := ParseFilename("sstable_abc_def.dat"); ok {
		t.Error("malformed numbers should not parse")
	}
}
