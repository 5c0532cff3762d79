package memtable

import (
	"bytes"
	"fmt"
	"sort"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	mt := New(1 << 20)

	if _, state := mt.Get("missing"); state != LookupMissing {
		t.Errorf("expected LookupMissing, got %v", state)
	}

	mt.Put("user:1001", []byte("alice"))
	v, state := mt.Get("user:1001")
	if state != LookupFound || !bytes.Equal(v, []byte("alice")) {
		t.Errorf("expected alice, got %q (%v)", v, state)
	}

	mt.Put("user:1001", []byte("alice2"))
	v, state = mt.Get("user:1001")
	if state != LookupFound || !bytes.Equal(v, []byte("alice2")) {
		t.Errorf("expected alice2 after update, got %q (%v)", v, state)
	}

	mt.Delete("user:1001")
	if _, state := mt.Get("user:1001"); state != LookupTombstone {
		t.Errorf("expected LookupTombstone after delete, got %v", state)
	}

	// Deleting a never-seen key still records a tombstone.
	mt.Delete("ghost")
	if _, state := mt.Get("ghost"); state != LookupTombstone {
		t.Errorf("expected LookupTombstone for ghost, got %v", state)
	}
}

func TestSizeAccounting(t *testing.T) {
	mt := New(1 << 20)

	mt.Put("key", []byte("value")) // +3+5
	if got := mt.Size(); got != 8 {
		t.Errorf("size after insert = %d, want 8", got)
	}

	mt.Put("key", []byte("longer-value")) // +12-5
	if got := mt.Size(); got != 15 {
		t.Errorf("size after replace = %d, want 15", got)
	}

	mt.Delete("key") // -12, tombstone contributes nothing
	if got := mt.Size(); got != 3 {
		t.Errorf("size after delete = %d, want 3", got)
	}

	// Re-inserting over the tombstone counts the old value as empty.
	mt.Put("key", []byte("back")) // +4
	if got := mt.Size(); got != 7 {
		t.Errorf("size after reinsert = %d, want 7", got)
	}
}

func TestShouldFlush(t *testing.T) {
	mt := New(32)
	if mt.ShouldFlush() {
		t.Error("empty memtable should not need a flush")
	}
	mt.Put("0123456789", bytes.Repeat([]byte("v"), 30))
	if !mt.ShouldFlush() {
		t.Errorf("memtable at %d bytes with 32-byte budget should flush", mt.Size())
	}
}

func TestSequenceAdvances(t *testing.T) {
	mt := New(1 << 20)
	if mt.MaxSequence() != 0 {
		t.Errorf("fresh table sequence = %d, want 0", mt.MaxSequence())
	}
	mt.Put("a", []byte("1"))
	mt.Put("b", []byte("2"))
	mt.Delete("a")
	if mt.MaxSequence() != 3 {
		t.Errorf("sequence after three mutations = %d, want 3", mt.MaxSequence())
	}
}

func TestIterationOrder(t *testing.T) {
	mt := New(1 << 20)
	inserted := []string{"pear", "apple", "zucchini", "mango", "fig"}
	for i, k := range inserted {
		mt.Put(k, []byte(fmt.Sprintf("v%d", i)))
	}
	mt.Delete("mango")

	var got []string
	it := mt.NewIterator()
	for it.Next() {
		e := it.Entry()
		got = append(got, e.Key)
		if e.Key == "mango" && !e.Tombstone {
			t.Error("mango should iterate as a tombstone")
		}
	}
	it.Close()

	want := append([]string(nil), inserted...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("iterated %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLiveLen(t *testing.T) {
	mt := New(1 << 20)
	for i := 0; i < 10; i++ {
		mt.Put(fmt.Sprintf("key-%d", i), []byte("v"))
	}
	mt.Delete("key-0")
	mt.Delete("key-1")
	mt.Delete("never-existed")

	if got := mt.LiveLen(); got != 8 {
		t.Errorf("LiveLen = %d, want 8", got)
	}
	if got := mt.Len(); got != 11 {
		t.Errorf("Len = %d, want 11", got)
	}
}

func TestManyKeysStaySorted(t *testing.T) {
	mt := New(1 << 20)
	for i := 0; i < 1000; i++ {
		// Insertion order deliberately scrambled.
		k := fmt.Sprintf("key-%03d", (i*613)%1000)
		mt.Put(k, []byte(k))
	}

	prev := ""
	n := 0
	it := mt.NewIterator()
	for it.Next() {
		e := it.Entry()
		if prev != "" && e.Key <= prev {
			t.Fatalf("iteration out of order: %s after %s", e.Key, prev)
		}
		prev = e.Key
		n++
	}
	it.Close()
	if n != 1000 {
		t.Errorf("iterated %d entries, want 1000", n)
	}
}
