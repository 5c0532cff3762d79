package petrel

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// TestConcurrentReadersAndWriters hammers the engine from several
// goroutines at once. Correctness bar: no data races, and every key a
// writer finished writing reads back with one of the values that was
// ever written to it.
func TestConcurrentReadersAndWriters(t *testing.T) {
	opts := testOptions(t)
	opts.MemTableSize = 16 * KiB // keep flushes happening under load
	db := openTestDB(t, opts)

	const writers = 4
	const readers = 4
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-key-%04d", w, i)
				if err := db.Put(key, []byte(fmt.Sprintf("w%d-val-%04d", w, i))); err != nil {
					t.Errorf("put %s failed: %v", key, err)
					return
				}
			}
		}(w)
	}

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-key-%04d", r%writers, i)
				if _, err := db.Get(key); err != nil && !errors.Is(err, ErrNotFound) {
					t.Errorf("get %s failed: %v", key, err)
					return
				}
			}
		}(r)
	}
	wg.Wait()

	// Everything written must now be present.
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d-key-%04d", w, i)
			v, err := db.Get(key)
			if err != nil {
				t.Fatalf("%s missing after concurrent load: %v", key, err)
			}
			if want := fmt.Sprintf("w%d-val-%04d", w, i); !bytes.Equal(v, []byte(want)) {
				t.Fatalf("%s = %q, want %q", key, v, want)
			}
		}
	}
}

// TestConcurrentSameKey checks last-writer-wins visibility when many
// goroutines update one key.
func TestConcurrentSameKey(t *testing.T) {
	db := openTestDB(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				db.Put("hot", []byte(fmt.Sprintf("g%d-%d", g, i)))
				db.Get("hot")
			}
		}(g)
	}
	wg.Wait()

	if _, err := db.Get("hot"); err != nil {
		t.Fatalf("hot key unreadable after contention: %v", err)
	}
}

// TestConcurrentTransactions runs disjoint-key transactions in
// parallel; all should commit cleanly.
func TestConcurrentTransactions(t *testing.T) {
	db := openTestDB(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			txn, err := db.Begin()
			if err != nil {
				errs[g] = err
				return
			}
			for i := 0; i < 10; i++ {
				if err := txn.Put(fmt.Sprintf("g%d-k%d", g, i), []byte("v")); err != nil {
					errs[g] = err
					txn.Rollback()
					return
				}
			}
			errs[g] = txn.Commit()
		}(g)
	}
	wg.Wait()

	for g, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", g, err)
		}
	}
	for g := 0; g < 8; g++ {
		for i := 0; i < 10; i++ {
			if _, err := db.Get(fmt.Sprintf("g%d-k%d", g, i)); err != nil {
				t.Errorf("g%d-k%d missing after commit: %v", g, i, err)
			}
		}
	}
}
