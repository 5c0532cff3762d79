package petrel

import (
	"container/heap"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/sstable"
)

// mergeSource wraps one run's cursor for the merge heap. age orders
// runs by freshness: higher means newer, and for the same key the
// newest run's entry wins.
type mergeSource struct {
	iter *sstable.Iterator
	age  int
}

// mergeHeap is a min-heap keyed by (current key, run age). Ties on the
// key are broken so the newest run surfaces first.
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	cmp := keys.Compare(h[i].iter.Key(), h[j].iter.Key())
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].age > h[j].age
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator presents several sorted runs as one sorted stream of
// distinct keys. For keys present in more than one run, only the entry
// from the newest run is emitted; the stale versions are burned off as
// the heap advances. It is pull-based: the caller drives it with Next
// and reads Key/Value while Valid.
type mergeIterator struct {
	h     mergeHeap
	key   string
	value []byte
	valid bool
}

// newMergeIterator builds a merge over runs ordered oldest to newest,
// positioned on the first entry.
func newMergeIterator(runs []*sstable.SSTable) *mergeIterator {
	m := &mergeIterator{}
	for age, run := range runs {
		iter := run.NewIterator()
		if iter.Valid() {
			m.h = append(m.h, &mergeSource{iter: iter, age: age})
		}
	}
	heap.Init(&m.h)
	m.Next()
	return m
}

// Valid reports whether Key/Value hold an entry.
func (m *mergeIterator) Valid() bool { return m.valid }

// Key returns the current key.
func (m *mergeIterator) Key() string { return m.key }

// Value returns the value of the newest entry for the current key.
func (m *mergeIterator) Value() []byte { return m.value }

// Next advances to the next distinct key.
func (m *mergeIterator) Next() {
	if len(m.h) == 0 {
		m.valid = false
		m.key = ""
		m.value = nil
		return
	}

	// The heap top carries the smallest key, newest run first.
	top := m.h[0]
	m.key = top.iter.Key()
	m.value = top.iter.Value()
	m.valid = true

	// Burn every entry carrying this key, in all runs, so the next
	// round starts at a strictly greater key.
	for len(m.h) > 0 && m.h[0].iter.Key() == m.key {
		src := m.h[0]
		src.iter.Next()
		if src.iter.Valid() {
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}
	}
}
