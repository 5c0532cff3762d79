// Package bufferpool hands out reusable byte slices so the hot write
// path (WAL frame assembly) doesn't allocate per operation. Two size
// classes cover the common cases: most frames fit the small class,
// frames up to 128 KiB fit the large one, and
// anything bigger (a near-limit value) is allocated directly and left
// for the GC.
package bufferpool

import "sync"

const (
	smallClass = 4 * 1024
	largeClass = 128 * 1024
)

var (
	smallPool = sync.Pool{
		New: func() any { return make([]byte, 0, smallClass) },
	}
	largePool = sync.Pool{
		New: func() any { return make([]byte, 0, largeClass) },
	}
)

// GetBuffer returns a slice of exactly size bytes backed by pooled
// capacity when the size fits a class.
func GetBuffer(size int) []byte {
	var buf []byte
	switch {
	case size <= smallClass:
		buf = smallPool.Get().([]byte)
	case size <= largeClass:
		buf = largePool.Get().([]byte)
	default:
		return make([]byte, size)
	}
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// PutBuffer returns a slice to its pool. Buffers whose capacity
// matches no class are dropped for the GC.
func PutBuffer(buf []byte) {
	buf = buf[:0]
	switch cap(buf) {
	case smallClass:
		smallPool.Put(buf)
	case largeClass:
		largePool.Put(buf)
	}
}
