// Package bloom implements the probabilistic membership filter that
// lets the read path skip sorted runs which certainly lack a key. The
// filter never returns a false negative; false positives happen at
// roughly the configured rate.
package bloom

import (
	"math"

	"github.com/petreldb/petrel/codec"
)

// Filter is a double-hashed bloom filter over string keys.
type Filter struct {
	bits    []byte
	bitSize uint32
	hashes  uint32
}

// New sizes a filter for the expected number of entries and target
// false-positive rate: m = ceil(-n*ln(p)/(ln 2)^2) bits and
// k = max(1, round(m/n * ln 2)) hash functions.
func New(expectedEntries int, falsePositiveRate float64) *Filter {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedEntries)
	m := uint32(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits:    make([]byte, (m+7)/8),
		bitSize: m,
		hashes:  k,
	}
}

// Add records a key in the filter.
func (f *Filter) Add(key string) {
	h1, h2 := f.baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		idx := f.index(h1, h2, i)
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MightContain reports whether the key may be present. A false result
// is definitive; a true result is probabilistic.
func (f *Filter) MightContain(key string) bool {
	h1, h2 := f.baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		idx := f.index(h1, h2, i)
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// BitSize returns the filter's bit-array size in bits.
func (f *Filter) BitSize() uint32 { return f.bitSize }

// Hashes returns the number of hash functions.
func (f *Filter) Hashes() uint32 { return f.hashes }

// Encode serializes the filter in the on-disk format.
func (f *Filter) Encode() []byte {
	return codec.EncodeBloomFilter(codec.BloomImage{
		BitSize: f.bitSize,
		Hashes:  f.hashes,
		Bits:    f.bits,
	})
}

// Decode rebuilds a filter from its serialized form.
func Decode(buf []byte) (*Filter, error) {
	img, err := codec.DecodeBloomFilter(buf)
	if err != nil {
		return nil, err
	}
	return &Filter{bits: img.Bits, bitSize: img.BitSize, hashes: img.Hashes}, nil
}

// baseHashes derives the two base hashes for double hashing; the i-th
// probe is h1 + i*h2. Mixing deliberately runs in 32-bit two's
// complement so the bit positions stay stable across platforms.
func (f *Filter) baseHashes(key string) (int32, int32) {
	h1 := mix(key, 0)
	h2 := mix(key, h1)
	return h1, h2
}

func (f *Filter) index(h1, h2 int32, i uint32) uint32 {
	h := h1 + int32(i)*h2
	idx := h % int32(f.bitSize)
	if idx < 0 {
		idx = -idx
	}
	return uint32(idx)
}

// mix is a MurmurHash-style finalizer over the key bytes.
func mix(key string, seed int32) int32 {
	h := seed
	for i := 0; i < len(key); i++ {
		h ^= int32(int8(key[i]))
		h *= 0x5bd1e995
		h ^= int32(uint32(h) >> 15)
	}
	return h
}
