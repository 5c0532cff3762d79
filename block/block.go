// Package block implements the self-checksummed, ordered unit of
// storage inside a sorted run. A Builder accumulates entries and cuts
// them into size-bounded blocks; a Block answers point lookups over
// its sorted entries and verifies its checksum on decode.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"sort"

	"github.com/petreldb/petrel/codec"
	"github.com/petreldb/petrel/keys"
)

// Entry is one key-value pair inside a block. Blocks only ever hold
// live values; tombstones are dropped before data reaches a sorted run.
type Entry struct {
	Key   string
	Value []byte
}

// headerSize is the serialized block prefix: entry count (4) plus the
// CRC64 checksum (8).
const headerSize = 4 + 8

var crcTable = crc64.MakeTable(crc64.ECMA)

// Block is an immutable, sorted, checksummed run fragment.
type Block struct {
	entries  []Entry
	minKey   string
	maxKey   string
	checksum uint64
	size     int
}

// newBlock seals a sorted entry slice into a Block. Callers must hand
// over ownership of entries.
func newBlock(entries []Entry) *Block {
	b := &Block{
		entries: entries,
		minKey:  entries[0].Key,
		maxKey:  entries[len(entries)-1].Key,
	}
	b.checksum = b.computeChecksum()
	b.size = headerSize
	for _, e := range entries {
		b.size += 4 + len(e.Key) + 4 + len(e.Value)
	}
	return b
}

// Get returns the value stored for key.
func (b *Block) Get(key string) ([]byte, bool) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Key >= key
	})
	if i < len(b.entries) && b.entries[i].Key == key {
		return b.entries[i].Value, true
	}
	return nil, false
}

// ContainsKey reports whether key is stored in the block. It
// short-circuits when the key falls outside [minKey, maxKey].
func (b *Block) ContainsKey(key string) bool {
	if keys.Compare(key, b.minKey) < 0 || keys.Compare(key, b.maxKey) > 0 {
		return false
	}
	_, ok := b.Get(key)
	return ok
}

// MinKey returns the smallest key in the block.
func (b *Block) MinKey() string { return b.minKey }

// MaxKey returns the largest key in the block.
func (b *Block) MaxKey() string { return b.maxKey }

// EntryCount returns the number of entries.
func (b *Block) EntryCount() int { return len(b.entries) }

// Size returns the serialized size of the block in bytes.
func (b *Block) Size() int { return b.size }

// Entries returns the block's entries in key order. The slice is
// shared; callers must not mutate it.
func (b *Block) Entries() []Entry { return b.entries }

// Encode serializes the block:
//
//	[entryCount:u32][checksum:u64]([keyLen:u32][key][valLen:u32][value])×
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, b.size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.entries)))
	buf = binary.BigEndian.AppendUint64(buf, b.checksum)
	for _, e := range b.entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

// Decode parses a serialized block and verifies its checksum.
func Decode(raw []byte) (*Block, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: block shorter than header", codec.ErrCorrupt)
	}
	count := binary.BigEndian.Uint32(raw)
	stored := binary.BigEndian.Uint64(raw[4:])
	rest := raw[headerSize:]

	if count == 0 {
		return nil, fmt.Errorf("%w: empty block", codec.ErrCorrupt)
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated block entry", codec.ErrCorrupt)
		}
		keyLen := binary.BigEndian.Uint32(rest)
		if keyLen == 0 || keyLen > keys.MaxKeySize || int(keyLen) > len(rest)-4 {
			return nil, fmt.Errorf("%w: block key length %d out of range", codec.ErrCorrupt, keyLen)
		}
		rest = rest[4:]
		key := string(rest[:keyLen])
		rest = rest[keyLen:]

		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated block entry", codec.ErrCorrupt)
		}
		valLen := binary.BigEndian.Uint32(rest)
		if valLen > keys.MaxValueSize || int(valLen) > len(rest)-4 {
			return nil, fmt.Errorf("%w: block value length %d out of range", codec.ErrCorrupt, valLen)
		}
		rest = rest[4:]
		value := make([]byte, valLen)
		copy(value, rest)
		rest = rest[valLen:]

		entries = append(entries, Entry{Key: key, Value: value})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after block entries", codec.ErrCorrupt, len(rest))
	}

	for i := 1; i < len(entries); i++ {
		if keys.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			return nil, fmt.Errorf("%w: block entries out of order", codec.ErrCorrupt)
		}
	}

	b := newBlock(entries)
	if b.checksum != stored {
		return nil, fmt.Errorf("%w: block checksum mismatch (stored %016x, computed %016x)", codec.ErrCorrupt, stored, b.checksum)
	}
	return b, nil
}

// computeChecksum runs CRC64 over every key and value concatenated in
// entry order.
func (b *Block) computeChecksum() uint64 {
	h := crc64.New(crcTable)
	for _, e := range b.entries {
		h.Write([]byte(e.Key))
		h.Write(e.Value)
	}
	return h.Sum64()
}

// Builder accumulates ordered entries and seals them into blocks. When
// adding the next entry would push the current block past the target
// size, the block is sealed and a new one started, so every returned
// block's max key is smaller than the next block's min key.
type Builder struct {
	blockSize int

	completed []*Block
	current   []Entry
	curSize   int

	stats Stats
}

// Stats summarizes what a Builder produced: entries and payload bytes
// accepted by Add, and the block count once Build has sealed the run.
type Stats struct {
	Blocks  int
	Entries int
	Bytes   int64
}

// NewBuilder creates a builder targeting blockSize bytes per block.
func NewBuilder(blockSize int) *Builder {
	return &Builder{blockSize: blockSize}
}

// Add appends an entry. Keys usually arrive in ascending order (both
// flush and compaction feed the builder from sorted iterators); adds
// that repeat the previous key replace it, and out-of-order adds are
// inserted at their sorted position within the current block.
func (bb *Builder) Add(key string, value []byte) {
	entrySize := 4 + len(key) + 4 + len(value)

	// A repeat of the previous key replaces it even when the block is full.
	if n := len(bb.current); n > 0 && bb.current[n-1].Key == key {
		bb.curSize += len(value) - len(bb.current[n-1].Value)
		bb.current[n-1].Value = value
		bb.stats.Bytes += int64(entrySize)
		return
	}

	if len(bb.current) > 0 && bb.curSize+entrySize > bb.blockSize {
		bb.sealCurrent()
	}

	// Fast path: strictly ascending append.
	if n := len(bb.current); n == 0 || keys.Compare(bb.current[n-1].Key, key) < 0 {
		bb.current = append(bb.current, Entry{Key: key, Value: value})
		bb.curSize += entrySize
	} else {
		i := sort.Search(len(bb.current), func(i int) bool {
			return bb.current[i].Key >= key
		})
		if bb.current[i].Key == key {
			bb.curSize += len(value) - len(bb.current[i].Value)
			bb.current[i].Value = value
			bb.stats.Bytes += int64(entrySize)
			return
		}
		bb.current = append(bb.current, Entry{})
		copy(bb.current[i+1:], bb.current[i:])
		bb.current[i] = Entry{Key: key, Value: value}
		bb.curSize += entrySize
	}

	bb.stats.Entries++
	bb.stats.Bytes += int64(entrySize)
}

// Build seals the tail block and returns every completed block in
// order, recording the final block count in the builder's stats.
func (bb *Builder) Build() []*Block {
	if len(bb.current) > 0 {
		bb.sealCurrent()
	}
	blocks := bb.completed
	bb.completed = nil
	bb.stats.Blocks = len(blocks)
	return blocks
}

// Stats returns the builder's production counters. Blocks is populated
// by Build; Entries and Bytes accumulate as Add accepts data.
func (bb *Builder) Stats() Stats {
	return bb.stats
}

func (bb *Builder) sealCurrent() {
	bb.completed = append(bb.completed, newBlock(bb.current))
	bb.current = nil
	bb.curSize = 0
}
