// Package sstable implements sorted runs: immutable on-disk files
// holding checksummed blocks of sorted entries, a bloom filter over
// every key in the run, and a fixed footer locating both.
//
// File layout:
//
//	[len:u32][block 1] ... [len:u32][block N][bloom filter][footer]
//
// where the footer is 8 bytes: [blockCount:u32][bloomLen:u32].
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/petreldb/petrel/block"
	"github.com/petreldb/petrel/bloom"
	"github.com/petreldb/petrel/codec"
	"github.com/petreldb/petrel/keys"
)

const (
	footerSize = 8
	tmpSuffix  = ".tmp"

	filePrefix = "sstable_"
	fileSuffix = ".dat"
)

// Filename builds the canonical run file name from the wall-clock
// write time and the run's max sequence number.
func Filename(wallMillis int64, seq uint64) string {
	return fmt.Sprintf("%s%d_%d%s", filePrefix, wallMillis, seq, fileSuffix)
}

// ParseFilename extracts the wall-clock millis and sequence from a run
// file name. Returns ok=false for anything that doesn't match the
// sstable_<millis>_<seq>.dat shape.
func ParseFilename(name string) (wallMillis int64, seq uint64, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	parts := strings.SplitN(core, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	sequence, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return millis, sequence, true
}

// SSTable is an open sorted run. Blocks and the bloom filter live in
// memory once the run is built or opened; the file on disk is only
// touched again to delete it.
type SSTable struct {
	path       string
	level      int
	fileSize   int64
	minKey     string
	maxKey     string
	entryCount int
	blocks     []*block.Block
	filter     *bloom.Filter
}

// Build writes a new run to path from ordered blocks and a bloom
// filter covering every key in them. The file is written to a
// temporary sibling first and atomically renamed into place, so a
// failed build never leaves a partial run behind.
func Build(path string, level int, blocks []*block.Block, filter *bloom.Filter) (*SSTable, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("cannot build sorted run %s without blocks", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	tmpPath := path + tmpSuffix
	defer os.Remove(tmpPath)

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	writer := bufio.NewWriter(file)

	var lenBuf [4]byte
	for _, b := range blocks {
		encoded := b.Encode()
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		if _, err := writer.Write(lenBuf[:]); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := writer.Write(encoded); err != nil {
			file.Close()
			return nil, err
		}
	}

	bloomBytes := filter.Encode()
	if _, err := writer.Write(bloomBytes); err != nil {
		file.Close()
		return nil, err
	}

	var footer [footerSize]byte
	binary.BigEndian.PutUint32(footer[:], uint32(len(blocks)))
	binary.BigEndian.PutUint32(footer[4:], uint32(len(bloomBytes)))
	if _, err := writer.Write(footer[:]); err != nil {
		file.Close()
		return nil, err
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to rename sorted run into place: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	t := &SSTable{
		path:     path,
		level:    level,
		fileSize: info.Size(),
		minKey:   blocks[0].MinKey(),
		maxKey:   blocks[len(blocks)-1].MaxKey(),
		blocks:   blocks,
		filter:   filter,
	}
	for _, b := range blocks {
		t.entryCount += b.EntryCount()
	}
	return t, nil
}

// Open loads an existing run from disk: footer first, then the bloom
// filter, then every block in order. Any checksum or bounds failure
// surfaces as codec.ErrCorrupt and the run is rejected as a whole.
func Open(path string, level int) (*SSTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < footerSize {
		return nil, fmt.Errorf("%w: run %s shorter than footer", codec.ErrCorrupt, path)
	}

	footer := data[len(data)-footerSize:]
	blockCount := binary.BigEndian.Uint32(footer)
	bloomLen := binary.BigEndian.Uint32(footer[4:])

	if blockCount == 0 {
		return nil, fmt.Errorf("%w: run %s has no blocks", codec.ErrCorrupt, path)
	}
	bloomStart := len(data) - footerSize - int(bloomLen)
	if bloomStart < 0 {
		return nil, fmt.Errorf("%w: run %s bloom length %d out of range", codec.ErrCorrupt, path, bloomLen)
	}

	filter, err := bloom.Decode(data[bloomStart : bloomStart+int(bloomLen)])
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", path, err)
	}

	blocks := make([]*block.Block, 0, blockCount)
	rest := data[:bloomStart]
	for i := uint32(0); i < blockCount; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: run %s truncated before block %d", codec.ErrCorrupt, path, i)
		}
		blockLen := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if int(blockLen) > len(rest) {
			return nil, fmt.Errorf("%w: run %s block %d length %d out of range", codec.ErrCorrupt, path, i, blockLen)
		}
		b, err := block.Decode(rest[:blockLen])
		if err != nil {
			return nil, fmt.Errorf("run %s block %d: %w", path, i, err)
		}
		rest = rest[blockLen:]

		if n := len(blocks); n > 0 && keys.Compare(blocks[n-1].MaxKey(), b.MinKey()) >= 0 {
			return nil, fmt.Errorf("%w: run %s blocks out of order", codec.ErrCorrupt, path)
		}
		blocks = append(blocks, b)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: run %s has %d unexpected bytes between blocks and bloom", codec.ErrCorrupt, path, len(rest))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	t := &SSTable{
		path:     path,
		level:    level,
		fileSize: info.Size(),
		minKey:   blocks[0].MinKey(),
		maxKey:   blocks[len(blocks)-1].MaxKey(),
		blocks:   blocks,
		filter:   filter,
	}
	for _, b := range blocks {
		t.entryCount += b.EntryCount()
	}
	return t, nil
}

// Get looks up key: bloom filter first, then a binary search over the
// block ranges, then the block itself.
func (t *SSTable) Get(key string) ([]byte, bool) {
	if !t.filter.MightContain(key) {
		return nil, false
	}
	b := t.findBlock(key)
	if b == nil {
		return nil, false
	}
	return b.Get(key)
}

// findBlock binary-searches for the block whose [minKey, maxKey] range
// covers key.
func (t *SSTable) findBlock(key string) *block.Block {
	i := sort.Search(len(t.blocks), func(i int) bool {
		return keys.Compare(t.blocks[i].MaxKey(), key) >= 0
	})
	if i == len(t.blocks) {
		return nil
	}
	if keys.Compare(key, t.blocks[i].MinKey()) < 0 {
		return nil
	}
	return t.blocks[i]
}

// MightContain consults only the bloom filter.
func (t *SSTable) MightContain(key string) bool {
	return t.filter.MightContain(key)
}

// KeyInRange reports minKey <= key <= maxKey by byte comparison.
func (t *SSTable) KeyInRange(key string) bool {
	return keys.Compare(key, t.minKey) >= 0 && keys.Compare(key, t.maxKey) <= 0
}

// Path returns the run's file path.
func (t *SSTable) Path() string { return t.path }

// Level returns the level this run was opened at.
func (t *SSTable) Level() int { return t.level }

// Size returns the run's file size in bytes.
func (t *SSTable) Size() int64 { return t.fileSize }

// MinKey returns the smallest key in the run.
func (t *SSTable) MinKey() string { return t.minKey }

// MaxKey returns the largest key in the run.
func (t *SSTable) MaxKey() string { return t.maxKey }

// EntryCount returns the number of entries across all blocks.
func (t *SSTable) EntryCount() int { return t.entryCount }

// Remove deletes the run's file from disk.
func (t *SSTable) Remove() error {
	return os.Remove(t.path)
}

// Iterator is a pull-based cursor over every entry of the run in key
// order. A fresh iterator is positioned on the first entry.
type Iterator struct {
	table    *SSTable
	blockIdx int
	entryIdx int
}

// NewIterator returns a cursor positioned on the run's first entry.
func (t *SSTable) NewIterator() *Iterator {
	return &Iterator{table: t}
}

// Valid reports whether the cursor points at an entry.
func (it *Iterator) Valid() bool {
	return it.blockIdx < len(it.table.blocks)
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.entryIdx++
	if it.entryIdx >= it.table.blocks[it.blockIdx].EntryCount() {
		it.blockIdx++
		it.entryIdx = 0
	}
}

// Key returns the entry key at the cursor.
func (it *Iterator) Key() string {
	return it.table.blocks[it.blockIdx].Entries()[it.entryIdx].Key
}

// Value returns the entry value at the cursor.
func (it *Iterator) Value() []byte {
	return it.table.blocks[it.blockIdx].Entries()[it.entryIdx].Value
}
