// Package codec implements the length-prefixed, checksummed record
// formats used across the engine: key-value entries, WAL payloads, the
// bloom filter image, and the block index. All integers are big-endian.
// Key-value records and WAL payloads close with a CRC32 over the
// preceding bytes; the bloom filter image and block index carry no
// checksum of their own.
//
// Decoders bounds-check every length before trusting it; anything out
// of range surfaces as ErrCorrupt so callers can distinguish a damaged
// byte stream from an I/O failure.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/petreldb/petrel/keys"
)

const (
	// FormatVersion is the current on-disk format version.
	FormatVersion = 1

	// MarkerData tags a record carrying a live value.
	MarkerData = 0x01

	// MarkerTombstone tags a deletion record.
	MarkerTombstone = 0x02
)

// ErrCorrupt is returned when a record fails version, bounds, or
// checksum validation.
var ErrCorrupt = errors.New("corrupt record format")

// Record is a decoded key-value entry. Tombstone records carry no
// value bytes.
type Record struct {
	Key       string
	Value     []byte
	Tombstone bool
}

// WALRecord is a decoded write-ahead-log payload. It extends Record
// with the write timestamp (wall-clock milliseconds) and the engine
// sequence number, both of which are monotonically non-decreasing
// within a log.
type WALRecord struct {
	Key       string
	Value     []byte
	Tombstone bool
	Timestamp uint64
	Sequence  uint64
}

// EncodeRecord serializes a key-value entry:
//
//	[version:u8][marker:u8][keyLen:u32][key][valueLen:u32][value][crc32:u32]
func EncodeRecord(rec Record) []byte {
	size := 2 + 4 + len(rec.Key) + 4 + len(rec.Value) + 4
	buf := make([]byte, 0, size)
	buf = appendRecordBody(buf, rec.Key, rec.Value, rec.Tombstone)
	return appendChecksum(buf)
}

// DecodeRecord parses a key-value entry produced by EncodeRecord.
func DecodeRecord(buf []byte) (Record, error) {
	body, err := verifyChecksum(buf)
	if err != nil {
		return Record{}, err
	}
	if len(body) < 2 {
		return Record{}, fmt.Errorf("%w: record too short", ErrCorrupt)
	}
	if body[0] != FormatVersion {
		return Record{}, fmt.Errorf("%w: unknown version %d", ErrCorrupt, body[0])
	}
	marker := body[1]
	if marker != MarkerData && marker != MarkerTombstone {
		return Record{}, fmt.Errorf("%w: unknown marker 0x%02x", ErrCorrupt, marker)
	}

	key, value, err := decodeKeyValue(body[2:])
	if err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Tombstone: marker == MarkerTombstone}
	if !rec.Tombstone {
		rec.Value = value
	}
	return rec, nil
}

// EncodeWALRecord serializes a WAL payload:
//
//	[version:u8][marker:u8][timestamp:u64][sequence:u64]
//	[keyLen:u32][key][valueLen:u32][value][crc32:u32]
func EncodeWALRecord(rec WALRecord) []byte {
	size := 2 + 8 + 8 + 4 + len(rec.Key) + 4 + len(rec.Value) + 4
	buf := make([]byte, 0, size)
	marker := byte(MarkerData)
	if rec.Tombstone {
		marker = MarkerTombstone
	}
	buf = append(buf, FormatVersion, marker)
	buf = binary.BigEndian.AppendUint64(buf, rec.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, rec.Sequence)
	buf = appendKeyValue(buf, rec.Key, rec.Value, rec.Tombstone)
	return appendChecksum(buf)
}

// DecodeWALRecord parses a WAL payload produced by EncodeWALRecord.
func DecodeWALRecord(buf []byte) (WALRecord, error) {
	body, err := verifyChecksum(buf)
	if err != nil {
		return WALRecord{}, err
	}
	if len(body) < 2+8+8 {
		return WALRecord{}, fmt.Errorf("%w: WAL record too short", ErrCorrupt)
	}
	if body[0] != FormatVersion {
		return WALRecord{}, fmt.Errorf("%w: unknown version %d", ErrCorrupt, body[0])
	}
	marker := body[1]
	if marker != MarkerData && marker != MarkerTombstone {
		return WALRecord{}, fmt.Errorf("%w: unknown marker 0x%02x", ErrCorrupt, marker)
	}

	rec := WALRecord{
		Tombstone: marker == MarkerTombstone,
		Timestamp: binary.BigEndian.Uint64(body[2:]),
		Sequence:  binary.BigEndian.Uint64(body[10:]),
	}
	key, value, err := decodeKeyValue(body[18:])
	if err != nil {
		return WALRecord{}, err
	}
	rec.Key = key
	if !rec.Tombstone {
		rec.Value = value
	}
	return rec, nil
}

// BloomImage is the serialized form of a bloom filter: the bit-array
// size in bits, the hash count, and the raw bit bytes.
type BloomImage struct {
	BitSize uint32
	Hashes  uint32
	Bits    []byte
}

// EncodeBloomFilter serializes a bloom filter image:
//
//	[version:u8][bitSize:u32][k:u32][byteLen:u32][bytes]
func EncodeBloomFilter(img BloomImage) []byte {
	buf := make([]byte, 0, 1+4+4+4+len(img.Bits))
	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, img.BitSize)
	buf = binary.BigEndian.AppendUint32(buf, img.Hashes)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(img.Bits)))
	buf = append(buf, img.Bits...)
	return buf
}

// DecodeBloomFilter parses a bloom filter image.
func DecodeBloomFilter(buf []byte) (BloomImage, error) {
	if len(buf) < 1+4+4+4 {
		return BloomImage{}, fmt.Errorf("%w: bloom filter too short", ErrCorrupt)
	}
	if buf[0] != FormatVersion {
		return BloomImage{}, fmt.Errorf("%w: unknown version %d", ErrCorrupt, buf[0])
	}
	img := BloomImage{
		BitSize: binary.BigEndian.Uint32(buf[1:]),
		Hashes:  binary.BigEndian.Uint32(buf[5:]),
	}
	byteLen := binary.BigEndian.Uint32(buf[9:])
	if int(byteLen) != len(buf)-13 {
		return BloomImage{}, fmt.Errorf("%w: bloom byte length %d does not match payload %d", ErrCorrupt, byteLen, len(buf)-13)
	}
	if img.Hashes == 0 || img.BitSize == 0 {
		return BloomImage{}, fmt.Errorf("%w: degenerate bloom parameters", ErrCorrupt)
	}
	img.Bits = make([]byte, byteLen)
	copy(img.Bits, buf[13:])
	return img, nil
}

// IndexEntry locates one block inside a sorted run.
type IndexEntry struct {
	Key    string
	Offset uint64
	Size   uint32
}

// EncodeBlockIndex serializes a block index:
//
//	[version:u8][count:u32]([keyLen:u32][key][offset:u64][size:u32])×count
func EncodeBlockIndex(entries []IndexEntry) []byte {
	size := 1 + 4
	for _, e := range entries {
		size += 4 + len(e.Key) + 8 + 4
	}
	buf := make([]byte, 0, size)
	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.BigEndian.AppendUint64(buf, e.Offset)
		buf = binary.BigEndian.AppendUint32(buf, e.Size)
	}
	return buf
}

// DecodeBlockIndex parses a block index.
func DecodeBlockIndex(buf []byte) ([]IndexEntry, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: block index too short", ErrCorrupt)
	}
	if buf[0] != FormatVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorrupt, buf[0])
	}
	count := binary.BigEndian.Uint32(buf[1:])
	rest := buf[5:]
	entries := make([]IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		keyLen := binary.BigEndian.Uint32(rest)
		if keyLen == 0 || keyLen > keys.MaxKeySize || int(keyLen) > len(rest)-4 {
			return nil, fmt.Errorf("%w: index key length %d out of range", ErrCorrupt, keyLen)
		}
		rest = rest[4:]
		key := string(rest[:keyLen])
		rest = rest[keyLen:]
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		entries = append(entries, IndexEntry{
			Key:    key,
			Offset: binary.BigEndian.Uint64(rest),
			Size:   binary.BigEndian.Uint32(rest[8:]),
		})
		rest = rest[12:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after block index", ErrCorrupt, len(rest))
	}
	return entries, nil
}

// Checksum computes the CRC32 (IEEE) used by every format in this
// package.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func appendRecordBody(buf []byte, key string, value []byte, tombstone bool) []byte {
	marker := byte(MarkerData)
	if tombstone {
		marker = MarkerTombstone
	}
	buf = append(buf, FormatVersion, marker)
	return appendKeyValue(buf, key, value, tombstone)
}

func appendKeyValue(buf []byte, key string, value []byte, tombstone bool) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	if tombstone {
		// Tombstones carry a zero value length and no value bytes.
		return binary.BigEndian.AppendUint32(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendChecksum(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// verifyChecksum strips and checks the trailing CRC32, returning the
// body bytes it covers.
func verifyChecksum(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorrupt)
	}
	body := buf[:len(buf)-4]
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if actual := crc32.ChecksumIEEE(body); actual != stored {
		return nil, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)", ErrCorrupt, stored, actual)
	}
	return body, nil
}

func decodeKeyValue(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("%w: truncated key length", ErrCorrupt)
	}
	keyLen := binary.BigEndian.Uint32(buf)
	if keyLen == 0 || keyLen > keys.MaxKeySize {
		return "", nil, fmt.Errorf("%w: key length %d out of range", ErrCorrupt, keyLen)
	}
	buf = buf[4:]
	if int(keyLen) > len(buf) {
		return "", nil, fmt.Errorf("%w: truncated key", ErrCorrupt)
	}
	key := string(buf[:keyLen])
	buf = buf[keyLen:]

	if len(buf) < 4 {
		return "", nil, fmt.Errorf("%w: truncated value length", ErrCorrupt)
	}
	valueLen := binary.BigEndian.Uint32(buf)
	if valueLen > keys.MaxValueSize {
		return "", nil, fmt.Errorf("%w: value length %d out of range", ErrCorrupt, valueLen)
	}
	buf = buf[4:]
	if int(valueLen) != len(buf) {
		return "", nil, fmt.Errorf("%w: value length %d does not match remaining %d bytes", ErrCorrupt, valueLen, len(buf))
	}
	value := make([]byte, valueLen)
	copy(value, buf)
	return key, value, nil
}
