package block

import (
	"fmt"
	"testing"

	"github.com/petreldb/petrel/codec"
	"github.com/stretchr/testify/require"
)

func buildSingle(t *testing.T, entries map[string]string) *Block {
	t.Helper()
	bb := NewBuilder(1 << 20)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	// Builder tolerates unsorted adds within a block.
	for _, k := range keys {
		bb.Add(k, []byte(entries[k]))
	}
	blocks := bb.Build()
	require.Len(t, blocks, 1)
	return blocks[0]
}

func TestBlockLookup(t *testing.T) {
	b := buildSingle(t, map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark",
	})

	v, ok := b.Get("banana")
	require.True(t, ok)
	require.Equal(t, []byte("yellow"), v)

	_, ok = b.Get("durian")
	require.False(t, ok)

	require.Equal(t, "apple", b.MinKey())
	require.Equal(t, "cherry", b.MaxKey())
	require.Equal(t, 3, b.EntryCount())

	require.True(t, b.ContainsKey("cherry"))
	require.False(t, b.ContainsKey("aaa"), "below min key")
	require.False(t, b.ContainsKey("zzz"), "above max key")
	require.False(t, b.ContainsKey("blueberry"), "inside range but absent")
}

func TestBuilderSplitsAtBlockSize(t *testing.T) {
	bb := NewBuilder(256)
	for i := 0; i < 64; i++ {
		bb.Add(fmt.Sprintf("key-%03d", i), []byte("0123456789abcdef"))
	}
	blocks := bb.Build()
	require.Greater(t, len(blocks), 1, "64 entries at 31 bytes each must split a 256-byte block")

	// Blocks are ordered and disjoint: each max key below the next min key.
	for i := 1; i < len(blocks); i++ {
		require.Less(t, blocks[i-1].MaxKey(), blocks[i].MinKey())
	}

	// Every entry is still reachable.
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("key-%03d", i)
		found := false
		for _, b := range blocks {
			if _, ok := b.Get(key); ok {
				found = true
				break
			}
		}
		require.True(t, found, "entry %s lost in split", key)
	}
}

func TestBuilderOversizedEntryGetsOwnBlock(t *testing.T) {
	bb := NewBuilder(64)
	bb.Add("a", []byte("small"))
	bb.Add("b", make([]byte, 500)) // larger than the block size on its own
	bb.Add("c", []byte("small"))
	blocks := bb.Build()
	require.Len(t, blocks, 3)
}

func TestBuilderReplacesDuplicateKey(t *testing.T) {
	bb := NewBuilder(1 << 20)
	bb.Add("k", []byte("old"))
	bb.Add("k", []byte("new"))
	blocks := bb.Build()
	require.Len(t, blocks, 1)
	require.Equal(t, 1, blocks[0].EntryCount())

	v, ok := blocks[0].Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("new"), v)
}

func TestBuilderStats(t *testing.T) {
	bb := NewBuilder(256)
	for i := 0; i < 10; i++ {
		bb.Add(fmt.Sprintf("key-%d", i), []byte("0123456789"))
	}
	blocks := bb.Build()

	stats := bb.Stats()
	require.Equal(t, len(blocks), stats.Blocks)
	require.Equal(t, 10, stats.Entries)
	// Each entry costs 4 + len("key-N") + 4 + len(value) = 23 bytes.
	require.Equal(t, int64(230), stats.Bytes)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := buildSingle(t, map[string]string{
		"alpha": "1",
		"beta":  "22",
		"gamma": "333",
	})

	decoded, err := Decode(b.Encode())
	require.NoError(t, err)
	require.Equal(t, b.MinKey(), decoded.MinKey())
	require.Equal(t, b.MaxKey(), decoded.MaxKey())
	require.Equal(t, b.EntryCount(), decoded.EntryCount())
	for _, e := range b.Entries() {
		v, ok := decoded.Get(e.Key)
		require.True(t, ok)
		require.Equal(t, e.Value, v)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	b := buildSingle(t, map[string]string{"alpha": "1", "beta": "2"})
	raw := b.Encode()

	// Flip a value byte; the stored CRC64 no longer matches.
	raw[len(raw)-1] ^= 0xff
	_, err := Decode(raw)
	require.ErrorIs(t, err, codec.ErrCorrupt)

	// Truncation is also rejected.
	_, err = Decode(b.Encode()[:10])
	require.ErrorIs(t, err, codec.ErrCorrupt)
}
