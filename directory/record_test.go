package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dot5enko/archive-cache/io"
	"github.com/dot5enko/archive-cache/spanheap"
	"github.com/stretchr/testify/require"
)

func sampleRecord(t *testing.T) Record {
	t.Helper()

	heap := spanheap.New[uint32]()
	_, err := heap.AppendNewBlock(64)
	require.NoError(t, err)

	record := Record{Heap: heap.Flatten()}
	record.Insert(Block{Key: 30, Start: 32, Size: 20})
	record.Insert(Block{Key: 10, Start: 0, Size: 5})
	record.Insert(Block{Key: 20, Start: 16, Size: 16})

	return record
}

func TestInsertKeepsKeyOrder(t *testing.T) {
	record := sampleRecord(t)

	require.Equal(t, []uint64{10, 20, 30}, []uint64{record.Blocks[0].Key, record.Blocks[1].Key, record.Blocks[2].Key})

	record.Insert(Block{Key: 20, Start: 48, Size: 1})
	require.Len(t, record.Blocks, 3)

	idx, found := record.Find(20)
	require.True(t, found)
	require.Equal(t, uint32(48), record.Blocks[idx].Start)

	removed, ok := record.Remove(10)
	require.True(t, ok)
	require.Equal(t, uint32(5), removed.Size)

	_, ok = record.Remove(10)
	require.False(t, ok)
	require.Equal(t, uint64(21), record.UsedSpace())
}

func TestEncodeDecode(t *testing.T) {
	record := sampleRecord(t)
	record.Flags = FlagLz4Payloads

	encoded := record.Encode()
	require.Len(t, encoded, record.EncodedSize())

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, record, decoded)

	_, err = Decode(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsOverlapAndDisorder(t *testing.T) {
	overlap := Record{Blocks: []Block{{Key: 1, Start: 0, Size: 20}, {Key: 2, Start: 16, Size: 4}}}
	require.ErrorIs(t, overlap.Validate(), ErrMalformed)

	disorder := Record{Blocks: []Block{{Key: 2, Start: 0, Size: 1}, {Key: 1, Start: 16, Size: 1}}}
	require.ErrorIs(t, disorder.Validate(), ErrMalformed)

	empty := Record{Blocks: []Block{{Key: 1, Start: 0, Size: 0}, {Key: 2, Start: 0, Size: 4}}}
	require.NoError(t, empty.Validate())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat.dir")

	_, _, err := Load(path)
	require.ErrorIs(t, err, io.ErrNotExist)

	record := sampleRecord(t)
	written, err := Write(path, record, "build-1", "2026-10-18")
	require.NoError(t, err)

	size, err := io.FileSize(path)
	require.NoError(t, err)
	require.Equal(t, written, size)

	loaded, header, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, record, loaded)
	require.Equal(t, "build-1", header.BuildVersion)

	// a smaller directory leaves no stale tail behind
	small := Record{Heap: record.Heap}
	written, err = Write(path, small, "build-2", "2026-10-18")
	require.NoError(t, err)

	size, err = io.FileSize(path)
	require.NoError(t, err)
	require.Equal(t, written, size)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat.dir")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a chunk file, but long enough to read a header from it"), 0o644))

	_, _, err := Load(path)
	require.ErrorIs(t, err, ErrMalformed)
}
