package directory

import (
	"errors"
	"fmt"

	"github.com/dot5enko/archive-cache/chunk"
	"github.com/dot5enko/archive-cache/io"
)

// Load reads the directory chunk from a chunk file. A missing file yields
// an error matching io.ErrNotExist.
func Load(path string) (Record, chunk.FileHeader, error) {
	fh := io.NewFileHandle(path)
	if err := fh.SoftOpen(); err != nil {
		return Record{}, chunk.FileHeader{}, err
	}
	defer fh.Close()

	size, err := fh.Size()
	if err != nil {
		return Record{}, chunk.FileHeader{}, err
	}

	fileHeader, table, err := chunk.LoadChunkTable(fh.Raw(), size)
	if err != nil {
		return Record{}, fileHeader, fmt.Errorf("unable to load chunk table of %s: %w", path, errors.Join(ErrMalformed, err))
	}

	header, err := chunk.FindChunk(table, TypeCode, 0)
	if err != nil {
		return Record{}, fileHeader, fmt.Errorf("%s: %w", path, errors.Join(ErrMalformed, err))
	}

	if header.ChunkVersion != ChunkVersion {
		return Record{}, fileHeader, fmt.Errorf("%w: %s has directory version %d, expected %d", ErrMalformed, path, header.ChunkVersion, ChunkVersion)
	}

	data, err := chunk.ReadChunk(fh.Raw(), header, size)
	if err != nil {
		return Record{}, fileHeader, fmt.Errorf("%s: %w", path, errors.Join(ErrMalformed, err))
	}

	record, err := Decode(data)
	if err != nil {
		return Record{}, fileHeader, fmt.Errorf("%s: %w", path, err)
	}

	return record, fileHeader, nil
}

// Encode builds the complete directory file contents.
func Encode(record Record, buildVersion, buildDate string) ([]byte, error) {
	return chunk.Encode(buildVersion, buildDate, chunk.Chunk{
		TypeCode:     TypeCode,
		ChunkVersion: ChunkVersion,
		Name:         ChunkName,
		Data:         record.Encode(),
	})
}

// Write replaces the directory file at path. The new contents go to a temp
// file in the same folder that is synced and renamed over path, so readers
// see either the old or the new directory and never a stale tail.
func Write(path string, record Record, buildVersion, buildDate string) (int64, error) {
	raw, err := Encode(record, buildVersion, buildDate)
	if err != nil {
		return 0, err
	}

	if err := io.WriteFileAtomic(path, raw); err != nil {
		return 0, err
	}

	return int64(len(raw)), nil
}
