// Package chunk reads and writes the typed-section container used to embed
// records such as the archive directory.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/dot5enko/archive-cache/bits"
)

// *--------------------------------*
// | file header                    |
// *--------------------------------*
// | chunk header 1 ... n           |
// *--------------------------------*
// | chunk payloads                 |
// *--------------------------------*

const (
	Magic       uint32 = 0x4B4E4843 // "CHNK"
	FileVersion uint32 = 0

	VersionStringSize = 64
	NameSize          = 32

	FileHeaderSize  = 4 + 4 + VersionStringSize + VersionStringSize + 4
	ChunkHeaderSize = 8 + 4 + NameSize + 4 + 4 + 8

	// sanity bound for the chunk table of a damaged file
	MaxChunks = 1024
)

var (
	ErrBadMagic      = errors.New("bad chunk file magic")
	ErrChunkNotFound = errors.New("chunk not found")
	ErrBadChunk      = errors.New("malformed chunk")
)

type FileHeader struct {
	Magic        uint32
	FileVersion  uint32
	BuildVersion string
	BuildDate    string
	ChunkCount   uint32
}

type ChunkHeader struct {
	TypeCode     uint64
	ChunkVersion uint32
	Name         string
	FileOffset   uint32
	Size         uint32
	// xxhash64 of the payload, 0 when not recorded
	Checksum uint64
}

// Chunk is a header plus payload, used when writing a file.
type Chunk struct {
	TypeCode     uint64
	ChunkVersion uint32
	Name         string
	Data         []byte
}

// TypeCodeFromTag packs up to eight ASCII bytes into a type code.
func TypeCodeFromTag(tag string) uint64 {
	var raw [8]byte
	copy(raw[:], tag)
	return binary.LittleEndian.Uint64(raw[:])
}

func NewFileHeader(buildVersion, buildDate string, chunks int) FileHeader {
	return FileHeader{
		Magic:        Magic,
		FileVersion:  FileVersion,
		BuildVersion: buildVersion,
		BuildDate:    buildDate,
		ChunkCount:   uint32(chunks),
	}
}

func (header *FileHeader) WriteTo(bw *bits.BitWriter) {
	bw.PutUint32(header.Magic)
	bw.PutUint32(header.FileVersion)
	bw.PutFixedString(header.BuildVersion, VersionStringSize)
	bw.PutFixedString(header.BuildDate, VersionStringSize)
	bw.PutUint32(header.ChunkCount)
}

func (header *FileHeader) FromBytes(input []byte) (topErr error) {
	reader := bits.NewBytesReader(input, binary.LittleEndian)

	header.Magic, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode file magic: %w", topErr)
	}

	if header.Magic != Magic {
		return fmt.Errorf("%w: %08x", ErrBadMagic, header.Magic)
	}

	header.FileVersion, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode file version: %w", topErr)
	}

	if header.FileVersion != FileVersion {
		return fmt.Errorf("unsupported chunk file version %d: %w", header.FileVersion, ErrBadChunk)
	}

	header.BuildVersion, topErr = reader.ReadFixedString(VersionStringSize)
	if topErr != nil {
		return fmt.Errorf("unable to decode build version: %w", topErr)
	}

	header.BuildDate, topErr = reader.ReadFixedString(VersionStringSize)
	if topErr != nil {
		return fmt.Errorf("unable to decode build date: %w", topErr)
	}

	header.ChunkCount, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode chunk count: %w", topErr)
	}

	return nil
}

func (header *ChunkHeader) WriteTo(bw *bits.BitWriter) {
	bw.PutUint64(header.TypeCode)
	bw.PutUint32(header.ChunkVersion)
	bw.PutFixedString(header.Name, NameSize)
	bw.PutUint32(header.FileOffset)
	bw.PutUint32(header.Size)
	bw.PutUint64(header.Checksum)
}

func (header *ChunkHeader) FromBytes(input []byte) (topErr error) {
	reader := bits.NewBytesReader(input, binary.LittleEndian)

	if header.TypeCode, topErr = reader.ReadU64(); topErr != nil {
		return fmt.Errorf("unable to decode chunk type: %w", topErr)
	}
	if header.ChunkVersion, topErr = reader.ReadU32(); topErr != nil {
		return fmt.Errorf("unable to decode chunk version: %w", topErr)
	}
	if header.Name, topErr = reader.ReadFixedString(NameSize); topErr != nil {
		return fmt.Errorf("unable to decode chunk name: %w", topErr)
	}
	if header.FileOffset, topErr = reader.ReadU32(); topErr != nil {
		return fmt.Errorf("unable to decode chunk offset: %w", topErr)
	}
	if header.Size, topErr = reader.ReadU32(); topErr != nil {
		return fmt.Errorf("unable to decode chunk size: %w", topErr)
	}
	if header.Checksum, topErr = reader.ReadU64(); topErr != nil {
		return fmt.Errorf("unable to decode chunk checksum: %w", topErr)
	}

	return nil
}

// LoadChunkTable reads the file header and every chunk header. size is the
// length of the file behind r; the table must fit inside it.
func LoadChunkTable(r io.ReaderAt, size int64) (FileHeader, []ChunkHeader, error) {
	var fileHeader FileHeader

	if size < FileHeaderSize {
		return fileHeader, nil, fmt.Errorf("chunk file of %d bytes is shorter than its header: %w", size, ErrBadChunk)
	}

	headerBuffer := make([]byte, FileHeaderSize)
	if _, err := r.ReadAt(headerBuffer, 0); err != nil {
		return fileHeader, nil, fmt.Errorf("unable to read chunk file header: %w", err)
	}

	if err := fileHeader.FromBytes(headerBuffer); err != nil {
		return fileHeader, nil, err
	}

	if fileHeader.ChunkCount > MaxChunks {
		return fileHeader, nil, fmt.Errorf("chunk count %d exceeds %d: %w", fileHeader.ChunkCount, MaxChunks, ErrBadChunk)
	}

	if fileHeader.ChunkCount == 0 {
		return fileHeader, nil, nil
	}

	if tableEnd := int64(FileHeaderSize) + int64(fileHeader.ChunkCount)*ChunkHeaderSize; tableEnd > size {
		return fileHeader, nil, fmt.Errorf("chunk table ends at %d, past %d bytes of file: %w", tableEnd, size, ErrBadChunk)
	}

	tableBuffer := make([]byte, int(fileHeader.ChunkCount)*ChunkHeaderSize)
	if _, err := r.ReadAt(tableBuffer, FileHeaderSize); err != nil {
		return fileHeader, nil, fmt.Errorf("unable to read chunk table: %w", err)
	}

	table := make([]ChunkHeader, fileHeader.ChunkCount)
	for i := range table {
		entry := tableBuffer[i*ChunkHeaderSize : (i+1)*ChunkHeaderSize]
		if err := table[i].FromBytes(entry); err != nil {
			return fileHeader, nil, err
		}
	}

	return fileHeader, table, nil
}

// FindChunk returns the subIndex-th chunk of the given type.
func FindChunk(table []ChunkHeader, typeCode uint64, subIndex int) (ChunkHeader, error) {
	seen := 0

	for _, it := range table {
		if it.TypeCode != typeCode {
			continue
		}

		if seen == subIndex {
			return it, nil
		}
		seen++
	}

	return ChunkHeader{}, fmt.Errorf("%w: type %016x index %d", ErrChunkNotFound, typeCode, subIndex)
}

// ReadChunk reads a chunk payload and verifies its checksum. Chunks reaching
// past size, the length of the file behind r, are rejected before anything
// is allocated for them.
func ReadChunk(r io.ReaderAt, header ChunkHeader, size int64) ([]byte, error) {
	if end := uint64(header.FileOffset) + uint64(header.Size); size < 0 || end > uint64(size) {
		return nil, fmt.Errorf("chunk %q ends at %d, past %d bytes of file: %w", header.Name, end, size, ErrBadChunk)
	}

	data := make([]byte, header.Size)

	n, err := r.ReadAt(data, int64(header.FileOffset))
	if n != len(data) {
		return nil, fmt.Errorf("chunk %q truncated, %d of %d bytes: %w", header.Name, n, header.Size, errors.Join(ErrBadChunk, err))
	}

	if header.Checksum != 0 && xxhash.Sum64(data) != header.Checksum {
		return nil, fmt.Errorf("chunk %q checksum mismatch: %w", header.Name, ErrBadChunk)
	}

	return data, nil
}

// Encode lays out a complete chunk file in memory.
func Encode(buildVersion, buildDate string, chunks ...Chunk) ([]byte, error) {
	total := FileHeaderSize + len(chunks)*ChunkHeaderSize
	for _, c := range chunks {
		total += len(c.Data)
	}

	if uint64(total) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("chunk file of %d bytes exceeds 32 bit offsets: %w", total, ErrBadChunk)
	}

	bw := bits.NewGrowingBuffer(total, binary.LittleEndian)

	fileHeader := NewFileHeader(buildVersion, buildDate, len(chunks))
	fileHeader.WriteTo(&bw)

	offset := FileHeaderSize + len(chunks)*ChunkHeaderSize
	for _, c := range chunks {
		header := ChunkHeader{
			TypeCode:     c.TypeCode,
			ChunkVersion: c.ChunkVersion,
			Name:         c.Name,
			FileOffset:   uint32(offset),
			Size:         uint32(len(c.Data)),
			Checksum:     xxhash.Sum64(c.Data),
		}
		header.WriteTo(&bw)
		offset += len(c.Data)
	}

	for _, c := range chunks {
		bw.Write(c.Data)
	}

	return slices.Clip(bw.Bytes()), nil
}
