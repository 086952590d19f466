// Package directory encodes the archive directory: the sorted block table
// plus the flattened spanning heap, stored as one chunk of a chunk file.
package directory

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/dot5enko/archive-cache/bits"
	"github.com/dot5enko/archive-cache/chunk"
)

// *--------------------------------*
// | block count, heap size, flags  |
// *--------------------------------*
// | blocks (key, start, size) ...  |
// *--------------------------------*
// | flattened spanning heap        |
// *--------------------------------*

const (
	HeaderSize = 4 + 4 + 4
	BlockSize  = 8 + 4 + 4

	ChunkVersion = 1
	ChunkName    = "ArchiveDirectory"

	// FlagLz4Payloads marks data files whose payloads are lz4 frames.
	FlagLz4Payloads uint32 = 1 << 0
)

var TypeCode = chunk.TypeCodeFromTag("ArchDir")

var ErrMalformed = errors.New("malformed archive directory")

type Block struct {
	Key   uint64
	Start uint32
	Size  uint32
}

func (b Block) End() uint64 {
	return uint64(b.Start) + uint64(b.Size)
}

type Record struct {
	Flags  uint32
	Blocks []Block
	Heap   []byte
}

// Find binary searches the block table by key.
func (r *Record) Find(key uint64) (int, bool) {
	return slices.BinarySearchFunc(r.Blocks, key, func(b Block, k uint64) int {
		return cmp.Compare(b.Key, k)
	})
}

// Insert adds or replaces the block for b.Key, keeping key order.
func (r *Record) Insert(b Block) {
	idx, found := r.Find(b.Key)
	if found {
		r.Blocks[idx] = b
		return
	}

	r.Blocks = slices.Insert(r.Blocks, idx, b)
}

func (r *Record) Remove(key uint64) (Block, bool) {
	idx, found := r.Find(key)
	if !found {
		return Block{}, false
	}

	removed := r.Blocks[idx]
	r.Blocks = slices.Delete(r.Blocks, idx, idx+1)

	return removed, true
}

// UsedSpace sums the byte sizes of every block.
func (r *Record) UsedSpace() uint64 {
	var used uint64
	for _, b := range r.Blocks {
		used += uint64(b.Size)
	}
	return used
}

func (r *Record) EncodedSize() int {
	return HeaderSize + len(r.Blocks)*BlockSize + len(r.Heap)
}

func (r *Record) Encode() []byte {
	bw := bits.NewGrowingBuffer(r.EncodedSize(), binary.LittleEndian)

	bw.PutUint32(uint32(len(r.Blocks)))
	bw.PutUint32(uint32(len(r.Heap)))
	bw.PutUint32(r.Flags)

	for _, b := range r.Blocks {
		bw.PutUint64(b.Key)
		bw.PutUint32(b.Start)
		bw.PutUint32(b.Size)
	}

	bw.Write(r.Heap)

	return bw.Bytes()
}

func Decode(data []byte) (result Record, topErr error) {
	reader := bits.NewBytesReader(data, binary.LittleEndian)

	blockCount, topErr := reader.ReadU32()
	if topErr != nil {
		return result, fmt.Errorf("unable to decode block count: %w", errors.Join(ErrMalformed, topErr))
	}

	heapSize, topErr := reader.ReadU32()
	if topErr != nil {
		return result, fmt.Errorf("unable to decode heap size: %w", errors.Join(ErrMalformed, topErr))
	}

	result.Flags, topErr = reader.ReadU32()
	if topErr != nil {
		return result, fmt.Errorf("unable to decode flags: %w", errors.Join(ErrMalformed, topErr))
	}

	expected := uint64(HeaderSize) + uint64(blockCount)*BlockSize + uint64(heapSize)
	if expected != uint64(len(data)) {
		return result, fmt.Errorf("%w: header declares %d bytes, chunk has %d", ErrMalformed, expected, len(data))
	}

	result.Blocks = make([]Block, blockCount)
	for i := range result.Blocks {
		b := &result.Blocks[i]

		if b.Key, topErr = reader.ReadU64(); topErr != nil {
			return result, fmt.Errorf("unable to decode block %d key: %w", i, errors.Join(ErrMalformed, topErr))
		}
		if b.Start, topErr = reader.ReadU32(); topErr != nil {
			return result, fmt.Errorf("unable to decode block %d start: %w", i, errors.Join(ErrMalformed, topErr))
		}
		if b.Size, topErr = reader.ReadU32(); topErr != nil {
			return result, fmt.Errorf("unable to decode block %d size: %w", i, errors.Join(ErrMalformed, topErr))
		}
	}

	result.Heap = make([]byte, heapSize)
	if topErr = reader.ReadBytes(int(heapSize), result.Heap); topErr != nil {
		return result, fmt.Errorf("unable to read heap table: %w", errors.Join(ErrMalformed, topErr))
	}

	if topErr = result.Validate(); topErr != nil {
		return result, topErr
	}

	return result, nil
}

// Validate checks key order and that no two blocks overlap.
func (r *Record) Validate() error {
	for i := 1; i < len(r.Blocks); i++ {
		if r.Blocks[i-1].Key >= r.Blocks[i].Key {
			return fmt.Errorf("%w: keys %016x and %016x out of order", ErrMalformed, r.Blocks[i-1].Key, r.Blocks[i].Key)
		}
	}

	byStart := make([]Block, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		if b.Size > 0 {
			byStart = append(byStart, b)
		}
	}

	slices.SortFunc(byStart, func(a, b Block) int {
		return cmp.Compare(a.Start, b.Start)
	})

	for i := 1; i < len(byStart); i++ {
		if byStart[i-1].End() > uint64(byStart[i].Start) {
			return fmt.Errorf("%w: blocks %016x and %016x overlap", ErrMalformed, byStart[i-1].Key, byStart[i].Key)
		}
	}

	return nil
}
