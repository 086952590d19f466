package spanheap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/dot5enko/archive-cache/bits"
	"golang.org/x/exp/constraints"
)

// flattened layout: marker count u32, marker width u32, markers (little endian)
const flattenedHeaderSize = 4 + 4

func (h *SpanningHeap[M]) FlattenedSize() int {
	return flattenedHeaderSize + len(h.markers)*markerWidth[M]()
}

func (h *SpanningHeap[M]) Flatten() []byte {
	bw := bits.NewGrowingBuffer(h.FlattenedSize(), binary.LittleEndian)

	width := markerWidth[M]()

	bw.PutUint32(uint32(len(h.markers)))
	bw.PutUint32(uint32(width))

	for _, m := range h.markers {
		putMarker(&bw, uint64(m), width)
	}

	return bw.Bytes()
}

func putMarker(bw *bits.BitWriter, v uint64, width int) {
	switch width {
	case 1:
		bw.WriteByte(uint8(v))
	case 2:
		bw.PutUint16(uint16(v))
	case 4:
		bw.PutUint32(uint32(v))
	default:
		bw.PutUint64(v)
	}
}

func readMarker(r *bits.BitsReader, width int) (uint64, error) {
	switch width {
	case 1:
		v, err := r.ReadU8()
		return uint64(v), err
	case 2:
		v, err := r.ReadU16()
		return uint64(v), err
	case 4:
		v, err := r.ReadU32()
		return uint64(v), err
	default:
		return r.ReadU64()
	}
}

// FromFlattened restores a heap written by Flatten. The table is validated
// and normalized; anything inconsistent is reported as ErrHeapCorruption.
func FromFlattened[M constraints.Unsigned](flat []byte) (*SpanningHeap[M], error) {
	reader := bits.NewBytesReader(flat, binary.LittleEndian)

	count, err := reader.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("unable to read marker count: %w", ErrHeapCorruption)
	}

	width, err := reader.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("unable to read marker width: %w", ErrHeapCorruption)
	}

	if int(width) != markerWidth[M]() {
		return nil, fmt.Errorf("marker width %d, expected %d: %w", width, markerWidth[M](), ErrHeapCorruption)
	}

	if count < 2 || uint64(len(flat)) != flattenedHeaderSize+uint64(count)*uint64(width) {
		return nil, fmt.Errorf("marker count %d doesn't match %d bytes of table: %w", count, len(flat), ErrHeapCorruption)
	}

	markers := make([]M, count)
	var prev uint64

	for i := range markers {
		v, readErr := readMarker(reader, int(width))
		if readErr != nil {
			return nil, fmt.Errorf("unable to read marker %d: %w", i, ErrHeapCorruption)
		}

		if i == 0 && v != 0 {
			return nil, fmt.Errorf("first marker is %d: %w", v, ErrHeapCorruption)
		}

		if v < prev {
			return nil, fmt.Errorf("marker %d is not monotonic (%d < %d): %w", i, v, prev, ErrHeapCorruption)
		}

		prev = v
		markers[i] = M(v)
	}

	if prev<<GranularityShift > math.MaxUint32 {
		return nil, fmt.Errorf("heap size %d units exceeds 32 bit offsets: %w", prev, ErrHeapCorruption)
	}

	h := &SpanningHeap[M]{markers: markers}
	h.markers = markersFromSpans(h.spans())

	return h, nil
}

// CalculateHash hashes the marker table, for diffing heaps.
func (h *SpanningHeap[M]) CalculateHash() uint64 {
	return xxhash.Sum64(h.Flatten())
}
