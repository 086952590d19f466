// Package spanheap implements a free-space allocator over a single linear,
// growable address space.
//
// The heap is a flat table of markers. Span i covers [m[i], m[i+1]); even
// spans are allocated, odd spans are free. m[0] is always 0 and the last
// marker is the heap size. Only span 0 may be empty. Markers are stored in
// units of Granularity bytes, so a uint16 marker table addresses up to 1MiB
// and a uint32 table is bounded by the 32-bit byte offsets the heap hands out.
package spanheap

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"unsafe"

	"golang.org/x/exp/constraints"
)

const (
	GranularityShift = 4
	Granularity      = 1 << GranularityShift
)

var (
	ErrHeapCorruption = errors.New("spanning heap corruption")
	ErrHeapOverflow   = errors.New("spanning heap marker overflow")
)

type SpanningHeap[M constraints.Unsigned] struct {
	markers []M

	// largest free span in units, valid only while largestFreeValid
	largestFree      M
	largestFreeValid bool
}

// Span is a byte range of the heap, as reported by Spans.
type Span struct {
	Start     uint32
	End       uint32
	Allocated bool
}

func (s Span) Size() uint32 {
	return s.End - s.Start
}

type span[M constraints.Unsigned] struct {
	start, end M
	allocated  bool
}

func New[M constraints.Unsigned]() *SpanningHeap[M] {
	return &SpanningHeap[M]{
		markers:          []M{0, 0},
		largestFreeValid: true,
	}
}

// NewFree creates a heap of the given size that is entirely free.
func NewFree[M constraints.Unsigned](size uint32) (*SpanningHeap[M], error) {
	units, err := toUnits[M](size)
	if err != nil {
		return nil, err
	}

	h := New[M]()
	if units > 0 {
		h.markers = append(h.markers, units)
		h.largestFree = units
	}

	return h, nil
}

func maxMarker[M constraints.Unsigned]() uint64 {
	return uint64(^M(0))
}

func markerWidth[M constraints.Unsigned]() int {
	var m M
	return int(unsafe.Sizeof(m))
}

func toUnits[M constraints.Unsigned](size uint32) (M, error) {
	units := (uint64(size) + Granularity - 1) >> GranularityShift
	if units > maxMarker[M]() {
		return 0, fmt.Errorf("%d bytes do not fit a %d byte marker: %w", size, markerWidth[M](), ErrHeapOverflow)
	}

	return M(units), nil
}

func toBytes[M constraints.Unsigned](units M) uint32 {
	return uint32(uint64(units) << GranularityShift)
}

// RoundUp returns size rounded to the allocation granularity.
func RoundUp(size uint32) uint64 {
	return (uint64(size) + Granularity - 1) &^ (Granularity - 1)
}

func (h *SpanningHeap[M]) last() int {
	return len(h.markers) - 1
}

// Allocate finds the smallest free span that fits size and allocates from
// its start. ok is false when no span is big enough; grow the heap with
// AppendNewBlock in that case.
func (h *SpanningHeap[M]) Allocate(size uint32) (offset uint32, ok bool) {
	units, err := toUnits[M](size)
	if err != nil {
		return 0, false
	}

	if units == 0 {
		return 0, true
	}

	if h.largestFreeValid && units > h.largestFree {
		return 0, false
	}

	best := -1
	var bestSize M

	largestIdx := -1
	var largest, second M

	for i := 1; i < h.last(); i += 2 {
		sz := h.markers[i+1] - h.markers[i]

		if sz > largest {
			second = largest
			largest = sz
			largestIdx = i
		} else if sz > second {
			second = sz
		}

		if sz >= units && (best < 0 || sz < bestSize) {
			best = i
			bestSize = sz
		}
	}

	if best < 0 {
		h.largestFree = largest
		h.largestFreeValid = true
		return 0, false
	}

	start := h.markers[best]

	if bestSize == units {
		h.collapseFree(best)
	} else {
		h.markers[best] += units
	}

	remaining := bestSize - units
	if best == largestIdx {
		h.largestFree = max(second, remaining)
	} else {
		h.largestFree = largest
	}
	h.largestFreeValid = true

	return toBytes(start), true
}

// collapseFree drops the fully consumed free span i, merging its allocated
// neighbours.
func (h *SpanningHeap[M]) collapseFree(i int) {
	if i+1 == h.last() {
		h.markers = slices.Delete(h.markers, i, i+1)
	} else {
		h.markers = slices.Delete(h.markers, i, i+2)
	}
}

// AllocateAt marks [offset, offset+size) allocated. The range must lie
// within a single free span.
func (h *SpanningHeap[M]) AllocateAt(offset, size uint32) error {
	return h.setRange(offset, size, true)
}

// Deallocate frees [offset, offset+size). The range must lie within a
// single allocated span.
func (h *SpanningHeap[M]) Deallocate(offset, size uint32) error {
	return h.setRange(offset, size, false)
}

func (h *SpanningHeap[M]) setRange(offset, size uint32, allocate bool) error {
	if size == 0 {
		return nil
	}

	if offset%Granularity != 0 {
		return fmt.Errorf("offset %d is not aligned to %d: %w", offset, Granularity, ErrHeapCorruption)
	}

	units, err := toUnits[M](size)
	if err != nil {
		return err
	}

	s := uint64(offset >> GranularityShift)
	e := s + uint64(units)
	if e > maxMarker[M]() {
		return fmt.Errorf("range %d+%d: %w", offset, size, ErrHeapOverflow)
	}

	spans := h.spans()

	for idx, sp := range spans {
		if sp.allocated == allocate || uint64(sp.start) > s || e > uint64(sp.end) {
			continue
		}

		replaced := []span[M]{
			{start: sp.start, end: M(s), allocated: sp.allocated},
			{start: M(s), end: M(e), allocated: allocate},
			{start: M(e), end: sp.end, allocated: sp.allocated},
		}

		spans = slices.Replace(spans, idx, idx+1, replaced...)
		h.markers = markersFromSpans(spans)
		h.largestFreeValid = false

		return nil
	}

	state := "free"
	if !allocate {
		state = "allocated"
	}

	return fmt.Errorf("range [%d, %d) is not inside a single %s span: %w", offset, uint64(offset)+uint64(size), state, ErrHeapCorruption)
}

// AppendNewBlock grows the heap by size at its end, marks the new region
// allocated and returns its offset.
func (h *SpanningHeap[M]) AppendNewBlock(size uint32) (uint32, error) {
	units, err := toUnits[M](size)
	if err != nil {
		return 0, err
	}

	lastMarker := h.markers[h.last()]
	newEnd := uint64(lastMarker) + uint64(units)

	if newEnd > maxMarker[M]() || newEnd<<GranularityShift > math.MaxUint32 {
		return 0, fmt.Errorf("heap of %d bytes can't grow by %d: %w", toBytes(lastMarker), size, ErrHeapOverflow)
	}

	if units == 0 {
		return toBytes(lastMarker), nil
	}

	if len(h.markers)%2 == 0 {
		// last span is allocated, extend it
		h.markers[h.last()] = M(newEnd)
	} else {
		h.markers = append(h.markers, M(newEnd))
	}

	return toBytes(lastMarker), nil
}

func (h *SpanningHeap[M]) spans() []span[M] {
	result := make([]span[M], 0, len(h.markers)-1)

	for i := 0; i < h.last(); i++ {
		result = append(result, span[M]{
			start:     h.markers[i],
			end:       h.markers[i+1],
			allocated: i%2 == 0,
		})
	}

	return result
}

// markersFromSpans merges empty and same-state neighbours and rebuilds a
// normalized marker table.
func markersFromSpans[M constraints.Unsigned](spans []span[M]) []M {
	markers := []M{0}
	openAllocated := true
	opened := false

	for _, sp := range spans {
		if sp.end == sp.start {
			continue
		}

		if !opened {
			opened = true
			if !sp.allocated {
				// keep span 0 allocated
				markers = append(markers, sp.start)
				openAllocated = false
			}
		} else if sp.allocated != openAllocated {
			markers = append(markers, sp.start)
			openAllocated = sp.allocated
		}
	}

	if !opened {
		return []M{0, 0}
	}

	markers = append(markers, spans[len(spans)-1].end)

	return markers
}

// Spans lists every span in address order.
func (h *SpanningHeap[M]) Spans() []Span {
	internal := h.spans()
	result := make([]Span, 0, len(internal))

	for _, sp := range internal {
		if sp.start == sp.end {
			continue
		}
		result = append(result, Span{Start: toBytes(sp.start), End: toBytes(sp.end), Allocated: sp.allocated})
	}

	return result
}

// Markers returns a copy of the raw marker table.
func (h *SpanningHeap[M]) Markers() []M {
	return slices.Clone(h.markers)
}

func (h *SpanningHeap[M]) CalculateHeapSize() uint64 {
	return uint64(h.markers[h.last()]) << GranularityShift
}

func (h *SpanningHeap[M]) CalculateAvailableSpace() uint64 {
	var free uint64

	for i := 1; i < h.last(); i += 2 {
		free += uint64(h.markers[i+1] - h.markers[i])
	}

	return free << GranularityShift
}

func (h *SpanningHeap[M]) CalculateAllocatedSpace() uint64 {
	return h.CalculateHeapSize() - h.CalculateAvailableSpace()
}

func (h *SpanningHeap[M]) CalculateLargestFreeBlock() uint64 {
	var largest M

	for i := 1; i < h.last(); i += 2 {
		largest = max(largest, h.markers[i+1]-h.markers[i])
	}

	h.largestFree = largest
	h.largestFreeValid = true

	return uint64(largest) << GranularityShift
}

func (h *SpanningHeap[M]) IsEmpty() bool {
	return h.CalculateAllocatedSpace() == 0
}
