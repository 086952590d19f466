package spanheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildHeap lays out spans given in units, alternating allocated and free,
// starting with an allocated span.
func buildHeap(t *testing.T, layout ...uint32) *SpanningHeap[uint32] {
	t.Helper()

	h := New[uint32]()

	type freeRange struct{ offset, size uint32 }
	var frees []freeRange

	for i, units := range layout {
		offset, err := h.AppendNewBlock(units * Granularity)
		require.NoError(t, err)

		if i%2 == 1 {
			frees = append(frees, freeRange{offset, units * Granularity})
		}
	}

	for _, f := range frees {
		require.NoError(t, h.Deallocate(f.offset, f.size))
	}

	return h
}

func TestBestFitPicksSmallestSufficientSpan(t *testing.T) {
	h := buildHeap(t, 1, 40, 1, 100, 1, 64, 1)

	// the 64 unit span starts after 1+40+1+100+1 units
	expected := uint32(1+40+1+100+1) * Granularity

	offset, ok := h.Allocate(50 * Granularity)
	require.True(t, ok)
	require.Equal(t, expected, offset)

	require.Equal(t, uint64(100*Granularity), h.CalculateLargestFreeBlock())
	require.Equal(t, uint64((40+100+14)*Granularity), h.CalculateAvailableSpace())
}

func TestExactFitCollapsesTable(t *testing.T) {
	h := buildHeap(t, 1, 40, 1, 100, 1)
	before := len(h.Markers())

	offset, ok := h.Allocate(40 * Granularity)
	require.True(t, ok)
	require.Equal(t, uint32(Granularity), offset)
	require.Len(t, h.Markers(), before-2)

	// consuming the last free span leaves a single allocated span
	offset, ok = h.Allocate(100 * Granularity)
	require.True(t, ok)
	require.Equal(t, uint32(42*Granularity), offset)
	require.Equal(t, []uint32{0, 143}, h.Markers())
	require.Zero(t, h.CalculateAvailableSpace())
}

func TestAllocateRoundsToGranularity(t *testing.T) {
	h, err := NewFree[uint32](1024)
	require.NoError(t, err)

	first, ok := h.Allocate(5)
	require.True(t, ok)
	second, ok := h.Allocate(17)
	require.True(t, ok)

	require.Equal(t, uint32(0), first)
	require.Equal(t, uint32(Granularity), second)
	require.Equal(t, uint64(3*Granularity), h.CalculateAllocatedSpace())
	require.Equal(t, uint64(48), RoundUp(33))
}

func TestNoFitRequiresGrowth(t *testing.T) {
	h := buildHeap(t, 1, 2, 1, 3, 1)
	size := h.CalculateHeapSize()

	_, ok := h.Allocate(4 * Granularity)
	require.False(t, ok)

	offset, err := h.AppendNewBlock(4 * Granularity)
	require.NoError(t, err)
	require.Equal(t, uint32(size), offset)
	require.Equal(t, size+4*Granularity, h.CalculateHeapSize())

	// the cached largest free block allows failing fast without a scan
	_, ok = h.Allocate(4 * Granularity)
	require.False(t, ok)
	require.Equal(t, uint64(3*Granularity), h.CalculateLargestFreeBlock())
}

func TestAppendAfterTrailingFreeSpan(t *testing.T) {
	h := buildHeap(t, 2, 3)

	offset, err := h.AppendNewBlock(Granularity)
	require.NoError(t, err)
	require.Equal(t, uint32(5*Granularity), offset)
	require.Equal(t, []uint32{0, 2, 5, 6}, h.Markers())
}

func TestExplicitAllocateAndDeallocate(t *testing.T) {
	h, err := NewFree[uint32](10 * Granularity)
	require.NoError(t, err)
	require.True(t, h.IsEmpty())

	require.NoError(t, h.AllocateAt(4*Granularity, 2*Granularity))
	require.Equal(t, []uint32{0, 0, 4, 6, 10}, h.Markers())

	require.NoError(t, h.AllocateAt(0, 4*Granularity))
	require.Equal(t, []uint32{0, 6, 10}, h.Markers())

	require.NoError(t, h.Deallocate(0, 6*Granularity))
	require.Equal(t, []uint32{0, 0, 10}, h.Markers())
	require.True(t, h.IsEmpty())
}

func TestInvalidRangesAreCorruption(t *testing.T) {
	h := buildHeap(t, 2, 2, 2)

	require.ErrorIs(t, h.Deallocate(2*Granularity, Granularity), ErrHeapCorruption)
	require.ErrorIs(t, h.Deallocate(3, Granularity), ErrHeapCorruption)
	require.ErrorIs(t, h.AllocateAt(0, Granularity), ErrHeapCorruption)
	require.ErrorIs(t, h.Deallocate(Granularity, 2*Granularity), ErrHeapCorruption)
	require.ErrorIs(t, h.AllocateAt(5*Granularity, 2*Granularity), ErrHeapCorruption)

	require.NoError(t, h.Deallocate(0, 2*Granularity))
	require.ErrorIs(t, h.Deallocate(0, 2*Granularity), ErrHeapCorruption)
}

func TestSmallMarkerOverflow(t *testing.T) {
	h := New[uint16]()

	_, err := h.AppendNewBlock(0xFFFF * Granularity)
	require.NoError(t, err)

	_, err = h.AppendNewBlock(Granularity)
	require.ErrorIs(t, err, ErrHeapOverflow)

	_, ok := h.Allocate(0x10000 * Granularity)
	require.False(t, ok)
}

func TestFlattenRoundTrip(t *testing.T) {
	h := buildHeap(t, 1, 40, 1, 100, 1, 64, 1)

	restored, err := FromFlattened[uint32](h.Flatten())
	require.NoError(t, err)
	require.Equal(t, h.Markers(), restored.Markers())
	require.Equal(t, h.CalculateHash(), restored.CalculateHash())
	require.Len(t, h.Flatten(), h.FlattenedSize())

	small := New[uint16]()
	_, err = small.AppendNewBlock(64)
	require.NoError(t, err)

	restoredSmall, err := FromFlattened[uint16](small.Flatten())
	require.NoError(t, err)
	require.Equal(t, small.Markers(), restoredSmall.Markers())

	_, err = FromFlattened[uint32](small.Flatten())
	require.ErrorIs(t, err, ErrHeapCorruption)
}

func TestFromFlattenedRejectsGarbage(t *testing.T) {
	_, err := FromFlattened[uint32](nil)
	require.ErrorIs(t, err, ErrHeapCorruption)

	h := buildHeap(t, 1, 2, 1)
	flat := h.Flatten()

	// make marker 2 smaller than marker 1
	flat[8+8] = 0
	flat[8+4] = 9
	_, err = FromFlattened[uint32](flat)
	require.ErrorIs(t, err, ErrHeapCorruption)

	_, err = FromFlattened[uint32](h.Flatten()[:10])
	require.ErrorIs(t, err, ErrHeapCorruption)
}

func TestFromFlattenedRejectsTrailingBytes(t *testing.T) {
	flat := buildHeap(t, 1, 2, 1).Flatten()

	_, err := FromFlattened[uint32](flat)
	require.NoError(t, err)

	for extra := 1; extra <= 3; extra++ {
		padded := append(append([]byte{}, flat...), make([]byte, extra)...)
		_, err := FromFlattened[uint32](padded)
		require.ErrorIs(t, err, ErrHeapCorruption, "%d trailing bytes", extra)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := buildHeap(t, 1, 2, 1)
	b := buildHeap(t, 1, 2, 1)
	require.Equal(t, a.CalculateHash(), b.CalculateHash())

	_, ok := b.Allocate(Granularity)
	require.True(t, ok)
	require.NotEqual(t, a.CalculateHash(), b.CalculateHash())
}

func TestDefragPacksAllocatedSpans(t *testing.T) {
	// allocated spans: 3 units at 0, 1 unit at 5, 2 units at 8
	h := buildHeap(t, 3, 2, 1, 2, 2, 4)

	steps := h.CalculateDefragSteps()
	require.Equal(t, []DefragStep{
		{SourceStart: 0, SourceEnd: 3 * Granularity, Destination: 3 * Granularity},
		{SourceStart: 5 * Granularity, SourceEnd: 6 * Granularity, Destination: 0},
		{SourceStart: 8 * Granularity, SourceEnd: 10 * Granularity, Destination: 1 * Granularity},
	}, steps)

	allocated := h.CalculateAllocatedSpace()
	require.NoError(t, h.PerformDefrag(steps))

	require.Equal(t, allocated, h.CalculateAllocatedSpace())
	require.Equal(t, allocated, h.CalculateHeapSize())
	require.Zero(t, h.CalculateAvailableSpace())
	require.Equal(t, []uint32{0, 6}, h.Markers())
}

func TestDefragRejectsOverlappingDestinations(t *testing.T) {
	h := buildHeap(t, 2, 2, 2)

	err := h.PerformDefrag([]DefragStep{
		{SourceStart: 0, SourceEnd: 2 * Granularity, Destination: 0},
		{SourceStart: 4 * Granularity, SourceEnd: 6 * Granularity, Destination: Granularity},
	})
	require.ErrorIs(t, err, ErrHeapCorruption)
}
