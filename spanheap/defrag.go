package spanheap

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// DefragStep moves the allocated bytes [SourceStart, SourceEnd) to
// Destination.
type DefragStep struct {
	SourceStart uint32
	SourceEnd   uint32
	Destination uint32
}

func (s DefragStep) Size() uint32 {
	return s.SourceEnd - s.SourceStart
}

// CalculateDefragSteps plans packing every allocated span at the front of
// the heap. Destinations are assigned smallest span first; the returned plan
// is ordered by source offset. Destinations may overlap sources that have not
// moved yet, so movers copy into a fresh target.
func (h *SpanningHeap[M]) CalculateDefragSteps() []DefragStep {
	var steps []DefragStep

	for _, sp := range h.Spans() {
		if sp.Allocated {
			steps = append(steps, DefragStep{SourceStart: sp.Start, SourceEnd: sp.End})
		}
	}

	slices.SortStableFunc(steps, func(a, b DefragStep) int {
		return cmp.Compare(a.Size(), b.Size())
	})

	var destination uint32
	for i := range steps {
		steps[i].Destination = destination
		destination += steps[i].Size()
	}

	slices.SortFunc(steps, func(a, b DefragStep) int {
		return cmp.Compare(a.SourceStart, b.SourceStart)
	})

	return steps
}

// PerformDefrag rebuilds the marker table from the destinations of a plan.
// Everything not covered by a destination becomes free, and the heap ends at
// the last destination.
func (h *SpanningHeap[M]) PerformDefrag(steps []DefragStep) error {
	moved := slices.Clone(steps)
	slices.SortFunc(moved, func(a, b DefragStep) int {
		return cmp.Compare(a.Destination, b.Destination)
	})

	var spans []span[M]
	var cursor uint64

	for _, step := range moved {
		if step.SourceEnd < step.SourceStart {
			return fmt.Errorf("step %+v has negative size: %w", step, ErrHeapCorruption)
		}

		dest := uint64(step.Destination)
		end := dest + uint64(step.Size())

		if end > math.MaxUint32 {
			return fmt.Errorf("step %+v ends past 32 bit offsets: %w", step, ErrHeapOverflow)
		}

		if dest < cursor {
			return fmt.Errorf("destination %d overlaps previous move ending at %d: %w", dest, cursor, ErrHeapCorruption)
		}

		startUnits, err := toUnits[M](uint32(dest))
		if err != nil {
			return err
		}
		endUnits, err := toUnits[M](uint32(end))
		if err != nil {
			return err
		}

		if dest > cursor {
			spans = append(spans, span[M]{start: M(cursor >> GranularityShift), end: startUnits})
		}

		spans = append(spans, span[M]{start: startUnits, end: endUnits, allocated: true})
		cursor = uint64(endUnits) << GranularityShift
	}

	h.markers = markersFromSpans(spans)
	h.largestFreeValid = false

	return nil
}
