package archive

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/dot5enko/archive-cache/directory"
	"github.com/dot5enko/archive-cache/io"
	"github.com/dot5enko/archive-cache/spanheap"
)

// CompactResult describes what Compact reclaimed.
type CompactResult struct {
	Moves          int
	HeapSizeBefore uint64
	HeapSizeAfter  uint64
}

// Compact flushes pending entries, then packs every block at the front of a
// fresh data file and rewrites the directory to match.
func (c *Cache) Compact() (CompactResult, error) {
	c.lock.Lock()

	if c.closed {
		c.lock.Unlock()
		return CompactResult{}, ErrClosed
	}

	callbacks, err := c.flushLocked()
	if err != nil {
		c.lock.Unlock()
		return CompactResult{}, err
	}

	result, err := c.compactLocked()
	c.lock.Unlock()

	c.runCallbacks(callbacks)

	return result, err
}

func (c *Cache) compactLocked() (result CompactResult, topErr error) {
	c.invalidateBlockList()

	if c.cfg.CrossProcessLock {
		fl, err := lockFile(c.lockPath)
		if err != nil {
			return result, err
		}
		defer func() {
			topErr = errors.Join(topErr, fl.unlock())
		}()
	}

	record, _, err := directory.Load(c.dirPath)
	if err != nil {
		if errors.Is(err, io.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("unable to compact: %w", err)
	}

	h, err := rebuildHeap(record.Blocks, 0)
	if err != nil {
		return result, fmt.Errorf("unable to compact: %w", err)
	}

	if restored, err := spanheap.FromFlattened[uint32](record.Heap); err == nil {
		if replay, err := rebuildHeap(record.Blocks, restored.CalculateHeapSize()); err == nil && replay.CalculateHash() == restored.CalculateHash() {
			h = restored
		}
	}

	result.HeapSizeBefore = h.CalculateHeapSize()

	steps := h.CalculateDefragSteps()
	for _, s := range steps {
		if s.SourceStart != s.Destination {
			result.Moves++
		}
	}

	dataSize, err := io.FileSize(c.dataPath)
	if err != nil {
		return result, err
	}

	if result.Moves == 0 && h.CalculateAvailableSpace() == 0 && uint64(dataSize) <= result.HeapSizeBefore {
		result.HeapSizeAfter = result.HeapSizeBefore
		return result, nil
	}

	if err := h.PerformDefrag(steps); err != nil {
		return result, err
	}

	before := slices.Clone(record.Blocks)

	for i := range record.Blocks {
		b := &record.Blocks[i]
		if b.Size == 0 {
			continue
		}

		step, ok := stepFor(steps, b.Start)
		if !ok {
			return result, fmt.Errorf("block %016x at %d is outside the heap: %w", b.Key, b.Start, spanheap.ErrHeapCorruption)
		}
		b.Start = step.Destination + (b.Start - step.SourceStart)
	}

	// blocks keep their key order, only offsets changed
	record.Heap = h.Flatten()
	if err := record.Validate(); err != nil {
		return result, err
	}

	if err := c.writeCompacted(before, record); err != nil {
		return result, err
	}

	result.HeapSizeAfter = h.CalculateHeapSize()

	c.logger.Info("compacted archive", "moves", result.Moves, "before", result.HeapSizeBefore, "after", result.HeapSizeAfter)

	return result, nil
}

// stepFor finds the move covering offset. steps are ordered by source.
func stepFor(steps []spanheap.DefragStep, offset uint32) (spanheap.DefragStep, bool) {
	idx, found := slices.BinarySearchFunc(steps, offset, func(s spanheap.DefragStep, off uint32) int {
		return cmp.Compare(s.SourceStart, off)
	})
	if !found {
		idx--
	}

	if idx < 0 || offset >= steps[idx].SourceEnd {
		return spanheap.DefragStep{}, false
	}

	return steps[idx], true
}

// writeCompacted copies every block from its old offset into a new data
// file at its new offset, then swaps files. The old directory is removed
// before the data file is replaced, so a crash in between leaves an empty
// archive rather than a directory pointing at moved bytes.
func (c *Cache) writeCompacted(before []directory.Block, after directory.Record) error {
	src := io.NewFileHandle(c.dataPath)
	if err := src.SoftOpen(); err != nil {
		return err
	}
	defer src.Close()

	tmpPath := io.TempPath(c.dataPath)
	dst := io.NewFileHandle(tmpPath)
	if err := dst.Open(io.ReadWrite); err != nil {
		return fmt.Errorf("unable to create compacted data file: %w", err)
	}

	fail := func(err error) error {
		return errors.Join(err, dst.Close(), os.Remove(tmpPath))
	}

	var buffer []byte
	for i, old := range before {
		moved := after.Blocks[i]
		if old.Key != moved.Key {
			return fail(fmt.Errorf("block order changed during compaction: %w", spanheap.ErrHeapCorruption))
		}

		if old.Size == 0 {
			continue
		}

		buffer = slices.Grow(buffer[:0], int(old.Size))[:old.Size]

		if err := src.ReadAt(buffer, int64(old.Start)); err != nil {
			return fail(fmt.Errorf("unable to read block %016x: %w", old.Key, err))
		}
		if err := dst.WriteAt(buffer, int64(moved.Start)); err != nil {
			return fail(fmt.Errorf("unable to write block %016x: %w", old.Key, err))
		}
	}

	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		return errors.Join(err, os.Remove(tmpPath))
	}

	if err := os.Remove(c.dirPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(fmt.Errorf("unable to retire old directory: %w", err), os.Remove(tmpPath))
	}

	if err := os.Rename(tmpPath, c.dataPath); err != nil {
		return errors.Join(fmt.Errorf("unable to replace data file: %w", err), os.Remove(tmpPath))
	}

	if _, err := directory.Write(c.dirPath, after, c.cfg.BuildVersion, c.cfg.BuildDate); err != nil {
		return fmt.Errorf("unable to write compacted directory: %w", err)
	}

	return nil
}
