package archive

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/davecgh/go-spew/spew"
	"github.com/dot5enko/archive-cache/attrtable"
	"github.com/dot5enko/archive-cache/compression"
	"github.com/dot5enko/archive-cache/directory"
	"github.com/dot5enko/archive-cache/io"
	"github.com/dot5enko/archive-cache/spanheap"
)

// how much of a damaged directory goes into the debug log
const damagedHeadBytes = 64

type heap = spanheap.SpanningHeap[uint32]

type placement struct {
	key    uint64
	stored []byte
	offset uint32
	// same key and size already on disk, rewritten in place
	inPlace bool
}

// FlushToDisk makes every pending commit durable. On failure nothing is
// dropped: entries stay pending and the next flush retries them.
func (c *Cache) FlushToDisk() error {
	c.lock.Lock()

	if c.closed {
		c.lock.Unlock()
		return ErrClosed
	}

	callbacks, err := c.flushLocked()
	c.lock.Unlock()

	c.runCallbacks(callbacks)

	return err
}

func (c *Cache) payloadFlags() uint32 {
	if c.cfg.CompressPayloads {
		return directory.FlagLz4Payloads
	}
	return 0
}

// flushLocked runs the flush with c.lock held and returns the callbacks of
// the entries it made durable. They are run by the caller after unlocking.
func (c *Cache) flushLocked() ([]func(), error) {
	if len(c.pending) == 0 {
		return nil, nil
	}

	c.invalidateBlockList()

	if c.cfg.CrossProcessLock {
		fl, err := lockFile(c.lockPath)
		if err != nil {
			c.counters.flushError()
			return nil, err
		}
		defer func() {
			if err := fl.unlock(); err != nil {
				c.logger.Warn("unable to release archive lock", "err", err)
			}
		}()
	}

	written, err := c.writeBatch()
	if err != nil {
		c.counters.flushError()
		return nil, err
	}

	if c.cfg.DebugStrings {
		c.mergeStrings()
	}

	var callbacks []func()
	for _, entry := range c.pending {
		if entry.onFlush != nil {
			callbacks = append(callbacks, entry.onFlush)
		}
	}

	c.logger.Info("flushed archive", "entries", len(c.pending), "bytes", written)
	c.counters.flush(written)

	c.pending = nil

	return callbacks, nil
}

// writeBatch reconciles the pending buffer with the directory on disk and
// writes payloads then directory. c.pending itself is not modified.
func (c *Cache) writeBatch() (int64, error) {
	record, h := c.loadForUpdate()

	placements, err := c.reconcile(&record, h)
	if err != nil {
		return 0, err
	}

	record.Heap = h.Flatten()
	if err := record.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to write directory: %w", errors.Join(spanheap.ErrHeapCorruption, err))
	}

	written, err := c.writePayloads(placements)
	if err != nil {
		return 0, err
	}

	if _, err := directory.Write(c.dirPath, record, c.cfg.BuildVersion, c.cfg.BuildDate); err != nil {
		return 0, fmt.Errorf("unable to write archive directory: %w", err)
	}

	return written, nil
}

// loadForUpdate reads the directory and its heap. Anything unreadable falls
// back to an empty directory, which is how a new archive bootstraps and how
// a damaged one heals at the cost of its entries.
func (c *Cache) loadForUpdate() (directory.Record, *heap) {
	empty := func() (directory.Record, *heap) {
		return directory.Record{Flags: c.payloadFlags()}, spanheap.New[uint32]()
	}

	record, _, err := directory.Load(c.dirPath)
	if err != nil {
		if !errors.Is(err, io.ErrNotExist) {
			c.logger.Debug("discarding unreadable archive directory", "err", err, "head", spew.Sdump(c.directoryHead()))
			c.counters.directoryReset()
		}
		return empty()
	}

	if record.Flags != c.payloadFlags() {
		c.logger.Debug("payload encoding changed, discarding archive directory", "flags", record.Flags)
		c.counters.directoryReset()
		return empty()
	}

	restored, restoreErr := spanheap.FromFlattened[uint32](record.Heap)

	var heapSize uint64
	if restoreErr == nil {
		heapSize = restored.CalculateHeapSize()
	}

	rebuilt, rebuildErr := rebuildHeap(record.Blocks, heapSize)
	if rebuildErr != nil {
		c.logger.Debug("directory blocks do not form a heap, discarding", "err", rebuildErr)
		c.counters.directoryReset()
		return empty()
	}

	if restoreErr == nil && restored.CalculateHash() == rebuilt.CalculateHash() {
		return record, restored
	}

	c.logger.Debug("heap table disagrees with blocks, rebuilt from blocks", "err", restoreErr, "blocks", len(record.Blocks))

	return record, rebuilt
}

func (c *Cache) directoryHead() []byte {
	raw, err := os.ReadFile(c.dirPath)
	if err != nil {
		return nil
	}
	return raw[:min(len(raw), damagedHeadBytes)]
}

// rebuildHeap derives the heap that the given blocks imply. The heap is at
// least minSize bytes long.
func rebuildHeap(blocks []directory.Block, minSize uint64) (*heap, error) {
	size := minSize
	for _, b := range blocks {
		if b.Size > 0 {
			size = max(size, spanheap.RoundUp(uint32(min(b.End(), math.MaxUint32))))
		}
	}

	if size > math.MaxUint32 {
		return nil, fmt.Errorf("heap of %d bytes: %w", size, spanheap.ErrHeapOverflow)
	}

	h, err := spanheap.NewFree[uint32](uint32(size))
	if err != nil {
		return nil, err
	}

	for _, b := range blocks {
		if b.End() > math.MaxUint32 {
			return nil, fmt.Errorf("block %016x ends past 32 bit offsets: %w", b.Key, spanheap.ErrHeapOverflow)
		}
		if err := h.AllocateAt(b.Start, b.Size); err != nil {
			return nil, fmt.Errorf("block %016x: %w", b.Key, err)
		}
	}

	return h, nil
}

// reconcile applies the pending buffer to record and h. Superseded spans are
// freed only after every new allocation is placed, so new blocks never land
// on bytes the directory still on disk points at. Equal-size commits are
// rewritten in place.
func (c *Cache) reconcile(record *directory.Record, h *heap) ([]placement, error) {
	var placements []placement
	var superseded []directory.Block

	for _, entry := range c.pending {
		idx, found := record.Find(entry.key)

		if entry.erased {
			if found {
				superseded = append(superseded, record.Blocks[idx])
				record.Remove(entry.key)
			}
			continue
		}

		stored := entry.payload
		if c.cfg.CompressPayloads {
			packed, err := compression.CompressLz4(entry.payload)
			if err != nil {
				return nil, err
			}
			stored = packed
		}

		if uint64(len(stored)) > math.MaxUint32 {
			return nil, fmt.Errorf("payload of %016x is %d bytes: %w", entry.key, len(stored), spanheap.ErrHeapOverflow)
		}

		p := placement{key: entry.key, stored: stored}

		if found {
			old := record.Blocks[idx]
			if old.Size == uint32(len(stored)) {
				p.offset = old.Start
				p.inPlace = true
			} else {
				superseded = append(superseded, old)
				record.Remove(entry.key)
			}
		}

		placements = append(placements, p)
	}

	// largest first while the free space is least fragmented
	slices.SortStableFunc(placements, func(a, b placement) int {
		return cmp.Compare(len(b.stored), len(a.stored))
	})

	for i := range placements {
		p := &placements[i]
		if p.inPlace {
			continue
		}

		size := uint32(len(p.stored))

		if size > 0 {
			offset, ok := h.Allocate(size)
			if !ok {
				var err error
				if offset, err = h.AppendNewBlock(size); err != nil {
					return nil, fmt.Errorf("unable to grow archive for %016x: %w", p.key, err)
				}
			}
			p.offset = offset
		}

		record.Insert(directory.Block{Key: p.key, Start: p.offset, Size: size})
	}

	for _, old := range superseded {
		if err := h.Deallocate(old.Start, old.Size); err != nil {
			return nil, fmt.Errorf("unable to free block %016x: %w", old.Key, err)
		}
	}

	return placements, nil
}

// writePayloads writes in offset order and syncs the data file.
func (c *Cache) writePayloads(placements []placement) (int64, error) {
	slices.SortFunc(placements, func(a, b placement) int {
		return cmp.Compare(a.offset, b.offset)
	})

	fh := io.NewFileHandle(c.dataPath)
	if err := fh.Open(io.ReadWrite); err != nil {
		return 0, fmt.Errorf("unable to open data file: %w", err)
	}

	var written int64
	for _, p := range placements {
		if len(p.stored) == 0 {
			continue
		}

		if err := fh.WriteAt(p.stored, int64(p.offset)); err != nil {
			return 0, errors.Join(fmt.Errorf("unable to write %016x at %d: %w", p.key, p.offset, err), fh.Close())
		}
		written += int64(len(p.stored))
	}

	if err := fh.Sync(); err != nil {
		return 0, errors.Join(fmt.Errorf("unable to sync data file: %w", err), fh.Close())
	}

	if err := fh.Close(); err != nil {
		return 0, fmt.Errorf("unable to close data file: %w", err)
	}

	return written, nil
}

// mergeStrings folds attached names into the sidecar. The sidecar is
// diagnostic only, so every failure is logged and ignored.
func (c *Cache) mergeStrings() {
	var touched bool

	table, err := attrtable.Load(c.stringsPath)
	if err != nil {
		c.logger.Warn("string table unreadable, starting empty", "err", err)
	}

	for _, entry := range c.pending {
		if entry.erased || (entry.attachedName == "" && entry.attachedString == "") {
			continue
		}

		table.Merge(entry.attachedName, entry.key, entry.attachedString)
		touched = true
	}

	if !touched {
		return
	}

	if err := table.Save(c.stringsPath); err != nil {
		c.logger.Warn("unable to save string table", "err", err)
	}
}

// runCallbacks calls every callback once. A panicking callback is logged
// and does not stop the rest.
func (c *Cache) runCallbacks(callbacks []func()) {
	for _, cb := range callbacks {
		c.runCallback(cb)
	}
}

func (c *Cache) runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flush callback panicked", "panic", r)
			c.counters.callbackPanic()
		}
	}()

	cb()
}
