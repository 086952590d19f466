package archive

import (
	"math"

	"github.com/dot5enko/archive-cache/attrtable"
	"github.com/dot5enko/archive-cache/directory"
	"github.com/dot5enko/archive-cache/io"
	"github.com/dot5enko/archive-cache/spanheap"
)

// NoOffset marks a block that is pending and has no place on disk yet.
const NoOffset uint32 = math.MaxUint32

type BlockInfo struct {
	Key    uint64
	Offset uint32
	// Bytes the block takes in the data file, the lz4 frame length when
	// payloads are compressed. Rows not yet flushed (Offset is NoOffset)
	// report the raw payload length instead.
	Size uint32

	// a commit or erase for this key is waiting for the next flush
	Pending bool

	AttachedName   string
	AttachedString string
}

type Metrics struct {
	// size of the data file on disk
	AllocatedFileSize uint64
	// sum of persisted block sizes
	UsedSpace uint64

	HeapSize         uint64
	AvailableSpace   uint64
	LargestFreeBlock uint64

	Compressed   bool
	PendingCount int

	Blocks []BlockInfo
}

// WastedSpace is the part of the data file not referenced by any block.
func (m Metrics) WastedSpace() uint64 {
	if m.AllocatedFileSize < m.UsedSpace {
		return 0
	}
	return m.AllocatedFileSize - m.UsedSpace
}

// GetMetrics describes the persisted directory with pending entries laid
// over it. A missing or unreadable directory reports zero blocks.
func (c *Cache) GetMetrics() (Metrics, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var metrics Metrics

	fileSize, err := io.FileSize(c.dataPath)
	if err != nil {
		return metrics, err
	}
	metrics.AllocatedFileSize = uint64(fileSize)

	record, _, err := directory.Load(c.dirPath)
	if err != nil {
		record = directory.Record{}
	}

	metrics.Compressed = record.Flags&directory.FlagLz4Payloads != 0
	metrics.UsedSpace = record.UsedSpace()

	if h, err := spanheap.FromFlattened[uint32](record.Heap); err == nil {
		metrics.HeapSize = h.CalculateHeapSize()
		metrics.AvailableSpace = h.CalculateAvailableSpace()
		metrics.LargestFreeBlock = h.CalculateLargestFreeBlock()
	}

	var attached map[string]attrtable.Attribute
	if c.cfg.DebugStrings {
		attached = c.stringsByObject()
	}

	metrics.Blocks = make([]BlockInfo, 0, len(record.Blocks)+len(c.pending))
	for _, b := range record.Blocks {
		info := BlockInfo{Key: b.Key, Offset: b.Start, Size: b.Size}

		if attr, ok := attached[attrtable.FormatKey(b.Key)]; ok {
			info.AttachedName = attr.Name
			info.AttachedString = attr.Value
		}

		metrics.Blocks = append(metrics.Blocks, info)
	}

	metrics.PendingCount = len(c.pending)

	for _, p := range c.pending {
		idx, found := record.Find(p.key)
		if found {
			metrics.Blocks[idx].Pending = true
			continue
		}

		if p.erased {
			continue
		}

		metrics.Blocks = append(metrics.Blocks, BlockInfo{
			Key:            p.key,
			Offset:         NoOffset,
			Size:           uint32(len(p.payload)),
			Pending:        true,
			AttachedName:   p.attachedName,
			AttachedString: p.attachedString,
		})
	}

	return metrics, nil
}

func (c *Cache) stringsByObject() map[string]attrtable.Attribute {
	table, err := attrtable.Load(c.stringsPath)
	if err != nil {
		c.logger.Debug("string table unreadable", "err", err)
		return nil
	}

	result := make(map[string]attrtable.Attribute, table.Len())
	for _, attr := range table.Attributes() {
		result[attr.Object] = attr
	}
	return result
}
