// Package archive is a durable key to blob store backed by a directory file
// and a flat data file. Commits are buffered in memory, visible to readers
// immediately, and made durable by FlushToDisk.
package archive

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dot5enko/archive-cache/compression"
	"github.com/dot5enko/archive-cache/directory"
	"github.com/dot5enko/archive-cache/io"
)

const (
	DirectorySuffix = ".dir"
	StringsSuffix   = ".strings"
	LockSuffix      = ".lock"
)

var ErrClosed = errors.New("archive cache is closed")

type pendingCommit struct {
	key     uint64
	payload []byte

	attachedName   string
	attachedString string

	onFlush func()

	// tombstone queued by Erase
	erased bool
}

// Cache owns one data file and its directory. All methods are safe for
// concurrent use. A single lock covers the pending buffer and every file
// access, so no caller observes a flush half done.
type Cache struct {
	dataPath    string
	dirPath     string
	stringsPath string
	lockPath    string

	cfg      Config
	logger   *slog.Logger
	counters *Counters

	lock    sync.Mutex
	pending []pendingCommit
	closed  bool

	// last directory read from disk, reloaded after every flush
	blockList      directory.Record
	blockListValid bool
}

// NewCache creates a cache whose data lives at dataPath. The parent folder
// is created if needed; the files themselves appear on the first flush.
func NewCache(dataPath string, cfg Config) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create archive folder: %w", err)
	}

	return &Cache{
		dataPath:    dataPath,
		dirPath:     dataPath + DirectorySuffix,
		stringsPath: dataPath + StringsSuffix,
		lockPath:    dataPath + LockSuffix,
		cfg:         cfg,
		logger:      cfg.logger().With("archive", dataPath),
		counters:    cfg.Counters,
	}, nil
}

func (c *Cache) DataPath() string {
	return c.dataPath
}

func (c *Cache) DirectoryPath() string {
	return c.dirPath
}

func (c *Cache) StringsPath() string {
	return c.stringsPath
}

func (c *Cache) findPending(key uint64) (int, bool) {
	return slices.BinarySearchFunc(c.pending, key, func(p pendingCommit, k uint64) int {
		return cmp.Compare(p.key, k)
	})
}

// putPending replaces the entry for the same key or inserts in key order.
// A replaced entry's callback is dropped without being called.
func (c *Cache) putPending(entry pendingCommit) {
	idx, found := c.findPending(entry.key)
	if found {
		c.pending[idx] = entry
		return
	}

	c.pending = slices.Insert(c.pending, idx, entry)
}

// Commit buffers payload under key until the next flush. onFlush, if not
// nil, runs once after the entry is durable. A later Commit of the same key
// before the flush replaces this one and its callback is never called.
func (c *Cache) Commit(key uint64, payload []byte, attachedName, attachedString string, onFlush func()) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		c.logger.Warn("dropping commit to closed archive", "key", fmt.Sprintf("%016x", key))
		return
	}

	c.putPending(pendingCommit{
		key:            key,
		payload:        append([]byte{}, payload...),
		attachedName:   attachedName,
		attachedString: attachedString,
		onFlush:        onFlush,
	})

	c.counters.commit()
}

// Erase queues removal of key. Until the next flush the key reads as absent.
func (c *Cache) Erase(key uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		c.logger.Warn("dropping erase on closed archive", "key", fmt.Sprintf("%016x", key))
		return
	}

	c.putPending(pendingCommit{key: key, erased: true})
}

func (c *Cache) invalidateBlockList() {
	c.blockList = directory.Record{}
	c.blockListValid = false
}

// loadBlockList returns the cached directory, reading it when needed.
// Failures are not cached so the next call retries the read.
func (c *Cache) loadBlockList() (*directory.Record, bool) {
	if c.blockListValid {
		return &c.blockList, true
	}

	record, _, err := directory.Load(c.dirPath)
	if err != nil {
		if !errors.Is(err, io.ErrNotExist) {
			c.logger.Debug("unable to read archive directory", "err", err)
		}
		return nil, false
	}

	c.blockList = record
	c.blockListValid = true

	return &c.blockList, true
}

func (c *Cache) persistedBlock(key uint64) (directory.Block, uint32, bool) {
	record, ok := c.loadBlockList()
	if !ok {
		return directory.Block{}, 0, false
	}

	idx, found := record.Find(key)
	if !found {
		return directory.Block{}, 0, false
	}

	return record.Blocks[idx], record.Flags, true
}

// TryOpenFromCache returns the payload for key, looking at pending commits
// first and the data file second. The returned slice is a copy.
func (c *Cache) TryOpenFromCache(key uint64) ([]byte, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if idx, found := c.findPending(key); found {
		entry := c.pending[idx]
		if entry.erased {
			c.counters.lookup(lookupMiss)
			return nil, false
		}

		c.counters.lookup(lookupPending)
		return append([]byte{}, entry.payload...), true
	}

	block, flags, found := c.persistedBlock(key)
	if !found {
		c.counters.lookup(lookupMiss)
		return nil, false
	}

	payload, err := c.readBlock(block, flags)
	if err != nil {
		c.logger.Warn("directory entry unreadable, possible corruption",
			"key", fmt.Sprintf("%016x", key),
			"offset", block.Start,
			"size", block.Size,
			"err", err,
		)
		c.counters.lookup(lookupMiss)
		return nil, false
	}

	c.counters.lookup(lookupDisk)
	return payload, true
}

func (c *Cache) readBlock(block directory.Block, flags uint32) ([]byte, error) {
	stored := []byte{}

	if block.Size > 0 {
		fh := io.NewFileHandle(c.dataPath)
		if err := fh.SoftOpen(); err != nil {
			return nil, err
		}
		defer fh.Close()

		size, err := fh.Size()
		if err != nil {
			return nil, err
		}

		if block.End() > uint64(size) {
			return nil, fmt.Errorf("block ends at %d, data file has %d bytes", block.End(), size)
		}

		stored = make([]byte, block.Size)
		if err := fh.ReadAt(stored, int64(block.Start)); err != nil {
			return nil, fmt.Errorf("unable to read block: %w", err)
		}
	}

	if flags&directory.FlagLz4Payloads == 0 {
		return stored, nil
	}

	return compression.DecompressLz4(stored)
}

// HasItem reports whether key resolves, without reading its payload.
func (c *Cache) HasItem(key uint64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if idx, found := c.findPending(key); found {
		return !c.pending[idx].erased
	}

	_, _, found := c.persistedBlock(key)
	return found
}

// PendingCount returns the number of buffered commits and erases.
func (c *Cache) PendingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.pending)
}

// Close flushes what is pending and marks the cache closed. Flush errors
// are logged, never returned. Lookups keep working afterwards.
func (c *Cache) Close() error {
	c.lock.Lock()

	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true

	callbacks, err := c.flushLocked()
	c.lock.Unlock()

	if err != nil {
		c.logger.Error("final flush failed, pending entries not persisted", "err", err)
	}

	c.runCallbacks(callbacks)

	return nil
}
