package archive

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type setEntry struct {
	hash  uint64
	name  string
	cache *Cache
}

func compareEntry(e setEntry, hash uint64, name string) int {
	if c := cmp.Compare(e.hash, hash); c != 0 {
		return c
	}
	return cmp.Compare(e.name, name)
}

// CacheSet hands out one Cache per archive file name under a shared root.
// Its lock guards only the registry; caches lock themselves.
type CacheSet struct {
	root string
	cfg  Config

	lock    sync.Mutex
	entries []setEntry // sorted by hash, then name

	creating singleflight.Group
}

func NewCacheSet(root string, cfg Config) *CacheSet {
	return &CacheSet{
		root: root,
		cfg:  cfg,
	}
}

func (s *CacheSet) Root() string {
	return s.root
}

func (s *CacheSet) lookup(hash uint64, name string) (*Cache, int, bool) {
	idx, found := slices.BinarySearchFunc(s.entries, hash, func(e setEntry, h uint64) int {
		return compareEntry(e, h, name)
	})
	if !found {
		return nil, idx, false
	}
	return s.entries[idx].cache, idx, true
}

// GetArchive returns the cache for filename, creating it on first use.
// Every call with the same filename returns the same *Cache.
func (s *CacheSet) GetArchive(filename string) (*Cache, error) {
	hash := xxhash.Sum64String(filename)

	s.lock.Lock()
	existing, _, found := s.lookup(hash, filename)
	s.lock.Unlock()

	if found {
		return existing, nil
	}

	created, err, _ := s.creating.Do(filename, func() (any, error) {
		s.lock.Lock()
		if existing, _, found := s.lookup(hash, filename); found {
			s.lock.Unlock()
			return existing, nil
		}
		s.lock.Unlock()

		cache, err := NewCache(filepath.Join(s.root, filename), s.cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to open archive %q: %w", filename, err)
		}

		s.lock.Lock()
		defer s.lock.Unlock()

		_, idx, _ := s.lookup(hash, filename)
		s.entries = slices.Insert(s.entries, idx, setEntry{hash: hash, name: filename, cache: cache})

		return cache, nil
	})
	if err != nil {
		return nil, err
	}

	return created.(*Cache), nil
}

// Archives returns the caches created so far.
func (s *CacheSet) Archives() []*Cache {
	s.lock.Lock()
	defer s.lock.Unlock()

	result := make([]*Cache, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, e.cache)
	}
	return result
}

// FlushToDisk flushes every archive in parallel. All flushes run to
// completion; the first error is returned.
func (s *CacheSet) FlushToDisk() error {
	var g errgroup.Group

	for _, cache := range s.Archives() {
		g.Go(cache.FlushToDisk)
	}

	return g.Wait()
}

// Close closes every archive. Close never fails for a single cache, so
// neither does this.
func (s *CacheSet) Close() error {
	var g errgroup.Group

	for _, cache := range s.Archives() {
		g.Go(cache.Close)
	}

	return g.Wait()
}
