package archive

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetArchiveIsIdempotent(t *testing.T) {
	set := NewCacheSet(t.TempDir(), testConfig(t))

	foo, err := set.GetArchive("foo")
	require.NoError(t, err)

	again, err := set.GetArchive("foo")
	require.NoError(t, err)
	require.Same(t, foo, again)

	bar, err := set.GetArchive("bar")
	require.NoError(t, err)
	require.NotSame(t, foo, bar)

	require.Equal(t, filepath.Join(set.Root(), "foo"), foo.DataPath())
	require.Len(t, set.Archives(), 2)
}

func TestGetArchiveConcurrently(t *testing.T) {
	set := NewCacheSet(t.TempDir(), testConfig(t))

	const callers = 16
	results := make([]*Cache, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			cache, err := set.GetArchive("shared")
			if err != nil {
				t.Errorf("get archive: %v", err)
				return
			}
			results[i] = cache
		}(i)
	}
	wg.Wait()

	for _, cache := range results {
		require.Same(t, results[0], cache)
	}
	require.Len(t, set.Archives(), 1)
}

func TestSetFlushesEveryArchive(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	set := NewCacheSet(root, cfg)

	names := []string{"shaders", "textures", "meshes/lod0"}
	for i, name := range names {
		cache, err := set.GetArchive(name)
		require.NoError(t, err)
		cache.Commit(uint64(i), []byte(name), "", "", nil)
	}

	require.NoError(t, set.FlushToDisk())

	reopened := NewCacheSet(root, cfg)
	for i, name := range names {
		cache, err := reopened.GetArchive(name)
		require.NoError(t, err)

		payload, ok := cache.TryOpenFromCache(uint64(i))
		require.True(t, ok)
		require.Equal(t, []byte(name), payload)
	}

	require.NoError(t, set.Close())
	require.NoError(t, reopened.Close())
}
