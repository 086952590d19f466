package attrtable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "absent.strings"))
	require.NoError(t, err)
	require.Equal(t, 0, table.Len())
}

func TestLoadDamagedIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.strings")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not: [yaml"), 0o644))

	table, err := Load(path)
	require.Error(t, err)
	require.NotNil(t, table)
	require.Equal(t, 0, table.Len())
}

func TestMergeOverwritesAndSorts(t *testing.T) {
	table := &Table{}
	table.Merge("zeta", 1, "first")
	table.Merge("alpha", 2, "second")
	table.Merge("zeta", 3, "replaced")
	table.Merge("", 0xABCD, "anonymous")

	attrs := table.Attributes()
	require.Len(t, attrs, 3)
	require.Equal(t, "000000000000abcd", attrs[0].Name)
	require.Equal(t, "alpha", attrs[1].Name)
	require.Equal(t, "zeta", attrs[2].Name)

	zeta, ok := table.Get("zeta")
	require.True(t, ok)
	require.Equal(t, "replaced", zeta.Value)

	key, err := zeta.Key()
	require.NoError(t, err)
	require.Equal(t, uint64(3), key)

	require.Len(t, table.LookupKey(2), 1)
	require.Empty(t, table.LookupKey(1))
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.strings")

	table := &Table{}
	table.Merge("shader.vert", 0x10, "defines: A=1")
	table.Merge("shader.frag", 0x20, "multi\nline: value")
	require.NoError(t, table.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, table.Attributes(), loaded.Attributes())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveReplacesAndCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.strings")

	table := &Table{}
	table.Merge("first", 0x1, "")
	require.NoError(t, table.Save(path))

	table.Merge("second", 0x2, "")
	require.NoError(t, table.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())

	blocked := filepath.Join(dir, "blocked.strings")
	require.NoError(t, os.Mkdir(blocked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "keep"), nil, 0o644))
	require.Error(t, table.Save(blocked))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
