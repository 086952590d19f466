package io

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplacesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.yaml")

	require.NoError(t, WriteFileAtomic(path, []byte("first version, longer")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(raw))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteFileAtomicLeavesNoTempOnFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "occupied")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), nil, 0o644))

	// renaming a file over a non-empty folder fails
	require.Error(t, WriteFileAtomic(target, []byte("data")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "occupied", entries[0].Name())
}

func TestTempPathIsHiddenSibling(t *testing.T) {
	path := filepath.Join("some", "folder", "cache.dat.dir")

	first, second := TempPath(path), TempPath(path)
	require.NotEqual(t, first, second)
	require.Equal(t, filepath.Dir(path), filepath.Dir(first))
	require.True(t, strings.HasPrefix(filepath.Base(first), ".cache.dat.dir."))
	require.True(t, strings.HasSuffix(first, ".tmp"))
}
