package io

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoftOpenMissing(t *testing.T) {
	fh := NewFileHandle(filepath.Join(t.TempDir(), "missing.bin"))

	err := fh.SoftOpen()
	require.ErrorIs(t, err, ErrNotExist)
	require.NoError(t, fh.Close())
}

func TestReadWriteAtAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")

	fh := NewFileHandle(path)
	require.NoError(t, fh.Open(ReadWrite))
	defer fh.Close()

	require.NoError(t, fh.WriteAt([]byte("hello"), 32))

	size, err := fh.Size()
	require.NoError(t, err)
	require.Equal(t, int64(37), size)

	out := make([]byte, 5)
	require.NoError(t, fh.ReadAt(out, 32))
	require.Equal(t, "hello", string(out))

	require.Error(t, fh.ReadAt(make([]byte, 10), 32))

	require.NoError(t, fh.Truncate(16))
	size, err = FileSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(16), size)
}

func TestOperationsRequireOpen(t *testing.T) {
	fh := NewFileHandle(filepath.Join(t.TempDir(), "x"))

	require.ErrorIs(t, fh.ReadAt(make([]byte, 1), 0), ErrNotOpened)
	require.ErrorIs(t, fh.WriteAt([]byte{1}, 0), ErrNotOpened)

	size, err := FileSize(fh.Path())
	require.NoError(t, err)
	require.Zero(t, size)
}
