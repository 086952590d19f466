package io

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrNotOpened = errors.New("file not opened")
	// ErrNotExist is returned by SoftOpen when the file is absent.
	ErrNotExist = os.ErrNotExist
)

type OpenMode uint8

const (
	ReadOnly OpenMode = iota
	// ReadWrite opens for update, creating the file if absent.
	ReadWrite
)

// FileHandle is a thin positional-I/O wrapper used for the archive
// data and directory files.
type FileHandle struct {
	path   string
	file   *os.File
	opened bool
}

func NewFileHandle(path string) *FileHandle {
	return &FileHandle{path: path}
}

func (f *FileHandle) Path() string {
	return f.path
}

func (f *FileHandle) Open(mode OpenMode) (topErr error) {

	var perm os.FileMode = 0644

	if mode == ReadOnly {
		f.file, topErr = os.OpenFile(f.path, os.O_RDONLY, perm)
	} else {
		f.file, topErr = os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, perm)
	}

	if topErr == nil {
		f.opened = true
	}

	return topErr
}

// SoftOpen opens for reading. A missing file yields an error matching
// ErrNotExist, every other failure is returned wrapped.
func (f *FileHandle) SoftOpen() error {
	err := f.Open(ReadOnly)
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", f.path, ErrNotExist)
	}

	return fmt.Errorf("unable to open %s: %w", f.path, err)
}

func (f *FileHandle) Close() error {
	if !f.opened {
		return nil
	}

	f.opened = false
	return f.file.Close()
}

func (f *FileHandle) ReadAt(out []byte, off int64) (err error) {
	if !f.opened {
		return ErrNotOpened
	}

	var readBytes int
	readBytes, err = f.file.ReadAt(out, off)

	if readBytes != len(out) {
		return fmt.Errorf("read bytes mismatch at %d: %d of %d: %w", off, readBytes, len(out), err)
	}

	return nil
}

func (f *FileHandle) WriteAt(in []byte, off int64) (err error) {
	if !f.opened {
		return ErrNotOpened
	}

	var writtenBytes int
	writtenBytes, err = f.file.WriteAt(in, off)
	if err != nil {
		return err
	}

	if writtenBytes != len(in) {
		return errors.New("written bytes mismatch")
	}

	return nil
}

func (f *FileHandle) Size() (int64, error) {
	if !f.opened {
		return 0, ErrNotOpened
	}

	stat, err := f.file.Stat()
	if err != nil {
		return 0, err
	}

	return stat.Size(), nil
}

func (f *FileHandle) Truncate(size int64) error {
	if !f.opened {
		return ErrNotOpened
	}

	return f.file.Truncate(size)
}

func (f *FileHandle) Sync() error {
	if !f.opened {
		return ErrNotOpened
	}

	return f.file.Sync()
}

// Raw exposes the underlying file, e.g. for io.Copy or locking.
func (f *FileHandle) Raw() *os.File {
	return f.file
}

// FileSize stats path without opening it. A missing file has size 0.
func FileSize(path string) (int64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	return stat.Size(), nil
}
