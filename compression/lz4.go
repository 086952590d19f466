// Package compression wraps the lz4 frame format used for optional
// payload compression inside archive data files.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressLz4 encodes src as a single lz4 frame with a content checksum.
func CompressLz4(src []byte) ([]byte, error) {
	var output bytes.Buffer
	output.Grow(lz4.CompressBlockBound(len(src)) + 32)

	zw := lz4.NewWriter(&output)
	if err := zw.Apply(lz4.ChecksumOption(true)); err != nil {
		return nil, fmt.Errorf("unable to configure lz4 writer: %w", err)
	}

	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("unable to compress payload: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("unable to finish lz4 frame: %w", err)
	}

	return output.Bytes(), nil
}

// DecompressLz4 decodes a frame produced by CompressLz4.
func DecompressLz4(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("unable to decompress payload: %w", err)
	}

	return out, nil
}
