package bits

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrEOF          = errors.New("end of file")
	ErrReadMismatch = errors.New("read size mismatch")
)

const MaxBinReaderBufferSize = 256

type BitsReader struct {
	readBuffer [MaxBinReaderBufferSize]byte

	buf   io.Reader
	order binary.ByteOrder

	consumed int
}

func NewReader(buf io.Reader, order binary.ByteOrder) *BitsReader {
	return &BitsReader{buf: buf, order: order}
}

func NewBytesReader(data []byte, order binary.ByteOrder) *BitsReader {
	return NewReader(bytes.NewReader(data), order)
}

// Consumed reports how many bytes were read so far.
func (r *BitsReader) Consumed() int {
	return r.consumed
}

func (r *BitsReader) readNextBytesIntoReadBuffer(size int) error {
	readBytes, err := io.ReadFull(r.buf, r.readBuffer[:size])
	r.consumed += readBytes

	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrReadMismatch
		}
		return err
	}

	return nil
}

func (r *BitsReader) ReadU8() (uint8, error) {
	err := r.readNextBytesIntoReadBuffer(1)

	if err != nil {
		return 0, err
	}

	return r.readBuffer[0], err
}

func (r *BitsReader) ReadU16() (uint16, error) {

	err := r.readNextBytesIntoReadBuffer(2)

	if err != nil {
		return 0, err
	}

	v := r.order.Uint16(r.readBuffer[:2])
	return v, err
}

func (r *BitsReader) ReadU32() (uint32, error) {
	readErr := r.readNextBytesIntoReadBuffer(4)
	if readErr != nil {
		return 0, readErr
	}
	v := r.order.Uint32(r.readBuffer[:4])
	return v, nil
}

func (r *BitsReader) ReadU64() (uint64, error) {

	readErr := r.readNextBytesIntoReadBuffer(8)
	if readErr != nil {
		return 0, readErr
	}

	v := r.order.Uint64(r.readBuffer[:8])
	return v, nil
}

func (r *BitsReader) ReadBytes(n int, out []byte) error {

	readBytes, err := io.ReadFull(r.buf, out[:n])
	r.consumed += readBytes

	if readBytes != n {
		return ErrReadMismatch
	}

	return err
}

// ReadFixedString reads a zero padded field of width bytes.
func (r *BitsReader) ReadFixedString(width int) (string, error) {
	if width > MaxBinReaderBufferSize {
		return "", ErrReadMismatch
	}

	if err := r.readNextBytesIntoReadBuffer(width); err != nil {
		return "", err
	}

	field := r.readBuffer[:width]
	if end := bytes.IndexByte(field, 0); end >= 0 {
		field = field[:end]
	}

	return string(field), nil
}
