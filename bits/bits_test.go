package bits

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterGrowsAndReaderConsumes(t *testing.T) {
	bw := NewGrowingBuffer(4, binary.LittleEndian)

	bw.PutUint16(0xBEEF)
	bw.PutUint32(0xDEADBEEF)
	bw.PutUint64(0x0102030405060708)
	bw.PutFixedString("abc", 8)
	require.NoError(t, bw.WriteByte(7))

	require.Equal(t, 2+4+8+8+1, bw.Position())

	r := NewBytesReader(bw.Bytes(), binary.LittleEndian)

	u16, err := r.ReadU16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.ReadU64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	s, err := r.ReadFixedString(8)
	require.NoError(t, err)
	require.Equal(t, "abc", s)

	b, err := r.ReadU8()
	require.NoError(t, err)
	require.Equal(t, uint8(7), b)
	require.Equal(t, bw.Position(), r.Consumed())

	_, err = r.ReadU32()
	require.ErrorIs(t, err, ErrEOF)
}

func TestFixedStringTruncates(t *testing.T) {
	bw := NewGrowingBuffer(0, binary.LittleEndian)
	bw.PutFixedString("0123456789", 4)

	require.Equal(t, []byte("0123"), bw.Bytes())
}

func TestShortReadIsMismatch(t *testing.T) {
	r := NewBytesReader([]byte{1, 2}, binary.LittleEndian)

	_, err := r.ReadU32()
	require.ErrorIs(t, err, ErrReadMismatch)
}

func TestFixedWriterPanicsWhenFull(t *testing.T) {
	bw := NewEncodeBuffer(make([]byte, 2), binary.LittleEndian)

	require.Panics(t, func() { bw.PutUint32(1) })
}
