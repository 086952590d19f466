package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLz4RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte("shader variant "), 4096),
	}

	for _, payload := range payloads {
		packed, err := CompressLz4(payload)
		require.NoError(t, err)

		unpacked, err := DecompressLz4(packed)
		require.NoError(t, err)
		require.Equal(t, len(payload), len(unpacked))
		require.True(t, bytes.Equal(payload, unpacked))
	}
}

func TestLz4ShrinksRepetitiveInput(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 64*1024)

	packed, err := CompressLz4(payload)
	require.NoError(t, err)
	require.Less(t, len(packed), len(payload)/10)
}

func TestLz4RejectsGarbage(t *testing.T) {
	_, err := DecompressLz4([]byte("this is not an lz4 frame"))
	require.Error(t, err)
}
