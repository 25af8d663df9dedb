package transport

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTripSmallFrame(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	frame := Frame(`{"id":"m1"}`)
	payload := compress(frame, enc)
	assert.Equal(t, byte(0), payload[0], "small frames are stored uncompressed")

	got, err := decompress(payload, dec)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestCompressRoundTripLargeFrame(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	frame := Frame(bytes.Repeat([]byte("a"), compressThreshold+1))
	payload := compress(frame, enc)
	assert.Equal(t, byte(1), payload[0], "large frames are compressed")
	assert.Less(t, len(payload), len(frame), "repeated-byte payload should shrink")

	got, err := decompress(payload, dec)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestDecompressRejectsEmptyPayload(t *testing.T) {
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	_, err = decompress(nil, dec)
	assert.Error(t, err)
}
