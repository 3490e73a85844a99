package payload

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSmallStaysRaw(t *testing.T) {
	b := Encode([]byte("tiny"))
	assert.Equal(t, EncodingNone, b.Encoding)
	out, err := b.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), out)
}

func TestEncodeCompressibleShrinks(t *testing.T) {
	data := bytes.Repeat([]byte("classes.dex resource table "), 4096)
	b := Encode(data)
	assert.NotEqual(t, EncodingNone, b.Encoding)
	assert.Less(t, len(b.Data), len(data))
	assert.Equal(t, len(data), b.RawSize)

	out, err := b.Decode()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestEncodeRandomFallsBackToRaw(t *testing.T) {
	data := make([]byte, 64*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	b := Encode(data)
	assert.Equal(t, EncodingNone, b.Encoding)
	out, err := b.Decode()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 1024)
	b := Encode(data)
	b.RawSize++
	_, err := b.Decode()
	assert.Error(t, err)

	raw := Raw([]byte("abc"))
	raw.RawSize = 4
	_, err = raw.Decode()
	assert.Error(t, err)
}

func TestDecodeUnknownEncoding(t *testing.T) {
	_, err := Blob{Encoding: 9}.Decode()
	assert.ErrorContains(t, err, "unknown(9)")
}

func TestEachEncodingRoundTrips(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 2048)
	lz, err := compressLZ4(data)
	require.NoError(t, err)
	out, err := Blob{Encoding: EncodingLZ4, RawSize: len(data), Data: lz}.Decode()
	require.NoError(t, err)
	assert.Equal(t, data, out)

	zs, err := compressZstd(data)
	require.NoError(t, err)
	out, err = Blob{Encoding: EncodingZstd, RawSize: len(data), Data: zs}.Decode()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
