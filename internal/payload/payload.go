// Package payload encodes file contents carried by install-server
// requests. Overlay updates can move tens of megabytes of dex and
// resource data over a pipe, so contents are compressed when that makes
// them smaller.
package payload

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies how Blob.Data is encoded. Values are wire constants.
type Encoding uint8

const (
	EncodingNone Encoding = 0
	EncodingLZ4  Encoding = 1
	EncodingZstd Encoding = 2
)

// MinCompressSize is the size below which content is always sent raw.
const MinCompressSize = 512

var errIncompressible = errors.New("payload: data is incompressible")

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingLZ4:
		return "lz4"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// Blob is an encoded byte string with its decoded size.
type Blob struct {
	Encoding Encoding `cbor:"1,keyasint"`
	RawSize  int      `cbor:"2,keyasint"`
	Data     []byte   `cbor:"3,keyasint"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("payload: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("payload: zstd decoder initialization failed: " + err.Error())
	}
}

// Raw wraps data without compression.
func Raw(data []byte) Blob {
	return Blob{Encoding: EncodingNone, RawSize: len(data), Data: data}
}

// Encode compresses data with whichever of zstd and lz4 yields the
// smaller output, falling back to Raw for small or incompressible input.
func Encode(data []byte) Blob {
	if len(data) < MinCompressSize {
		return Raw(data)
	}
	best := Raw(data)
	if c, err := compressLZ4(data); err == nil && len(c) < len(best.Data) {
		best = Blob{Encoding: EncodingLZ4, RawSize: len(data), Data: c}
	}
	if c, err := compressZstd(data); err == nil && len(c) < len(best.Data) {
		best = Blob{Encoding: EncodingZstd, RawSize: len(data), Data: c}
	}
	return best
}

// Decode returns the original bytes, verifying the declared size.
func (b Blob) Decode() ([]byte, error) {
	switch b.Encoding {
	case EncodingNone:
		if len(b.Data) != b.RawSize {
			return nil, fmt.Errorf("payload: raw size %d does not match declared %d", len(b.Data), b.RawSize)
		}
		return b.Data, nil
	case EncodingLZ4:
		return decompressLZ4(b.Data, b.RawSize)
	case EncodingZstd:
		return decompressZstd(b.Data, b.RawSize)
	default:
		return nil, fmt.Errorf("payload: unsupported encoding %s", b.Encoding)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(src []byte, rawSize int) ([]byte, error) {
	if rawSize < 0 {
		return nil, fmt.Errorf("lz4 decompress: negative size %d", rawSize)
	}
	dst := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	c := zstdEncoder.EncodeAll(data, nil)
	if len(c) >= len(data) {
		return nil, errIncompressible
	}
	return c, nil
}

func decompressZstd(src []byte, rawSize int) ([]byte, error) {
	if rawSize < 0 {
		return nil, fmt.Errorf("zstd decompress: negative size %d", rawSize)
	}
	out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
	}
	return out, nil
}
