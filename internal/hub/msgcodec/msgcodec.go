// Package msgcodec compresses attachment content at rest.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how stored bytes are encoded.
type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress encodes data with zstd when that actually saves space;
// small or incompressible content is stored as-is.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) < 64 {
		return data, None
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, None
	}
	return compressed, Zstd
}

// Decompress decodes data according to the given compression value.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Zstd:
		return decoder.DecodeAll(data, nil)
	case None, "":
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %q", compression)
	}
}
