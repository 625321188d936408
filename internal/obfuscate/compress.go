// Package obfuscate implements the traffic-shaping steps of the Frame
// Codec pipeline: compression, XOR masking and length-hiding padding.
// Each step is independently invertible so the codec can compose them in
// a fixed order.
package obfuscate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the minimum serialized-frame size before the
// codec bothers compressing; below this, zstd's framing overhead usually
// outweighs the savings.
const CompressionThreshold = 1024

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("obfuscate: building zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("obfuscate: building zstd decoder: %v", err))
	}
}

// CompressIfNeeded zstd-compresses data when it is at least
// CompressionThreshold bytes, reporting whether compression was applied.
func CompressIfNeeded(data []byte) ([]byte, bool, error) {
	if len(data) < CompressionThreshold {
		return data, false, nil
	}
	compressed, err := Compress(data)
	if err != nil {
		return nil, false, err
	}
	return compressed, true, nil
}

// Compress zstd-encodes data at SpeedDefault.
func Compress(data []byte) ([]byte, error) {
	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress, bounding the output at maxSize bytes to
// guard against decompression-bomb payloads from an untrusted peer.
func Decompress(data []byte, maxSize int) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("obfuscate: opening zstd reader: %w", err)
	}
	defer r.Close()

	limited := io.LimitReader(r, int64(maxSize)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: decompressing: %w", err)
	}
	if len(out) > maxSize {
		return nil, fmt.Errorf("obfuscate: decompressed size exceeds limit of %d bytes", maxSize)
	}
	return out, nil
}

// zstdMagic is the 4-byte frame magic number zstd prepends to every stream.
var zstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// IsCompressed reports whether data begins with the zstd magic number.
func IsCompressed(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return data[0] == zstdMagic[0] && data[1] == zstdMagic[1] && data[2] == zstdMagic[2] && data[3] == zstdMagic[3]
}
