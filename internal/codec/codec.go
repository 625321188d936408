// Package codec composes internal/protocol and internal/obfuscate into the
// fixed five-step Frame Codec pipeline: marshal, compress-if-large, XOR
// mask, length-hide pad, and an outer envelope flags byte.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/duskrelay/relay/internal/obfuscate"
	"github.com/duskrelay/relay/internal/protocol"
)

// envelopeCompressed is the envelope-level flags bit, distinct from
// protocol.FrameFlags.IsCompressed: it tells the decoder whether the
// masked payload it is about to unmask was compressed before masking.
const envelopeCompressed = 1 << 0

// MaxDecompressedBytes bounds Decompress so a malicious peer can't force
// an unbounded expansion.
const MaxDecompressedBytes = protocol.MaxPayloadBytes * 4

// Encode runs a ProxyFrame through the full codec pipeline and returns the
// wire bytes ready to write to the WSS connection: marshal, compress if
// the serialized form is large enough to be worth it, mask with the
// session's rotating keystream, pad to hide the true length, then prepend
// the one-byte envelope flags.
func Encode(f protocol.ProxyFrame, sessionKey uint64, now time.Time) ([]byte, error) {
	serialized, err := f.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("codec: marshaling frame: %w", err)
	}

	body, wasCompressed, err := obfuscate.CompressIfNeeded(serialized)
	if err != nil {
		return nil, fmt.Errorf("codec: compressing frame: %w", err)
	}

	bucket := obfuscate.MinuteBucket(now.Unix())
	masked := obfuscate.Mask(body, sessionKey, bucket)

	padded, err := obfuscate.Pad(masked)
	if err != nil {
		return nil, fmt.Errorf("codec: padding frame: %w", err)
	}

	var envFlags byte
	if wasCompressed {
		envFlags |= envelopeCompressed
	}

	out := make([]byte, 1+len(padded))
	out[0] = envFlags
	copy(out[1:], padded)
	return out, nil
}

// Decode reverses Encode. now is the receiver's own wall clock; the
// minute bucket is derived independently rather than transmitted, so a
// decode fails if sender and receiver clocks disagree across a minute
// boundary at the instant a frame crosses it. Callers near a boundary
// should retry Decode with now-1*time.Minute before giving up.
func Decode(wire []byte, sessionKey uint64, now time.Time) (protocol.ProxyFrame, error) {
	if len(wire) < 1 {
		return protocol.ProxyFrame{}, errors.New("codec: empty envelope")
	}
	envFlags := wire[0]
	padded := wire[1:]

	masked, err := obfuscate.Unpad(padded)
	if err != nil {
		return protocol.ProxyFrame{}, fmt.Errorf("codec: unpadding frame: %w", err)
	}

	bucket := obfuscate.MinuteBucket(now.Unix())
	body := obfuscate.Mask(masked, sessionKey, bucket)

	serialized := body
	if envFlags&envelopeCompressed != 0 {
		serialized, err = obfuscate.Decompress(body, MaxDecompressedBytes)
		if err != nil {
			return protocol.ProxyFrame{}, fmt.Errorf("codec: decompressing frame: %w", err)
		}
	}

	f, err := protocol.UnmarshalProxyFrame(serialized)
	if err != nil {
		return protocol.ProxyFrame{}, fmt.Errorf("codec: unmarshaling frame: %w", err)
	}
	return f, nil
}
