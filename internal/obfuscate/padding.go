package obfuscate

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
)

// paddingBucket is one candidate target size in the length-hiding padding
// distribution, with its selection weight.
type paddingBucket struct {
	size   int
	weight float64
}

// paddingBuckets is the discrete size distribution frames round up to:
// most masked frames land on one of these common sizes so an observer
// watching ciphertext lengths can't distinguish payload sizes within a
// bucket.
var paddingBuckets = []paddingBucket{
	{512, 0.40},
	{1024, 0.20},
	{2048, 0.15},
	{4096, 0.15},
	{8192, 0.07},
	{16384, 0.03},
}

// MinPaddedSize is the floor below which a padded frame never shrinks,
// even for tiny payloads.
const MinPaddedSize = 64

// jitterFraction is the +/-10% jitter applied to the chosen bucket size.
const jitterFraction = 0.10

// lengthPrefixLen is the 4-byte little-endian original-length header
// prepended to the masked data before padding is appended.
const lengthPrefixLen = 4

// Pad wraps masked with a 4-byte original-length prefix and appends random
// tail bytes until the total reaches a target size drawn from the bucket
// distribution (escalating beyond the largest bucket if masked itself
// doesn't fit), with the target jittered +/-10%.
func Pad(masked []byte) ([]byte, error) {
	required := lengthPrefixLen + len(masked)
	target := chooseTarget(required)
	if target < MinPaddedSize {
		target = MinPaddedSize
	}

	out := make([]byte, target)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(masked)))
	copy(out[4:], masked)

	if _, err := rand.Read(out[required:]); err != nil {
		return nil, fmt.Errorf("obfuscate: filling pad tail: %w", err)
	}
	return out, nil
}

// Unpad reverses Pad: it reads the 4-byte original-length prefix and
// returns exactly that many masked bytes, discarding the random tail.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefixLen {
		return nil, errors.New("obfuscate: padded frame shorter than length prefix")
	}
	n := binary.LittleEndian.Uint32(padded[0:4])
	if lengthPrefixLen+int(n) > len(padded) {
		return nil, errors.New("obfuscate: padded frame shorter than declared length")
	}
	return padded[lengthPrefixLen : lengthPrefixLen+int(n)], nil
}

// chooseTarget draws a bucket at random from those at least `required`
// bytes, weighted by paddingBuckets' distribution among the buckets that
// fit, and jitters it +/-10%; if required exceeds every bucket the base is
// required itself. The result is never below required.
func chooseTarget(required int) int {
	var candidates []paddingBucket
	var weightSum float64
	for _, b := range paddingBuckets {
		if b.size >= required {
			candidates = append(candidates, b)
			weightSum += b.weight
		}
	}

	var base int
	if len(candidates) == 0 {
		base = required
	} else {
		r := mrand.Float64() * weightSum
		var acc float64
		base = candidates[len(candidates)-1].size
		for _, b := range candidates {
			acc += b.weight
			if r <= acc {
				base = b.size
				break
			}
		}
	}

	jitter := 1 + (mrand.Float64()*2-1)*jitterFraction
	jittered := int(float64(base) * jitter)
	if jittered < required {
		jittered = required
	}
	return jittered
}
