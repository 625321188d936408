package obfuscate

// MinuteBucket derives the rotating component of the mask key from wall
// clock time, independently computable by sender and receiver without any
// value crossing the wire.
func MinuteBucket(unixSeconds int64) uint64 {
	return uint64(unixSeconds / 60)
}

// xorshift64 advances a 64-bit xorshift generator one step.
func xorshift64(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

// Mask XORs data against a keystream derived from sessionKey XOR the
// current minute bucket. Mask is its own inverse: applying it twice with
// the same seed returns the original bytes, so the same function is used
// to mask and unmask.
func Mask(data []byte, sessionKey uint64, minuteBucket uint64) []byte {
	seed := sessionKey ^ minuteBucket
	if seed == 0 {
		// xorshift64 is fixed at zero; perturb so the stream isn't degenerate.
		seed = 0x9E3779B97F4A7C15
	}

	out := make([]byte, len(data))
	state := seed
	var block [8]byte
	for i := 0; i < len(data); i += 8 {
		state = xorshift64(state)
		block[0] = byte(state)
		block[1] = byte(state >> 8)
		block[2] = byte(state >> 16)
		block[3] = byte(state >> 24)
		block[4] = byte(state >> 32)
		block[5] = byte(state >> 40)
		block[6] = byte(state >> 48)
		block[7] = byte(state >> 56)

		end := i + 8
		if end > len(data) {
			end = len(data)
		}
		for j := i; j < end; j++ {
			out[j] = data[j] ^ block[j-i]
		}
	}
	return out
}
