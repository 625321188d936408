package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// HmacAuthenticator computes and verifies HMAC-SHA256 tags over
// arbitrary-length messages. Compute and Verify cover the message alone;
// ComputeWithTimestamp and VerifyWithTimestamp also bind it to a
// timestamp so a captured MAC can't be replayed against a different
// frame's payload even if the payload bytes happen to collide.
type HmacAuthenticator struct {
	key []byte
}

// NewHmacAuthenticator builds an authenticator over the given key.
func NewHmacAuthenticator(key []byte) HmacAuthenticator {
	return HmacAuthenticator{key: append([]byte(nil), key...)}
}

// Compute returns the HMAC-SHA256 tag of message.
func (a HmacAuthenticator) Compute(message []byte) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ComputeWithTimestamp returns the tag over timestampMs || message, so the
// tag commits to when it was produced.
func (a HmacAuthenticator) ComputeWithTimestamp(message []byte, timestampMs uint64) []byte {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], timestampMs)

	mac := hmac.New(sha256.New, a.key)
	mac.Write(ts[:])
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify reports whether tag is the correct HMAC-SHA256 of message, using
// a constant-time comparison.
func (a HmacAuthenticator) Verify(message, tag []byte) bool {
	return hmac.Equal(a.Compute(message), tag)
}

// VerifyWithTimestamp is the ComputeWithTimestamp counterpart of Verify.
func (a HmacAuthenticator) VerifyWithTimestamp(message []byte, timestampMs uint64, tag []byte) bool {
	return hmac.Equal(a.ComputeWithTimestamp(message, timestampMs), tag)
}
