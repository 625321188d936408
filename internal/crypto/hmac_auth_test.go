package crypto

import "testing"

func TestHmacComputeVerify(t *testing.T) {
	auth := NewHmacAuthenticator([]byte("shared-secret"))
	message := []byte("auth request body")

	tag := auth.Compute(message)
	if !auth.Verify(message, tag) {
		t.Fatalf("valid tag failed to verify")
	}
	if auth.Verify([]byte("different body"), tag) {
		t.Fatalf("tag verified against a different message")
	}
}

func TestHmacWithTimestampBindsTimestamp(t *testing.T) {
	auth := NewHmacAuthenticator([]byte("shared-secret"))
	message := []byte("payload")

	tag := auth.ComputeWithTimestamp(message, 1000)
	if !auth.VerifyWithTimestamp(message, 1000, tag) {
		t.Fatalf("valid timestamped tag failed to verify")
	}
	if auth.VerifyWithTimestamp(message, 1001, tag) {
		t.Fatalf("tag verified under the wrong timestamp")
	}
}

func TestHmacDifferentKeysProduceDifferentTags(t *testing.T) {
	a := NewHmacAuthenticator([]byte("key-a"))
	b := NewHmacAuthenticator([]byte("key-b"))
	message := []byte("same message")

	if a.Verify(message, b.Compute(message)) {
		t.Fatalf("tag from one key verified under a different key")
	}
}
