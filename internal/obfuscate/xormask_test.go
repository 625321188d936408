package obfuscate

import (
	"bytes"
	"testing"
)

func TestMaskIsInvolution(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, 17 times over")
	const sessionKey = 0x1122334455667788
	const bucket = 29348

	masked := Mask(data, sessionKey, bucket)
	if bytes.Equal(masked, data) {
		t.Fatalf("masked output should differ from input")
	}

	unmasked := Mask(masked, sessionKey, bucket)
	if !bytes.Equal(unmasked, data) {
		t.Fatalf("Mask is not an involution: got %q, want %q", unmasked, data)
	}
}

func TestMaskMismatchedBucketFailsToRecover(t *testing.T) {
	data := []byte("session data that must stay confidential")
	masked := Mask(data, 42, 100)
	wrongUnmask := Mask(masked, 42, 101)
	if bytes.Equal(wrongUnmask, data) {
		t.Fatalf("unmasking with the wrong minute bucket should not recover the original")
	}
}

func TestMaskHandlesNonMultipleOfEightLengths(t *testing.T) {
	for n := 0; n < 20; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		masked := Mask(data, 7, 7)
		back := Mask(masked, 7, 7)
		if !bytes.Equal(back, data) {
			t.Fatalf("length %d: round trip failed", n)
		}
	}
}

func TestMinuteBucketMonotonic(t *testing.T) {
	if MinuteBucket(0) != 0 {
		t.Errorf("MinuteBucket(0) = %d, want 0", MinuteBucket(0))
	}
	if MinuteBucket(59) != 0 {
		t.Errorf("MinuteBucket(59) = %d, want 0", MinuteBucket(59))
	}
	if MinuteBucket(60) != 1 {
		t.Errorf("MinuteBucket(60) = %d, want 1", MinuteBucket(60))
	}
}
