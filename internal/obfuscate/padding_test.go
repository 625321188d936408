package obfuscate

import (
	"bytes"
	"testing"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 63, 64, 500, 1023, 1024, 5000, 20000}
	for _, n := range sizes {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}

		padded, err := Pad(data)
		if err != nil {
			t.Fatalf("size %d: Pad: %v", n, err)
		}
		if len(padded) < MinPaddedSize {
			t.Errorf("size %d: padded length %d below MinPaddedSize", n, len(padded))
		}

		got, err := Unpad(padded)
		if err != nil {
			t.Fatalf("size %d: Unpad: %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: round trip mismatch", n)
		}
	}
}

func TestPadSizeWithinBucketDistribution(t *testing.T) {
	data := make([]byte, 100)
	for i := 0; i < 200; i++ {
		padded, err := Pad(data)
		if err != nil {
			t.Fatalf("Pad: %v", err)
		}
		ok := false
		for _, b := range paddingBuckets {
			lo := float64(b.size) * (1 - jitterFraction) * 0.99
			hi := float64(b.size) * (1 + jitterFraction) * 1.01
			if float64(len(padded)) >= lo && float64(len(padded)) <= hi {
				ok = true
				break
			}
		}
		if !ok {
			t.Fatalf("padded size %d not within any jittered bucket", len(padded))
		}
	}
}

func TestPadEscalatesBeyondLargestBucket(t *testing.T) {
	data := make([]byte, 20000)
	padded, err := Pad(data)
	if err != nil {
		t.Fatalf("Pad: %v", err)
	}
	if len(padded) < lengthPrefixLen+len(data) {
		t.Fatalf("padded size %d smaller than required %d", len(padded), lengthPrefixLen+len(data))
	}
}

func TestUnpadRejectsTruncated(t *testing.T) {
	if _, err := Unpad([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestUnpadRejectsLengthBeyondBuffer(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0x7F, 1, 2, 3}
	if _, err := Unpad(buf); err == nil {
		t.Fatalf("expected error for declared length exceeding buffer")
	}
}
