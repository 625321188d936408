package protocol

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func testUUID() [16]byte {
	var u [16]byte
	for i := range u {
		u[i] = byte(i)
	}
	return u
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello exit node")
	remoteIP := IPv4ToMapped(net.ParseIP("93.184.216.34"))

	f := NewDataFrame(42, remoteIP, 443, payload, testUUID)
	f.Flags.NeedsAck = true

	raw, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	got, err := UnmarshalProxyFrame(raw)
	if err != nil {
		t.Fatalf("UnmarshalProxyFrame: %v", err)
	}

	if got.ConnID != f.ConnID {
		t.Errorf("ConnID = %d, want %d", got.ConnID, f.ConnID)
	}
	if got.RemoteIP != f.RemoteIP {
		t.Errorf("RemoteIP mismatch")
	}
	if got.RemotePort != f.RemotePort {
		t.Errorf("RemotePort = %d, want %d", got.RemotePort, f.RemotePort)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, f.Payload)
	}
	if !got.Flags.NeedsAck {
		t.Errorf("NeedsAck flag lost in round trip")
	}
	if !got.VerifyChecksum() {
		t.Errorf("checksum failed to verify after round trip")
	}
}

func TestFrameChecksumDetectsTamper(t *testing.T) {
	f := NewDataFrame(1, [16]byte{}, 80, []byte("abc"), testUUID)
	f.Payload[0] = 'x'
	if f.VerifyChecksum() {
		t.Errorf("VerifyChecksum should fail after payload is mutated without recomputing checksum")
	}
}

func TestFrameClockDrift(t *testing.T) {
	f := NewDataFrame(1, [16]byte{}, 80, []byte("abc"), testUUID)

	now := time.UnixMilli(int64(f.TimestampMs))
	if !f.WithinClockDrift(now) {
		t.Errorf("frame should be within drift at its own timestamp")
	}

	future := now.Add(MaxClockDriftMs*time.Millisecond + time.Second)
	if f.WithinClockDrift(future) {
		t.Errorf("frame should be rejected once drift exceeds MaxClockDriftMs")
	}
}

func TestUnmarshalRejectsShortHeader(t *testing.T) {
	_, err := UnmarshalProxyFrame(make([]byte, 10))
	if err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestUnmarshalRejectsLengthMismatch(t *testing.T) {
	f := NewDataFrame(1, [16]byte{}, 80, []byte("abc"), testUUID)
	raw, _ := f.MarshalBinary()
	raw = append(raw, 0xFF) // trailing garbage byte not reflected in length
	_, err := UnmarshalProxyFrame(raw)
	if err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestMarshalRejectsOversizePayload(t *testing.T) {
	f := NewDataFrame(1, [16]byte{}, 80, make([]byte, MaxPayloadBytes+1), testUUID)
	_, err := f.MarshalBinary()
	if err == nil {
		t.Fatalf("expected error for oversize payload")
	}
}
