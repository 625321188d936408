package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// MaxPayloadBytes bounds the payload carried by a single Proxy Frame.
const MaxPayloadBytes = 64 * 1024

// MaxClockDriftMs is the maximum allowed skew between a frame's timestamp
// and the local clock before the frame is rejected.
const MaxClockDriftMs = 30_000

// FrameFlags is the bit-packed flags field carried by every Proxy Frame.
type FrameFlags struct {
	IsControl    bool
	IsCompressed bool
	IsFinal      bool
	NeedsAck     bool
	IsAck        bool
}

const (
	flagControl    = 1 << 0
	flagCompressed = 1 << 1
	flagFinal      = 1 << 2
	flagNeedsAck   = 1 << 3
	flagIsAck      = 1 << 4
)

func (f FrameFlags) byte() byte {
	var b byte
	if f.IsControl {
		b |= flagControl
	}
	if f.IsCompressed {
		b |= flagCompressed
	}
	if f.IsFinal {
		b |= flagFinal
	}
	if f.NeedsAck {
		b |= flagNeedsAck
	}
	if f.IsAck {
		b |= flagIsAck
	}
	return b
}

func flagsFromByte(b byte) FrameFlags {
	return FrameFlags{
		IsControl:    b&flagControl != 0,
		IsCompressed: b&flagCompressed != 0,
		IsFinal:      b&flagFinal != 0,
		NeedsAck:     b&flagNeedsAck != 0,
		IsAck:        b&flagIsAck != 0,
	}
}

// ProxyFrame is the envelope exchanged between client and handler over
// the Session Channel.
type ProxyFrame struct {
	ConnID      uint64
	RemoteIP    [16]byte
	RemotePort  uint16
	Payload     []byte
	UUID        [16]byte
	TimestampMs uint64
	Checksum    uint32
	Flags       FrameFlags
}

// NewDataFrame builds a data Proxy Frame for payload destined to
// (remoteIP, remotePort) on connID, stamping checksum, uuid and timestamp.
func NewDataFrame(connID uint64, remoteIP [16]byte, remotePort uint16, payload []byte, newUUID func() [16]byte) ProxyFrame {
	return ProxyFrame{
		ConnID:      connID,
		RemoteIP:    remoteIP,
		RemotePort:  remotePort,
		Payload:     payload,
		UUID:        newUUID(),
		TimestampMs: uint64(time.Now().UnixMilli()),
		Checksum:    crc32.ChecksumIEEE(payload),
		Flags:       FrameFlags{},
	}
}

// VerifyChecksum reports whether f.Checksum matches crc32(f.Payload).
func (f ProxyFrame) VerifyChecksum() bool {
	return f.Checksum == crc32.ChecksumIEEE(f.Payload)
}

// WithinClockDrift reports whether f.TimestampMs is within MaxClockDriftMs
// of now.
func (f ProxyFrame) WithinClockDrift(now time.Time) bool {
	nowMs := now.UnixMilli()
	diff := nowMs - int64(f.TimestampMs)
	if diff < 0 {
		diff = -diff
	}
	return diff <= MaxClockDriftMs
}

// frameHeaderLen is the fixed-size prefix before the variable-length payload:
// flags(1) conn_id(8) remote_ip(16) remote_port(2) uuid(16) timestamp_ms(8)
// checksum(4) payload_len(4).
const frameHeaderLen = 1 + 8 + 16 + 2 + 16 + 8 + 4 + 4

// MarshalBinary produces the deterministic, self-describing serialization
// that is step 1 of the Frame Codec.
func (f ProxyFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("proxy frame payload too large: %d bytes", len(f.Payload))
	}

	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = f.Flags.byte()
	binary.LittleEndian.PutUint64(buf[1:9], f.ConnID)
	copy(buf[9:25], f.RemoteIP[:])
	binary.LittleEndian.PutUint16(buf[25:27], f.RemotePort)
	copy(buf[27:43], f.UUID[:])
	binary.LittleEndian.PutUint64(buf[43:51], f.TimestampMs)
	binary.LittleEndian.PutUint32(buf[51:55], f.Checksum)
	binary.LittleEndian.PutUint32(buf[55:59], uint32(len(f.Payload)))
	copy(buf[59:], f.Payload)
	return buf, nil
}

// UnmarshalProxyFrame is the inverse of MarshalBinary.
func UnmarshalProxyFrame(data []byte) (ProxyFrame, error) {
	if len(data) < frameHeaderLen {
		return ProxyFrame{}, errors.New("proxy frame: short header")
	}

	var f ProxyFrame
	f.Flags = flagsFromByte(data[0])
	f.ConnID = binary.LittleEndian.Uint64(data[1:9])
	copy(f.RemoteIP[:], data[9:25])
	f.RemotePort = binary.LittleEndian.Uint16(data[25:27])
	copy(f.UUID[:], data[27:43])
	f.TimestampMs = binary.LittleEndian.Uint64(data[43:51])
	f.Checksum = binary.LittleEndian.Uint32(data[51:55])
	payloadLen := binary.LittleEndian.Uint32(data[55:59])

	if frameHeaderLen+int(payloadLen) != len(data) {
		return ProxyFrame{}, errors.New("proxy frame: payload length mismatch")
	}

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, data[59:])
	return f, nil
}
