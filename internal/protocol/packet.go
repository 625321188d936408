package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"strconv"
)

// plainPacketMagic identifies a PlainPacket on the handler<->exit wire and
// lets a misrouted or corrupt stream be dropped immediately.
const plainPacketMagic uint32 = 0x50524c59 // "PRLY"

// ErrBadMagic is returned when a PlainPacket's magic does not match
// plainPacketMagic; the caller must hard-drop the packet.
var ErrBadMagic = errors.New("protocol: plain packet magic mismatch")

// PlainPacket is the decoded form exchanged between a handler and an exit
// node once framing, masking and padding have been stripped away. HandlerID
// lets an exit route a response to the /stream subscription of the
// handler that forwarded the original request.
type PlainPacket struct {
	ConnID     uint64
	HandlerID  uint64
	RemoteIP   [16]byte
	RemotePort uint16
	Payload    []byte
	Checksum   uint32
	IsResponse bool
}

// PlainPacketFromFrame converts a ProxyFrame into the PlainPacket an exit
// node forwards on, attaching the handler's own identity for the return
// path. Control frames have no PlainPacket form and must be filtered out by
// the caller before this is invoked.
func PlainPacketFromFrame(f ProxyFrame, handlerID uint64, isResponse bool) PlainPacket {
	return PlainPacket{
		ConnID:     f.ConnID,
		HandlerID:  handlerID,
		RemoteIP:   f.RemoteIP,
		RemotePort: f.RemotePort,
		Payload:    f.Payload,
		Checksum:   f.Checksum,
		IsResponse: isResponse,
	}
}

// VerifyChecksum reports whether p.Checksum matches crc32(p.Payload).
func (p PlainPacket) VerifyChecksum() bool {
	return p.Checksum == crc32.ChecksumIEEE(p.Payload)
}

// RemoteAddr renders RemoteIP/RemotePort as a dial-able TCP address.
func (p PlainPacket) RemoteAddr() string {
	ip, ok := MappedToIPv4(p.RemoteIP)
	if !ok {
		ip = net.IP(p.RemoteIP[:])
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(p.RemotePort)))
}

const plainPacketHeaderLen = 4 + 8 + 8 + 16 + 2 + 4 + 1 + 4

// MarshalBinary encodes a PlainPacket for the handler<->exit transport.
func (p PlainPacket) MarshalBinary() ([]byte, error) {
	buf := make([]byte, plainPacketHeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], plainPacketMagic)
	binary.LittleEndian.PutUint64(buf[4:12], p.ConnID)
	binary.LittleEndian.PutUint64(buf[12:20], p.HandlerID)
	copy(buf[20:36], p.RemoteIP[:])
	binary.LittleEndian.PutUint16(buf[36:38], p.RemotePort)
	binary.LittleEndian.PutUint32(buf[38:42], p.Checksum)
	if p.IsResponse {
		buf[42] = 1
	}
	binary.LittleEndian.PutUint32(buf[43:47], uint32(len(p.Payload)))
	copy(buf[47:], p.Payload)
	return buf, nil
}

// UnmarshalPlainPacket is the inverse of MarshalBinary. It returns
// ErrBadMagic for non-matching magic so the caller hard-drops the packet
// rather than attempting partial recovery.
func UnmarshalPlainPacket(data []byte) (PlainPacket, error) {
	if len(data) < plainPacketHeaderLen {
		return PlainPacket{}, errors.New("protocol: short plain packet header")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != plainPacketMagic {
		return PlainPacket{}, ErrBadMagic
	}

	var p PlainPacket
	p.ConnID = binary.LittleEndian.Uint64(data[4:12])
	p.HandlerID = binary.LittleEndian.Uint64(data[12:20])
	copy(p.RemoteIP[:], data[20:36])
	p.RemotePort = binary.LittleEndian.Uint16(data[36:38])
	p.Checksum = binary.LittleEndian.Uint32(data[38:42])
	p.IsResponse = data[42] != 0
	payloadLen := binary.LittleEndian.Uint32(data[43:47])

	if plainPacketHeaderLen+int(payloadLen) != len(data) {
		return PlainPacket{}, errors.New("protocol: plain packet length mismatch")
	}
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[47:])
	return p, nil
}
