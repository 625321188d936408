package exitnat

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// RewriteIPv4Source overwrites packet's IPv4 source address with newSrc
// in place, recomputing the IPv4 header checksum and, for TCP/UDP
// payloads, the transport-layer checksum (whose pseudo-header covers the
// source address).
func RewriteIPv4Source(packet []byte, newSrc net.IP) error {
	header, err := ipv4.ParseHeader(packet)
	if err != nil {
		return fmt.Errorf("exitnat: parsing ipv4 header: %w", err)
	}

	v4 := newSrc.To4()
	if v4 == nil {
		return fmt.Errorf("exitnat: new source is not an IPv4 address")
	}

	headerLen := header.Len
	if len(packet) < headerLen {
		return fmt.Errorf("exitnat: packet shorter than declared header length")
	}

	oldSrc := append([]byte(nil), packet[12:16]...)
	copy(packet[12:16], v4)

	binary.BigEndian.PutUint16(packet[10:12], 0)
	checksum := ipv4Checksum(packet[:headerLen])
	binary.BigEndian.PutUint16(packet[10:12], checksum)

	payload := packet[headerLen:]
	switch header.Protocol {
	case protoTCP:
		rewriteTransportChecksum(payload, oldSrc, v4, 16, header.Protocol, len(payload))
	case protoUDP:
		rewriteTransportChecksum(payload, oldSrc, v4, 6, header.Protocol, len(payload))
	}
	return nil
}

// ipv4Checksum computes the standard ones'-complement checksum over an
// IPv4 header (the checksum field itself must already be zeroed).
func ipv4Checksum(header []byte) uint16 {
	return onesComplementChecksum(header)
}

// rewriteTransportChecksum updates a TCP/UDP checksum at checksumOffset
// for a pseudo-header source-address change, by incrementally
// subtracting the old address words and adding the new ones (RFC 1624),
// which avoids needing to re-sum the entire segment.
func rewriteTransportChecksum(segment, oldSrc, newSrc []byte, checksumOffset int, proto int, segmentLen int) {
	if len(segment) < checksumOffset+2 {
		return
	}
	old := binary.BigEndian.Uint16(segment[checksumOffset : checksumOffset+2])

	sum := uint32(^old) & 0xFFFF
	for i := 0; i < 4; i += 2 {
		sum += uint32(^binary.BigEndian.Uint16(oldSrc[i : i+2])) & 0xFFFF
		sum += uint32(binary.BigEndian.Uint16(newSrc[i : i+2]))
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	newChecksum := ^uint16(sum)
	if newChecksum == 0 {
		newChecksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(segment[checksumOffset:checksumOffset+2], newChecksum)
}

// onesComplementChecksum computes the Internet checksum (RFC 1071) over
// data, treating an odd trailing byte as padded with zero.
func onesComplementChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
