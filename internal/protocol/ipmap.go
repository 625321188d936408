// Package protocol defines the wire types shared by every role: the Proxy
// Frame exchanged between client and handler, the Plain Packet exchanged
// between handler and exit, the Control Message tagged union, and the
// authentication envelopes.
package protocol

import "net"

// IPv4ToMapped converts a 4-byte IPv4 address into its 16-byte IPv4-mapped
// IPv6 representation (::ffff:a.b.c.d), the wire form used for RemoteIP.
func IPv4ToMapped(ip net.IP) [16]byte {
	var out [16]byte
	v4 := ip.To4()
	out[10] = 0xff
	out[11] = 0xff
	if v4 != nil {
		copy(out[12:], v4)
	}
	return out
}

// MappedToIPv4 extracts the IPv4 address from an IPv4-mapped IPv6 address,
// returning ok=false if the bytes are not in mapped form.
func MappedToIPv4(mapped [16]byte) (net.IP, bool) {
	for i := 0; i < 10; i++ {
		if mapped[i] != 0 {
			return nil, false
		}
	}
	if mapped[10] != 0xff || mapped[11] != 0xff {
		return nil, false
	}
	ip := make(net.IP, 4)
	copy(ip, mapped[12:16])
	return ip, true
}
