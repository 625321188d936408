// Package exitnat implements the exit node's NAT table and TUN-backed
// packet path: mapping connections to virtual IPs, rewriting IPv4/TCP/UDP
// checksums, and reading return traffic back off the TUN device.
package exitnat

import (
	"fmt"
	"io"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// TunDevice abstracts the exit's physical TUN interface so nattable can
// be exercised in tests without a real network device.
type TunDevice interface {
	// Write sends a single IPv4 packet out the device.
	Write(packet []byte) error
	// Read blocks for the next inbound IPv4 packet.
	Read() ([]byte, error)
	// Close tears down the device.
	Close() error
}

// wireguardTunDevice adapts golang.zx2c4.com/wireguard/tun's Device to
// the TunDevice interface, serializing writers behind a mutex -- the
// underlying device expects a single writer at a time.
type wireguardTunDevice struct {
	dev tun.Device

	writeMu  sync.Mutex
	writeBuf [][]byte

	readBuf    [][]byte
	readSizes  []int
}

// NewWireguardTunDevice opens a production TUN device named name with
// the given MTU.
func NewWireguardTunDevice(name string, mtu int) (TunDevice, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("exitnat: creating tun device %q: %w", name, err)
	}

	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}

	return &wireguardTunDevice{
		dev:       dev,
		writeBuf:  [][]byte{make([]byte, actualMTU+64)},
		readBuf:   [][]byte{make([]byte, actualMTU+64)},
		readSizes: []int{0},
	}, nil
}

func (w *wireguardTunDevice) Write(packet []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	buf := w.writeBuf[0]
	if len(packet) > len(buf) {
		buf = make([]byte, len(packet))
	}
	copy(buf, packet)

	_, err := w.dev.Write([][]byte{buf[:len(packet)]}, 0)
	return err
}

func (w *wireguardTunDevice) Read() ([]byte, error) {
	n, err := w.dev.Read(w.readBuf, w.readSizes, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	out := make([]byte, w.readSizes[0])
	copy(out, w.readBuf[0][:w.readSizes[0]])
	return out, nil
}

func (w *wireguardTunDevice) Close() error {
	return w.dev.Close()
}

// MemoryTunDevice is an in-memory TunDevice for tests: packets written to
// it are appended to Outbound, and Inbound can be pre-loaded for Read to
// drain, simulating traffic arriving from the physical network.
type MemoryTunDevice struct {
	mu       sync.Mutex
	Outbound [][]byte
	Inbound  chan []byte
	closed   bool
}

// NewMemoryTunDevice builds a MemoryTunDevice with a buffered inbound
// queue of the given capacity.
func NewMemoryTunDevice(inboundCapacity int) *MemoryTunDevice {
	return &MemoryTunDevice{Inbound: make(chan []byte, inboundCapacity)}
}

func (m *MemoryTunDevice) Write(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("exitnat: tun device closed")
	}
	m.Outbound = append(m.Outbound, append([]byte(nil), packet...))
	return nil
}

func (m *MemoryTunDevice) Read() ([]byte, error) {
	packet, ok := <-m.Inbound
	if !ok {
		return nil, io.EOF
	}
	return packet, nil
}

func (m *MemoryTunDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.Inbound)
	}
	return nil
}
