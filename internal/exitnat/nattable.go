package exitnat

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/duskrelay/relay/internal/protocol"
)

// VirtualIPPool draws sequential addresses out of a private /16 and hands
// them back out on release instead of growing forever: every exit from the
// table, whether via connection teardown or idle sweep, returns the
// address to the free list for reuse.
type VirtualIPPool struct {
	base  uint32 // network address of the /16 in host byte order
	mu    sync.Mutex
	next  uint32 // offset of the next never-allocated address
	free  []uint32
	limit uint32
}

// NewVirtualIPPool builds a pool over base.0.0/16 (e.g. 10.200.0.0/16).
func NewVirtualIPPool(base net.IP) *VirtualIPPool {
	b := base.To4()
	baseInt := binary.BigEndian.Uint32(b) &^ 0x0000FFFF
	return &VirtualIPPool{base: baseInt, next: 1, limit: 0xFFFE}
}

// Allocate returns a fresh virtual IP, preferring a released address over
// growing the pool.
func (p *VirtualIPPool) Allocate() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		offset := p.free[n-1]
		p.free = p.free[:n-1]
		return offsetToIP(p.base, offset), nil
	}

	if p.next > p.limit {
		return nil, fmt.Errorf("exitnat: virtual ip pool exhausted")
	}
	offset := p.next
	p.next++
	return offsetToIP(p.base, offset), nil
}

// Release returns ip to the free list for reuse.
func (p *VirtualIPPool) Release(ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	offset := binary.BigEndian.Uint32(v4) - p.base

	p.mu.Lock()
	p.free = append(p.free, offset)
	p.mu.Unlock()
}

func offsetToIP(base, offset uint32) net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], base+offset)
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// connKey identifies a route by the pair that actually owns it. conn_id is
// only unique within a single handler's connection table, and one exit
// serves many handlers at once, so conn_id alone is not a safe map key --
// two handlers allocating conn_id 1 independently must not collide.
type connKey struct {
	HandlerID uint64
	ConnID    uint64
}

// route is one row of the virtual_ip <-> (handler_id, conn_id) reverse
// table.
type route struct {
	HandlerID uint64
	ConnID    uint64
	virtualIP [4]byte
	lastSeen  time.Time
}

// NatTable is the exit node's per-connection virtual-IP assignment and
// reverse-route table.
type NatTable struct {
	pool *VirtualIPPool

	mu          sync.RWMutex
	byConn      map[connKey]*route  // (handler_id, conn_id) -> route
	byVirtualIP map[[4]byte]*route  // virtual_ip -> route
}

// NewNatTable builds a NatTable drawing virtual IPs from pool.
func NewNatTable(pool *VirtualIPPool) *NatTable {
	return &NatTable{
		pool:        pool,
		byConn:      make(map[connKey]*route),
		byVirtualIP: make(map[[4]byte]*route),
	}
}

// AllocateOrLookup returns the virtual IP assigned to (handlerID, connID),
// allocating a new one on first use and refreshing LastSeen on every call.
func (t *NatTable) AllocateOrLookup(handlerID, connID uint64) (net.IP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := connKey{HandlerID: handlerID, ConnID: connID}
	if r, ok := t.byConn[key]; ok {
		r.lastSeen = time.Now()
		return net.IPv4(r.virtualIP[0], r.virtualIP[1], r.virtualIP[2], r.virtualIP[3]), nil
	}

	ip, err := t.pool.Allocate()
	if err != nil {
		return nil, err
	}
	var vip [4]byte
	copy(vip[:], ip.To4())

	r := &route{HandlerID: handlerID, ConnID: connID, virtualIP: vip, lastSeen: time.Now()}
	t.byConn[key] = r
	t.byVirtualIP[vip] = r
	return ip, nil
}

// LookupByVirtualIP resolves a destination virtual IP back to the
// handler/conn_id that owns it, for return traffic.
func (t *NatTable) LookupByVirtualIP(ip net.IP) (handlerID, connID uint64, ok bool) {
	var key [4]byte
	v4 := ip.To4()
	if v4 == nil {
		return 0, 0, false
	}
	copy(key[:], v4)

	t.mu.RLock()
	defer t.mu.RUnlock()
	r, found := t.byVirtualIP[key]
	if !found {
		return 0, 0, false
	}
	return r.HandlerID, r.ConnID, true
}

// Release drops (handlerID, connID)'s row and returns its virtual IP to
// the pool. SweepIdle calls it for idle rows; nothing calls it when a
// connection finishes, since Plain Packets carry no is_final flag.
func (t *NatTable) Release(handlerID, connID uint64) {
	key := connKey{HandlerID: handlerID, ConnID: connID}

	t.mu.Lock()
	r, ok := t.byConn[key]
	if ok {
		delete(t.byConn, key)
		delete(t.byVirtualIP, r.virtualIP)
	}
	t.mu.Unlock()

	if ok {
		t.pool.Release(net.IPv4(r.virtualIP[0], r.virtualIP[1], r.virtualIP[2], r.virtualIP[3]))
	}
}

// ReleasedConn identifies a row SweepIdle dropped.
type ReleasedConn struct {
	HandlerID uint64
	ConnID    uint64
}

// SweepIdle releases every row whose LastSeen is older than idleAfter,
// returning the (handler_id, conn_id) pairs it released.
func (t *NatTable) SweepIdle(idleAfter time.Duration) []ReleasedConn {
	cutoff := time.Now().Add(-idleAfter)

	t.mu.RLock()
	var stale []ReleasedConn
	for key, r := range t.byConn {
		if r.lastSeen.Before(cutoff) {
			stale = append(stale, ReleasedConn{HandlerID: key.HandlerID, ConnID: key.ConnID})
		}
	}
	t.mu.RUnlock()

	for _, c := range stale {
		t.Release(c.HandlerID, c.ConnID)
	}
	return stale
}

// Count reports the number of active rows.
func (t *NatTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}

// Forward assigns or reuses a virtual IP for (handlerID, p.ConnID),
// rewrites the payload's IPv4 (and TCP/UDP) checksums for the new source
// address, and returns the rewritten packet ready to write to the TUN.
func (t *NatTable) Forward(handlerID uint64, p protocol.PlainPacket) ([]byte, error) {
	vip, err := t.AllocateOrLookup(handlerID, p.ConnID)
	if err != nil {
		return nil, fmt.Errorf("exitnat: allocating virtual ip: %w", err)
	}

	rewritten := append([]byte(nil), p.Payload...)
	if err := RewriteIPv4Source(rewritten, vip); err != nil {
		return nil, fmt.Errorf("exitnat: rewriting source address: %w", err)
	}
	return rewritten, nil
}
