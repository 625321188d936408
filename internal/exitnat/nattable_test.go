package exitnat

import (
	"net"
	"testing"
	"time"
)

func TestAllocateOrLookupIsStablePerConn(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	ip1, err := table.AllocateOrLookup(1, 100)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}
	ip2, err := table.AllocateOrLookup(1, 100)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}
	if !ip1.Equal(ip2) {
		t.Errorf("same conn_id should get the same virtual ip: %s vs %s", ip1, ip2)
	}
}

func TestAllocateOrLookupDistinctConnsGetDistinctIPs(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	ip1, _ := table.AllocateOrLookup(1, 1)
	ip2, _ := table.AllocateOrLookup(1, 2)
	if ip1.Equal(ip2) {
		t.Errorf("distinct conn_ids should not share a virtual ip")
	}
}

func TestLookupByVirtualIPReversesRoute(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	ip, err := table.AllocateOrLookup(7, 42)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}

	handlerID, connID, ok := table.LookupByVirtualIP(ip)
	if !ok {
		t.Fatalf("expected lookup to succeed")
	}
	if handlerID != 7 || connID != 42 {
		t.Errorf("got handlerID=%d connID=%d, want 7, 42", handlerID, connID)
	}
}

func TestReleaseFreesVirtualIPForReuse(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	ip1, _ := table.AllocateOrLookup(1, 1)
	table.Release(1, 1)

	if table.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after release", table.Count())
	}
	if _, _, ok := table.LookupByVirtualIP(ip1); ok {
		t.Fatalf("released virtual ip should no longer resolve")
	}

	ip2, err := table.AllocateOrLookup(2, 99)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}
	if !ip1.Equal(ip2) {
		t.Errorf("expected the freed address to be reused, got %s vs %s", ip1, ip2)
	}
}

func TestSweepIdleReleasesStaleRows(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	if _, err := table.AllocateOrLookup(1, 1); err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}

	released := table.SweepIdle(0) // everything is "older" than now immediately
	time.Sleep(time.Millisecond)
	if len(released) != 1 || released[0] != (ReleasedConn{HandlerID: 1, ConnID: 1}) {
		t.Fatalf("SweepIdle released %v, want [{1 1}]", released)
	}
	if table.Count() != 0 {
		t.Fatalf("Count() = %d after sweep, want 0", table.Count())
	}
}

func TestDistinctHandlersWithSameConnIDDoNotCollide(t *testing.T) {
	pool := NewVirtualIPPool(net.ParseIP("10.200.0.0"))
	table := NewNatTable(pool)

	// conn_id is only unique per handler, so two different handlers both
	// using conn_id 1 must get independent rows, not share one.
	ip1, err := table.AllocateOrLookup(1, 1)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}
	ip2, err := table.AllocateOrLookup(2, 1)
	if err != nil {
		t.Fatalf("AllocateOrLookup: %v", err)
	}
	if ip1.Equal(ip2) {
		t.Fatalf("handler 1 and handler 2's conn_id 1 should not share a virtual ip")
	}
	if table.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", table.Count())
	}

	if handlerID, connID, ok := table.LookupByVirtualIP(ip1); !ok || handlerID != 1 || connID != 1 {
		t.Errorf("LookupByVirtualIP(ip1) = (%d, %d, %v), want (1, 1, true)", handlerID, connID, ok)
	}
	if handlerID, connID, ok := table.LookupByVirtualIP(ip2); !ok || handlerID != 2 || connID != 1 {
		t.Errorf("LookupByVirtualIP(ip2) = (%d, %d, %v), want (2, 1, true)", handlerID, connID, ok)
	}

	// Releasing handler 1's row must not disturb handler 2's row.
	table.Release(1, 1)
	if table.Count() != 1 {
		t.Fatalf("Count() = %d after releasing handler 1's row, want 1", table.Count())
	}
	if handlerID, connID, ok := table.LookupByVirtualIP(ip2); !ok || handlerID != 2 || connID != 1 {
		t.Errorf("handler 2's row should survive handler 1's release, got (%d, %d, %v)", handlerID, connID, ok)
	}
}

func TestVirtualIPPoolExhaustion(t *testing.T) {
	pool := &VirtualIPPool{base: 0, next: 0xFFFE, limit: 0xFFFE}
	if _, err := pool.Allocate(); err != nil {
		t.Fatalf("last address should still allocate: %v", err)
	}
	if _, err := pool.Allocate(); err == nil {
		t.Fatalf("expected pool exhaustion error")
	}
}
