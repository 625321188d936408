package replay

import (
	"testing"
	"time"
)

func TestCheckAndInsertDetectsReplay(t *testing.T) {
	cache := NewNonceCache(60 * time.Second)
	var nonce [32]byte
	nonce[0] = 42

	if !cache.CheckAndInsert(nonce) {
		t.Fatalf("first insert should report new")
	}
	if cache.CheckAndInsert(nonce) {
		t.Fatalf("second insert of the same nonce should report replay")
	}
}

func TestDifferentKeysDoNotCollide(t *testing.T) {
	cache := NewNonceCache(60 * time.Second)
	var a, b [32]byte
	a[0], b[0] = 1, 2

	if !cache.CheckAndInsert(a) || !cache.CheckAndInsert(b) {
		t.Fatalf("distinct nonces should both be accepted")
	}
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	cache := NewNonceCache(10 * time.Millisecond)
	var nonce [32]byte
	nonce[0] = 7

	cache.CheckAndInsert(nonce)
	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}

	time.Sleep(20 * time.Millisecond)
	cache.Cleanup()
	if cache.Len() != 0 {
		t.Fatalf("Len() after cleanup = %d, want 0", cache.Len())
	}
}

func TestExpiredEntryCanBeReinserted(t *testing.T) {
	cache := NewUUIDCache(10 * time.Millisecond)
	var id [16]byte
	id[0] = 9

	if !cache.CheckAndInsert(id) {
		t.Fatalf("first insert should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if !cache.CheckAndInsert(id) {
		t.Fatalf("expired entry should be insertable again")
	}
}

func TestContainsDoesNotInsert(t *testing.T) {
	cache := NewNonceCache(60 * time.Second)
	var nonce [32]byte
	if cache.Contains(nonce) {
		t.Fatalf("empty cache should not contain anything")
	}
	if cache.Len() != 0 {
		t.Fatalf("Contains should not insert")
	}
}
