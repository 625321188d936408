// Package replay implements the nonce and UUID replay caches that guard
// the authentication handshake and the Proxy Frame stream against re-sent
// traffic.
package replay

import (
	"context"
	"sync"
	"time"
)

// Cache is a thread-safe check-and-insert replay cache keyed by an
// N-byte array. It is generic over the key width so the same
// implementation backs both the 32-byte nonce cache and the 16-byte UUID
// cache that the protocol uses in different places.
type Cache[K comparable] struct {
	mu   sync.Mutex
	seen map[K]time.Time
	ttl  time.Duration
}

// NewCache builds a replay cache whose entries live for ttl after
// insertion.
func NewCache[K comparable](ttl time.Duration) *Cache[K] {
	return &Cache[K]{
		seen: make(map[K]time.Time),
		ttl:  ttl,
	}
}

// CheckAndInsert reports whether key is new (not a replay). If key has
// already been seen and its entry hasn't expired, it returns false
// without refreshing the expiry, so a burst of replayed traffic can't
// keep extending its own window.
func (c *Cache[K]) CheckAndInsert(key K) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.seen[key]; ok && expiry.After(now) {
		return false
	}
	c.seen[key] = now.Add(c.ttl)
	return true
}

// Contains reports whether key is present and unexpired, without
// inserting it.
func (c *Cache[K]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.seen[key]
	return ok && expiry.After(time.Now())
}

// Cleanup removes all expired entries.
func (c *Cache[K]) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, expiry := range c.seen {
		if !expiry.After(now) {
			delete(c.seen, k)
		}
	}
}

// Len reports the number of entries currently stored, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Clear removes every entry.
func (c *Cache[K]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[K]time.Time)
}

// sweepInterval is how often RunSweeper calls Cleanup in the background.
const sweepInterval = 30 * time.Second

// RunSweeper periodically calls Cleanup until ctx is cancelled. Callers
// typically start this once per cache in its own goroutine at process
// startup.
func (c *Cache[K]) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// NonceCache deduplicates the 32-byte authentication nonces exchanged
// during token issuance.
type NonceCache = Cache[[32]byte]

// UUIDCache deduplicates the 16-byte UUIDs carried on every Proxy Frame.
type UUIDCache = Cache[[16]byte]

// NewNonceCache builds a NonceCache with the given TTL.
func NewNonceCache(ttl time.Duration) *NonceCache { return NewCache[[32]byte](ttl) }

// NewUUIDCache builds a UUIDCache with the given TTL.
func NewUUIDCache(ttl time.Duration) *UUIDCache { return NewCache[[16]byte](ttl) }
