// Package registry implements the Connection Registry: the handler-side
// concurrent map from conn_id to the mailbox that feeds frames back to
// that connection's Session Channel.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskrelay/relay/internal/metrics"
	"github.com/duskrelay/relay/internal/protocol"
)

// MailboxCapacity bounds each connection's inbound queue. A mailbox at
// capacity applies backpressure to its producer rather than dropping
// traffic: Dispatch blocks until the connection's reader catches up, or
// until the caller's context is cancelled.
const MailboxCapacity = 256

// ErrUnknownConn is returned by Dispatch when no mailbox is registered
// for the packet's conn_id.
var ErrUnknownConn = fmt.Errorf("registry: unknown connection")

// Registry maps conn_id to the channel a handler's per-connection
// goroutine reads from to learn about return traffic.
type Registry struct {
	mu       sync.RWMutex
	mailbox  map[uint64]chan protocol.ProxyFrame
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{mailbox: make(map[uint64]chan protocol.ProxyFrame)}
}

// Register creates and returns a new mailbox for connID. Registering an
// already-registered connID replaces its mailbox; the caller is
// responsible for draining or discarding the old one.
func (r *Registry) Register(connID uint64) <-chan protocol.ProxyFrame {
	ch := make(chan protocol.ProxyFrame, MailboxCapacity)
	r.mu.Lock()
	r.mailbox[connID] = ch
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()
	return ch
}

// Unregister removes and closes connID's mailbox, if present.
func (r *Registry) Unregister(connID uint64) {
	r.mu.Lock()
	ch, ok := r.mailbox[connID]
	if ok {
		delete(r.mailbox, connID)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
		metrics.ActiveSessions.Dec()
	}
}

// Dispatch converts a PlainPacket returning from an exit node into a
// ProxyFrame and delivers it to the registered connection's mailbox. A
// miss (connection already torn down) is reported as ErrUnknownConn so
// callers can drop it; a full mailbox instead blocks the caller until the
// connection's reader drains it or ctx is cancelled, applying backpressure
// to the return-traffic producer rather than losing data.
func (r *Registry) Dispatch(ctx context.Context, p protocol.PlainPacket) error {
	r.mu.RLock()
	ch, ok := r.mailbox[p.ConnID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}

	f := protocol.ProxyFrame{
		ConnID:     p.ConnID,
		RemoteIP:   p.RemoteIP,
		RemotePort: p.RemotePort,
		Payload:    p.Payload,
		Checksum:   p.Checksum,
	}

	select {
	case ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count reports the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mailbox)
}
