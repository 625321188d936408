// Package session implements the Session Channel: the WSS connection
// carrying codec-encoded Proxy Frames between a client and a handler. The
// session key used to mask those frames is derived via HKDF
// over an X25519 DH shared secret -- never the raw conn_id itself.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/relay/internal/codec"
	"github.com/duskrelay/relay/internal/metrics"
	"github.com/duskrelay/relay/internal/protocol"
)

// wsConn is the subset of *websocket.Conn a Channel depends on, so tests
// can substitute an in-memory fake.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Channel is a bidirectional Session Channel. The write half is safe for
// concurrent use by multiple producers (they serialize on writeMu); the read
// half is single-consumer by construction -- callers must not call
// RecvFrame from more than one goroutine at a time.
type Channel struct {
	conn       wsConn
	sessionKey uint64
	connID     uint64

	writeMu sync.Mutex
}

// NewChannel wraps an already-upgraded WSS connection and the session key
// derived for it, producing a Channel ready for SendFrame/RecvFrame.
func NewChannel(conn wsConn, connID, sessionKey uint64) *Channel {
	return &Channel{conn: conn, sessionKey: sessionKey, connID: connID}
}

// ConnID returns the connection id this channel was opened with.
func (c *Channel) ConnID() uint64 { return c.connID }

// SendFrame codec-encodes f and writes it as a single WSS binary message.
// Multiple goroutines may call SendFrame concurrently; writes are
// serialized under writeMu.
func (c *Channel) SendFrame(f protocol.ProxyFrame) error {
	wire, err := codec.Encode(f, c.sessionKey, time.Now())
	if err != nil {
		return fmt.Errorf("session: encoding frame: %w", err)
	}
	metrics.FrameSizeBytes.Observe(float64(len(wire)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		return fmt.Errorf("session: writing frame: %w", err)
	}
	return nil
}

// RecvFrame blocks for the next WSS binary message and codec-decodes it.
// It is not safe to call concurrently from multiple goroutines; the
// caller owns the single receive loop.
func (c *Channel) RecvFrame() (protocol.ProxyFrame, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.ProxyFrame{}, fmt.Errorf("session: reading message: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		f, err := codec.Decode(data, c.sessionKey, time.Now())
		if err != nil {
			// Malformed/garbage frames are dropped silently: the decode
			// error is discarded and RecvFrame keeps waiting for the next
			// message, so a single corrupt frame can't wedge the whole
			// session.
			continue
		}
		return f, nil
	}
}

// Close tears down the underlying WSS connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// WriteHandshake writes the 8-byte little-endian conn_id as the first WSS
// binary frame. Only the handler side calls this.
func WriteHandshake(conn wsConn, connID uint64) error {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(connID >> (8 * i))
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("session: writing handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads the 8-byte conn_id handshake frame. Only the client
// side calls this.
func ReadHandshake(conn wsConn) (uint64, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("session: reading handshake: %w", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != 8 {
		return 0, fmt.Errorf("session: invalid handshake message")
	}

	var connID uint64
	for i := 0; i < 8; i++ {
		connID |= uint64(data[i]) << (8 * i)
	}
	return connID, nil
}

// WaitClosed blocks until ctx is cancelled, intended to be raced against
// a session's reader goroutine in a select so callers can cancel cleanup
// deterministically.
func WaitClosed(ctx context.Context, c *Channel) {
	<-ctx.Done()
	c.Close()
}
