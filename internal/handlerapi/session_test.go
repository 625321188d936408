package handlerapi

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/relay/internal/codec"
	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/registry"
	"github.com/duskrelay/relay/internal/session"
)

// fakeWSConn is an in-memory stand-in for *websocket.Conn: tests push
// inbound frames for the reader task to consume and pop whatever the
// writer/control-reply paths wrote out, without a real network socket.
type fakeWSConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func newFakeWSConn() *fakeWSConn {
	c := &fakeWSConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.outbound = append(c.outbound, append([]byte(nil), data...))
	c.cond.Broadcast()
	return nil
}

func (c *fakeWSConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inbound) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.inbound) == 0 {
		return 0, nil, io.EOF
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return websocket.BinaryMessage, msg, nil
}

func (c *fakeWSConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *fakeWSConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeWSConn) pushInbound(data []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, data)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *fakeWSConn) popOutbound(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.outbound) == 0 {
		if time.Now().After(deadline) {
			return nil, false
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
	}
	msg := c.outbound[0]
	c.outbound = c.outbound[1:]
	return msg, true
}

func TestRunSessionDeliversReturnedFrameAndUnregistersOnDisconnect(t *testing.T) {
	reg := registry.New()
	const connID = 42
	const sessionKey = 0xdeadbeef

	conn := newFakeWSConn()
	ch := session.NewChannel(conn, connID, sessionKey)
	mailbox := reg.Register(connID)

	s := &Server{registry: reg}
	st := &connState{connID: connID, userID: 1}

	done := make(chan struct{})
	go func() {
		s.runSession(conn, ch, mailbox, st)
		close(done)
	}()

	if err := reg.Dispatch(context.Background(), protocol.PlainPacket{ConnID: connID, Payload: []byte("reply")}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	raw, ok := conn.popOutbound(time.Second)
	if !ok {
		t.Fatal("expected an outbound frame from the writer task")
	}
	frame, err := codec.Decode(raw, sessionKey, time.Now())
	if err != nil {
		t.Fatalf("codec.Decode: %v", err)
	}
	if string(frame.Payload) != "reply" {
		t.Errorf("payload = %q, want %q", frame.Payload, "reply")
	}

	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runSession did not return after the connection closed")
	}

	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0 after session teardown", reg.Count())
	}
}
