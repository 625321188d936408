package registry

import (
	"context"
	"testing"
	"time"

	"github.com/duskrelay/relay/internal/protocol"
)

func TestRegisterDispatchDeliversFrame(t *testing.T) {
	r := New()
	mailbox := r.Register(1)

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	err := r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 1, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := <-mailbox
	if string(got.Payload) != "hi" {
		t.Errorf("Payload = %q, want %q", got.Payload, "hi")
	}
}

func TestDispatchUnknownConnReturnsError(t *testing.T) {
	r := New()
	if err := r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 999}); err != ErrUnknownConn {
		t.Fatalf("expected ErrUnknownConn, got %v", err)
	}
}

func TestUnregisterClosesMailbox(t *testing.T) {
	r := New()
	mailbox := r.Register(1)
	r.Unregister(1)

	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
	if _, ok := <-mailbox; ok {
		t.Fatalf("expected mailbox to be closed")
	}
	if err := r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 1}); err != ErrUnknownConn {
		t.Fatalf("expected dispatch to an unregistered conn to fail, got %v", err)
	}
}

func TestDispatchBlocksOnFullMailboxUntilDrained(t *testing.T) {
	r := New()
	mailbox := r.Register(1)

	for i := 0; i < MailboxCapacity; i++ {
		if err := r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 1}); err != nil {
			t.Fatalf("Dispatch #%d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 1, Payload: []byte("queued")})
	}()

	select {
	case err := <-done:
		t.Fatalf("Dispatch returned %v before the mailbox was drained, want it to block", err)
	case <-time.After(20 * time.Millisecond):
	}

	<-mailbox // drain one slot

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not unblock after the mailbox drained")
	}
}

func TestDispatchRespectsContextCancellation(t *testing.T) {
	r := New()
	r.Register(1)

	for i := 0; i < MailboxCapacity; i++ {
		if err := r.Dispatch(context.Background(), protocol.PlainPacket{ConnID: 1}); err != nil {
			t.Fatalf("Dispatch #%d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Dispatch(ctx, protocol.PlainPacket{ConnID: 1}); err != context.Canceled {
		t.Fatalf("expected context.Canceled on a full mailbox with a cancelled context, got %v", err)
	}
}
