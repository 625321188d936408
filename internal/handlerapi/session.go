package handlerapi

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/session"
)

// sessionGrace bounds how long the writer/reader pair is given to unwind
// once either side terminates.
const sessionGrace = 5 * time.Second

// connState is the Handler Orchestrator's per-connection bookkeeping:
// identity, selected exit group, and running byte/activity counters.
type connState struct {
	connID  uint64
	userID  uint64
	groupID atomic.Int32

	bytesOut atomic.Int64
	lastSeen atomic.Int64 // unix millis
}

func (st *connState) touch() {
	st.lastSeen.Store(time.Now().UnixMilli())
}

// runSession spawns the writer and reader tasks for an established
// session, and on either terminating, cancels the other and tears the
// session down. There's no separate goroutine feeding return traffic in
// here -- the shared Connection Registry deposits return frames straight
// into mailbox from the exit's return stream (see streams.go).
func (s *Server) runSession(conn deadlineConn, ch *session.Channel, mailbox <-chan protocol.ProxyFrame, st *connState) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(WSSIdleTimeout))

	writerDone := make(chan error, 1)
	readerDone := make(chan error, 1)

	go s.runWriter(ctx, ch, mailbox, writerDone)
	go s.runReader(ctx, conn, ch, st, readerDone)

	var pending <-chan error
	select {
	case err := <-writerDone:
		slog.Debug("handler session writer exited", "conn_id", st.connID, "error", err)
		pending = readerDone
	case err := <-readerDone:
		slog.Debug("handler session reader exited", "conn_id", st.connID, "error", err)
		pending = writerDone
	}
	cancel()

	select {
	case <-pending:
	case <-time.After(sessionGrace):
		slog.Warn("handler session did not unwind within grace period", "conn_id", st.connID)
	}

	s.registry.Unregister(st.connID)
	_ = ch.Close()
}

func (s *Server) runWriter(ctx context.Context, ch *session.Channel, mailbox <-chan protocol.ProxyFrame, done chan<- error) {
	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case frame, ok := <-mailbox:
			if !ok {
				done <- nil
				return
			}
			if err := ch.SendFrame(frame); err != nil {
				done <- err
				return
			}
		}
	}
}

func (s *Server) runReader(ctx context.Context, conn deadlineConn, ch *session.Channel, st *connState, done chan<- error) {
	for {
		frame, err := ch.RecvFrame()
		if err != nil {
			done <- err
			return
		}
		st.touch()
		_ = conn.SetReadDeadline(time.Now().Add(WSSIdleTimeout))

		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		default:
		}

		if frame.Flags.IsControl {
			s.handleControlFrame(ctx, ch, st, frame)
			continue
		}

		if err := s.handleDataFrame(ctx, st, frame); err != nil {
			slog.Warn("handler session: forwarding data frame failed", "conn_id", st.connID, "error", err)
			done <- err
			return
		}
	}
}
