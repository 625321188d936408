package handlerapi

import (
	"context"
	"log/slog"

	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/session"
)

// handleControlFrame handles an in-band control message read from a
// session. Replies are written straight back over ch rather than routed
// through the mailbox -- SendFrame is safe for concurrent use, and control
// replies never originate from the exit side, so there is nothing for the
// registry to route.
func (s *Server) handleControlFrame(ctx context.Context, ch *session.Channel, st *connState, frame protocol.ProxyFrame) {
	msg, err := protocol.DecodeControlMessage(frame.Payload)
	if err != nil {
		// Unrecognized control kinds and malformed bodies are dropped
		// silently; they are not distinguishable from corrupted frames on
		// this path.
		slog.Debug("handler session: dropping control frame", "conn_id", st.connID, "error", err)
		return
	}

	switch msg.Kind {
	case protocol.ControlPing:
		s.replyControl(ch, frame.ConnID, protocol.ControlMessage{
			Kind: protocol.ControlPong,
			Pong: &protocol.Pong{Nonce: msg.Ping.Nonce},
		})

	case protocol.ControlDohQuery:
		s.handleDohQuery(ctx, ch, frame.ConnID, msg.DohQuery)

	case protocol.ControlGroupSelect:
		st.groupID.Store(msg.GroupSelect.GroupID)

	case protocol.ControlPong, protocol.ControlKeyRotation, protocol.ControlEmergency, protocol.ControlGroupList:
		// These are server/exit-originated advisories; a client sending one
		// back has nothing for the handler to act on.

	default:
		slog.Debug("handler session: unhandled control kind", "conn_id", st.connID, "kind", msg.Kind)
	}
}

func (s *Server) handleDohQuery(ctx context.Context, ch *session.Channel, connID uint64, q *protocol.DohQuery) {
	if s.doh == nil {
		return
	}
	resolved, err := s.doh.Resolve(ctx, q.Query)
	if err != nil {
		slog.Debug("handler session: doh resolution failed", "conn_id", connID, "error", err)
		return
	}
	s.replyControl(ch, connID, protocol.ControlMessage{
		Kind:        protocol.ControlDohResponse,
		DohResponse: &protocol.DohResponse{Response: resolved},
	})
}

func (s *Server) replyControl(ch *session.Channel, connID uint64, msg protocol.ControlMessage) {
	body, err := msg.MarshalBinary()
	if err != nil {
		slog.Warn("handler session: encoding control reply", "conn_id", connID, "error", err)
		return
	}

	reply := protocol.ProxyFrame{
		ConnID:  connID,
		Payload: body,
		Flags:   protocol.FrameFlags{IsControl: true},
	}
	if err := ch.SendFrame(reply); err != nil {
		slog.Debug("handler session: writing control reply", "conn_id", connID, "error", err)
	}
}
