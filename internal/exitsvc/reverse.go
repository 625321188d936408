package exitsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/relay/internal/exitnat"
	"github.com/duskrelay/relay/internal/protocol"
)

// ReverseClient implements exit-initiated reverse mode for exits without
// a public IP: the exit dials the handler's WS control path instead of
// waiting for /forward and /stream requests.
type ReverseClient struct {
	handlerURL string
	dialer     *websocket.Dialer
	nat        *exitnat.NatTable
	tun        exitnat.TunDevice

	preferredGroup int32
}

// NewReverseClient builds a ReverseClient that will dial handlerURL
// (e.g. "wss://handler.internal/exit-control") and route forwarded
// packets into nat/tun exactly as Server.handleForward does.
func NewReverseClient(handlerURL string, preferredGroup int32, nat *exitnat.NatTable, tun exitnat.TunDevice) *ReverseClient {
	return &ReverseClient{
		handlerURL:     handlerURL,
		dialer:         &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		nat:            nat,
		tun:            tun,
		preferredGroup: preferredGroup,
	}
}

// Run maintains the reverse connection, reconnecting with the same
// exponential backoff used by the forward-mode stream client. It blocks
// until ctx is cancelled.
func (rc *ReverseClient) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := rc.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("exitsvc: reverse session ended", "error", err)
		}

		delay := streamBackoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (rc *ReverseClient) runSession(ctx context.Context) error {
	conn, _, err := rc.dialer.DialContext(ctx, rc.handlerURL, nil)
	if err != nil {
		return fmt.Errorf("exitsvc: dialing handler reverse control: %w", err)
	}
	defer conn.Close()

	groupID, err := rc.negotiateGroup(conn)
	if err != nil {
		return err
	}
	slog.Info("exitsvc: reverse session established", "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("exitsvc: reading reverse frame: %w", err)
		}

		packet, err := protocol.UnmarshalPlainPacket(raw)
		if err != nil {
			slog.Warn("exitsvc: dropping malformed reverse packet", "error", err)
			continue
		}

		rewritten, err := rc.nat.Forward(packet.HandlerID, packet)
		if err != nil {
			slog.Error("exitsvc: reverse forward failed", "error", err, "conn_id", packet.ConnID)
			continue
		}
		if err := rc.tun.Write(rewritten); err != nil {
			slog.Error("exitsvc: writing reverse packet to tun", "error", err)
		}
	}
}

// negotiateGroup implements the handshake: receive GroupList, select a
// group (preferredGroup if offered, else the first), send GroupSelect.
func (rc *ReverseClient) negotiateGroup(conn *websocket.Conn) (int32, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("exitsvc: reading GroupList: %w", err)
	}
	msg, err := protocol.DecodeControlMessage(raw)
	if err != nil {
		return 0, fmt.Errorf("exitsvc: decoding GroupList: %w", err)
	}
	if msg.Kind != protocol.ControlGroupList || msg.GroupList == nil {
		return 0, fmt.Errorf("exitsvc: expected GroupList, got kind %d", msg.Kind)
	}
	if len(msg.GroupList.Groups) == 0 {
		return 0, fmt.Errorf("exitsvc: handler offered no groups")
	}

	groupID := msg.GroupList.Groups[0]
	for _, g := range msg.GroupList.Groups {
		if g == rc.preferredGroup {
			groupID = g
			break
		}
	}

	selectMsg := protocol.ControlMessage{
		Kind:        protocol.ControlGroupSelect,
		GroupSelect: &protocol.GroupSelect{GroupID: groupID},
	}
	encoded, err := selectMsg.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("exitsvc: encoding GroupSelect: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return 0, fmt.Errorf("exitsvc: sending GroupSelect: %w", err)
	}

	return groupID, nil
}
