package handlerapi

import (
	"context"
	"log/slog"

	"github.com/duskrelay/relay/internal/exitsvc"
	"github.com/duskrelay/relay/internal/protocol"
)

// StartExitStreams opens a long-lived return-traffic stream against every
// configured exit client and feeds each returning Plain Packet into the
// Connection Registry -- one goroutine per exit for the process lifetime,
// not one per session, since return traffic for any session can arrive
// from any exit its data frames were dispatched to.
func (s *Server) StartExitStreams(ctx context.Context) {
	for nodeID, client := range s.exitClients {
		go func(nodeID uint64, client *exitsvc.Client) {
			client.StreamReturns(ctx, s.handlerID, func(p protocol.PlainPacket) {
				if err := s.registry.Dispatch(ctx, p); err != nil {
					// A registry miss means the session is already gone; that's
					// the only case worth dropping silently. A full mailbox
					// instead blocks Dispatch itself until the reader drains it.
					slog.Debug("handlerapi: dropping returned packet", "node_id", nodeID, "conn_id", p.ConnID, "error", err)
				}
			})
		}(nodeID, client)
	}
}
