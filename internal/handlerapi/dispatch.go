package handlerapi

import (
	"context"
	"fmt"

	"github.com/duskrelay/relay/internal/protocol"
)

// handleDataFrame forwards a data frame's payload to an exit in the
// connection's currently selected group (group 0 until a client sends
// GroupSelect, and falling back to group 0 again if the selected group has
// no exits registered), and credits the billing accumulator on success.
func (s *Server) handleDataFrame(ctx context.Context, st *connState, frame protocol.ProxyFrame) error {
	packet := protocol.PlainPacketFromFrame(frame, s.handlerID, false)

	err := s.dispatcher.Forward(st.groupID.Load(), func(nodeID uint64) error {
		client, ok := s.exitClients[nodeID]
		if !ok {
			return fmt.Errorf("handlerapi: no exit client registered for node %d", nodeID)
		}
		forwardCtx, cancel := context.WithTimeout(ctx, ExitForwardTimeout)
		defer cancel()
		return client.Forward(forwardCtx, packet)
	})
	if err != nil {
		return fmt.Errorf("handlerapi: dispatching frame for conn %d: %w", frame.ConnID, err)
	}

	st.bytesOut.Add(int64(len(frame.Payload)))
	if s.billing != nil {
		s.billing.Credit(st.userID, len(frame.Payload))
	}
	return nil
}
