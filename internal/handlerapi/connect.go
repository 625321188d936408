package handlerapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/session"
)

// handleConnect upgrades an authenticated client to a WSS session. Any
// auth failure here is indistinguishable from an unrecognized path -- the
// client sees the same decoy page, never an auth error string.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.handleDecoy(w, r)
		return
	}

	userID, clientEphemeral, err := s.authenticator.ConsumeToken([]byte(token), time.Now())
	if err != nil {
		s.handleDecoy(w, r)
		return
	}

	sharedSecret, err := s.serverDH.SharedSecret(clientEphemeral)
	if err != nil {
		slog.Warn("connect: computing shared secret", "error", err)
		s.handleDecoy(w, r)
		return
	}

	connID := s.allocateConnID()

	sessionKey, err := crypto.DeriveSessionKey(sharedSecret, connID)
	if err != nil {
		slog.Warn("connect: deriving session key", "error", err)
		s.handleDecoy(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("connect: websocket upgrade failed", "error", err)
		return
	}

	if err := session.WriteHandshake(conn, connID); err != nil {
		slog.Debug("connect: writing handshake", "error", err)
		_ = conn.Close()
		return
	}

	channel := session.NewChannel(conn, connID, sessionKey)
	mailbox := s.registry.Register(connID)

	st := &connState{connID: connID, userID: userID}
	st.groupID.Store(0)

	s.runSession(conn, channel, mailbox, st)
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, reporting ok=false for any other shape.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// deadlineConn is the subset of *websocket.Conn runSession needs beyond
// what session.Channel already exposes, so the read-idle deadline can be
// refreshed on every inbound message.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}
