package handlerapi

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/metrics"
	"github.com/duskrelay/relay/internal/protocol"
)

// maxRetrieveTokenBody bounds the request body read, well above any real
// AuthRequest envelope but small enough to bound abuse.
const maxRetrieveTokenBody = 8192

// failureBodyLen is the fixed ciphertext-equivalent length every failure
// response body uses, so a passive observer watching response sizes can't
// distinguish "bad AEAD" from "bad signature" from "replayed nonce". It's
// sized to comfortably exceed a sealed empty AuthResponse (nonce + auth
// tag + token-length prefix + fixed fields), so failures never look
// shorter than the variable-length success path would for a zero-length
// token.
const failureBodyLen = 96

// handleRetrieveToken implements POST /retrieve-token: the AEAD-wrapped
// AuthRequest/AuthResponse exchange. The handler always takes exactly
// AuthEndpointLatency wall time to respond, success or failure, and every
// failure produces a body of the same fixed length -- both properties
// exist purely to deny a network observer any signal about why a given
// attempt failed.
func (s *Server) handleRetrieveToken(w http.ResponseWriter, r *http.Request) {
	deadline := time.Now().Add(AuthEndpointLatency)
	status, body := s.retrieveToken(r)
	if status == http.StatusOK {
		metrics.AuthSuccessTotal.Inc()
	} else {
		metrics.AuthFailureTotal.Inc()
	}
	sleepUntil(deadline)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func sleepUntil(deadline time.Time) {
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

// retrieveToken performs the actual exchange with no timing discipline of
// its own; handleRetrieveToken wraps it with the fixed-latency envelope.
func (s *Server) retrieveToken(r *http.Request) (int, []byte) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRetrieveTokenBody))
	if err != nil {
		return http.StatusUnauthorized, failureBody()
	}
	if len(body) <= 32 {
		return http.StatusUnauthorized, failureBody()
	}

	var clientEphemeral [32]byte
	copy(clientEphemeral[:], body[:32])
	ciphertext := body[32:]

	sharedSecret, err := s.serverDH.SharedSecret(clientEphemeral)
	if err != nil {
		slog.Warn("retrieve-token: computing shared secret", "error", err)
		return http.StatusUnauthorized, failureBody()
	}

	aeadKey, err := crypto.DeriveAEADKey(sharedSecret)
	if err != nil {
		slog.Warn("retrieve-token: deriving aead key", "error", err)
		return http.StatusUnauthorized, failureBody()
	}

	plaintext, err := crypto.Open(aeadKey, ciphertext, nil)
	if err != nil {
		return http.StatusUnauthorized, failureBody()
	}

	req, err := protocol.UnmarshalAuthRequest(plaintext)
	if err != nil {
		return http.StatusUnauthorized, failureBody()
	}

	now := time.Now()
	userID, err := s.authenticator.Verify(req, now)
	if err != nil {
		return http.StatusUnauthorized, failureBody()
	}

	token, validUntilMs, err := s.authenticator.IssueToken(userID, req.Nonce, req.ClientEphemeral, now)
	if err != nil {
		slog.Error("retrieve-token: issuing token", "error", err)
		return http.StatusUnauthorized, failureBody()
	}

	resp := protocol.AuthResponse{
		Token:        token,
		ValidUntilMs: validUntilMs,
	}
	respBytes, err := resp.MarshalBinary()
	if err != nil {
		slog.Error("retrieve-token: marshaling response", "error", err)
		return http.StatusUnauthorized, failureBody()
	}

	sealed, err := crypto.SealWithNewNonce(aeadKey, respBytes, nil)
	if err != nil {
		slog.Error("retrieve-token: sealing response", "error", err)
		return http.StatusUnauthorized, failureBody()
	}

	return http.StatusOK, sealed
}

// failureBody returns a fixed-length, content-free body shared by every
// failure outcome -- mirroring Authenticator's own "one error, ErrUnauthorized"
// discipline one layer up, at the HTTP response itself.
func failureBody() []byte {
	buf := make([]byte, failureBodyLen)
	binary.LittleEndian.PutUint32(buf, failureBodyLen)
	return buf
}
