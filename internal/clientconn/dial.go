// Package clientconn implements the client's half of the authentication
// and session handshake: calling /retrieve-token, then upgrading to the
// WSS session.
package clientconn

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/session"
)

// chromeUserAgent makes the tunnel's HTTP fingerprint indistinguishable
// from ordinary browser traffic.
const chromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Credentials bundles what the client needs to mint an AuthRequest: a
// user id, the shared HMAC secret registered for that user, and the
// handler's long-term X25519 public key (known out-of-band).
type Credentials struct {
	UserID         uint64
	Secret         []byte
	HandlerDHPublic [32]byte
}

// Dialer dials a handler's /retrieve-token and /connect endpoints.
type Dialer struct {
	RetrieveTokenURL string // e.g. "https://handler.example.com/retrieve-token"
	ConnectURL       string // e.g. "wss://handler.example.com/connect"
	HTTPClient       *http.Client
	WSDialer         *websocket.Dialer
}

// NewDialer builds a Dialer with sane defaults for a Chrome-emulating
// websocket client.
func NewDialer(retrieveTokenURL, connectURL string) *Dialer {
	return &Dialer{
		RetrieveTokenURL: retrieveTokenURL,
		ConnectURL:       connectURL,
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		WSDialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		},
	}
}

// RetrieveToken runs the /retrieve-token exchange and returns the bearer
// token to present to /connect, plus the ephemeral DH keypair the client
// must keep around -- /connect reuses its shared secret to derive the
// session key without any further key exchange.
func (d *Dialer) RetrieveToken(ctx context.Context, creds Credentials) (token []byte, clientDH crypto.X25519KeyPair, err error) {
	clientDH, err = crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: generating ephemeral keypair: %w", err)
	}

	sharedSecret, err := clientDH.SharedSecret(creds.HandlerDHPublic)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: computing shared secret: %w", err)
	}
	aeadKey, err := crypto.DeriveAEADKey(sharedSecret)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: deriving aead key: %w", err)
	}

	req, err := buildAuthRequest(creds, clientDH.Public)
	if err != nil {
		return nil, clientDH, err
	}

	plaintext, err := req.MarshalBinary()
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: marshaling auth request: %w", err)
	}
	sealed, err := crypto.SealWithNewNonce(aeadKey, plaintext, nil)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: sealing auth request: %w", err)
	}

	body := append(append([]byte(nil), clientDH.Public[:]...), sealed...)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.RetrieveTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: building retrieve-token request: %w", err)
	}
	setDecoyHeaders(httpReq.Header)

	resp, err := d.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: retrieve-token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: reading retrieve-token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, clientDH, fmt.Errorf("clientconn: retrieve-token rejected: %s", resp.Status)
	}

	respPlaintext, err := crypto.Open(aeadKey, respBody, nil)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: opening retrieve-token response: %w", err)
	}
	authResp, err := protocol.UnmarshalAuthResponse(respPlaintext)
	if err != nil {
		return nil, clientDH, fmt.Errorf("clientconn: unmarshaling retrieve-token response: %w", err)
	}

	return authResp.Token, clientDH, nil
}

// Connect upgrades to the handler's /connect endpoint with the given
// bearer token, completes the 8-byte handshake, and derives the session
// key from the same shared secret established during RetrieveToken.
func (d *Dialer) Connect(ctx context.Context, token []byte, clientDH crypto.X25519KeyPair, handlerDHPublic [32]byte) (*session.Channel, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+string(token))
	setDecoyHeaders(header)

	conn, resp, err := d.WSDialer.DialContext(ctx, d.ConnectURL, header)
	if err != nil {
		return nil, fmt.Errorf("clientconn: dialing connect endpoint: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	connID, err := session.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clientconn: reading handshake: %w", err)
	}

	sharedSecret, err := clientDH.SharedSecret(handlerDHPublic)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clientconn: computing shared secret: %w", err)
	}
	sessionKey, err := crypto.DeriveSessionKey(sharedSecret, connID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clientconn: deriving session key: %w", err)
	}

	return session.NewChannel(conn, connID, sessionKey), nil
}

// DialSession runs RetrieveToken followed by Connect as a single
// operation: acquire a token, then upgrade to the session.
func (d *Dialer) DialSession(ctx context.Context, creds Credentials) (*session.Channel, error) {
	token, clientDH, err := d.RetrieveToken(ctx, creds)
	if err != nil {
		return nil, err
	}
	return d.Connect(ctx, token, clientDH, creds.HandlerDHPublic)
}

// setDecoyHeaders attaches ordinary-browser-looking headers to the
// handshake request, so a passive observer of the TLS ClientHello/HTTP
// headers sees nothing unusual.
func setDecoyHeaders(h http.Header) {
	h.Set("User-Agent", chromeUserAgent)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
}

func buildAuthRequest(creds Credentials, clientEphemeral [32]byte) (protocol.AuthRequest, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return protocol.AuthRequest{}, fmt.Errorf("clientconn: generating nonce: %w", err)
	}

	nowMs := uint64(time.Now().UnixMilli())
	var randomSuffix [8]byte
	if _, err := rand.Read(randomSuffix[:]); err != nil {
		return protocol.AuthRequest{}, fmt.Errorf("clientconn: generating random suffix: %w", err)
	}

	req := protocol.AuthRequest{
		HmacBase:        []byte(fmt.Sprintf("%d:%d:%x", creds.UserID, nowMs, randomSuffix)),
		ClientEphemeral: clientEphemeral,
		Nonce:           nonce,
		TimestampMs:     nowMs,
	}

	authenticator := crypto.NewHmacAuthenticator(creds.Secret)
	copy(req.HmacSignature[:], authenticator.Compute(req.SignedBytes()))
	return req, nil
}
