package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/replay"
)

// MaxAuthClockDriftMs bounds how far an AuthRequest's timestamp may drift
// from the handler's own clock before it is rejected.
const MaxAuthClockDriftMs = 30_000

// DefaultTokenTTL is the lifetime a freshly issued token carries.
const DefaultTokenTTL = 60 * time.Second

// ErrUnauthorized is the single public failure outcome Verify and
// ConsumeToken ever return to a caller: every internal failure kind
// (clock skew, replay, bad signature, bad key, expired token, reused
// token) collapses to this one error so the wire-level response can't be
// used as an oracle for which check failed.
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserSecretLookup resolves a user_id to the shared HMAC secret used to
// authenticate that user's AuthRequests.
type UserSecretLookup func(userID uint64) (secret []byte, ok bool)

// Authenticator implements the handler-side two-stage handshake: verify
// an inbound AuthRequest, issue a one-time token, and later consume that
// token when the client opens its WSS connection.
type Authenticator struct {
	keys       *KeyManager
	nonceCache *replay.NonceCache
	uuidCache  *replay.UUIDCache
	lookupUser UserSecretLookup
	tokenTTL   time.Duration

	// pendingMu/pendingEphemeral carry each issued token's client ephemeral
	// DH public key forward from IssueToken to the matching ConsumeToken
	// call: the handler needs the client's /retrieve-token ephemeral key
	// again once the WSS connects, and the only thing both ends share at
	// that point is the token's nonce.
	pendingMu         sync.Mutex
	pendingEphemerals map[[32]byte][32]byte
}

// NewAuthenticator builds an Authenticator backed by keys for signing and
// lookupUser for resolving per-user HMAC secrets.
func NewAuthenticator(keys *KeyManager, lookupUser UserSecretLookup, tokenTTL time.Duration) *Authenticator {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Authenticator{
		keys:              keys,
		nonceCache:        replay.NewNonceCache(120 * time.Second),
		uuidCache:         replay.NewUUIDCache(tokenTTL + 60*time.Second),
		lookupUser:        lookupUser,
		tokenTTL:          tokenTTL,
		pendingEphemerals: make(map[[32]byte][32]byte),
	}
}

// Verify runs the ordered checks: clock drift, nonce replay, then HMAC
// signature. Any failure returns ErrUnauthorized only
// -- callers must not branch on the underlying error for anything but
// logging, and must always impose the fixed 200ms response latency
// regardless of which check failed.
func (a *Authenticator) Verify(req protocol.AuthRequest, now time.Time) (userID uint64, err error) {
	nowMs := uint64(now.UnixMilli())
	driftMs := int64(nowMs) - int64(req.TimestampMs)
	if driftMs < 0 {
		driftMs = -driftMs
	}
	if driftMs > MaxAuthClockDriftMs {
		return 0, ErrUnauthorized
	}

	if !a.nonceCache.CheckAndInsert(req.Nonce) {
		return 0, ErrUnauthorized
	}

	userID, ok := parseUserID(req.HmacBase)
	if !ok {
		return 0, ErrUnauthorized
	}

	secret, ok := a.lookupUser(userID)
	if !ok {
		return 0, ErrUnauthorized
	}

	authenticator := crypto.NewHmacAuthenticator(secret)
	if !authenticator.Verify(req.SignedBytes(), req.HmacSignature[:]) {
		return 0, ErrUnauthorized
	}

	return userID, nil
}

// parseUserID extracts the leading "user_id" component of an HmacBase of
// the form "user_id:timestamp:random".
func parseUserID(hmacBase []byte) (uint64, bool) {
	parts := strings.SplitN(string(hmacBase), ":", 2)
	if len(parts) < 1 {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IssueToken mints a one-time token for userID, signs it with the current
// signing key, and returns the base64-encoded transport form plus its
// expiry. clientEphemeral is the DH public key the client presented in its
// /retrieve-token AuthRequest; it is retained so the eventual ConsumeToken
// call can hand it back to the caller for session-key derivation.
func (a *Authenticator) IssueToken(userID uint64, nonce [32]byte, clientEphemeral [32]byte, now time.Time) (token []byte, validUntilMs uint64, err error) {
	issuedAtMs := uint64(now.UnixMilli())
	validUntilMs = issuedAtMs + uint64(a.tokenTTL.Milliseconds())

	payload := protocol.TokenPayload{
		UserID:       userID,
		Nonce:        nonce,
		IssuedAtMs:   issuedAtMs,
		ValidUntilMs: validUntilMs,
	}
	serialized, err := payload.MarshalBinary()
	if err != nil {
		return nil, 0, fmt.Errorf("auth: marshaling token payload: %w", err)
	}

	sig := a.keys.Sign(serialized)
	combined := append(serialized, sig...)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(combined)))
	base64.StdEncoding.Encode(encoded, combined)

	a.pendingMu.Lock()
	a.pendingEphemerals[nonce] = clientEphemeral
	a.pendingMu.Unlock()

	return encoded, validUntilMs, nil
}

// ConsumeToken redeems a previously issued token exactly once: it
// verifies the signature against the current (or still-in-grace previous)
// signing key, rejects expired tokens, and rejects replays of the same
// token nonce. It returns the client's /retrieve-token ephemeral DH public
// key alongside the user id so the caller can derive the WSS session key.
func (a *Authenticator) ConsumeToken(token []byte, now time.Time) (userID uint64, clientEphemeral [32]byte, err error) {
	combined := make([]byte, base64.StdEncoding.DecodedLen(len(token)))
	n, decErr := base64.StdEncoding.Decode(combined, token)
	if decErr != nil {
		return 0, clientEphemeral, ErrUnauthorized
	}
	combined = combined[:n]

	const sigLen = 64
	if len(combined) <= sigLen {
		return 0, clientEphemeral, ErrUnauthorized
	}
	serialized := combined[:len(combined)-sigLen]
	sig := combined[len(combined)-sigLen:]

	if !a.keys.Verify(serialized, sig) {
		return 0, clientEphemeral, ErrUnauthorized
	}

	payload, perr := protocol.UnmarshalTokenPayload(serialized)
	if perr != nil {
		return 0, clientEphemeral, ErrUnauthorized
	}

	if uint64(now.UnixMilli()) > payload.ValidUntilMs {
		return 0, clientEphemeral, ErrUnauthorized
	}

	var uuidKey [16]byte
	copy(uuidKey[:], payload.Nonce[:16])
	if !a.uuidCache.CheckAndInsert(uuidKey) {
		return 0, clientEphemeral, ErrUnauthorized
	}

	a.pendingMu.Lock()
	clientEphemeral, ok := a.pendingEphemerals[payload.Nonce]
	delete(a.pendingEphemerals, payload.Nonce)
	a.pendingMu.Unlock()
	if !ok {
		return 0, clientEphemeral, ErrUnauthorized
	}

	return payload.UserID, clientEphemeral, nil
}
