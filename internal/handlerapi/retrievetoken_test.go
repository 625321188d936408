package handlerapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duskrelay/relay/internal/auth"
	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/protocol"
)

const testUserID = 7

var testUserSecret = []byte("retrieve-token-test-secret")

func testLookup(userID uint64) ([]byte, bool) {
	if userID == testUserID {
		return testUserSecret, true
	}
	return nil, false
}

func newTestServer(t *testing.T) (*Server, crypto.X25519KeyPair) {
	t.Helper()
	keys, err := auth.NewKeyManager(auth.DefaultKeyRotationConfig())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	authenticator := auth.NewAuthenticator(keys, testLookup, 60*time.Second)

	serverDH, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}

	s := NewServer(Config{
		Authenticator: authenticator,
		ServerDH:      serverDH,
	})
	return s, serverDH
}

func sealedRequest(t *testing.T, serverDH crypto.X25519KeyPair, req protocol.AuthRequest) ([]byte, crypto.X25519KeyPair) {
	t.Helper()
	clientDH, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	req.ClientEphemeral = clientDH.Public

	sharedSecret, err := clientDH.SharedSecret(serverDH.Public)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	aeadKey, err := crypto.DeriveAEADKey(sharedSecret)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}

	plaintext, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	sealed, err := crypto.SealWithNewNonce(aeadKey, plaintext, nil)
	if err != nil {
		t.Fatalf("SealWithNewNonce: %v", err)
	}

	body := append(append([]byte(nil), clientDH.Public[:]...), sealed...)
	return body, clientDH
}

func validAuthRequest(t *testing.T, now time.Time) protocol.AuthRequest {
	t.Helper()
	nowMs := uint64(now.UnixMilli())
	req := protocol.AuthRequest{
		HmacBase:    []byte("7:" + itoa(nowMs) + ":nonce"),
		TimestampMs: nowMs,
	}
	req.Nonce[0] = 0x11

	hmac := crypto.NewHmacAuthenticator(testUserSecret)
	copy(req.HmacSignature[:], hmac.Compute(req.SignedBytes()))
	return req
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestRetrieveTokenHappyPath(t *testing.T) {
	s, serverDH := newTestServer(t)
	now := time.Now()
	req := validAuthRequest(t, now)
	body, clientDH := sealedRequest(t, serverDH, req)

	httpReq := httptest.NewRequest("POST", "/retrieve-token", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()

	start := time.Now()
	s.handleRetrieveToken(rec, httpReq)
	elapsed := time.Since(start)

	if elapsed < AuthEndpointLatency {
		t.Errorf("handler returned after %v, want at least %v", elapsed, AuthEndpointLatency)
	}
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	sharedSecret, err := clientDH.SharedSecret(serverDH.Public)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	aeadKey, err := crypto.DeriveAEADKey(sharedSecret)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}

	plaintext, err := crypto.Open(aeadKey, rec.Body.Bytes(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	resp, err := protocol.UnmarshalAuthResponse(plaintext)
	if err != nil {
		t.Fatalf("UnmarshalAuthResponse: %v", err)
	}
	if len(resp.Token) == 0 {
		t.Error("expected a non-empty token")
	}
}

func TestRetrieveTokenRejectsBadSignature(t *testing.T) {
	s, serverDH := newTestServer(t)
	now := time.Now()
	req := validAuthRequest(t, now)
	req.HmacSignature[0] ^= 0xFF
	body, _ := sealedRequest(t, serverDH, req)

	httpReq := httptest.NewRequest("POST", "/retrieve-token", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.handleRetrieveToken(rec, httpReq)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Body.Len() != failureBodyLen {
		t.Errorf("failure body len = %d, want %d", rec.Body.Len(), failureBodyLen)
	}
}

func TestRetrieveTokenRejectsGarbageBody(t *testing.T) {
	s, _ := newTestServer(t)
	httpReq := httptest.NewRequest("POST", "/retrieve-token", strings.NewReader("not even close to a valid sealed retrieve-token request body"))
	rec := httptest.NewRecorder()

	start := time.Now()
	s.handleRetrieveToken(rec, httpReq)
	elapsed := time.Since(start)

	if elapsed < AuthEndpointLatency {
		t.Errorf("handler returned after %v, want at least %v", elapsed, AuthEndpointLatency)
	}
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Body.Len() != failureBodyLen {
		t.Errorf("failure body len = %d, want %d", rec.Body.Len(), failureBodyLen)
	}
}

func TestRetrieveTokenFailureBodiesAreIndistinguishable(t *testing.T) {
	s, serverDH := newTestServer(t)
	now := time.Now()

	badSig := validAuthRequest(t, now)
	badSig.HmacSignature[0] ^= 0xFF
	badSigBody, _ := sealedRequest(t, serverDH, badSig)

	expiredReq := validAuthRequest(t, now.Add(-time.Hour))
	expiredBody, _ := sealedRequest(t, serverDH, expiredReq)

	for _, body := range [][]byte{badSigBody, expiredBody, []byte("garbage")} {
		rec := httptest.NewRecorder()
		httpReq := httptest.NewRequest("POST", "/retrieve-token", strings.NewReader(string(body)))
		s.handleRetrieveToken(rec, httpReq)
		if rec.Code != 401 || rec.Body.Len() != failureBodyLen {
			t.Errorf("body %q: status=%d len=%d, want 401/%d", body, rec.Code, rec.Body.Len(), failureBodyLen)
		}
	}
}
