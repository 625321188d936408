package clientconn

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duskrelay/relay/internal/auth"
	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/dispatch"
	"github.com/duskrelay/relay/internal/handlerapi"
	"github.com/duskrelay/relay/internal/registry"
)

const testUserID = 13

var testSecret = []byte("clientconn-integration-secret")

func TestDialRetrieveTokenAndConnectRoundTrip(t *testing.T) {
	keys, err := auth.NewKeyManager(auth.DefaultKeyRotationConfig())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	authenticator := auth.NewAuthenticator(keys, func(userID uint64) ([]byte, bool) {
		if userID == testUserID {
			return testSecret, true
		}
		return nil, false
	}, 60*time.Second)

	serverDH, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}

	srv := handlerapi.NewServer(handlerapi.Config{
		Authenticator: authenticator,
		ServerDH:      serverDH,
		Registry:      registry.New(),
		Dispatcher:    dispatch.New(),
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dialer := NewDialer(ts.URL+"/retrieve-token", "ws"+strings.TrimPrefix(ts.URL, "http")+"/connect")

	creds := Credentials{UserID: testUserID, Secret: testSecret, HandlerDHPublic: serverDH.Public}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, clientDH, err := dialer.RetrieveToken(ctx, creds)
	if err != nil {
		t.Fatalf("RetrieveToken: %v", err)
	}
	if len(token) == 0 {
		t.Fatal("expected a non-empty token")
	}

	ch, err := dialer.Connect(ctx, token, clientDH, serverDH.Public)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	if ch.ConnID() == 0 {
		t.Error("expected a non-zero conn id from the handshake")
	}
}

func TestRetrieveTokenFailsWithWrongSecret(t *testing.T) {
	keys, err := auth.NewKeyManager(auth.DefaultKeyRotationConfig())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	authenticator := auth.NewAuthenticator(keys, func(userID uint64) ([]byte, bool) {
		return []byte("the-real-secret"), true
	}, 60*time.Second)

	serverDH, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}

	srv := handlerapi.NewServer(handlerapi.Config{
		Authenticator: authenticator,
		ServerDH:      serverDH,
		Registry:      registry.New(),
		Dispatcher:    dispatch.New(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	dialer := NewDialer(ts.URL+"/retrieve-token", "ws"+strings.TrimPrefix(ts.URL, "http")+"/connect")
	creds := Credentials{UserID: testUserID, Secret: []byte("wrong-secret"), HandlerDHPublic: serverDH.Public}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := dialer.RetrieveToken(ctx, creds); err == nil {
		t.Fatal("expected RetrieveToken to fail with a mismatched HMAC secret")
	}
}
