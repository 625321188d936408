// Package handlerapi implements the Handler Orchestrator: the
// client-facing HTTP/WSS surface that authenticates clients, performs the
// session handshake, and multiplexes per-connection channels across the
// Exit Dispatcher and Connection Registry.
package handlerapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/duskrelay/relay/internal/auth"
	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/dispatch"
	"github.com/duskrelay/relay/internal/exitsvc"
	"github.com/duskrelay/relay/internal/registry"
)

// AuthEndpointLatency is the fixed wall-time /retrieve-token must take
// regardless of outcome, so response timing can't be used as an oracle
// for why an attempt failed.
const AuthEndpointLatency = 200 * time.Millisecond

// WSSIdleTimeout is the minimum idle read deadline for an established
// session.
const WSSIdleTimeout = 5 * time.Minute

// ExitForwardTimeout bounds a single handler-to-exit HTTP request.
const ExitForwardTimeout = 10 * time.Second

// DohForwarder resolves a DohQuery control message against an upstream
// recursive resolver and returns the encoded DohResponse payload.
type DohForwarder interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// BillingSink receives per-connection byte counters for batched billing.
type BillingSink interface {
	Credit(userID uint64, bytes int)
}

// Server is the handler process's client-facing HTTP/WSS surface.
type Server struct {
	authenticator *auth.Authenticator
	serverDH      crypto.X25519KeyPair
	registry      *registry.Registry
	dispatcher    *dispatch.Dispatcher
	exitClients   map[uint64]*exitsvc.Client // node id -> HTTP client
	doh           DohForwarder
	billing       BillingSink
	decoyHTML     []byte
	upgrader      websocket.Upgrader
	handlerID     uint64

	nextConnID atomic.Uint64
}

// Config bundles the collaborators a Server needs.
type Config struct {
	Authenticator *auth.Authenticator
	ServerDH      crypto.X25519KeyPair
	Registry      *registry.Registry
	Dispatcher    *dispatch.Dispatcher
	ExitClients   map[uint64]*exitsvc.Client
	Doh           DohForwarder
	Billing       BillingSink
	DecoyHTML     []byte

	// HandlerID identifies this handler process to exits, so an exit's
	// reverse-return stream (keyed by handler_id) routes traffic back to
	// the right process.
	HandlerID uint64
}

// NewServer builds a Server from cfg, defaulting an empty decoy page if
// none was supplied.
func NewServer(cfg Config) *Server {
	decoy := cfg.DecoyHTML
	if decoy == nil {
		decoy = []byte(defaultDecoyHTML)
	}
	return &Server{
		authenticator: cfg.Authenticator,
		serverDH:      cfg.ServerDH,
		registry:      cfg.Registry,
		dispatcher:    cfg.Dispatcher,
		exitClients:   cfg.ExitClients,
		doh:           cfg.Doh,
		billing:       cfg.Billing,
		decoyHTML:     decoy,
		handlerID:     cfg.HandlerID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gorilla/mux router exposing the client-to-handler
// HTTP surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/retrieve-token", s.handleRetrieveToken).Methods(http.MethodPost)
	r.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(s.handleDecoy)
	r.HandleFunc("/", s.handleDecoy).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, "healthy")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, "ready")
}

func writeJSONStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

// handleDecoy serves the generic corporate homepage for "/" and every
// unrecognized path, so a probe against this deployment never reveals
// anything about the real API surface.
func (s *Server) handleDecoy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.decoyHTML)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("handler http request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allocateConnID() uint64 {
	return s.nextConnID.Add(1)
}

const defaultDecoyHTML = `<!DOCTYPE html>
<html>
<head><title>Meridian Analytics</title></head>
<body>
<h1>Meridian Analytics</h1>
<p>This site is temporarily unavailable. Please check back later.</p>
</body>
</html>
`
