// Package exitsvc implements the exit node's HTTP surface to handlers:
// POST /forward, GET /stream, GET /health, plus the reverse-mode
// WebSocket client used by exits without a public IP.
package exitsvc

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/duskrelay/relay/internal/exitnat"
	"github.com/duskrelay/relay/internal/protocol"
)

// StreamBufferCapacity bounds how many pending Plain Packets are queued
// per handler for the /stream endpoint; Deliver drops a packet that
// arrives while the queue is full.
const StreamBufferCapacity = 128

// streamSink is one handler's outstanding /stream subscription.
type streamSink struct {
	packets chan protocol.PlainPacket
	done    chan struct{}
}

// Server is the exit node's HTTP handler-facing surface. It forwards
// incoming Plain Packets into the NAT table and fans return traffic back
// out over per-handler streaming responses.
type Server struct {
	nat *exitnat.NatTable
	tun exitnat.TunDevice

	mu      sync.Mutex
	streams map[uint64]*streamSink // handler_id -> sink
}

// NewServer builds a Server backed by nat for routing and tun for
// egress/ingress.
func NewServer(nat *exitnat.NatTable, tun exitnat.TunDevice) *Server {
	return &Server{
		nat:     nat,
		tun:     tun,
		streams: make(map[uint64]*streamSink),
	}
}

// RegisterRoutes wires the exit's three HTTP endpoints onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleForward implements POST /forward: body is a length-prefixed
// serialized Plain Packet. Response body is empty; 200 on forwarded,
// non-2xx signals exit-unhealthy.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(protocol.MaxPayloadBytes)*2))
	if err != nil {
		slog.Warn("exitsvc: reading forward body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	packet, err := protocol.UnmarshalPlainPacket(body)
	if err != nil {
		slog.Warn("exitsvc: decoding plain packet", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rewritten, err := s.nat.Forward(packet.HandlerID, packet)
	if err != nil {
		slog.Error("exitsvc: forwarding to nat", "error", err, "conn_id", packet.ConnID)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if err := s.tun.Write(rewritten); err != nil {
		slog.Error("exitsvc: writing to tun", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleStream implements GET /stream?handler_id=<u64>: a long-lived
// chunked response, each chunk u32 length LE ‖ serialized PlainPacket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	handlerID, err := parseHandlerID(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sink := s.subscribe(handlerID)
	defer s.unsubscribe(handlerID, sink)

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.done:
			return
		case packet := <-sink.packets:
			if err := writeStreamChunk(w, packet); err != nil {
				slog.Warn("exitsvc: writing stream chunk", "error", err, "handler_id", handlerID)
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth implements GET /health → 200 when healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Deliver routes a return Plain Packet to the handler's active /stream
// subscription, if one exists. Called from the TUN reader loop.
func (s *Server) Deliver(handlerID uint64, p protocol.PlainPacket) bool {
	s.mu.Lock()
	sink, ok := s.streams[handlerID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case sink.packets <- p:
		return true
	default:
		slog.Warn("exitsvc: stream buffer full, dropping return packet", "handler_id", handlerID)
		return false
	}
}

func (s *Server) subscribe(handlerID uint64) *streamSink {
	sink := &streamSink{
		packets: make(chan protocol.PlainPacket, StreamBufferCapacity),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if old, exists := s.streams[handlerID]; exists {
		close(old.done)
	}
	s.streams[handlerID] = sink
	s.mu.Unlock()

	return sink
}

func (s *Server) unsubscribe(handlerID uint64, sink *streamSink) {
	s.mu.Lock()
	if s.streams[handlerID] == sink {
		delete(s.streams, handlerID)
	}
	s.mu.Unlock()
}

func writeStreamChunk(w io.Writer, p protocol.PlainPacket) error {
	encoded, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(encoded)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

func parseHandlerID(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("handler_id")
	if raw == "" {
		return 0, errors.New("exitsvc: missing handler_id")
	}
	return strconv.ParseUint(raw, 10, 64)
}
