package exitsvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/duskrelay/relay/internal/protocol"
)

const (
	// minStreamBackoff and maxStreamBackoff bound the /stream reconnect
	// delay: exponential backoff from 1s up to 30s.
	minStreamBackoff = 1 * time.Second
	maxStreamBackoff = 30 * time.Second

	forwardTimeout = 10 * time.Second
	healthTimeout  = 5 * time.Second
)

// Client is the handler's view of one exit node's HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against an exit reachable at baseURL (e.g.
// "https://exit-3.internal:8443").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: forwardTimeout}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Forward posts a Plain Packet to the exit's /forward endpoint. A non-2xx
// response is reported as an error so the dispatcher can mark the exit
// unhealthy and retry elsewhere.
func (c *Client) Forward(ctx context.Context, p protocol.PlainPacket) error {
	encoded, err := p.MarshalBinary()
	if err != nil {
		return fmt.Errorf("exitsvc: marshaling plain packet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forward", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("exitsvc: building forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exitsvc: forward request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("exitsvc: forward returned %s", resp.Status)
	}
	return nil
}

// HealthCheck performs the periodic HTTP GET on /health used to flip the
// dispatcher's health flag for this exit.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// StreamReturns opens the exit's /stream endpoint for handlerID and hands
// each decoded Plain Packet to onPacket, reconnecting with exponential
// backoff (1s -> 30s) whenever the stream drops. It blocks until ctx is
// cancelled.
func (c *Client) StreamReturns(ctx context.Context, handlerID uint64, onPacket func(protocol.PlainPacket)) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.runStream(ctx, handlerID, onPacket)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("exitsvc: stream disconnected", "error", err, "handler_id", handlerID)
		}

		delay := streamBackoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) runStream(ctx context.Context, handlerID uint64, onPacket func(protocol.PlainPacket)) error {
	url := fmt.Sprintf("%s/stream?handler_id=%d", c.baseURL, handlerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("exitsvc: building stream request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exitsvc: opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exitsvc: stream returned %s", resp.Status)
	}

	for {
		packet, err := readStreamChunk(resp.Body)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("exitsvc: reading stream chunk: %w", err)
		}
		onPacket(packet)
	}
}

func readStreamChunk(r io.Reader) (protocol.PlainPacket, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return protocol.PlainPacket{}, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return protocol.PlainPacket{}, err
	}
	return protocol.UnmarshalPlainPacket(buf)
}

// streamBackoff mirrors the host-agent's exponential backoff helper,
// capped at maxStreamBackoff instead of a two-minute ceiling.
func streamBackoff(attempt int) time.Duration {
	if attempt == 0 {
		return minStreamBackoff
	}
	delay := time.Duration(math.Pow(2, float64(attempt))) * minStreamBackoff
	if delay > maxStreamBackoff {
		delay = maxStreamBackoff
	}
	return delay
}
