package exitsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duskrelay/relay/internal/protocol"
)

func TestForwardSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	if err := c.Forward(context.Background(), samplePacket(1)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	if err := c.Forward(context.Background(), samplePacket(1)); err == nil {
		t.Fatalf("expected error on 503 response")
	}
}

func TestHealthCheckReflectsStatus(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	if !c.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy")
	}

	healthy = false
	if c.HealthCheck(context.Background()) {
		t.Fatalf("expected unhealthy")
	}
}

func TestStreamBackoffIsBoundedAndIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := streamBackoff(attempt)
		if d < prev {
			t.Errorf("attempt %d: backoff %v should not decrease from %v", attempt, d, prev)
		}
		if d > maxStreamBackoff {
			t.Errorf("attempt %d: backoff %v exceeds cap %v", attempt, d, maxStreamBackoff)
		}
		prev = d
	}
}

func TestStreamReturnsStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, srv.Client())

	done := make(chan struct{})
	go func() {
		c.StreamReturns(ctx, 1, func(p protocol.PlainPacket) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamReturns did not stop after context cancel")
	}
}
