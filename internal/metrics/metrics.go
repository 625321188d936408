// Package metrics exposes the handler and exit process's Prometheus
// collectors as eagerly registered package-level globals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FrameSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duskrelay_frame_size_bytes",
		Help:    "Size in bytes of Proxy Frames after codec encoding, before WSS framing.",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duskrelay_active_sessions",
		Help: "Number of Session Channels currently registered in the Connection Registry.",
	})

	AuthSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duskrelay_auth_success_total",
		Help: "Total successful /retrieve-token exchanges.",
	})

	AuthFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duskrelay_auth_failure_total",
		Help: "Total failed /retrieve-token exchanges, of any cause.",
	})

	DispatchRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duskrelay_dispatch_retry_total",
		Help: "Total times the Exit Dispatcher retried forwarding after an unhealthy or failed exit.",
	})

	DispatchExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duskrelay_dispatch_exhausted_total",
		Help: "Total times the Exit Dispatcher ran out of healthy exits in a group for a forward attempt.",
	})

	BytesCreditedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duskrelay_bytes_credited_total",
		Help: "Total outgoing payload bytes credited to users' billing accumulators.",
	})
)

func init() {
	prometheus.MustRegister(
		FrameSizeBytes,
		ActiveSessions,
		AuthSuccessTotal,
		AuthFailureTotal,
		DispatchRetryTotal,
		DispatchExhaustedTotal,
		BytesCreditedTotal,
	)
}

// Handler returns the HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeBackground starts a dedicated /metrics listener in a background
// goroutine, for deployments that don't want metrics on the main router.
func ServeBackground(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
