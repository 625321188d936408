// Package collab defines the Go interfaces for the external systems this
// deployment doesn't own -- a control plane's cluster view, an archival
// sink for connection records, and a user store backing HMAC secret
// lookups -- so the handler and exit compile and run against no-op or
// in-memory stand-ins without pretending those systems are implemented
// here.
package collab

import (
	"context"
	"sync"

	"github.com/duskrelay/relay/internal/metrics"
)

// ClusterView reports which handlers and exit nodes are currently part
// of the deployment, as a hypothetical control plane would report it.
type ClusterView interface {
	Handlers(ctx context.Context) ([]uint64, error)
	ExitNodes(ctx context.Context) ([]uint64, error)
}

// ArchiveSink persists a closed connection's summary (Connection Record)
// to long-term storage, outside this repository's scope.
type ArchiveSink interface {
	Archive(ctx context.Context, connID uint64, userID uint64, bytesOut int64) error
}

// UserStore resolves a user id to its shared HMAC secret, the lookup the
// Authenticator needs but this repository leaves to an external system.
type UserStore interface {
	Secret(ctx context.Context, userID uint64) (secret []byte, ok bool, err error)
}

// NoopClusterView reports no handlers or exits; useful wiring a single
// standalone handler/exit pair with no control plane at all.
type NoopClusterView struct{}

func (NoopClusterView) Handlers(ctx context.Context) ([]uint64, error)  { return nil, nil }
func (NoopClusterView) ExitNodes(ctx context.Context) ([]uint64, error) { return nil, nil }

// NoopArchiveSink discards every connection summary.
type NoopArchiveSink struct{}

func (NoopArchiveSink) Archive(ctx context.Context, connID, userID uint64, bytesOut int64) error {
	return nil
}

// StaticUserStore is an in-memory UserStore backed by a fixed map,
// suitable for tests and small deployments that haven't wired a real
// user database yet.
type StaticUserStore struct {
	secrets map[uint64][]byte
}

func NewStaticUserStore(secrets map[uint64][]byte) *StaticUserStore {
	return &StaticUserStore{secrets: secrets}
}

func (s *StaticUserStore) Secret(ctx context.Context, userID uint64) ([]byte, bool, error) {
	secret, ok := s.secrets[userID]
	return secret, ok, nil
}

// SyncLookup adapts StaticUserStore to the synchronous, context-free
// lookup signature the Authenticator expects -- safe here only because
// this store never blocks on I/O.
func (s *StaticUserStore) SyncLookup(userID uint64) ([]byte, bool) {
	secret, ok := s.secrets[userID]
	return secret, ok
}

// MetricsBillingSink accumulates per-user credited bytes in memory and
// reports the running total through duskrelay_bytes_credited_total,
// standing in for a real external billing system. Structurally satisfies
// handlerapi.BillingSink without importing it.
type MetricsBillingSink struct {
	mu        sync.Mutex
	perUser   map[uint64]int64
}

// NewMetricsBillingSink builds an empty MetricsBillingSink.
func NewMetricsBillingSink() *MetricsBillingSink {
	return &MetricsBillingSink{perUser: make(map[uint64]int64)}
}

// Credit adds bytes to userID's running total and to the process-wide
// Prometheus counter.
func (b *MetricsBillingSink) Credit(userID uint64, bytes int) {
	b.mu.Lock()
	b.perUser[userID] += int64(bytes)
	b.mu.Unlock()
	metrics.BytesCreditedTotal.Add(float64(bytes))
}

// Totals returns a snapshot of each user's accumulated credited bytes.
func (b *MetricsBillingSink) Totals() map[uint64]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint64]int64, len(b.perUser))
	for k, v := range b.perUser {
		out[k] = v
	}
	return out
}
