package dispatch

import (
	"context"
	"time"
)

// HealthChecker is the capability a dispatched node must offer for
// RunHealthChecks to probe it -- implemented by exitsvc.Client's
// HealthCheck method. Kept as a narrow local interface, the same pattern
// socks5.Dial uses, so dispatch never needs to import exitsvc.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// RunHealthChecks periodically probes every node in checkers and flips
// its dispatcher health flag to match, until ctx is cancelled. It blocks;
// callers run it in its own goroutine.
func RunHealthChecks(ctx context.Context, d *Dispatcher, checkers map[uint64]HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for nodeID, checker := range checkers {
				node, ok := d.Node(nodeID)
				if !ok {
					continue
				}
				node.SetHealthy(checker.HealthCheck(ctx))
			}
		}
	}
}
