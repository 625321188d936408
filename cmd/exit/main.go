// Command exit runs a duskrelay exit node: it accepts forwarded Plain
// Packets from a handler, NATs them onto its TUN device, and streams
// return traffic back. A plain foreground server process, structured the
// same way as cmd/handler since both are fixed server deployments rather
// than end-user installs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskrelay/relay/internal/config"
	"github.com/duskrelay/relay/internal/exitnat"
	"github.com/duskrelay/relay/internal/exitsvc"
	"github.com/duskrelay/relay/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: "+config.DefaultExitConfigPath+")")
	memoryTun := flag.Bool("memory-tun", false, "use an in-memory TUN device instead of a real one (for environments without TUN support)")
	flag.Parse()

	initLogger("info")

	cfg, err := config.LoadExitConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *memoryTun); err != nil {
		slog.Error("exit node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ExitConfig, memoryTun bool) error {
	base := net.ParseIP(cfg.VirtualSubnet)
	if base == nil {
		return os.ErrInvalid
	}
	pool := exitnat.NewVirtualIPPool(base)
	nat := exitnat.NewNatTable(pool)

	var tun exitnat.TunDevice
	if memoryTun {
		tun = exitnat.NewMemoryTunDevice(256)
	} else {
		dev, err := exitnat.NewWireguardTunDevice(cfg.TunDeviceName, cfg.TunMTU)
		if err != nil {
			return err
		}
		tun = dev
	}
	defer tun.Close()

	svc := exitsvc.NewServer(nat, tun)
	go exitsvc.RunTunReader(ctx, tun, nat, svc.Deliver)

	idleSweepInterval := 60 * time.Second
	go runIdleSweep(ctx, nat, idleSweepInterval)

	metrics.ServeBackground(cfg.MetricsAddr)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("exit node listening", "addr", cfg.ListenAddr, "node_name", cfg.NodeName, "group_id", cfg.GroupID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down exit node")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runIdleSweep periodically releases virtual IPs for connections that
// have gone quiet.
func runIdleSweep(ctx context.Context, nat *exitnat.NatTable, interval time.Duration) {
	const idleAfter = 5 * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released := nat.SweepIdle(idleAfter)
			if len(released) > 0 {
				slog.Debug("exitnat: swept idle connections", "count", len(released))
			}
		}
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
