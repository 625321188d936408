// Command handler runs the duskrelay Handler Orchestrator: the
// client-facing WSS terminator that authenticates clients and dispatches
// their traffic across a pool of exit nodes. It's a plain foreground
// server process -- a fixed deployment with no interactive first-run
// wizard, unlike the end-user client agent.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskrelay/relay/internal/auth"
	"github.com/duskrelay/relay/internal/collab"
	"github.com/duskrelay/relay/internal/config"
	"github.com/duskrelay/relay/internal/crypto"
	"github.com/duskrelay/relay/internal/dispatch"
	"github.com/duskrelay/relay/internal/dnsforward"
	"github.com/duskrelay/relay/internal/exitsvc"
	"github.com/duskrelay/relay/internal/handlerapi"
	"github.com/duskrelay/relay/internal/metrics"
	"github.com/duskrelay/relay/internal/registry"
)

// exitHealthCheckInterval governs how often RunHealthChecks probes every
// configured exit's /health endpoint.
const exitHealthCheckInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: "+config.DefaultHandlerConfigPath+")")
	flag.Parse()

	initLogger("info")

	cfg, err := config.LoadHandlerConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("handler exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.HandlerConfig) error {
	serverDHPrivate, err := decodeHex32(cfg.DHPrivateKey)
	if err != nil {
		return fmt.Errorf("decoding dh_private_key: %w", err)
	}
	serverDH, err := crypto.X25519KeyPairFromPrivate(serverDHPrivate)
	if err != nil {
		return fmt.Errorf("deriving handler dh public key: %w", err)
	}

	signingSeed, err := hex.DecodeString(cfg.SigningSeed)
	if err != nil {
		return fmt.Errorf("decoding signing_seed: %w", err)
	}
	keys, err := auth.NewKeyManagerFromSeed(signingSeed, auth.DefaultKeyRotationConfig())
	if err != nil {
		return fmt.Errorf("building key manager: %w", err)
	}

	userSecrets, err := config.LoadUserSecrets(cfg.UsersPath)
	if err != nil {
		return fmt.Errorf("loading user secrets: %w", err)
	}
	users := collab.NewStaticUserStore(userSecrets)

	authenticator := auth.NewAuthenticator(keys, users.SyncLookup, time.Duration(cfg.TokenTTLSeconds)*time.Second)

	reg := registry.New()
	dispatcher := dispatch.New()

	manifest, err := dispatch.LoadGroupManifest(cfg.ExitGroupsPath)
	if err != nil {
		return fmt.Errorf("loading exit groups: %w", err)
	}

	exitClients := make(map[uint64]*exitsvc.Client)
	checkers := make(map[uint64]dispatch.HealthChecker)
	for _, group := range manifest.Groups {
		for _, endpoint := range group.Endpoints {
			client := exitsvc.NewClient(endpoint.BaseURL, &http.Client{Timeout: handlerapi.ExitForwardTimeout})
			nodeID := dispatcher.Register(endpoint.Name, group.ID)
			exitClients[nodeID] = client
			checkers[nodeID] = client
		}
	}
	go dispatch.RunHealthChecks(ctx, dispatcher, checkers, exitHealthCheckInterval)

	var doh handlerapi.DohForwarder
	if cfg.DohUpstreamURL != "" {
		doh = dnsforward.NewResolver(cfg.DohUpstreamURL)
	}

	srv := handlerapi.NewServer(handlerapi.Config{
		Authenticator: authenticator,
		ServerDH:      serverDH,
		Registry:      reg,
		Dispatcher:    dispatcher,
		ExitClients:   exitClients,
		Doh:           doh,
		Billing:       collab.NewMetricsBillingSink(),
		HandlerID:     cfg.HandlerID,
	})
	srv.StartExitStreams(ctx)

	metrics.ServeBackground(cfg.MetricsAddr)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("handler listening", "addr", cfg.ListenAddr, "metrics_addr", cfg.MetricsAddr, "exit_count", len(exitClients))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down handler")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
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
