// Command client is the duskrelay client agent: it authenticates to a
// handler, maintains a Session Channel, and exposes a local SOCKS5
// frontend that tunnels TCP connections through it. It runs as a
// kardianos/service-managed background process around a single
// long-running loop, since it's meant to run unattended on end-user
// machines.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/duskrelay/relay/internal/clientconn"
	"github.com/duskrelay/relay/internal/config"
	"github.com/duskrelay/relay/internal/session"
	"github.com/duskrelay/relay/internal/socks5"
)

const (
	serviceName        = "DuskrelayClient"
	serviceDisplayName = "Duskrelay Client Agent"
	serviceDescription = "Authenticates to a duskrelay handler and exposes a local SOCKS5 proxy"
)

// clientAgent implements kardianos/service.Interface for the platforms
// where the client runs as a background service rather than a foreground
// process.
type clientAgent struct {
	cfg    *config.ClientConfig
	cancel context.CancelFunc
}

func (a *clientAgent) Start(s service.Service) error {
	go a.run()
	return nil
}

func (a *clientAgent) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *clientAgent) run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := runClient(ctx, a.cfg); err != nil {
		slog.Error("client agent exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultClientConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as a background service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the background service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}

	ag := &clientAgent{cfg: cfg}
	svc, err := service.New(ag, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting client agent in foreground mode")
		if err := runClient(ctx, cfg); err != nil {
			slog.Error("client agent exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("  Duskrelay client agent is running.")
			fmt.Printf("  SOCKS5 proxy listening on %s\n", cfg.Socks5BindAddr)
			fmt.Println("  Press Ctrl+C to stop.")
			fmt.Println()

			if err := runClient(ctx, cfg); err != nil {
				fmt.Printf("\n  Client agent error: %v\n", err)
				fmt.Println("\n  Press Enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runClient builds a Dialer and Credentials from cfg and serves SOCKS5
// connections against them until ctx is cancelled.
func runClient(ctx context.Context, cfg *config.ClientConfig) error {
	handlerDHPublic, err := decodeHex32(cfg.HandlerDHPublic)
	if err != nil {
		return fmt.Errorf("decoding handler_dh_public: %w", err)
	}
	secret, err := hex.DecodeString(cfg.Secret)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}

	dialer := clientconn.NewDialer(cfg.RetrieveTokenURL, cfg.ConnectURL)
	creds := clientconn.Credentials{
		UserID:          cfg.UserID,
		Secret:          secret,
		HandlerDHPublic: handlerDHPublic,
	}

	var emergency socks5.EmergencyCheck
	// No kill-switch feed wired up yet; nil means "never trigger", per
	// EmergencyCheck's doc.

	srv := &socks5.Server{
		ListenAddr: cfg.Socks5BindAddr,
		Dial: func(dialCtx context.Context) (*session.Channel, error) {
			return dialer.DialSession(dialCtx, creds)
		},
		Emergency: emergency,
	}

	slog.Info("duskrelay client agent starting", "socks5_addr", cfg.Socks5BindAddr, "retrieve_token_url", cfg.RetrieveTokenURL)
	return srv.ListenAndServe(ctx)
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
