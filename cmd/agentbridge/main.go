// Command agentbridge is the bridge gateway: it accepts browser chat clients
// over a typed WebSocket protocol and drives local AI coding agent
// subprocesses over newline-delimited JSON-RPC.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/coppermind/agentbridge/internal/audit"
	"github.com/coppermind/agentbridge/internal/auth"
	"github.com/coppermind/agentbridge/internal/bus"
	"github.com/coppermind/agentbridge/internal/config"
	"github.com/coppermind/agentbridge/internal/dispatch"
	"github.com/coppermind/agentbridge/internal/gateway"
	otelPkg "github.com/coppermind/agentbridge/internal/otel"
	"github.com/coppermind/agentbridge/internal/protocol"
	"github.com/coppermind/agentbridge/internal/rpc"
	"github.com/coppermind/agentbridge/internal/supervisor"
	"github.com/coppermind/agentbridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.LogLevel))
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := audit.Init(cfg.DataDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	b := bus.New()
	observer := telemetry.New(metrics)
	go observer.Run(ctx, b)

	sup := supervisor.New(cfg.AgentBin, b)
	corr := rpc.New(sup, rpc.DefaultRequestTimeout)
	disp := dispatch.New(sup, corr, b, Version)

	lifetime, err := cfg.TokenLifetime()
	if err != nil {
		return err
	}
	authSvc := auth.New(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Lifetime: lifetime,
		Username: cfg.Auth.DemoUsername,
		Password: cfg.Auth.DemoPassword,
	})
	authHandler := auth.NewHandler(authSvc, cfg.CORSOrigin, auth.RateLimit{
		Max:    cfg.RateLimitMax,
		Window: cfg.RateLimitWindow(),
	})

	var allowOrigins []string
	if cfg.CORSOrigin != "" {
		allowOrigins = []string{cfg.CORSOrigin}
	}
	gw := gateway.New(gateway.Config{
		Verifier:     authSvc,
		Dispatcher:   dispatcherAdapter{disp},
		Bus:          b,
		AllowOrigins: allowOrigins,
		Version:      Version,
		Snapshot:     observer.Snapshot,
	})

	mux := http.NewServeMux()
	gw.Register(mux)
	authHandler.Register(mux)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	go func() {
		if err := config.Watch(ctx, configPath, func(fresh *config.Config) {
			level.Set(parseLogLevel(fresh.LogLevel))
		}); err != nil {
			slog.Warn("config: watcher unavailable", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentbridge: listening", "addr", cfg.Addr(), "version", Version, "config_hash", cfg.Fingerprint())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("agentbridge: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	disp.Shutdown()
	return nil
}

// dispatcherAdapter bridges the gateway's writer interface to the
// dispatcher's; both are satisfied by the gateway connection type.
type dispatcherAdapter struct {
	d *dispatch.Dispatcher
}

func (a dispatcherAdapter) HandleEnvelope(w gateway.ConnWriter, env *protocol.Envelope) {
	a.d.HandleEnvelope(w, env)
}

func (a dispatcherAdapter) CloseConnection(connID string) {
	a.d.CloseConnection(connID)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
