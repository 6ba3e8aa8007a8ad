// Command bpfd is the privileged eBPF dispatcher daemon. It loads a YAML
// configuration file, opens the sqlite persistent store, rebuilds the
// Program Registry and Dispatcher Engine from any prior state, replays the
// static program bootstrap, exposes a JWT-protected HTTP admin API, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bpfd-dev/bpfd/internal/adminapi"
	"github.com/bpfd-dev/bpfd/internal/audit"
	"github.com/bpfd-dev/bpfd/internal/bpfd"
	"github.com/bpfd-dev/bpfd/internal/config"
	"github.com/bpfd-dev/bpfd/internal/imagemanager"
	"github.com/bpfd-dev/bpfd/internal/kernelloader"
	"github.com/bpfd-dev/bpfd/internal/mapperm"
	"github.com/bpfd-dev/bpfd/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/bpfd/bpfd.yaml", "path to the daemon YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("bpfd starting", slog.String("runtime_dir", cfg.RuntimeDir), slog.String("admin_addr", cfg.AdminAPI.ListenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── persistent store ─────────────────────────────────────────────────
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open persistent store", slog.Any("error", err))
		os.Exit(1)
	}
	defer s.Close()

	// ── audit log ─────────────────────────────────────────────────────────
	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	// ── kernel loader, image manager, map permission enforcer ──────────────
	loader := kernelloader.NewLinuxLoader()
	images := imagemanager.Chain{&imagemanager.Local{}, &imagemanager.Registry{}}
	perms := mapperm.New(cfg.AdminGroup)

	daemon := bpfd.New(s, loader, images, cfg.RuntimeDir, logger,
		bpfd.WithMapPermissionEnforcer(perms),
		bpfd.WithAuditRecorder(auditLog),
	)

	if err := daemon.Rebuild(ctx); err != nil {
		logger.Error("failed to rebuild from persistent store", slog.Any("error", err))
		os.Exit(1)
	}

	go daemon.Run(ctx)

	daemon.Bootstrap(ctx, cfg.StaticProgramDir)

	// ── admin HTTP API ───────────────────────────────────────────────────
	pubKeyPEM, err := os.ReadFile(cfg.AdminAPI.JWTPublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := adminapi.ParseRSAPublicKey(pubKeyPEM)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(1)
	}

	httpHandler := adminapi.NewRouter(adminapi.NewServer(daemon), pubKey)
	httpServer := &http.Server{
		Addr:         cfg.AdminAPI.ListenAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", slog.String("addr", cfg.AdminAPI.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("admin API server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── wait for shutdown signal or fatal error ─────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("admin API server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel() // stops the command loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown error", slog.Any("error", err))
	}

	logger.Info("bpfd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
