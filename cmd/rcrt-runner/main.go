// rcrt-runner — breadcrumb event bus runner: hosts the SSE dispatcher,
// consumer registry, context assembler, and universal executors, plus
// the operational status API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcrt-project/rcrt-runner/pkg/api"
	"github.com/rcrt-project/rcrt-runner/pkg/bootstrap"
	"github.com/rcrt-project/rcrt-runner/pkg/bridge"
	"github.com/rcrt-project/rcrt-runner/pkg/config"
	"github.com/rcrt-project/rcrt-runner/pkg/contextbuilder"
	"github.com/rcrt-project/rcrt-runner/pkg/dispatch"
	"github.com/rcrt-project/rcrt-runner/pkg/executor"
	"github.com/rcrt-project/rcrt-runner/pkg/registry"
	"github.com/rcrt-project/rcrt-runner/pkg/store"
	"github.com/rcrt-project/rcrt-runner/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging swaps the default slog handler for one honoring
// LOG_LEVEL. Unknown levels fall back to info.
func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", config.DefaultConfigDir),
		"Path to configuration directory")
	flag.Parse()

	// config.Load reads CONFIG_DIR; make the flag authoritative.
	_ = os.Setenv("CONFIG_DIR", *configDir)

	// Fill the KEK placeholder before loading the env file so the
	// generated key is part of this process's environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := bootstrap.EnsureLocalKEK(envPath); err != nil {
		slog.Warn("Could not ensure local KEK", "path", envPath, "error", err)
	}

	// Load .env file from config directory
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	setupLogging(getEnv("LOG_LEVEL", config.DefaultLogLevel))

	slog.Info("Starting rcrt-runner",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Record store client
	client := store.New(cfg.BaseURL, cfg.OwnerID, cfg.AgentID, cfg.Retry)
	client.SetRefreshInterval(cfg.Dispatch.TokenRefreshInterval)

	// 3. Bootstrap: wait for the store, then seed idempotently
	if err := bootstrap.New(cfg, client).Run(ctx); err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}

	// 4. Authenticate and keep the token fresh
	if err := client.Authenticate(ctx); err != nil {
		slog.Error("Failed to authenticate with record store", "error", err)
		os.Exit(1)
	}
	client.StartTokenRefresher()
	slog.Info("Record store client ready", "base_url", cfg.BaseURL)

	// 5. Core subsystems
	br := bridge.New(cfg.Bridge)
	assembler := contextbuilder.NewService(cfg, client)
	toolbox := executor.NewToolbox()
	reg := registry.New(cfg, client, br, assembler, toolbox)

	// 6. Load consumer definitions, then open the event stream
	if err := reg.LoadInitial(ctx); err != nil {
		slog.Error("Failed to load consumer definitions", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(cfg, client, br, reg, reg)
	dispatcher.Start(ctx)

	// 7. Status API server (non-blocking)
	httpServer := api.NewServer(cfg, client, dispatcher, reg, br, assembler)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTPPort)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("rcrt-runner started successfully",
		"workspace", cfg.Workspace,
		"consumers", reg.Stats().Consumers)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful drain
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Executor.DrainTimeout)
	defer drainCancel()

	// Close the stream first so no new triggers arrive while in-flight
	// executors finish.
	dispDone := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(dispDone)
	}()

	select {
	case <-dispDone:
		slog.Info("Dispatcher stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Dispatcher drain deadline exceeded")
	}

	asmDone := make(chan struct{})
	go func() {
		assembler.Stop()
		close(asmDone)
	}()

	select {
	case <-asmDone:
		slog.Info("Context assembler stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Context assembler drain deadline exceeded")
	}

	client.Stop()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
