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

	"github.com/joho/godotenv"

	"github.com/m-koster/wegwerf/internal/admin"
	"github.com/m-koster/wegwerf/internal/api"
	"github.com/m-koster/wegwerf/internal/config"
	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/events"
	"github.com/m-koster/wegwerf/internal/reaper"
	"github.com/m-koster/wegwerf/internal/session"
	"github.com/m-koster/wegwerf/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to wegwerf.yaml")
	flag.Parse()

	// Local development convenience; a missing .env is fine.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.AdminAPIKey == "" {
		logger.Warn("no admin API key configured — admin routes disabled")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New()
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	bus := events.NewBus(logger)
	registry := session.NewRegistry(st)
	scheduler := session.NewScheduler(logger)
	defer scheduler.Shutdown()

	mgr := session.NewManager(cfg, registry, scheduler, st, dc, bus, logger)
	executor := admin.NewExecutor(registry, dc, st, logger)

	sweepInterval := time.Duration(cfg.SweepIntervalSeconds) * time.Second
	rpr := reaper.New(mgr, registry, dc, sweepInterval, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, mgr, executor, bus, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket event streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "domain", cfg.Domain, "environment", cfg.Environment)
	fmt.Fprintf(os.Stderr, "\n  wegwerf daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
