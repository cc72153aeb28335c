package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"nexus-assistant/internal/app"
	"nexus-assistant/internal/config"
	"nexus-assistant/internal/httpapi"
	"nexus-assistant/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	a, err := app.Build(runCtx, cfg, reg, logger)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	api, err := httpapi.New(a.Turns, observability.MetricsHandler(reg), a.Facts, logger)
	if err != nil {
		logger.Error("failed to create http api", "err", err)
		os.Exit(1)
	}
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "store_backend", cfg.StoreBackend, "llm_provider", cfg.LLMProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	runCancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("store close failed", "err", err)
	}

	logger.Info("shutdown complete")
}
