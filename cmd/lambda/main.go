package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"nexus-assistant/handler"
	"nexus-assistant/internal/app"
	"nexus-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- Stores, provider and turn service ----
	a, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Turns, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	logger.Info("lambda ready", "store_backend", cfg.StoreBackend, "llm_provider", cfg.LLMProvider)
	lambda.Start(h.Handle)
}
