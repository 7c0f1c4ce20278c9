// Package main runs the MindFlow HTTP API with configuration taken from
// mindflow.yaml, .env and MINDFLOW_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/app/bootstrap"
	"github.com/mindflow/mindflow/internal/infrastructure/config"
	"github.com/mindflow/mindflow/internal/infrastructure/logging"
	"github.com/mindflow/mindflow/internal/interfaces/rest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mindflow-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("MINDFLOW_CONFIG"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	router := rest.NewRouter(app.Service,
		rest.WithLogger(logger.Named("http")),
		rest.WithMetrics(app.Metrics),
		rest.WithCORSOrigins(cfg.Server.CORSOrigins),
	)
	return rest.Serve(ctx, cfg.Server, router.Setup(), logger)
}
