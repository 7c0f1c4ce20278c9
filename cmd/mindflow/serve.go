package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/app/bootstrap"
	"github.com/mindflow/mindflow/internal/interfaces/rest"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the flow API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := opts.logger(cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			router := rest.NewRouter(app.Service,
				rest.WithLogger(logger.Named("http")),
				rest.WithMetrics(app.Metrics),
				rest.WithCORSOrigins(cfg.Server.CORSOrigins),
			)
			logger.Info("starting mindflow",
				zap.String("version", Version),
				zap.String("environment", cfg.Environment),
			)
			return rest.Serve(ctx, cfg.Server, router.Setup(), logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
