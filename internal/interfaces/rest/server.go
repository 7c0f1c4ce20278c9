package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/infrastructure/config"
)

// Serve runs handler on cfg.Addr until ctx is canceled, then drains
// in-flight requests for at most cfg.ShutdownTimeout
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Addr)
	}
	return ServeListener(ctx, ln, cfg, handler, logger)
}

// ServeListener is Serve on an existing listener
func ServeListener(ctx context.Context, ln net.Listener, cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("shutting down server", zap.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http")
	}
	return nil
}
