package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paularlott/cli"
	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/server"
	"github.com/hitushen/snmpdash/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Start the web dashboard",
		Description: "Serve the dashboard, discovery wizard, SSE events and Prometheus metrics",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := store.New(cfg.DBPath, cfg.SessionKey)
			if err != nil {
				return err
			}
			defer st.Close()

			srv, err := server.New(cfg, st, logger, metrics.New())
			if err != nil {
				return err
			}
			defer srv.Close()

			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("snmpdash listening",
					zap.String("addr", cfg.Addr),
					zap.String("backend", cfg.BackendURL),
					zap.Bool("probe", cfg.Probe.Enabled))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			// 优雅地关闭服务
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)
			select {
			case <-stop:
			case err := <-errCh:
				if err != nil {
					return err
				}
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown", zap.Error(err))
			}
			return nil
		},
	}
}
