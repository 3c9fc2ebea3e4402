package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shellcache/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Deploy the configured version and start the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Error("closing store registry", logger.KeyError, err)
			}
		}()
		logger.Info("store registry opened", "backend", cfg.Store.Backend, "path", cfg.Store.Path)

		dep, err := deploymentFor(cfg)
		if err != nil {
			return err
		}
		// If neither resume nor install succeeds the proxy passes requests
		// through until a deployment does.
		refreshCtx, cancelRefresh := context.WithCancel(ctx)
		refresh := a.start(refreshCtx, dep)
		defer func() {
			cancelRefresh()
			<-refresh
		}()

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           a.handler,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		serveErr := make(chan error, 1)
		go func() {
			logger.Info("proxy listening", "addr", cfg.Server.Addr, "upstream", cfg.Upstream.Origin)
			serveErr <- srv.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		logger.Info("proxy stopped")
		return nil
	},
}
