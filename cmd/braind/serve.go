package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the braind daemon",
	Long: `Start the braind HTTP server with the consolidation scheduler running
in the background. Shuts down gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("starting braind",
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("embedded_store", a.cfg.NATS.Embedded),
		zap.Duration("consolidation_interval", a.cfg.Consolidation.Interval))

	if len(a.cfg.Consolidation.Tenants) > 0 {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
		defer a.scheduler.Stop()
	} else {
		logger.Info("no tenants configured, consolidation scheduler idle")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
