package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/indexd/internal/http"
)

// runServe starts the daemon and blocks until ctx is cancelled.
//
// It wires the pipeline, starts the scheduler and triggers, serves the
// HTTP API and shuts everything down in reverse order within
// server.shutdown_timeout.
func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath, os.Stdout)
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.close(sctx)
	}

	deps := httpserver.Deps{
		Queue:    a.queue,
		Status:   a.status,
		Retries:  a.retries,
		Search:   a.search,
		Backends: a.registry,
	}
	if a.redactor != nil {
		deps.Redactor = a.redactor
	}
	srv, err := httpserver.NewServer(deps, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		shutdown()
		return fmt.Errorf("creating http server: %w", err)
	}

	if err := a.start(ctx); err != nil {
		shutdown()
		return err
	}

	logger.Info("Starting indexd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down gracefully")
	case runErr = <-errCh:
		logger.Error("http server failed", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	shutdown()
	logger.Info("Server shutdown complete")
	return runErr
}
