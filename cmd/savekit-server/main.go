package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	cfg := app.Config

	slog.Info("starting savekit server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"dispatch_mode", cfg.Engine.DispatchMode)

	srv := app.Server

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		if app.Reporter != nil {
			app.Reporter.Start(ctx)
		}
	}()

	// Start server in a goroutine
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("failed to start server", "error", err)
		exitCode = 1
		stop()
	}

	slog.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during server shutdown", "error", err)
		exitCode = 1
	}
	<-reporterDone
	// drains pending async events before storage closes
	cleanup()

	slog.Info("server stopped",
		"ws_subscribers", app.Hub.Subscribers(),
		"ws_dropped", app.Hub.Dropped())
	os.Exit(exitCode)
}
