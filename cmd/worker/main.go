package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"doc-ingest/internal/app"
	"doc-ingest/internal/httputil"
	"doc-ingest/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()
	deps.Log.Info("ingest worker starting", "workers", deps.Config.WorkerCount, "max_attempts", deps.Config.MaxAttempts)

	g, ctx := errgroup.WithContext(ctx)

	// Run worker pool
	w := deps.NewWorker()
	g.Go(func() error {
		return worker.RunPool(ctx, w, deps.Config.WorkerCount)
	})

	// Run reaper
	reaper := deps.NewReaper()
	g.Go(func() error {
		return reaper.Run(ctx)
	})

	// Run health check server
	g.Go(func() error {
		return httputil.ServeHealth(ctx, deps.Config.HealthPort, deps.Log, deps.HealthChecks())
	})

	// Wait for either to fail
	if err := g.Wait(); err != nil {
		deps.Log.Error("worker service stopped", "err", err)
		deps.Close()
		os.Exit(1)
	}
	deps.Log.Info("worker service stopped")
}
