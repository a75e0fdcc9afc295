package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
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

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(&deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httputil.Serve(ctx, srv, deps.Log)
	})

	// Single-process deployments run workers next to the API.
	if n := deps.Config.EmbeddedWorkers; n > 0 {
		deps.Log.Info("starting embedded workers", "count", n)
		w := deps.NewWorker()
		g.Go(func() error {
			return worker.RunPool(ctx, w, n)
		})
		reaper := deps.NewReaper()
		g.Go(func() error {
			return reaper.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		deps.Log.Error("gateway stopped", "err", err)
		deps.Close()
		os.Exit(1)
	}
	deps.Log.Info("gateway stopped")
}

func newRouter(deps *app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log)

	r.Post("/documents", submitHandler(deps))
	r.Post("/documents/upload", uploadHandler(deps))
	r.Get("/documents/{id}", getDocumentHandler(deps))
	r.Post("/search", searchHandler(deps))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/dlq", listDeadLettersHandler(deps))
		r.Post("/dlq/{id}/replay", replayHandler(deps))
		r.Get("/queue", queueStatsHandler(deps))
	})

	httputil.MountHealth(r, deps.Log, deps.HealthChecks())
	return r
}
