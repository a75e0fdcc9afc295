// Package cmd provides the commands of the ingestctl admin CLI.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"doc-ingest/internal/app"
)

// loadDeps builds the runtime dependencies from the environment and
// returns the func that releases them. Tests swap it to run commands
// against dependencies they own.
var loadDeps = func(ctx context.Context) (*app.Deps, func(), error) {
	deps, err := app.Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &deps, deps.Close, nil
}

// NewRootCmd creates the root command for ingestctl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate the document ingestion pipeline",
		Long: `ingestctl inspects and repairs the ingestion pipeline.

It reads the same environment as the gateway and worker services, so run it
with the configuration of the deployment you want to operate on.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newDLQCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newReapCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

// Execute runs the root command until it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// withDeps builds the dependencies for one command run and closes them after.
func withDeps(ctx context.Context, fn func(deps *app.Deps) error) error {
	deps, release, err := loadDeps(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(deps)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
