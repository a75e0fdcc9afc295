package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"doc-ingest/internal/app"
)

func newReapCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one recovery sweep",
		Long: `Run one reaper sweep and exit.

Expired leases are requeued or dead-lettered, and documents stuck without a
job get a fresh one. Workers run the same sweep on an interval; use this after
an outage to recover without waiting for it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(deps *app.Deps) error {
				res, err := deps.NewReaper().Reap(cmd.Context())
				if err != nil {
					return fmt.Errorf("reap failed: %w", err)
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, res)
				}
				_, _ = fmt.Fprintf(out, "Requeued leases:      %d\n", res.Requeued)
				_, _ = fmt.Fprintf(out, "Dead-lettered leases: %d\n", res.DeadLettered)
				_, _ = fmt.Fprintf(out, "Stamped leases:       %d\n", res.Stamped)
				_, _ = fmt.Fprintf(out, "Re-enqueued docs:     %d\n", res.Reenqueued)
				_, _ = fmt.Fprintf(out, "Failed docs:          %d\n", res.Failed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
