package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"doc-ingest/internal/app"
	"doc-ingest/internal/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(newQueueStatsCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and document counts per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(deps *app.Deps) error {
				return runQueueStats(cmd, deps, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runQueueStats(cmd *cobra.Command, deps *app.Deps, jsonOutput bool) error {
	ctx := cmd.Context()
	stats, err := deps.Queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	counts, err := deps.Store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		docs := make(map[string]int, len(store.AllStates))
		for _, s := range store.AllStates {
			docs[string(s)] = counts[s]
		}
		return writeJSON(out, map[string]any{
			"queue":      stats,
			"max_length": deps.Config.QueueMaxLength,
			"documents":  docs,
		})
	}

	_, _ = fmt.Fprintln(out, "Queue")
	_, _ = fmt.Fprintf(out, "  Pending:   %d / %d\n", stats.Pending, deps.Config.QueueMaxLength)
	_, _ = fmt.Fprintf(out, "  Delayed:   %d\n", stats.Delayed)
	_, _ = fmt.Fprintf(out, "  In flight: %d\n", stats.InFlight)
	_, _ = fmt.Fprintf(out, "  Dead:      %d\n", stats.Dead)
	_, _ = fmt.Fprintln(out, "Documents")
	for _, s := range store.AllStates {
		_, _ = fmt.Fprintf(out, "  %-11s %d\n", s+":", counts[s])
	}
	return nil
}
