package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"doc-ingest/internal/app"
	"doc-ingest/internal/queue"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
		Long: `Inspect and replay jobs that exhausted their attempts.

Examples:
  # Show the oldest dead letters
  ingestctl dlq list --limit=20

  # Requeue a failed document
  ingestctl dlq replay 3f1c2a4e-0d7b-4a57-9a55-4c1f0b8f9e21`,
	}

	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQReplayCmd())

	return cmd
}

func newDLQListCmd() *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withDeps(cmd.Context(), func(deps *app.Deps) error {
				return runDLQList(cmd.Context(), cmd, deps.Queue, limit, jsonOutput)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDLQList(ctx context.Context, cmd *cobra.Command, q queue.Queue, limit int, jsonOutput bool) error {
	dead, err := q.DeadLetters(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read dead-letter queue: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, dead)
	}
	if len(dead) == 0 {
		_, _ = fmt.Fprintln(out, "Dead-letter queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOCUMENT\tATTEMPT\tDEAD AT\tREASON")
	for _, d := range dead {
		doc := "-"
		if d.Job.DocumentID != uuid.Nil {
			doc = d.Job.DocumentID.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", doc, d.Job.Attempt, d.DeadAt.Format(time.RFC3339), d.Reason)
	}
	return w.Flush()
}

func newDLQReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay DOCUMENT_ID",
		Short: "Move a FAILED document back to the queue",
		Long: `Move a FAILED document back to QUEUED and enqueue a fresh job.

Its dead letters are dropped. Documents in any other state are rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			return withDeps(cmd.Context(), func(deps *app.Deps) error {
				doc, err := deps.Ingest.Replay(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to replay %s: %w", id, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s (state %s, retry count %d)\n", doc.ID, doc.State, doc.RetryCount)
				return nil
			})
		},
	}
}
