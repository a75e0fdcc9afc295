package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"doc-ingest/internal/app"
	"doc-ingest/internal/events"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow document state events",
	}
	cmd.AddCommand(newEventsWatchCmd())
	return cmd
}

func newEventsWatchCmd() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print document events until interrupted",
		Long: `Print document state events published on NATS until interrupted.

Requires EVENTS_URL to be set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(deps *app.Deps) error {
				if deps.NATS == nil {
					return errors.New("EVENTS_URL is not set; no event stream to watch")
				}
				if subject == "" {
					subject = deps.Config.EventsSubject
				}
				out := cmd.OutOrStdout()
				return events.Subscribe(cmd.Context(), deps.NATS, subject, deps.Log, func(ev events.Event) {
					_, _ = fmt.Fprintln(out, formatEvent(ev))
				})
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject prefix (defaults to EVENTS_SUBJECT)")

	return cmd
}

func formatEvent(ev events.Event) string {
	line := fmt.Sprintf("%s %s %s", ev.At.Format(time.RFC3339), ev.DocumentID, ev.State)
	if ev.Attempt > 0 {
		line += fmt.Sprintf(" attempt=%d", ev.Attempt)
	}
	if ev.Error != "" {
		line += fmt.Sprintf(" error=%q", ev.Error)
	}
	return line
}
