package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "atelier/api/v1"
	"atelier/internal/timeline"
)

// NewTimelineCmd creates the timeline command. Both subcommands go through a
// running gateway, since a revert needs its bridges.
func NewTimelineCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "List and revert recorded tool calls",
	}

	cmd.PersistentFlags().StringVar(&serverURL, "url", "", "gateway URL (default: from config)")

	cmd.AddCommand(newTimelineListCmd(&serverURL))
	cmd.AddCommand(newTimelineRevertCmd(&serverURL))

	return cmd
}

func resolveGatewayURL(cmd *cobra.Command, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if cliCtx := GetCLIContext(cmd); cliCtx != nil {
		return cliCtx.GatewayURL()
	}
	return "http://127.0.0.1:8765"
}

func newTimelineListCmd(serverURL *string) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newGatewayClient(resolveGatewayURL(cmd, *serverURL))
			path := fmt.Sprintf("/api/v1/projects/%s/timeline?limit=%d", url.PathEscape(args[0]), limit)

			var resp v1.TimelineResponse
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			printTimeline(cmd, resp.Events)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printTimeline(cmd *cobra.Command, events []*timeline.Event) {
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return
	}

	width := descWidth(out, 80)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tTIME\tKIND\tSOURCE\tTOOL\tDETAIL")
	for _, ev := range events {
		detail := ev.ErrorDetail
		if detail == "" && ev.RefEventID != "" {
			detail = "ref " + ev.RefEventID
		}
		source := ev.Source
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Seq,
			ev.ID,
			ev.CreatedAt.Local().Format(time.DateTime),
			ev.Kind,
			source,
			ev.ToolName,
			truncate(detail, width),
		)
	}
	w.Flush()
}

func newTimelineRevertCmd(serverURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <event-id>",
		Short: "Run the compensating action for a recorded call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newGatewayClient(resolveGatewayURL(cmd, *serverURL))
			path := fmt.Sprintf("/api/v1/timeline/%s/revert", url.PathEscape(args[0]))

			var resp v1.RevertResponse
			err := client.do(cmd.Context(), http.MethodPost, path, nil, &resp)
			switch {
			case isStatus(err, http.StatusConflict):
				return fmt.Errorf("event %s was already reverted", args[0])
			case isStatus(err, http.StatusUnprocessableEntity):
				return fmt.Errorf("event %s has no compensating action", args[0])
			case err != nil:
				return err
			}

			ok, _, _ := marks(cmd.OutOrStdout())
			if resp.Event != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Reverted %s with %s (event %s)\n", ok, args[0], resp.Event.ToolName, resp.Event.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Reverted %s\n", ok, args[0])
			}
			return nil
		},
	}
	return cmd
}
