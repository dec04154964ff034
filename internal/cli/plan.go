package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	v1 "atelier/api/v1"
	"atelier/internal/action"
)

// NewPlanCmd creates the plan command.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Execute operator-approved plans",
	}
	cmd.AddCommand(newPlanRunCmd())
	return cmd
}

func newPlanRunCmd() *cobra.Command {
	var (
		serverURL  string
		file       string
		confirmed  bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run <project-id> --file <plan.json>",
		Short: "Run a plan against a project",
		Long: `Run an ordered plan of tool calls. The file holds {"steps": [{"tool": ..., "args": {...}}]}.
Use "-" to read it from stdin. Sensitive steps are refused unless --confirm is given.`,
		Example: `  atelier plan run demo --file plan.json
  echo '{"steps":[{"tool":"ping"}]}' | atelier plan run demo --file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := readPlan(cmd, file)
			if err != nil {
				return err
			}
			req := v1.PlanRequest{ID: plan.ID, Steps: plan.Steps, Confirmed: confirmed}

			client := newGatewayClient(resolveGatewayURL(cmd, serverURL))
			path := fmt.Sprintf("/api/v1/projects/%s/plans", url.PathEscape(args[0]))

			var report action.ExecutionReport
			err = client.do(cmd.Context(), http.MethodPost, path, req, &report)
			if err != nil && report.Status == "" {
				return err
			}
			if jsonOutput {
				if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
					return werr
				}
			} else {
				printReport(cmd, &report)
			}
			if err == nil && report.Status != action.PlanCompleted {
				err = fmt.Errorf("plan %s", report.Status)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "gateway URL (default: from config)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file, or - for stdin")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "confirm sensitive steps")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the report as JSON")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readPlan(cmd *cobra.Command, file string) (*action.Plan, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var plan action.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}
	return &plan, nil
}

func printReport(cmd *cobra.Command, report *action.ExecutionReport) {
	out := cmd.OutOrStdout()
	ok, warn, fail := marks(out)

	fmt.Fprintf(out, "Plan %s: %s\n", report.PlanID, report.Status)
	for _, s := range report.Steps {
		icon := "-"
		switch s.Status {
		case action.StepSucceeded:
			icon = ok
		case action.StepFailed:
			icon = fail
		case action.StepCannot:
			icon = warn
		}
		fmt.Fprintf(out, "  %s %d. %s [%s]", icon, s.Index+1, s.Tool, s.Status)
		if s.Error != "" {
			fmt.Fprintf(out, ": %s", s.Error)
		}
		fmt.Fprintln(out)
	}
	if report.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", report.Error)
	}
}
