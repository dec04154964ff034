package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"atelier/internal/catalog"
	"atelier/internal/errs"
)

// NewToolCmd creates the tool command. It reads the catalog source directly,
// so it works without a running gateway.
func NewToolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Inspect the tool catalog",
		Long:  `List tools from the configured catalog source, show their schemas, and validate arguments.`,
	}

	cmd.AddCommand(newToolListCmd())
	cmd.AddCommand(newToolInfoCmd())
	cmd.AddCommand(newToolValidateCmd())
	cmd.AddCommand(newToolPromptCmd())

	return cmd
}

func loadCatalog(cmd *cobra.Command) (*catalog.Catalog, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, fmt.Errorf("CLI context not initialized")
	}
	cat, err := cliCtx.Catalog()
	if err != nil {
		return nil, err
	}
	for _, w := range cat.Warnings {
		cliCtx.Log().Warn().Str("source", cat.Source).Msg(w.String())
	}
	return cat, nil
}

func newToolListCmd() *cobra.Command {
	var (
		service    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			return printToolList(cmd, cat, service, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "only show tools routed to this bridge service")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printToolList(cmd *cobra.Command, cat *catalog.Catalog, service string, jsonOutput bool) error {
	out := cmd.OutOrStdout()

	tools := make([]catalog.ToolSpec, 0, cat.Len())
	for _, t := range cat.Tools {
		if service != "" && !strings.EqualFold(t.Service, service) {
			continue
		}
		tools = append(tools, t)
	}

	if jsonOutput {
		return writeJSON(out, tools)
	}

	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools found.")
		return nil
	}

	width := descWidth(out, 48)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVICE\tSENSITIVITY\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-------\t-----------\t-----------")
	for _, t := range tools {
		sensitivity := t.Sensitivity
		if sensitivity == "" {
			sensitivity = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Service, sensitivity, truncate(t.Description, width))
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d tools (catalog %s)\n", len(tools), cat.Version)
	return nil
}

func newToolInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <tool-name>",
		Short: "Show a tool's schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			return printToolInfo(cmd, cat, args[0])
		},
	}
	return cmd
}

func printToolInfo(cmd *cobra.Command, cat *catalog.Catalog, name string) error {
	spec, ok := cat.Lookup(name)
	if !ok {
		return fmt.Errorf("tool %q not found in catalog %s", name, cat.Version)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tool: %s\n", spec.Name)
	fmt.Fprintf(out, "Description: %s\n", spec.Description)
	if spec.Service != "" {
		fmt.Fprintf(out, "Service: %s\n", spec.Service)
	}
	if spec.Sensitivity != "" {
		fmt.Fprintf(out, "Sensitivity: %s\n", spec.Sensitivity)
	}
	if spec.Compensate != nil {
		fmt.Fprintf(out, "Compensated by: %s\n", spec.Compensate.Tool)
	}
	fmt.Fprintf(out, "Hash: %s\n", spec.Hash)

	props, _ := spec.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool, len(spec.Required))
	for _, r := range spec.Required {
		required[r] = true
	}
	names := make([]string, 0, len(props))
	for n := range props {
		names = append(names, n)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "\nParameters:")
	for _, n := range names {
		p, _ := props[n].(map[string]any)
		typ, _ := p["type"].(string)
		desc, _ := p["description"].(string)
		marker := ""
		if required[n] {
			marker = " (required)"
		}
		fmt.Fprintf(out, "  %s: %s%s", n, typ, marker)
		if desc != "" {
			fmt.Fprintf(out, " - %s", desc)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func newToolValidateCmd() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:     "validate <tool-name> [--args <json>]",
		Short:   "Validate arguments against a tool schema",
		Example: `  atelier tool validate create_object --args '{"name": "Cube"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			return runToolValidate(cmd, cat, args[0], argsJSON)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "{}", "tool arguments as JSON")

	return cmd
}

func runToolValidate(cmd *cobra.Command, cat *catalog.Catalog, name, argsJSON string) error {
	out := cmd.OutOrStdout()
	ok, _, fail := marks(out)

	if !json.Valid([]byte(argsJSON)) {
		return fmt.Errorf("--args is not valid JSON")
	}
	_, err := cat.ValidateRaw(name, json.RawMessage(argsJSON))
	if err == nil {
		fmt.Fprintf(out, "%s %s: arguments are valid\n", ok, name)
		return nil
	}

	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintf(out, "%s %s: %s\n", fail, name, verr.Reason)
		for _, v := range verr.Violations {
			fmt.Fprintf(out, "  - %s\n", v)
		}
	}
	return err
}

func newToolPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the tool list as delivered to agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cat.Delivery().PromptList)
			return nil
		},
	}
	return cmd
}
