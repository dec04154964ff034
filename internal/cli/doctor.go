package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"atelier/internal/bridge"
	"atelier/internal/config"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local setup",
		Long: `Run diagnostic checks on your Atelier installation.

This command checks:
- Configuration file
- Tool catalog source
- Agent executable
- Data directory
- Bridge reachability
- Gateway status`,
		RunE: runDoctor,
	}

	return cmd
}

type checkStatus int

const (
	statusOK checkStatus = iota
	statusWarning
	statusError
)

type checkResult struct {
	name    string
	status  checkStatus
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Atelier Doctor")
	fmt.Fprintln(out, "==============")
	fmt.Fprintln(out)

	results := []checkResult{
		checkSystemInfo(),
		checkConfigFile(cliCtx.ConfigPath),
		checkCatalog(cliCtx),
		checkAgentExecutable(cliCtx.Config),
		checkDataDirectory(cliCtx.StoragePath),
	}
	results = append(results, checkBridges(cmd.Context(), cliCtx.Config)...)
	results = append(results, checkGateway(cliCtx.GatewayURL()))

	printChecks(out, results)
	return nil
}

func printChecks(out io.Writer, results []checkResult) {
	ok, warn, fail := marks(out)
	hasErrors, hasWarnings := false, false

	for _, r := range results {
		icon := ok
		switch r.status {
		case statusWarning:
			icon = warn
			hasWarnings = true
		case statusError:
			icon = fail
			hasErrors = true
		}
		fmt.Fprintf(out, "%s %s: %s\n", icon, r.name, r.message)
	}

	fmt.Fprintln(out)
	switch {
	case hasErrors:
		fmt.Fprintln(out, "Some checks failed. Please address the issues above.")
	case hasWarnings:
		fmt.Fprintln(out, "Some warnings detected. The gateway should work but may have issues.")
	default:
		fmt.Fprintln(out, "All checks passed.")
	}
}

func checkSystemInfo() checkResult {
	return checkResult{
		name:    "System",
		status:  statusOK,
		message: fmt.Sprintf("Go %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
}

func checkConfigFile(path string) checkResult {
	if path == "" {
		return checkResult{name: "Config File", status: statusWarning, message: "No config path (using defaults)"}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return checkResult{name: "Config File", status: statusWarning, message: fmt.Sprintf("Not found: %s (using defaults)", path)}
	}
	return checkResult{name: "Config File", status: statusOK, message: fmt.Sprintf("Found: %s", path)}
}

func checkCatalog(cliCtx *CLIContext) checkResult {
	cat, err := cliCtx.Catalog()
	if err != nil {
		return checkResult{name: "Tool Catalog", status: statusError, message: err.Error()}
	}
	if len(cat.Warnings) > 0 {
		return checkResult{
			name:    "Tool Catalog",
			status:  statusWarning,
			message: fmt.Sprintf("%d tools, version %s, %d definitions skipped", cat.Len(), cat.Version, len(cat.Warnings)),
		}
	}
	return checkResult{name: "Tool Catalog", status: statusOK, message: fmt.Sprintf("%d tools, version %s", cat.Len(), cat.Version)}
}

func checkAgentExecutable(cfg *config.Config) checkResult {
	exe := cfg.Agent.Executable
	if exe == "" {
		return checkResult{name: "Agent", status: statusWarning, message: "agent.executable not set; projects must pass one on start"}
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return checkResult{name: "Agent", status: statusError, message: fmt.Sprintf("%s not found: %v", exe, err)}
	}
	return checkResult{name: "Agent", status: statusOK, message: path}
}

func checkDataDirectory(dbPath string) checkResult {
	dir := filepath.Dir(dbPath)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return checkResult{name: "Data Directory", status: statusWarning, message: fmt.Sprintf("Will be created: %s", dir)}
	}

	probe, err := os.CreateTemp(dir, ".atelier-probe-*")
	if err != nil {
		return checkResult{name: "Data Directory", status: statusError, message: fmt.Sprintf("Cannot write to: %s", dir)}
	}
	probe.Close()
	os.Remove(probe.Name())

	info, err := os.Stat(dbPath)
	if err != nil {
		return checkResult{name: "Data Directory", status: statusOK, message: fmt.Sprintf("Ready: %s (database will be created on first run)", dir)}
	}
	return checkResult{
		name:    "Data Directory",
		status:  statusOK,
		message: fmt.Sprintf("Found: %s (database: %.2f MB)", dir, float64(info.Size())/1024/1024),
	}
}

func checkBridges(ctx context.Context, cfg *config.Config) []checkResult {
	if len(cfg.Bridges) == 0 {
		return []checkResult{{name: "Bridges", status: statusWarning, message: "No bridges configured"}}
	}

	registry, err := bridge.NewRegistryFromConfig(cfg)
	if err != nil {
		return []checkResult{{name: "Bridges", status: statusError, message: err.Error()}}
	}
	defer registry.Close()

	monitor, err := bridge.NewHealthMonitor(registry, "@every 1m", 3*time.Second)
	if err != nil {
		return []checkResult{{name: "Bridges", status: statusError, message: err.Error()}}
	}
	monitor.CheckAll(ctx)

	var results []checkResult
	for _, s := range monitor.Statuses() {
		r := checkResult{name: "Bridge " + s.Service, status: statusOK, message: fmt.Sprintf("%s reachable", s.Address)}
		if !s.Healthy {
			r.status = statusError
			r.message = fmt.Sprintf("%s unreachable: %s", s.Address, s.LastError)
		}
		results = append(results, r)
	}
	return results
}

func checkGateway(baseURL string) checkResult {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return checkResult{name: "Gateway", status: statusWarning, message: "Not running. Start with: atelier serve"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return checkResult{name: "Gateway", status: statusError, message: fmt.Sprintf("%s/health returned %d", baseURL, resp.StatusCode)}
	}
	version := resp.Header.Get("X-Atelier-Version")
	if version == "" {
		version = "unknown"
	}
	return checkResult{name: "Gateway", status: statusOK, message: fmt.Sprintf("Running at %s (version %s)", baseURL, version)}
}
