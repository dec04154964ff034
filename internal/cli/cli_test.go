package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "atelier/api/v1"
	"atelier/internal/action"
	"atelier/internal/config"
	"atelier/internal/gateway/handlers"
	"atelier/internal/timeline"
)

const cliTools = `
version: 2.1.0
tools:
  - name: ping
    description: Check the editor is alive.
    tool: true
    service: unity
  - name: create_object
    description: Create a primitive.
    tool: true
    service: blender
    params:
      - name: name
        type: string
  - name: delete_object
    description: Delete an object.
    tool: true
    service: blender
    sensitivity: destructive
    params:
      - name: name
        type: string
`

// writeConfig writes a config file pointing at a temp catalog and database.
func writeConfig(t *testing.T, gatewayURL string) string {
	t.Helper()
	dir := t.TempDir()

	toolsPath := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(toolsPath, []byte(cliTools), 0644))

	host, port := "127.0.0.1", 1
	if gatewayURL != "" {
		var err error
		_, err = fmt.Sscanf(strings.TrimPrefix(gatewayURL, "http://127.0.0.1:"), "%d", &port)
		require.NoError(t, err)
	}

	cfg := fmt.Sprintf(`gateway:
  host: %s
  port: %d
catalog:
  source: %s
  watch: false
storage:
  path: %s
log:
  level: error
`, host, port, toolsPath, filepath.Join(dir, "data.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)
	globalFlags = GlobalFlags{}

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestVersionText(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "atelier "+Version))
}

func TestToolList(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "-c", cfgPath, "tool", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "create_object")
	assert.Contains(t, out, "destructive")
	assert.Contains(t, out, "Total: 3 tools")

	out, err = execute(t, "-c", cfgPath, "tool", "list", "--service", "unity", "--json")
	require.NoError(t, err)
	var tools []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0]["name"])
}

func TestToolInfo(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "-c", cfgPath, "tool", "info", "delete_object")
	require.NoError(t, err)
	assert.Contains(t, out, "Tool: delete_object")
	assert.Contains(t, out, "Sensitivity: destructive")
	assert.Contains(t, out, "name: string")

	_, err = execute(t, "-c", cfgPath, "tool", "info", "nope")
	assert.Error(t, err)
}

func TestToolValidate(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "-c", cfgPath, "tool", "validate", "create_object", "--args", `{"name":"Cube"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "arguments are valid")

	_, err = execute(t, "-c", cfgPath, "tool", "validate", "create_object", "--args", `{"name":5}`)
	assert.Error(t, err)

	_, err = execute(t, "-c", cfgPath, "tool", "validate", "missing")
	assert.Error(t, err)
}

func TestToolPrompt(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "-c", cfgPath, "tool", "prompt")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "- ping("))
	assert.True(t, strings.HasPrefix(lines[1], "- create_object("))
}

func TestTimelineList(t *testing.T) {
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/demo/timeline", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		handlers.SendJSON(w, http.StatusOK, v1.TimelineResponse{
			Events: []*timeline.Event{
				{ID: "e2", Seq: 2, Kind: timeline.KindSuccess, ToolName: "delete_object", Source: timeline.SourceRevert, RefEventID: "e1", CreatedAt: now},
				{ID: "e1", Seq: 1, Kind: timeline.KindSuccess, ToolName: "create_object", Source: timeline.SourceAgent, CreatedAt: now},
			},
			Count: 2,
		})
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, srv.URL)
	out, err := execute(t, "-c", cfgPath, "timeline", "list", "demo", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "create_object")
	assert.Contains(t, out, "ref e1")
}

func TestTimelineRevert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/v1/timeline/e1/revert":
			handlers.SendJSON(w, http.StatusOK, v1.RevertResponse{
				Event: &timeline.Event{ID: "e3", ToolName: "delete_object", Kind: timeline.KindSuccess},
			})
		case "/api/v1/timeline/e2/revert":
			handlers.SendError(w, http.StatusConflict, "ALREADY_REVERTED", "already reverted")
		default:
			handlers.SendError(w, http.StatusUnprocessableEntity, "NO_COMPENSATING_ACTION", "no compensating action")
		}
	}))
	defer srv.Close()

	out, err := execute(t, "-c", writeConfig(t, ""), "timeline", "--url", srv.URL, "revert", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reverted e1 with delete_object (event e3)")

	_, err = execute(t, "-c", writeConfig(t, ""), "timeline", "--url", srv.URL, "revert", "e2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already reverted")

	_, err = execute(t, "-c", writeConfig(t, ""), "timeline", "--url", srv.URL, "revert", "e9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compensating action")
}

func TestPlanRun(t *testing.T) {
	var got v1.PlanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/demo/plans", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		handlers.SendJSON(w, http.StatusOK, action.ExecutionReport{
			PlanID:    "p1",
			ProjectID: "demo",
			Status:    action.PlanCannot,
			Steps: []action.StepReport{
				{Index: 0, Tool: "delete_object", Status: action.StepCannot, Error: "confirmation required"},
			},
		})
	}))
	defer srv.Close()

	planPath := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{"steps":[{"tool":"delete_object","args":{"name":"Cube"}}]}`), 0644))

	out, err := execute(t, "-c", writeConfig(t, ""), "plan", "run", "demo", "--url", srv.URL, "--file", planPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot")
	assert.Contains(t, out, "delete_object [cannot]: confirmation required")
	assert.False(t, got.Confirmed)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "Cube", got.Steps[0].Args["name"])
}

func TestPlanRunRejectsEmptyPlan(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{"steps":[]}`), 0644))

	_, err := execute(t, "-c", writeConfig(t, ""), "plan", "run", "demo", "--file", planPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")
}

func TestDoctor(t *testing.T) {
	out, err := execute(t, "-c", writeConfig(t, ""), "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "Tool Catalog: 3 tools")
	assert.Contains(t, out, "No bridges configured")
	assert.Contains(t, out, "Gateway")
}

func TestGatewayURL(t *testing.T) {
	c := &CLIContext{Config: &config.Config{Gateway: config.GatewayConfig{Host: "0.0.0.0", Port: 9000}}}
	assert.Equal(t, "http://127.0.0.1:9000", c.GatewayURL())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
