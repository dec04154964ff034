package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/config"
	"atelier/internal/events"
)

const toolsV1 = `
version: 1.0.0
tools:
  - name: ping
    description: Check the editor is alive.
    tool: true
    service: unity
`

const toolsV2 = `
version: 1.1.0
tools:
  - name: ping
    description: Check the editor is alive.
    tool: true
    service: unity
  - name: pong
    description: Answer a ping.
    tool: true
    service: unity
`

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(source, []byte(toolsV1), 0644))

	return &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: 0},
		Agent: config.AgentConfig{
			Adapter:     "test",
			LockDir:     filepath.Join(dir, "locks"),
			GracePeriod: 100 * time.Millisecond,
		},
		Catalog: config.CatalogConfig{Source: source, Watch: true},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "data.db")},
	}, source
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStartServeStop(t *testing.T) {
	cfg, _ := testConfig(t)
	srv, err := New(Options{Config: cfg, Version: "0.0.1-test"})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.False(t, srv.StartedAt().IsZero())
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.0.1-test", resp.Header.Get("X-Atelier-Version"))

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop())
}

func TestCatalogReloadIsAnnounced(t *testing.T) {
	cfg, source := testConfig(t)
	srv, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	sub, err := srv.Bus().Subscribe("demo")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, os.WriteFile(source, []byte(toolsV2), 0644))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-sub.Events():
			if env.Type != events.TypeUpdate {
				continue
			}
			payload, ok := env.Payload.(map[string]any)
			require.True(t, ok)
			info, ok := payload["catalog"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, 2, info["count"])
			return
		case <-timeout:
			t.Fatal("catalog update was not announced")
		}
	}
}

func TestNewFailsOnBadSchedule(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Health.Schedule = "not a schedule"
	_, err := New(Options{Config: cfg})
	assert.Error(t, err)
}
