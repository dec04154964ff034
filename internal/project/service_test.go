package project

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/bridge"
	"atelier/internal/catalog"
	"atelier/internal/config"
	"atelier/internal/errs"
	"atelier/internal/events"
	"atelier/internal/timeline"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	if os.Getenv("AGENT_MODE") == "tool" {
		fmt.Println(`{"tool_call":{"name":"ping","args":{}}}`)
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fmt.Println("echo: " + scanner.Text())
	}
}

const tools = `
version: 1.0.0
tools:
  - name: ping
    tool: true
    service: unity
`

type staticCatalogs struct{ cat *catalog.Catalog }

func (s staticCatalogs) Get() (*catalog.Catalog, error) { return s.cat, nil }

type blockingInvoker struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, service string, inv bridge.Invocation) (json.RawMessage, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return json.RawMessage(`{"pong":true}`), nil
	case <-ctx.Done():
		return nil, &errs.RemoteToolError{Service: service, Tool: inv.Tool, Message: "abandoned", Cause: ctx.Err()}
	}
}

type memRecorder struct {
	mu     sync.Mutex
	events []*timeline.Event
}

func (m *memRecorder) Append(ctx context.Context, ev *timeline.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	ev.Seq = int64(len(m.events))
	return ev.Seq, nil
}

func (m *memRecorder) kinds() []timeline.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []timeline.Kind
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	svc     *Service
	invoker *blockingInvoker
	rec     *memRecorder
	bus     *events.Bus
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	cat, err := catalog.Parse("tools.yaml", []byte(tools))
	require.NoError(t, err)

	bus := events.NewBus(events.WithBufferSize(256))
	inv := &blockingInvoker{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := &memRecorder{}
	d := action.NewDispatcher(inv, rec, bus, staticCatalogs{cat: cat})

	mgr := agent.NewManager(agent.Options{LockDir: t.TempDir(), Bus: bus})
	svc := NewService(mgr, d, bus, config.AgentConfig{
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"AGENT_MODE":             mode,
		},
	}, config.ShimConfig{})
	t.Cleanup(func() { svc.Shutdown(time.Second) })

	return &fixture{svc: svc, invoker: inv, rec: rec, bus: bus}
}

func TestStopDuringPendingCall(t *testing.T) {
	f := newFixture(t, "tool")

	_, err := f.svc.Start("p1", StartRequest{})
	require.NoError(t, err)

	select {
	case <-f.invoker.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("tool call never dispatched")
	}

	require.NoError(t, f.svc.Stop("p1", 2*time.Second))

	assert.Equal(t, []timeline.Kind{timeline.KindStart, timeline.KindCancelled}, f.rec.kinds())
	snap, ok := f.svc.Status("p1")
	require.True(t, ok)
	assert.Equal(t, agent.StateStopped, snap.State)
	assert.ErrorIs(t, f.svc.Send("p1", "anyone there?"), agent.ErrNotRunning)
}

func TestStartTwiceKeepsFirst(t *testing.T) {
	f := newFixture(t, "echo")

	first, err := f.svc.Start("p1", StartRequest{})
	require.NoError(t, err)

	_, err = f.svc.Start("p1", StartRequest{})
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)

	snap, _ := f.svc.Status("p1")
	assert.Equal(t, first.PID, snap.PID)
	assert.Equal(t, []string{"p1"}, f.svc.Running())
}

func TestSendReachesAgent(t *testing.T) {
	f := newFixture(t, "echo")
	sub, err := f.bus.Subscribe("p1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.svc.Start("p1", StartRequest{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Send("p1", "add a cube"))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case env := <-sub.Events():
			if p, ok := env.Payload.(events.ChatPayload); ok && p.Role == "agent" {
				assert.Equal(t, "echo: add a cube", p.Text)
				return
			}
		case <-deadline:
			t.Fatal("agent reply never published")
		}
	}
}

func TestSendWithoutAgent(t *testing.T) {
	f := newFixture(t, "echo")
	assert.ErrorIs(t, f.svc.Send("p1", "hello"), agent.ErrNotRunning)
}

func TestSpecMergesOverrides(t *testing.T) {
	svc := NewService(nil, nil, nil, config.AgentConfig{
		Executable: "claude",
		Args:       []string{"--print"},
		Env:        map[string]string{"A": "1"},
		WorkDir:    "/work",
	}, config.ShimConfig{})

	spec := svc.spec("p1", StartRequest{Args: []string{"--verbose"}, Env: map[string]string{"B": "2"}})
	assert.Equal(t, "claude", spec.Executable)
	assert.Equal(t, []string{"--verbose"}, spec.Args)
	assert.Equal(t, "/work", spec.WorkDir)
	assert.Equal(t, map[string]string{"A": "1", "B": "2", "ATELIER_PROJECT_ID": "p1"}, spec.Env)
}
