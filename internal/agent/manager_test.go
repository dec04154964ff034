package agent

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/errs"
	"atelier/internal/events"
	"atelier/internal/storage"
)

// TestHelperProcess is not a real test. It is re-executed as the agent
// subprocess by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("AGENT_MODE") {
	case "echo":
		fmt.Println("ready")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println("echo: " + scanner.Text())
		}
	case "crash":
		fmt.Fprintln(os.Stderr, "loading scene")
		fmt.Fprintln(os.Stderr, "fatal: renderer unavailable")
		os.Exit(3)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
		fmt.Println("ready")
		time.Sleep(time.Hour)
	}
}

func helperSpec(projectID, mode string) Spec {
	return Spec{
		ProjectID:  projectID,
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"AGENT_MODE":             mode,
		},
	}
}

type recordingListener struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	states []State
	lines  chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{lines: make(chan string, 64)}
}

func (r *recordingListener) OnStdout(line string) {
	r.mu.Lock()
	r.stdout = append(r.stdout, line)
	r.mu.Unlock()
	r.lines <- line
}

func (r *recordingListener) OnStderr(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, line)
}

func (r *recordingListener) OnState(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *recordingListener) seenStates() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recordingListener) waitLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.lines:
		return line
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for agent output")
		return ""
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.LockDir == "" {
		opts.LockDir = t.TempDir()
	}
	m := NewManager(opts)
	t.Cleanup(func() { m.StopAll(time.Second) })
	return m
}

func TestStartSendStop(t *testing.T) {
	bus := events.NewBus()
	sub, err := bus.Subscribe("p1")
	require.NoError(t, err)
	defer sub.Close()

	m := newTestManager(t, Options{Bus: bus})
	l := newRecordingListener()

	snap, err := m.Start(helperSpec("p1", "echo"), l)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.NotZero(t, snap.PID)

	assert.Equal(t, "ready", l.waitLine(t))
	require.NoError(t, m.Send("p1", "hello"))
	assert.Equal(t, "echo: hello", l.waitLine(t))

	require.NoError(t, m.Send("p1", "two\nlines"))
	assert.Equal(t, "echo: two lines", l.waitLine(t))

	require.NoError(t, m.Stop("p1", 2*time.Second))

	status, ok := m.Status("p1")
	require.True(t, ok)
	assert.Equal(t, StateStopped, status.State)
	assert.NotNil(t, status.EndedAt)

	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, l.seenStates())
	assert.ErrorIs(t, m.Send("p1", "late"), ErrNotRunning)

	var projectStates []string
	deadline := time.After(2 * time.Second)
	for len(projectStates) < 4 {
		select {
		case env := <-sub.Events():
			if env.Type == events.TypeProject {
				projectStates = append(projectStates, env.Payload.(events.ProjectPayload).State)
			}
		case <-deadline:
			t.Fatalf("missing project envelopes, got %v", projectStates)
		}
	}
	assert.Equal(t, []string{"starting", "running", "stopping", "stopped"}, projectStates)
}

func TestStartTwiceFailsAlreadyRunning(t *testing.T) {
	m := newTestManager(t, Options{})
	l := newRecordingListener()

	first, err := m.Start(helperSpec("p1", "echo"), l)
	require.NoError(t, err)
	l.waitLine(t)

	_, err = m.Start(helperSpec("p1", "echo"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	status, _ := m.Status("p1")
	assert.Equal(t, first.PID, status.PID)
	assert.Equal(t, StateRunning, status.State)
}

func TestRestartAfterStop(t *testing.T) {
	m := newTestManager(t, Options{})

	first, err := m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
	require.NoError(t, m.Stop("p1", time.Second))

	second, err := m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, StateRunning, second.State)
}

func TestSendWithoutProcess(t *testing.T) {
	m := newTestManager(t, Options{})
	assert.ErrorIs(t, m.Send("nobody", "hi"), ErrNotRunning)
	assert.ErrorIs(t, m.Stop("nobody", time.Second), ErrNotRunning)

	status, ok := m.Status("nobody")
	assert.False(t, ok)
	assert.Equal(t, StateStopped, status.State)
}

func TestStartRequiresProject(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Start(Spec{Executable: os.Args[0]})
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestStartMissingExecutable(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Start(Spec{ProjectID: "p1", Executable: "/nonexistent/agent-binary"})
	require.Error(t, err)

	var procErr *errs.ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, "start", procErr.Op)

	status, _ := m.Status("p1")
	assert.Equal(t, StateFailed, status.State)

	// The lock must have been released so a corrected start can proceed.
	_, err = m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
}

func TestCrashMarksFailedWithStderrTail(t *testing.T) {
	bus := events.NewBus()
	sub, err := bus.Subscribe("p1")
	require.NoError(t, err)
	defer sub.Close()

	m := newTestManager(t, Options{Bus: bus, TailLines: 1})
	_, err = m.Start(helperSpec("p1", "crash"))
	require.NoError(t, err)

	m.Wait("p1")
	status, _ := m.Status("p1")
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.LastError, "fatal: renderer unavailable")
	assert.NotContains(t, status.LastError, "loading scene")

	var sawLog bool
	deadline := time.After(2 * time.Second)
	for !sawLog {
		select {
		case env := <-sub.Events():
			if env.Type == events.TypeLog {
				p := env.Payload.(events.LogPayload)
				assert.Equal(t, "stderr", p.Source)
				sawLog = true
			}
		case <-deadline:
			t.Fatal("no log envelope for stderr")
		}
	}

	// No automatic restart; a manual start succeeds.
	_, err = m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
}

func TestStopKillsAfterGrace(t *testing.T) {
	m := newTestManager(t, Options{})
	l := newRecordingListener()

	_, err := m.Start(helperSpec("p1", "stubborn"), l)
	require.NoError(t, err)
	l.waitLine(t)

	start := time.Now()
	require.NoError(t, m.Stop("p1", 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	status, _ := m.Status("p1")
	assert.Equal(t, StateStopped, status.State)
}

// gateListener holds Start inside its first StateStarting callback until
// released.
type gateListener struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateListener() *gateListener {
	return &gateListener{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateListener) OnStdout(string) {}
func (g *gateListener) OnStderr(string) {}

func (g *gateListener) OnState(s Snapshot) {
	if s.State != StateStarting {
		return
	}
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func TestStopWaitsForStart(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Options{LockDir: dir})
	gate := newGateListener()

	started := make(chan error, 1)
	go func() {
		_, err := m.Start(helperSpec("p1", "echo"), gate)
		started <- err
	}()
	<-gate.entered

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop("p1", time.Second) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v while the agent was still starting", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-started)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	status, _ := m.Status("p1")
	assert.Equal(t, StateStopped, status.State)
	assert.NoError(t, m.Stop("p1", time.Second))

	lock, err := acquireLock(dir, "p1", "default")
	require.NoError(t, err)
	lock.release()
}

func TestStartKeepsStateOfEarlyExit(t *testing.T) {
	m := newTestManager(t, Options{})
	gate := newGateListener()

	snapc := make(chan Snapshot, 1)
	go func() {
		snap, _ := m.Start(helperSpec("p1", "crash"), gate)
		snapc <- snap
	}()
	<-gate.entered
	close(gate.release)

	m.Wait("p1")
	status, _ := m.Status("p1")
	assert.Equal(t, StateFailed, status.State)
	assert.NotEqual(t, StateStarting, (<-snapc).State)
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	held, err := acquireLock(dir, "p1", "default")
	require.NoError(t, err)

	m := newTestManager(t, Options{LockDir: dir})
	_, err = m.Start(helperSpec("p1", "echo"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Equal(t, errs.KindLockConflict, errs.Classify(err))

	held.release()
	_, err = m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
}

func TestStopReleasesLock(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Options{LockDir: dir})

	_, err := m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
	require.NoError(t, m.Stop("p1", time.Second))

	lock, err := acquireLock(dir, "p1", "default")
	require.NoError(t, err)
	lock.release()
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*storage.AgentRun
}

func (r *memRuns) InsertRun(run *storage.AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *memRuns) UpdateRunState(id, state, lastError string, ended bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	run.State = state
	run.LastError = lastError
	if ended {
		now := time.Now()
		run.EndedAt = &now
	}
	return nil
}

func TestRunsAreRecorded(t *testing.T) {
	runs := &memRuns{runs: make(map[string]*storage.AgentRun)}
	m := newTestManager(t, Options{Runs: runs, Adapter: "blender"})

	snap, err := m.Start(helperSpec("p1", "echo"))
	require.NoError(t, err)
	require.NoError(t, m.Stop("p1", time.Second))

	runs.mu.Lock()
	defer runs.mu.Unlock()
	run := runs.runs[snap.RunID]
	require.NotNil(t, run)
	assert.Equal(t, "blender", run.Adapter)
	assert.Equal(t, "stopped", run.State)
	assert.NotNil(t, run.EndedAt)
}

func TestLineTail(t *testing.T) {
	tail := newLineTail(3)
	assert.Empty(t, tail.lines())

	for _, l := range []string{"a", "b"} {
		tail.add(l)
	}
	assert.Equal(t, []string{"a", "b"}, tail.lines())

	for _, l := range []string{"c", "d", "e"} {
		tail.add(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, tail.lines())
}

func TestMergeEnvOverrides(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, env)
}

func TestLockPathSanitizes(t *testing.T) {
	assert.Equal(t, "/locks/my_project-blender.lock", LockPath("/locks", "my/project", "blender"))
}
