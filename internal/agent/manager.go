// Package agent supervises one agent subprocess per project.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/internal/errs"
	"atelier/internal/events"
	"atelier/internal/storage"
	"atelier/pkg/logger"
)

// State is the lifecycle state of an agent process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Live reports whether the process may still be running.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

var (
	ErrAlreadyRunning = errors.New("agent already running for project")
	ErrNotRunning     = errors.New("agent not running for project")
	ErrLockConflict   = errors.New("single-instance lock conflict")
	ErrMissingProject = errors.New("project id is required")
)

const (
	maxLineSize        = 1024 * 1024
	defaultGrace       = 5 * time.Second
	defaultTailLines   = 20
	postKillWait       = 5 * time.Second
	drainWait          = 2 * time.Second
	defaultAdapterName = "default"
)

// Spec describes the command line launched for a project.
type Spec struct {
	ProjectID  string
	Executable string
	Args       []string
	Env        map[string]string
	WorkDir    string
}

// Snapshot is a point-in-time view of a project's agent.
type Snapshot struct {
	ProjectID  string     `json:"projectId"`
	RunID      string     `json:"runId,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Executable string     `json:"executable,omitempty"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// Listener observes one agent process. Line callbacks run on the reader
// goroutine of their stream, in arrival order. OnState runs synchronously
// on the goroutine that made the transition, so a listener reacting to
// StateStopping can still write to stdin before the process is signalled.
type Listener interface {
	OnStdout(line string)
	OnStderr(line string)
	OnState(s Snapshot)
}

// RunRecorder persists run history. *storage.DB implements it.
type RunRecorder interface {
	InsertRun(run *storage.AgentRun) error
	UpdateRunState(id, state, lastError string, ended bool) error
}

// Options configures a Manager.
type Options struct {
	LockDir     string
	Adapter     string
	GracePeriod time.Duration
	TailLines   int
	Bus         events.Publisher
	Runs        RunRecorder
}

// Manager owns every project's agent process.
type Manager struct {
	opts Options

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	spec      Spec
	runID     string
	cmd       *exec.Cmd
	lock      *instanceLock
	listeners []Listener

	stdinMu sync.Mutex
	stdin   io.WriteCloser
	outputs []*os.File

	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	endedAt   *time.Time
	lastError string
	tail      *lineTail
	exitErr   error

	started  chan struct{}
	exited   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager. Zero options fall back to defaults.
func NewManager(opts Options) *Manager {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGrace
	}
	if opts.TailLines <= 0 {
		opts.TailLines = defaultTailLines
	}
	if opts.Adapter == "" {
		opts.Adapter = defaultAdapterName
	}
	if opts.LockDir == "" {
		opts.LockDir = os.TempDir()
	}
	return &Manager{
		opts:  opts,
		procs: make(map[string]*process),
	}
}

// Start launches the agent for spec.ProjectID. A live agent for the same
// project yields ErrAlreadyRunning; a stopped or failed one is replaced.
func (m *Manager) Start(spec Spec, listeners ...Listener) (Snapshot, error) {
	if spec.ProjectID == "" {
		return Snapshot{}, ErrMissingProject
	}
	if spec.Executable == "" {
		return Snapshot{}, &errs.ProcessError{ProjectID: spec.ProjectID, Op: "start", Cause: errors.New("no executable configured")}
	}

	m.mu.Lock()
	if prev, ok := m.procs[spec.ProjectID]; ok && prev.currentState().Live() {
		m.mu.Unlock()
		return Snapshot{}, ErrAlreadyRunning
	}

	lock, err := acquireLock(m.opts.LockDir, spec.ProjectID, m.opts.Adapter)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}

	p := &process{
		spec:      spec,
		runID:     uuid.New().String(),
		lock:      lock,
		listeners: listeners,
		state:     StateStarting,
		startedAt: time.Now(),
		tail:      newLineTail(m.opts.TailLines),
		started:   make(chan struct{}),
		exited:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	m.procs[spec.ProjectID] = p
	m.mu.Unlock()

	log := logger.ForProject(spec.ProjectID)
	defer close(p.started)
	m.announce(p)

	if err := m.spawn(p); err != nil {
		now := time.Now()
		p.mu.Lock()
		p.state = StateFailed
		p.lastError = err.Error()
		p.endedAt = &now
		p.mu.Unlock()
		close(p.exited)
		p.finish()
		log.Error().Err(err).Str("executable", spec.Executable).Msg("agent failed to start")
		m.announce(p)
		return p.snapshot(), &errs.ProcessError{ProjectID: spec.ProjectID, Op: "start", Cause: err}
	}

	// An agent that already exited keeps the state supervise gave it.
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return p.snapshot(), nil
	}
	p.state = StateRunning
	p.mu.Unlock()

	if m.opts.Runs != nil {
		snap := p.snapshot()
		if err := m.opts.Runs.InsertRun(&storage.AgentRun{
			ID:         p.runID,
			ProjectID:  spec.ProjectID,
			PID:        snap.PID,
			Adapter:    m.opts.Adapter,
			Executable: spec.Executable,
			State:      string(StateRunning),
			StartedAt:  snap.StartedAt,
		}); err != nil {
			log.Warn().Err(err).Msg("record agent run")
		}
	}

	log.Info().Int("pid", p.pid).Str("executable", spec.Executable).Msg("agent started")
	m.announce(p)
	return p.snapshot(), nil
}

func (m *Manager) spawn(p *process) error {
	cmd := exec.Command(p.spec.Executable, p.spec.Args...)
	cmd.Dir = p.spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), p.spec.Env)
	configurePlatformProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// Output pipes are owned here rather than by cmd, so Wait returns when
	// the agent exits even if a descendant still holds the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdout, stdoutW)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		closeFiles(stdout, stdoutW, stderr, stderrW)
		return err
	}
	closeFiles(stdoutW, stderrW)

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.outputs = []*os.File{stdout, stderr}
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readLines(stdout, func(line string) {
			for _, l := range p.listeners {
				l.OnStdout(line)
			}
		})
	}()
	go func() {
		defer readers.Done()
		readLines(stderr, func(line string) {
			p.mu.Lock()
			p.tail.add(line)
			p.mu.Unlock()
			m.publish(events.New(events.TypeLog, p.spec.ProjectID, events.LogPayload{
				Level:   "info",
				Source:  "stderr",
				Message: line,
			}))
			for _, l := range p.listeners {
				l.OnStderr(line)
			}
		})
	}()

	go m.supervise(p, &readers)
	return nil
}

// supervise waits for the process to exit, then gives the readers
// drainWait to reach EOF before closing the output pipes under them.
func (m *Manager) supervise(p *process, readers *sync.WaitGroup) {
	err := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainWait):
		logger.ForProject(p.spec.ProjectID).Warn().Msg("agent output still open after exit, closing pipes")
	}
	closeFiles(p.outputs...)
	<-drained

	p.mu.Lock()
	p.exitErr = err
	if p.state == StateStopping || p.state == StateStopped {
		p.mu.Unlock()
		close(p.exited)
		return
	}

	now := time.Now()
	p.state = StateFailed
	p.endedAt = &now
	p.lastError = exitDescription(err, p.tail.lines())
	p.mu.Unlock()
	close(p.exited)
	p.finish()

	logger.ForProject(p.spec.ProjectID).Error().Err(err).Str("last_error", p.lastError).Msg("agent exited unexpectedly")
	m.recordEnd(p)
	m.announce(p)
}

// Send writes one line to the agent's stdin. Embedded newlines are folded
// into spaces so the line protocol stays intact.
func (m *Manager) Send(projectID, text string) error {
	p := m.lookup(projectID)
	if p == nil {
		return ErrNotRunning
	}
	switch p.currentState() {
	case StateRunning, StateStopping:
	default:
		return ErrNotRunning
	}

	line := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text) + "\n"

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, line); err != nil {
		return &errs.ProcessError{ProjectID: projectID, Op: "write", Cause: err}
	}
	return nil
}

// Stop terminates the project's agent: listeners see StateStopping first,
// then the process group is asked to exit and killed after grace. The
// agent always ends Stopped with its lock released. An agent still
// starting is stopped once its start completes.
func (m *Manager) Stop(projectID string, grace time.Duration) error {
	p := m.lookup(projectID)
	if p == nil {
		return ErrNotRunning
	}
	if grace <= 0 {
		grace = m.opts.GracePeriod
	}
	<-p.started

	p.mu.Lock()
	switch p.state {
	case StateStopping:
		p.mu.Unlock()
		<-p.stopped
		return nil
	case StateStopped:
		p.mu.Unlock()
		return nil
	case StateFailed:
		p.state = StateStopped
		p.mu.Unlock()
		m.announce(p)
		return nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	log := logger.ForProject(projectID)
	log.Info().Dur("grace", grace).Msg("stopping agent")
	m.announce(p)

	var stopErr error
	defer func() {
		now := time.Now()
		p.mu.Lock()
		p.state = StateStopped
		p.endedAt = &now
		p.mu.Unlock()
		p.finish()
		m.recordEnd(p)
		m.announce(p)
		if stopErr != nil {
			log.Warn().Err(stopErr).Msg("agent stop")
		}
	}()

	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdinMu.Unlock()

	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Msg("terminate signal")
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	}

	log.Warn().Msg("agent did not exit within grace period, killing")
	if err := forceKill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		stopErr = &errs.ProcessError{ProjectID: projectID, Op: "kill", Cause: err}
	}

	select {
	case <-p.exited:
	case <-time.After(postKillWait):
		if stopErr == nil {
			stopErr = &errs.ProcessError{ProjectID: projectID, Op: "kill", Cause: errors.New("process did not exit after kill")}
		}
	}
	return stopErr
}

// StopAll stops every live agent concurrently.
func (m *Manager) StopAll(grace time.Duration) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id, p := range m.procs {
		if p.currentState().Live() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Stop(id, grace)
		}(id)
	}
	wg.Wait()
}

// Status returns the project's agent snapshot. ok is false when no agent
// was ever started for the project.
func (m *Manager) Status(projectID string) (Snapshot, bool) {
	p := m.lookup(projectID)
	if p == nil {
		return Snapshot{ProjectID: projectID, State: StateStopped}, false
	}
	return p.snapshot(), true
}

// List returns snapshots of every known project, sorted by project id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Wait blocks until the project's agent has reached a terminal state.
func (m *Manager) Wait(projectID string) {
	if p := m.lookup(projectID); p != nil {
		<-p.stopped
	}
}

func (m *Manager) lookup(projectID string) *process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[projectID]
}

func (m *Manager) announce(p *process) {
	snap := p.snapshot()
	m.publish(events.New(events.TypeProject, snap.ProjectID, events.ProjectPayload{
		State:     string(snap.State),
		PID:       snap.PID,
		LastError: snap.LastError,
	}))
	for _, l := range p.listeners {
		l.OnState(snap)
	}
}

func (m *Manager) publish(env events.Envelope) {
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(env)
	}
}

func (m *Manager) recordEnd(p *process) {
	if m.opts.Runs == nil {
		return
	}
	snap := p.snapshot()
	if err := m.opts.Runs.UpdateRunState(snap.RunID, string(snap.State), snap.LastError, true); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		logger.ForProject(snap.ProjectID).Warn().Err(err).Msg("update agent run")
	}
}

// finish releases the instance lock and marks the process terminal.
func (p *process) finish() {
	p.stopOnce.Do(func() {
		p.lock.release()
		close(p.stopped)
	})
}

func (p *process) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *process) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ProjectID:  p.spec.ProjectID,
		RunID:      p.runID,
		PID:        p.pid,
		Executable: p.spec.Executable,
		State:      p.state,
		StartedAt:  p.startedAt,
		EndedAt:    p.endedAt,
		LastError:  p.lastError,
	}
}

func readLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(strings.TrimRight(scanner.Text(), "\r"))
	}
	// Drain whatever is left after an oversized line so the writer never blocks.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; !overridden {
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func exitDescription(err error, tail []string) string {
	msg := "exited"
	if err != nil {
		msg = err.Error()
	}
	if len(tail) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(tail, "\n")
}

// lineTail keeps the last n stderr lines.
type lineTail struct {
	buf  []string
	next int
	full bool
}

func newLineTail(n int) *lineTail {
	return &lineTail{buf: make([]string, n)}
}

func (t *lineTail) add(line string) {
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

func (t *lineTail) lines() []string {
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
