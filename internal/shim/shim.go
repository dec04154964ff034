// Package shim turns an agent's line-oriented output into tool calls and
// feeds the results back, one tool call at a time.
package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/catalog"
	"atelier/internal/errs"
	"atelier/internal/events"
	"atelier/internal/timeline"
	"atelier/pkg/logger"
)

// ErrTerminated is returned by Prompt once the shim loop has ended.
var ErrTerminated = errors.New("shim terminated")

const (
	promptBuffer     = 32
	terminateTimeout = 5 * time.Second

	roleAgent    = "agent"
	roleOperator = "operator"
)

// Writer delivers a line to the agent's stdin. *agent.Manager implements it.
type Writer interface {
	Send(projectID, text string) error
}

// Dispatcher is the shared tool dispatch path. *action.Dispatcher implements it.
type Dispatcher interface {
	Catalog() (*catalog.Catalog, error)
	Dispatch(ctx context.Context, call action.Call) (*action.Outcome, error)
}

// Options configures a Shim.
type Options struct {
	// CoalesceWindow merges consecutive text lines arriving within the
	// window into one chat envelope. Zero publishes every line on its own.
	CoalesceWindow time.Duration
}

// Shim is the per-agent protocol state machine. It implements
// agent.Listener; all state lives on a single loop goroutine.
type Shim struct {
	projectID  string
	writer     Writer
	dispatcher Dispatcher
	bus        events.Publisher
	opts       Options
	log        zerolog.Logger

	// Stdout lines queue without bound so the reader never blocks on a
	// loop that is itself blocked writing to the agent's stdin.
	lineMu    sync.Mutex
	lineQ     []string
	lineReady chan struct{}
	prompts   chan string

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu    sync.Mutex
	state State

	// Loop-owned.
	text    []string
	held    []string
	flushAt *time.Timer
}

// New creates a shim for one agent process. Call Start before the agent
// produces output.
func New(projectID string, writer Writer, dispatcher Dispatcher, bus events.Publisher, opts Options) *Shim {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shim{
		projectID:  projectID,
		writer:     writer,
		dispatcher: dispatcher,
		bus:        bus,
		opts:       opts,
		log:        logger.ForProject(projectID).With().Str("component", "shim").Logger(),
		lineReady:  make(chan struct{}, 1),
		prompts:    make(chan string, promptBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

// Start launches the loop. It is safe to call more than once.
func (s *Shim) Start() {
	s.startOnce.Do(func() {
		s.transition(StateAwaitingAgentOutput)
		go s.run()
	})
}

// State returns the current state.
func (s *Shim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the loop has terminated.
func (s *Shim) Done() <-chan struct{} {
	return s.done
}

// Prompt queues an operator line for the agent. It is delivered once no
// tool call is in flight.
func (s *Shim) Prompt(text string) error {
	select {
	case <-s.done:
		return ErrTerminated
	default:
	}
	select {
	case s.prompts <- text:
		return nil
	case <-s.done:
		return ErrTerminated
	}
}

// Close cancels any in-flight call, injects a cancelled tool_result and
// waits for the loop to end.
func (s *Shim) Close() {
	s.stopOnce.Do(s.cancel)
	s.startOnce.Do(func() {
		s.transition(StateTerminated)
		close(s.done)
	})
	select {
	case <-s.done:
	case <-time.After(terminateTimeout):
		s.log.Warn().Msg("shim loop did not terminate in time")
	}
}

// OnStdout implements agent.Listener. It never blocks.
func (s *Shim) OnStdout(line string) {
	select {
	case <-s.done:
		return
	default:
	}
	s.lineMu.Lock()
	s.lineQ = append(s.lineQ, line)
	s.lineMu.Unlock()
	select {
	case s.lineReady <- struct{}{}:
	default:
	}
}

func (s *Shim) nextLine() (string, bool) {
	s.lineMu.Lock()
	defer s.lineMu.Unlock()
	if len(s.lineQ) == 0 {
		return "", false
	}
	line := s.lineQ[0]
	s.lineQ[0] = ""
	s.lineQ = s.lineQ[1:]
	return line, true
}

// drainLines handles every queued line, then delivers prompts held back
// during tool calls. It returns false when the loop must end.
func (s *Shim) drainLines() bool {
	for s.ctx.Err() == nil {
		line, ok := s.nextLine()
		if !ok {
			s.releaseHeld()
			return true
		}
		if !s.handleLine(line) {
			return false
		}
	}
	return true
}

// OnStderr implements agent.Listener. Stderr is published by the supervisor.
func (s *Shim) OnStderr(string) {}

// OnState implements agent.Listener. Leaving the running state ends the
// loop; this runs before the supervisor signals the process, so a
// cancelled tool_result can still be written.
func (s *Shim) OnState(snap agent.Snapshot) {
	switch snap.State {
	case agent.StateStopping, agent.StateStopped, agent.StateFailed:
		s.Close()
	}
}

func (s *Shim) run() {
	defer close(s.done)
	defer s.stopFlushTimer()

	for {
		if s.ctx.Err() != nil {
			s.flushText()
			s.transition(StateTerminated)
			return
		}

		var flushC <-chan time.Time
		if s.flushAt != nil {
			flushC = s.flushAt.C
		}

		select {
		case <-s.ctx.Done():
			s.flushText()
			s.transition(StateTerminated)
			return

		case <-s.lineReady:
			if !s.drainLines() {
				return
			}

		case text := <-s.prompts:
			// Output the agent already produced goes first, so a prompt
			// never lands between a tool call and its tool_result.
			if !s.drainLines() {
				return
			}
			if s.ctx.Err() != nil {
				continue
			}
			s.flushText()
			s.deliverPrompt(text)

		case <-flushC:
			s.flushAt = nil
			s.flushText()
		}
	}
}

// handleLine runs one line through the state machine. It returns false
// when the loop must end.
func (s *Shim) handleLine(line string) bool {
	call, err := parseLine(line)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed tool call treated as text")
		s.publish(events.New(events.TypeLog, s.projectID, events.LogPayload{
			Level:   "warn",
			Source:  "shim",
			Message: err.Error(),
		}))
	}
	if call == nil {
		s.acceptText(line)
		return true
	}

	s.flushText()
	s.transition(StateToolCallDetected)
	terminated := s.runToolCall(call)
	if terminated {
		s.transition(StateTerminated)
		return false
	}
	s.transition(StateAwaitingAgentOutput)
	return true
}

func (s *Shim) releaseHeld() {
	if len(s.held) == 0 {
		return
	}
	s.flushText()
	held := s.held
	s.held = nil
	for _, text := range held {
		s.deliverPrompt(text)
	}
}

// runToolCall validates, dispatches and answers one tool call. It returns
// true when the shim was stopped while waiting for the result.
func (s *Shim) runToolCall(call *toolCall) bool {
	correlationID := uuid.New().String()
	log := s.log.With().Str("tool", call.Name).Str("correlation_id", correlationID).Logger()

	s.transition(StateValidating)
	spec, args, err := s.validate(call)
	if err != nil {
		log.Info().Err(err).Msg("tool call rejected")
		s.publish(events.New(events.TypeError, s.projectID, events.ErrorPayload{
			Kind:    string(errs.Classify(err)),
			Message: err.Error(),
		}).WithCorrelation(correlationID))
		s.transition(StateResultInjected)
		s.inject(errorResult(err), log)
		return false
	}

	s.transition(StateDispatching)
	results := make(chan dispatchResult, 1)
	go func() {
		out, err := s.dispatcher.Dispatch(s.ctx, action.Call{
			ProjectID:     s.projectID,
			CorrelationID: correlationID,
			Spec:          spec,
			Args:          args,
			Source:        timeline.SourceAgent,
		})
		results <- dispatchResult{out: out, err: err}
	}()
	s.transition(StateAwaitingResult)

	var res dispatchResult
	waiting := true
	for waiting {
		select {
		case res = <-results:
			waiting = false
		case text := <-s.prompts:
			s.held = append(s.held, text)
		}
	}

	s.transition(StateResultInjected)
	stopped := s.ctx.Err() != nil
	switch {
	case errors.Is(res.err, action.ErrCancelled) || (stopped && res.err != nil):
		s.inject(cancelledResult(), log)
	case res.err != nil:
		s.inject(errorResult(res.err), log)
	default:
		s.inject(okResult(res.out.Result), log)
	}
	return stopped
}

type dispatchResult struct {
	out *action.Outcome
	err error
}

func (s *Shim) validate(call *toolCall) (catalog.ToolSpec, map[string]any, error) {
	cat, err := s.dispatcher.Catalog()
	if err != nil {
		return catalog.ToolSpec{}, nil, fmt.Errorf("load catalog: %w", err)
	}
	spec, err := cat.ValidateRaw(call.Name, call.Args)
	if err != nil {
		return catalog.ToolSpec{}, nil, err
	}

	args := map[string]any{}
	raw := bytes.TrimSpace(call.Args)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &args); err != nil {
			return catalog.ToolSpec{}, nil, &errs.ProtocolError{Cause: err}
		}
	}
	return spec, args, nil
}

func (s *Shim) inject(r ToolResult, log zerolog.Logger) {
	line, err := encodeResult(r)
	if err != nil {
		log.Error().Err(err).Msg("tool_result not injected")
		return
	}
	if err := s.writer.Send(s.projectID, line); err != nil {
		log.Warn().Err(err).Msg("inject tool_result")
		return
	}
	log.Debug().Bool("ok", r.OK).Msg("tool_result injected")
}

func (s *Shim) deliverPrompt(text string) {
	if s.State().inTurn() {
		s.held = append(s.held, text)
		return
	}
	if err := s.writer.Send(s.projectID, text); err != nil {
		s.log.Warn().Err(err).Msg("deliver operator prompt")
		s.publish(events.New(events.TypeError, s.projectID, events.ErrorPayload{
			Kind:    string(errs.Classify(err)),
			Message: err.Error(),
		}))
		return
	}
	s.publish(events.New(events.TypeChat, s.projectID, events.ChatPayload{Role: roleOperator, Text: text}))
}

func (s *Shim) acceptText(line string) {
	s.transition(StateText)
	s.text = append(s.text, line)
	if s.opts.CoalesceWindow <= 0 {
		s.flushText()
		return
	}
	if s.flushAt == nil {
		s.flushAt = time.NewTimer(s.opts.CoalesceWindow)
	}
}

func (s *Shim) flushText() {
	s.stopFlushTimer()
	if len(s.text) == 0 {
		return
	}
	text := strings.Join(s.text, "\n")
	s.text = s.text[:0]
	s.publish(events.New(events.TypeChat, s.projectID, events.ChatPayload{Role: roleAgent, Text: text}))
	if s.State() == StateText {
		s.transition(StateAwaitingAgentOutput)
	}
}

func (s *Shim) stopFlushTimer() {
	if s.flushAt != nil {
		s.flushAt.Stop()
		s.flushAt = nil
	}
}

func (s *Shim) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to && to == StateText {
		s.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("illegal shim transition")
		return
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("shim transition")
}

func (s *Shim) publish(env events.Envelope) {
	if s.bus != nil {
		s.bus.Publish(env)
	}
}
