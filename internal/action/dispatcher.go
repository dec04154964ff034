// Package action is the shared tool dispatch path. Agent tool calls, approved
// plans and reverts all go through Dispatcher, which records timeline events
// and publishes envelopes around each remote call.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atelier/internal/bridge"
	"atelier/internal/catalog"
	"atelier/internal/errs"
	"atelier/internal/events"
	"atelier/internal/timeline"
	"atelier/pkg/logger"
)

// ErrCancelled is returned when a dispatched call is abandoned because its
// context was cancelled, typically by stopping the agent.
var ErrCancelled = errors.New("tool call cancelled")

// Recorder appends timeline events.
type Recorder interface {
	Append(ctx context.Context, ev *timeline.Event) (int64, error)
}

// Catalogs provides the current tool catalog.
type Catalogs interface {
	Get() (*catalog.Catalog, error)
}

// Call is one tool invocation to dispatch.
type Call struct {
	ProjectID     string
	CorrelationID string
	Spec          catalog.ToolSpec
	Args          map[string]any
	Source        string
	RefEventID    string
}

// Outcome is the result of a dispatched call.
type Outcome struct {
	CorrelationID string
	Result        json.RawMessage
	Start         *timeline.Event
	End           *timeline.Event
}

// Dispatcher sends validated calls to executors and records their lifecycle.
type Dispatcher struct {
	invoker  bridge.Invoker
	recorder Recorder
	bus      events.Publisher
	catalogs Catalogs
	timeout  func(service string) time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeouts sets the per-service deadline applied to each call.
func WithTimeouts(fn func(service string) time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = fn
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(invoker bridge.Invoker, recorder Recorder, bus events.Publisher, catalogs Catalogs, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		invoker:  invoker,
		recorder: recorder,
		bus:      bus,
		catalogs: catalogs,
		timeout:  func(string) time.Duration { return 30 * time.Second },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the current catalog.
func (d *Dispatcher) Catalog() (*catalog.Catalog, error) {
	return d.catalogs.Get()
}

// Dispatch records a start event, invokes the executor under the service
// deadline and records the outcome. The returned error is a
// *errs.RemoteToolError, ErrCancelled, or a recording failure; the Outcome is
// populated as far as the call got.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*Outcome, error) {
	if call.CorrelationID == "" {
		call.CorrelationID = uuid.New().String()
	}
	log := logger.ForProject(call.ProjectID).With().
		Str("tool", call.Spec.Name).
		Str("correlation_id", call.CorrelationID).
		Logger()
	out := &Outcome{CorrelationID: call.CorrelationID}

	start := &timeline.Event{
		ProjectID:     call.ProjectID,
		Kind:          timeline.KindStart,
		ToolName:      call.Spec.Name,
		Args:          call.Args,
		CorrelationID: call.CorrelationID,
		RefEventID:    call.RefEventID,
		Source:        call.Source,
	}
	if _, err := d.recorder.Append(ctx, start); err != nil {
		return out, fmt.Errorf("record start: %w", err)
	}
	out.Start = start
	d.publishAction(call, timeline.KindStart, nil, "")

	callCtx, cancel := context.WithTimeout(ctx, d.timeout(call.Spec.Service))
	defer cancel()

	log.Debug().Str("service", call.Spec.Service).Msg("Dispatching tool call")
	result, err := d.invoker.Invoke(callCtx, call.Spec.Service, bridge.Invocation{
		CorrelationID: call.CorrelationID,
		Tool:          call.Spec.Name,
		Args:          call.Args,
	})

	// The parent context may already be cancelled; outcomes are still recorded.
	recordCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		end := d.endEvent(call, timeline.KindCancelled)
		end.ErrorDetail = "cancelled before the executor replied"
		if _, rerr := d.recorder.Append(recordCtx, end); rerr != nil {
			return out, fmt.Errorf("record cancellation: %w", rerr)
		}
		out.End = end
		d.publishAction(call, timeline.KindCancelled, nil, end.ErrorDetail)
		d.publishTimeline(end)
		log.Info().Msg("Tool call cancelled")
		return out, ErrCancelled
	}

	if err != nil {
		end := d.endEvent(call, timeline.KindError)
		end.ErrorDetail = err.Error()
		if _, rerr := d.recorder.Append(recordCtx, end); rerr != nil {
			return out, fmt.Errorf("record error: %w", rerr)
		}
		out.End = end
		d.publishAction(call, timeline.KindError, nil, end.ErrorDetail)
		d.publishTimeline(end)
		d.bus.Publish(events.New(events.TypeError, call.ProjectID, events.ErrorPayload{
			Kind:    string(errs.Classify(err)),
			Message: err.Error(),
		}).WithCorrelation(call.CorrelationID))
		log.Warn().Err(err).Msg("Tool call failed")
		return out, err
	}

	end := d.endEvent(call, timeline.KindSuccess)
	end.Result = result
	out.Result = result
	// A revert is undone by a fresh forward action, never by un-reverting.
	if call.Spec.Compensate != nil && call.Source != timeline.SourceRevert {
		inv, cerr := ResolveCompensation(call.Spec.Compensate, call.Args, result)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("Compensating action not recorded")
		}
		end.CompensatingAction = inv
	}
	if _, rerr := d.recorder.Append(recordCtx, end); rerr != nil {
		return out, fmt.Errorf("record success: %w", rerr)
	}
	out.End = end

	d.publishAction(call, timeline.KindSuccess, result, "")
	d.publishTimeline(end)
	d.bus.Publish(events.New(events.TypeUpdate, call.ProjectID, map[string]any{
		"tool":    call.Spec.Name,
		"service": call.Spec.Service,
		"result":  result,
	}).WithCorrelation(call.CorrelationID))
	log.Debug().Msg("Tool call succeeded")
	return out, nil
}

// Record appends an event that involves no remote call, such as a refused
// plan step, and publishes it.
func (d *Dispatcher) Record(ctx context.Context, ev *timeline.Event) error {
	if _, err := d.recorder.Append(ctx, ev); err != nil {
		return err
	}
	d.bus.Publish(events.New(events.TypeAction, ev.ProjectID, events.ActionPayload{
		Kind:   string(ev.Kind),
		Tool:   ev.ToolName,
		Args:   ev.Args,
		Error:  ev.ErrorDetail,
		Source: ev.Source,
	}).WithCorrelation(ev.CorrelationID))
	d.publishTimeline(ev)
	return nil
}

// Compensate runs the compensating action of original through the dispatch
// path. It implements timeline.Compensator.
func (d *Dispatcher) Compensate(ctx context.Context, original *timeline.Event) (*timeline.Event, error) {
	inv := original.CompensatingAction
	if inv == nil {
		return nil, timeline.ErrNoCompensatingAction
	}
	cat, err := d.catalogs.Get()
	if err != nil {
		return nil, err
	}
	spec, err := cat.Validate(inv.Tool, inv.Args)
	if err != nil {
		return nil, err
	}

	out, err := d.Dispatch(ctx, Call{
		ProjectID:  original.ProjectID,
		Spec:       spec,
		Args:       inv.Args,
		Source:     timeline.SourceRevert,
		RefEventID: original.ID,
	})
	return out.End, err
}

func (d *Dispatcher) endEvent(call Call, kind timeline.Kind) *timeline.Event {
	return &timeline.Event{
		ProjectID:     call.ProjectID,
		Kind:          kind,
		ToolName:      call.Spec.Name,
		Args:          call.Args,
		CorrelationID: call.CorrelationID,
		RefEventID:    call.RefEventID,
		Source:        call.Source,
	}
}

func (d *Dispatcher) publishAction(call Call, kind timeline.Kind, result json.RawMessage, errMsg string) {
	payload := events.ActionPayload{
		Kind:   string(kind),
		Tool:   call.Spec.Name,
		Args:   call.Args,
		Error:  errMsg,
		Source: call.Source,
	}
	if result != nil {
		payload.Result = result
	}
	d.bus.Publish(events.New(events.TypeAction, call.ProjectID, payload).WithCorrelation(call.CorrelationID))
}

func (d *Dispatcher) publishTimeline(ev *timeline.Event) {
	d.bus.Publish(events.New(events.TypeTimeline, ev.ProjectID, ev).WithCorrelation(ev.CorrelationID))
}
