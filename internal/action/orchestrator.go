package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/catalog"
	"atelier/internal/events"
	"atelier/internal/timeline"
	"atelier/pkg/logger"
)

// Step is one tool call in a plan.
type Step struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Plan is an ordered list of tool calls approved by the operator.
type Plan struct {
	ID    string `json:"id,omitempty"`
	Steps []Step `json:"steps"`
}

// StepStatus is the outcome of one plan step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCannot    StepStatus = "cannot"
	StepNotRun    StepStatus = "not_run"
)

// PlanStatus is the outcome of a whole plan.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCannot    PlanStatus = "cannot"
	PlanInvalid   PlanStatus = "invalid"
)

// StepReport describes what happened to one step.
type StepReport struct {
	Index         int             `json:"index"`
	Tool          string          `json:"tool"`
	Status        StepStatus      `json:"status"`
	Sensitivity   string          `json:"sensitivity,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ExecutionReport describes a plan execution.
type ExecutionReport struct {
	PlanID    string       `json:"planId"`
	ProjectID string       `json:"projectId"`
	Status    PlanStatus   `json:"status"`
	Steps     []StepReport `json:"steps"`
	Error     string       `json:"error,omitempty"`
}

// PlanValidationError reports the first step that failed validation.
type PlanValidationError struct {
	Step  int
	Tool  string
	Cause error
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan step %d (%s): %v", e.Step, e.Tool, e.Cause)
}

func (e *PlanValidationError) Unwrap() error { return e.Cause }

// ErrEmptyPlan is returned for a plan without steps.
var ErrEmptyPlan = errors.New("plan has no steps")

// Sensitivity classifies tools that need confirmation.
type Sensitivity interface {
	Classify(spec catalog.ToolSpec) string
}

// Orchestrator executes operator-approved plans step by step.
type Orchestrator struct {
	dispatcher *Dispatcher
	policy     Sensitivity
	bus        events.Publisher
}

// NewOrchestrator creates an orchestrator on top of the shared dispatcher.
func NewOrchestrator(dispatcher *Dispatcher, policy Sensitivity, bus events.Publisher) *Orchestrator {
	return &Orchestrator{dispatcher: dispatcher, policy: policy, bus: bus}
}

// Execute validates every step before running any, then runs steps
// strictly in order and stops at the first failure. A sensitive step
// without confirmation is refused as cannot when its turn comes; steps
// before it have already run. Nothing is rolled back automatically.
//
// Validation failures return a *PlanValidationError alongside the report.
// A refused or failed plan is reported through ExecutionReport.Status.
func (o *Orchestrator) Execute(ctx context.Context, projectID string, plan Plan, confirmed bool) (*ExecutionReport, error) {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	report := &ExecutionReport{
		PlanID:    plan.ID,
		ProjectID: projectID,
		Steps:     make([]StepReport, len(plan.Steps)),
	}
	for i, st := range plan.Steps {
		report.Steps[i] = StepReport{Index: i, Tool: st.Tool, Status: StepNotRun}
	}
	log := logger.ForProject(projectID).With().Str("plan_id", plan.ID).Logger()

	if len(plan.Steps) == 0 {
		report.Status = PlanInvalid
		report.Error = ErrEmptyPlan.Error()
		return report, ErrEmptyPlan
	}

	cat, err := o.dispatcher.Catalog()
	if err != nil {
		return nil, err
	}

	specs := make([]catalog.ToolSpec, len(plan.Steps))
	for i, st := range plan.Steps {
		spec, err := cat.Validate(st.Tool, st.Args)
		if err != nil {
			report.Status = PlanInvalid
			report.Error = err.Error()
			report.Steps[i].Error = err.Error()
			return report, &PlanValidationError{Step: i, Tool: st.Tool, Cause: err}
		}
		specs[i] = spec
		report.Steps[i].Sensitivity = o.policy.Classify(spec)
	}

	report.Status = PlanCompleted
	for i, st := range plan.Steps {
		sr := &report.Steps[i]

		if !confirmed && sr.Sensitivity != catalog.SensitivityNone {
			ev := &timeline.Event{
				ProjectID:   projectID,
				Kind:        timeline.KindCannot,
				ToolName:    st.Tool,
				Args:        st.Args,
				ErrorDetail: fmt.Sprintf("%s step requires confirmation", sr.Sensitivity),
				Source:      timeline.SourcePlan,
			}
			if err := o.dispatcher.Record(ctx, ev); err != nil {
				return nil, fmt.Errorf("record refused step: %w", err)
			}
			sr.Status = StepCannot
			sr.EventID = ev.ID
			sr.Error = ev.ErrorDetail
			report.Status = PlanCannot
			report.Error = ev.ErrorDetail
			log.Info().Int("step", i).Str("tool", st.Tool).Msg("Plan stopped: unconfirmed sensitive step")
			break
		}

		out, err := o.dispatcher.Dispatch(ctx, Call{
			ProjectID: projectID,
			Spec:      specs[i],
			Args:      st.Args,
			Source:    timeline.SourcePlan,
		})
		if out != nil {
			sr.CorrelationID = out.CorrelationID
			if out.End != nil {
				sr.EventID = out.End.ID
			}
			sr.Result = out.Result
		}
		if err != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			report.Status = PlanFailed
			report.Error = fmt.Sprintf("step %d (%s) failed: %v", i, st.Tool, err)
			log.Warn().Err(err).Int("step", i).Msg("Plan stopped at failed step")
			break
		}
		sr.Status = StepSucceeded
	}

	o.publishReport(report)
	return report, nil
}

func (o *Orchestrator) publishReport(report *ExecutionReport) {
	o.bus.Publish(events.New(events.TypeUpdate, report.ProjectID, map[string]any{
		"plan": report,
	}))
}
