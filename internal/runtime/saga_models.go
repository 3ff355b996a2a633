package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
)

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
)

// StepStatus is the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusCompensated StepStatus = "compensated"
)

// SagaContext carries state between saga steps. Each completed step's
// returned partial context is merged into it, later steps overwrite earlier
// identically-named keys.
type SagaContext map[string]any

// Clone returns a shallow copy. Nested reference values are shared.
func (c SagaContext) Clone() SagaContext {
	out := make(SagaContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a new context holding c's entries overlaid with other's.
func (c SagaContext) Merge(other SagaContext) SagaContext {
	out := c.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// StepAction is an in-process saga step. It receives a copy of the execution
// context and returns a partial context to merge back, or an error to fail
// the attempt. Actions must honor ctx cancellation, the orchestrator cannot
// interrupt a running action.
type StepAction func(ctx context.Context, sc SagaContext) (SagaContext, error)

// SagaStep describes one step of a saga. A step is either remote (Service +
// Endpoint set, dispatched through the request orchestrator with the
// execution context as payload) or in-process (Action set), never both.
// Compensation follows the same shape: CompService + CompEndpoint for a
// remote undo, Compensation for an in-process one, or neither.
type SagaStep struct {
	StepID string `json:"step_id"`
	Name   string `json:"name"`

	Service  string     `json:"service,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"`
	Action   StepAction `json:"-"`

	CompService  string     `json:"comp_service,omitempty"`
	CompEndpoint string     `json:"comp_endpoint,omitempty"`
	Compensation StepAction `json:"-"`

	// Required marks the step as mandatory. A failed optional step is
	// skipped, a failed required step aborts the saga.
	Required bool `json:"required"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single attempt. Zero leaves remote attempts at the
	// dispatcher default and in-process attempts unbounded.
	Timeout time.Duration `json:"timeout"`
}

func (s SagaStep) remote() bool { return s.Service != "" }

func (s SagaStep) hasCompensation() bool {
	return s.Compensation != nil || s.CompService != ""
}

func (s SagaStep) validate(index int) error {
	label := s.StepID
	if label == "" {
		label = fmt.Sprintf("#%d", index+1)
	}
	if strings.TrimSpace(s.Name) == "" {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s has no name", label),
		}
	}
	if s.Service != "" && s.Action != nil {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s sets both a service and an action", label),
		}
	}
	if s.Service == "" && s.Action == nil {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s needs either a service or an action", label),
		}
	}
	if s.Service != "" && strings.TrimSpace(s.Endpoint) == "" {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("remote step %s has no endpoint", label),
		}
	}
	if s.CompService != "" && s.Compensation != nil {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s sets both a compensation service and a compensation action", label),
		}
	}
	if s.CompService != "" && strings.TrimSpace(s.CompEndpoint) == "" {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s has a compensation service but no endpoint", label),
		}
	}
	if s.MaxRetries < 0 {
		return &errspkg.ValidationError{
			Field:  "step",
			Reason: fmt.Sprintf("step %s has negative max retries", label),
		}
	}
	return nil
}

// SagaDefinition is an immutable description of a saga. Definitions are
// validated on execution and never mutated by the orchestrator.
type SagaDefinition struct {
	SagaID string     `json:"saga_id"`
	Name   string     `json:"name"`
	Steps  []SagaStep `json:"steps"`

	// AutoCompensate triggers the reverse-order unwind of completed steps
	// when a required step fails.
	AutoCompensate bool `json:"auto_compensate"`
}

// Validate checks the definition for structural problems.
func (d SagaDefinition) Validate() error {
	if strings.TrimSpace(d.SagaID) == "" {
		return &errspkg.ValidationError{Field: "saga_id", Reason: "saga id must not be empty"}
	}
	if len(d.Steps) == 0 {
		return &errspkg.ValidationError{Field: "steps", Reason: "saga has no steps"}
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if err := step.validate(i); err != nil {
			return err
		}
		if step.StepID != "" {
			if _, dup := seen[step.StepID]; dup {
				return &errspkg.ValidationError{
					Field:  "step",
					Reason: fmt.Sprintf("duplicate step id %q", step.StepID),
				}
			}
			seen[step.StepID] = struct{}{}
		}
	}
	return nil
}

// normalized returns a copy with blank step ids stamped ("step-1", "step-2",
// ...) and a blank saga name defaulted to the saga id.
func (d SagaDefinition) normalized() SagaDefinition {
	out := d
	out.Steps = make([]SagaStep, len(d.Steps))
	copy(out.Steps, d.Steps)
	for i := range out.Steps {
		if out.Steps[i].StepID == "" {
			out.Steps[i].StepID = fmt.Sprintf("step-%d", i+1)
		}
	}
	if out.Name == "" {
		out.Name = out.SagaID
	}
	return out
}

// StepExecution records how one step fared within an execution. Attempts
// counts in-process action attempts; remote steps delegate retries to the
// dispatcher and report the attempts it made.
//
// Status keeps the step's own outcome. A compensated step stays completed,
// the unwind is recorded in Compensated and CompensationError.
type StepExecution struct {
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`

	// Compensated is set when the step's compensation ran during unwind.
	Compensated bool `json:"compensated,omitempty"`
	// CompensationError holds the swallowed error of a failed compensation.
	CompensationError string `json:"compensation_error,omitempty"`
}

// SagaExecution is the run record of one saga. The orchestrator snapshots it
// into the execution store on every transition, so readers never observe a
// half-applied step update.
type SagaExecution struct {
	ExecutionID  string          `json:"execution_id"`
	SagaID       string          `json:"saga_id"`
	SagaName     string          `json:"saga_name"`
	Status       SagaStatus      `json:"status"`
	Context      SagaContext     `json:"context"`
	Steps        []StepExecution `json:"steps"`
	FailedStepID string          `json:"failed_step_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at,omitzero"`
}

// Clone returns an independent copy of the execution.
func (e *SagaExecution) Clone() *SagaExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Context = e.Context.Clone()
	out.Steps = make([]StepExecution, len(e.Steps))
	copy(out.Steps, e.Steps)
	return &out
}
