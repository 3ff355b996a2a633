package runtime

import (
	"time"

	"github.com/batonmesh/baton/internal/runtime/logging"
)

// StepContext provides information about a saga step execution to hooks.
type StepContext struct {
	// ExecutionID identifies the saga execution the step belongs to.
	ExecutionID string
	// SagaID is the definition identifier.
	SagaID string
	// SagaName is the human-readable saga name.
	SagaName string
	// StepID is the step identifier within the definition.
	StepID string
	// StepName is the human-readable step name.
	StepName string
	// Remote is true when the step dispatches to a downstream service
	// rather than running an in-process action.
	Remote bool
	// Service is the downstream service name for remote steps.
	Service string
	// Attempt is the 1-based attempt counter (only set for action steps,
	// remote steps delegate retries to the dispatcher).
	Attempt int
	// StartedAt is when the step started executing.
	StartedAt time.Time
	// Duration is how long the step took (only set in OnStepDone,
	// OnStepError, and OnCompensation).
	Duration time.Duration
}

// StepHooks defines callbacks for saga step lifecycle events.
// All hooks are optional, nil hooks are simply not called. Hooks run
// synchronously on the execution goroutine and should return quickly.
type StepHooks struct {
	// OnStepStart is called when a step begins executing, before the
	// action runs or the remote call is dispatched.
	OnStepStart func(ctx StepContext)

	// OnStepDone is called when a step completes successfully.
	OnStepDone func(ctx StepContext)

	// OnStepError is called when a step fails after its retry budget.
	OnStepError func(ctx StepContext, err error)

	// OnCompensation is called after a compensation ran during unwind.
	// err is nil when the compensation succeeded.
	OnCompensation func(ctx StepContext, err error)
}

// Merge combines two StepHooks, creating a new StepHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h StepHooks) Merge(other StepHooks) StepHooks {
	return StepHooks{
		OnStepStart:    chainStepHooks(h.OnStepStart, other.OnStepStart),
		OnStepDone:     chainStepHooks(h.OnStepDone, other.OnStepDone),
		OnStepError:    chainStepErrorHooks(h.OnStepError, other.OnStepError),
		OnCompensation: chainStepErrorHooks(h.OnCompensation, other.OnCompensation),
	}
}

func chainStepHooks(a, b func(StepContext)) func(StepContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StepContext) {
		a(ctx)
		b(ctx)
	}
}

func chainStepErrorHooks(a, b func(StepContext, error)) func(StepContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StepContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingStepHooks returns pre-built hooks that log step lifecycle events.
func LoggingStepHooks(logger logging.ServiceLogger) StepHooks {
	return StepHooks{
		OnStepStart: func(ctx StepContext) {
			logger.Info("step started", logging.LogFields{
				"execution_id": ctx.ExecutionID,
				"saga":         ctx.SagaName,
				"step":         ctx.StepName,
				"remote":       ctx.Remote,
			})
		},
		OnStepDone: func(ctx StepContext) {
			logger.Info("step completed", logging.LogFields{
				"execution_id": ctx.ExecutionID,
				"saga":         ctx.SagaName,
				"step":         ctx.StepName,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnStepError: func(ctx StepContext, err error) {
			logger.Error("step failed", err, logging.LogFields{
				"execution_id": ctx.ExecutionID,
				"saga":         ctx.SagaName,
				"step":         ctx.StepName,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnCompensation: func(ctx StepContext, err error) {
			if err != nil {
				logger.Error("compensation failed", err, logging.LogFields{
					"execution_id": ctx.ExecutionID,
					"saga":         ctx.SagaName,
					"step":         ctx.StepName,
				})
				return
			}
			logger.Info("compensation applied", logging.LogFields{
				"execution_id": ctx.ExecutionID,
				"saga":         ctx.SagaName,
				"step":         ctx.StepName,
			})
		},
	}
}

// MetricsStepHooks returns pre-built hooks that record step counters.
func MetricsStepHooks(onStart, onDone, onError func(sagaName, stepName string)) StepHooks {
	return StepHooks{
		OnStepStart: func(ctx StepContext) {
			if onStart != nil {
				onStart(ctx.SagaName, ctx.StepName)
			}
		},
		OnStepDone: func(ctx StepContext) {
			if onDone != nil {
				onDone(ctx.SagaName, ctx.StepName)
			}
		},
		OnStepError: func(ctx StepContext, err error) {
			if onError != nil {
				onError(ctx.SagaName, ctx.StepName)
			}
		},
	}
}

// AlertingStepHooks returns pre-built hooks that trigger alerts on step
// failures.
func AlertingStepHooks(alertFunc func(ctx StepContext, err error)) StepHooks {
	return StepHooks{
		OnStepError: alertFunc,
	}
}
