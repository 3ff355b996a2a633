package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/ids"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// Lifecycle event topics. Every execution publishes saga.started and exactly
// one terminal event.
const (
	topicSagaStarted     = "saga.started"
	topicSagaCompleted   = "saga.completed"
	topicSagaFailed      = "saga.failed"
	topicSagaCompensated = "saga.compensated"
)

// EventPublisher is the sink for saga lifecycle events. *EventBus satisfies
// it.
type EventPublisher interface {
	Publish(ctx context.Context, evt *events.EventMessage) error
}

// SagaMetrics aggregates execution and step outcomes.
type SagaMetrics struct {
	Running          int `json:"running"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Compensated      int `json:"compensated"`
	StepsExecuted    int `json:"steps_executed"`
	StepsCompensated int `json:"steps_compensated"`
}

// SagaHealth reports the rolling success rate over the most recent
// executions. An empty window counts as healthy.
type SagaHealth struct {
	SuccessRate float64 `json:"success_rate"`
	Healthy     bool    `json:"healthy"`
	Window      int     `json:"window"`
}

// outcomeWindow is a fixed-size ring of execution outcomes.
type outcomeWindow struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
	filled   int
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size <= 0 {
		size = config.DefaultSagaHealthWindow
	}
	return &outcomeWindow{outcomes: make([]bool, size)}
}

func (w *outcomeWindow) Record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.outcomes[w.next] = success
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

// Rate returns the success rate and the number of recorded outcomes. An
// empty window yields a rate of 1.
func (w *outcomeWindow) Rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == 0 {
		return 1, 0
	}
	successes := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(w.filled), w.filled
}

// SagaOrchestrator runs saga definitions step by step, dispatching remote
// steps through the request orchestrator and compensating completed steps in
// reverse order when a required step fails.
type SagaOrchestrator struct {
	dispatcher  *Dispatcher
	store       *ExecutionStore
	bus         EventPublisher
	hooks       StepHooks
	logger      logging.ServiceLogger
	tracer      trace.Tracer
	serviceName string

	healthThreshold float64
	health          *outcomeWindow

	stepsExecuted    atomic.Int64
	stepsCompensated atomic.Int64

	executionsTotal *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	runningGauge    prometheus.Gauge
}

// SagaOption customizes a SagaOrchestrator.
type SagaOption func(*SagaOrchestrator)

// WithStepHooks attaches lifecycle hooks to every execution.
func WithStepHooks(hooks StepHooks) SagaOption {
	return func(o *SagaOrchestrator) {
		o.hooks = o.hooks.Merge(hooks)
	}
}

// WithLifecycleBus wires the publisher used for saga lifecycle events.
func WithLifecycleBus(bus EventPublisher) SagaOption {
	return func(o *SagaOrchestrator) {
		o.bus = bus
	}
}

// WithSagaRegisterer sets the Prometheus registerer for saga metrics.
func WithSagaRegisterer(reg prometheus.Registerer) SagaOption {
	return func(o *SagaOrchestrator) {
		if reg != nil {
			o.registerMetrics(reg)
		}
	}
}

// NewSagaOrchestrator builds an orchestrator that dispatches remote steps
// through dispatcher. Health window and threshold come from conf.
func NewSagaOrchestrator(conf *config.Config, dispatcher *Dispatcher, logger logging.ServiceLogger, opts ...SagaOption) *SagaOrchestrator {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	window := config.DefaultSagaHealthWindow
	threshold := config.DefaultSagaHealthThreshold
	serviceName := config.DefaultServiceName
	if conf != nil {
		if conf.SagaHealthWindow > 0 {
			window = conf.SagaHealthWindow
		}
		if conf.SagaHealthThreshold > 0 {
			threshold = conf.SagaHealthThreshold
		}
		if conf.ServiceName != "" {
			serviceName = conf.ServiceName
		}
	}

	o := &SagaOrchestrator{
		dispatcher:      dispatcher,
		store:           newExecutionStore(),
		logger:          logger.With(logging.LogFields{"component": "saga"}),
		tracer:          otel.Tracer("baton-saga"),
		serviceName:     serviceName,
		healthThreshold: threshold,
		health:          newOutcomeWindow(window),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executionsTotal == nil {
		o.registerMetrics(prometheus.DefaultRegisterer)
	}
	return o
}

func (o *SagaOrchestrator) registerMetrics(reg prometheus.Registerer) {
	o.executionsTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "saga",
		Name:      "executions_total",
		Help:      "Finished saga executions by terminal status.",
	}, []string{"saga", "status"}))
	o.stepsTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "saga",
		Name:      "steps_total",
		Help:      "Saga step outcomes.",
	}, []string{"saga", "status"}))
	o.duration = registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "saga",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of finished executions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"saga"}))
	o.runningGauge = registerCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "saga",
		Name:      "running",
		Help:      "Executions currently in flight.",
	}))
}

// ExecuteSaga runs def to completion. It returns the execution record in
// both outcomes: on success with status completed and a nil error, on
// failure together with an *IntegrationError naming the failing step.
//
// A cancelled context compensates completed steps before the cancellation
// surfaces, regardless of AutoCompensate.
func (o *SagaOrchestrator) ExecuteSaga(ctx context.Context, def SagaDefinition, initial SagaContext) (*SagaExecution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	norm := def.normalized()

	exec := &SagaExecution{
		ExecutionID: ids.Prefixed("exec"),
		SagaID:      norm.SagaID,
		SagaName:    norm.Name,
		Status:      SagaStatusRunning,
		Context:     initial.Clone(),
		StartedAt:   time.Now().UTC(),
		Steps:       make([]StepExecution, len(norm.Steps)),
	}
	for i, step := range norm.Steps {
		exec.Steps[i] = StepExecution{StepID: step.StepID, Name: step.Name, Status: StepStatusPending}
	}
	o.store.Put(exec)
	o.runningGauge.Inc()
	defer o.runningGauge.Dec()

	ctx, span := o.tracer.Start(ctx, "baton.saga.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("baton.saga", norm.Name),
		attribute.String("baton.execution_id", exec.ExecutionID),
	)

	o.logger.Info("saga started", logging.LogFields{
		"execution_id": exec.ExecutionID,
		"saga":         norm.Name,
		"steps":        len(norm.Steps),
	})
	o.publishLifecycle(ctx, topicSagaStarted, exec)

	execCtx := exec.Context.Clone()
	completed := make([]int, 0, len(norm.Steps))

	for i := range norm.Steps {
		step := norm.Steps[i]

		if err := ctx.Err(); err != nil {
			exec.Context = execCtx
			return o.abort(ctx, exec, norm, completed, step.StepID, err)
		}

		stepStart := time.Now().UTC()
		exec.Steps[i].Status = StepStatusRunning
		exec.Steps[i].StartedAt = stepStart
		o.store.Put(exec)

		hookCtx := StepContext{
			ExecutionID: exec.ExecutionID,
			SagaID:      norm.SagaID,
			SagaName:    norm.Name,
			StepID:      step.StepID,
			StepName:    step.Name,
			Remote:      step.remote(),
			Service:     step.Service,
			StartedAt:   stepStart,
		}
		if o.hooks.OnStepStart != nil {
			o.hooks.OnStepStart(hookCtx)
		}

		partial, attempts, stepErr := o.runStep(ctx, step, execCtx)

		now := time.Now().UTC()
		hookCtx.Duration = now.Sub(stepStart)
		hookCtx.Attempt = attempts
		exec.Steps[i].Attempts = attempts
		exec.Steps[i].CompletedAt = now
		o.stepsExecuted.Add(1)

		if stepErr != nil {
			exec.Steps[i].Error = stepErr.Error()
			if o.hooks.OnStepError != nil {
				o.hooks.OnStepError(hookCtx, stepErr)
			}
			if !step.Required {
				exec.Steps[i].Status = StepStatusSkipped
				o.stepsTotal.WithLabelValues(norm.Name, string(StepStatusSkipped)).Inc()
				o.store.Put(exec)
				o.logger.Info("optional step skipped", logging.LogFields{
					"execution_id": exec.ExecutionID,
					"step":         step.Name,
					"error":        stepErr.Error(),
				})
				continue
			}
			exec.Steps[i].Status = StepStatusFailed
			o.stepsTotal.WithLabelValues(norm.Name, string(StepStatusFailed)).Inc()
			exec.Context = execCtx
			return o.abort(ctx, exec, norm, completed, step.StepID, stepErr)
		}

		execCtx = execCtx.Merge(partial)
		exec.Steps[i].Status = StepStatusCompleted
		exec.Context = execCtx
		completed = append(completed, i)
		o.stepsTotal.WithLabelValues(norm.Name, string(StepStatusCompleted)).Inc()
		o.store.Put(exec)
		if o.hooks.OnStepDone != nil {
			o.hooks.OnStepDone(hookCtx)
		}
	}

	exec.Context = execCtx
	o.finish(exec, norm.Name, SagaStatusCompleted)
	o.logger.Info("saga completed", logging.LogFields{
		"execution_id": exec.ExecutionID,
		"saga":         norm.Name,
		"duration_ms":  exec.CompletedAt.Sub(exec.StartedAt).Milliseconds(),
	})
	o.publishLifecycle(ctx, topicSagaCompleted, exec)
	return exec, nil
}

// abort finalizes a failed execution. With compensation due, completed steps
// are unwound in reverse order; compensation errors are logged and swallowed
// so the unwind always reaches the bottom of the stack. A cancelled context
// always compensates, AutoCompensate only governs ordinary failures.
func (o *SagaOrchestrator) abort(ctx context.Context, exec *SagaExecution, norm SagaDefinition, completed []int, failedStepID string, cause error) (*SagaExecution, error) {
	exec.FailedStepID = failedStepID
	trace.SpanFromContext(ctx).RecordError(cause)
	o.logger.Error("saga failed", cause, logging.LogFields{
		"execution_id": exec.ExecutionID,
		"saga":         exec.SagaName,
		"failed_step":  failedStepID,
	})

	intErr := &errspkg.IntegrationError{
		ExecutionID: exec.ExecutionID,
		StepID:      failedStepID,
		Cause:       cause,
	}

	// The unwind and the terminal event must proceed even when the caller's
	// context was cancelled.
	cancelled := ctx.Err() != nil
	residualCtx := context.WithoutCancel(ctx)

	if !norm.AutoCompensate && !cancelled {
		o.finish(exec, norm.Name, SagaStatusFailed)
		o.publishLifecycle(residualCtx, topicSagaFailed, exec)
		return exec, intErr
	}

	exec.Status = SagaStatusCompensating
	o.store.Put(exec)

	for j := len(completed) - 1; j >= 0; j-- {
		idx := completed[j]
		step := norm.Steps[idx]
		if !step.hasCompensation() {
			continue
		}

		compErr := o.runCompensation(residualCtx, step, exec.Context)
		exec.Steps[idx].Compensated = true
		if compErr != nil {
			exec.Steps[idx].CompensationError = compErr.Error()
			o.logger.Error("compensation failed, continuing unwind", compErr, logging.LogFields{
				"execution_id": exec.ExecutionID,
				"step":         step.Name,
			})
		}
		o.stepsCompensated.Add(1)
		o.stepsTotal.WithLabelValues(norm.Name, string(StepStatusCompensated)).Inc()
		o.store.Put(exec)

		if o.hooks.OnCompensation != nil {
			o.hooks.OnCompensation(StepContext{
				ExecutionID: exec.ExecutionID,
				SagaID:      norm.SagaID,
				SagaName:    norm.Name,
				StepID:      step.StepID,
				StepName:    step.Name,
				Remote:      step.CompService != "",
				Service:     step.CompService,
			}, compErr)
		}
	}

	o.finish(exec, norm.Name, SagaStatusCompensated)
	o.publishLifecycle(residualCtx, topicSagaCompensated, exec)
	return exec, intErr
}

// finish stamps the terminal status and records outcome telemetry.
func (o *SagaOrchestrator) finish(exec *SagaExecution, sagaName string, status SagaStatus) {
	exec.Status = status
	exec.CompletedAt = time.Now().UTC()
	o.store.Put(exec)
	o.health.Record(status == SagaStatusCompleted)
	o.executionsTotal.WithLabelValues(sagaName, string(status)).Inc()
	o.duration.WithLabelValues(sagaName).Observe(exec.CompletedAt.Sub(exec.StartedAt).Seconds())
}

// runStep executes one step and returns the partial context to merge. Remote
// steps delegate retries, timeout, and breaker handling to the dispatcher.
// Action steps retry in place with a per-attempt timeout.
func (o *SagaOrchestrator) runStep(ctx context.Context, step SagaStep, execCtx SagaContext) (SagaContext, int, error) {
	if step.remote() {
		opts := []CallOption{WithMaxRetries(step.MaxRetries)}
		if step.Timeout > 0 {
			opts = append(opts, WithTimeout(step.Timeout))
		}
		result, err := o.dispatcher.Call(ctx, step.Service, step.Endpoint, map[string]any(execCtx), opts...)
		if err != nil {
			attempts := 1
			if cerr, ok := errspkg.AsConnectivity(err); ok {
				attempts = cerr.Attempts
			}
			return nil, attempts, err
		}
		return SagaContext(result), 1, nil
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		attempts++
		partial, err := runAction(ctx, step.Action, execCtx, step.Timeout)
		if err == nil {
			return partial, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, attempts, &errspkg.StepExecutionError{
		StepID:   step.StepID,
		StepName: step.Name,
		Attempts: attempts,
		Cause:    lastErr,
	}
}

// runCompensation applies a step's compensation exactly once, without
// retries.
func (o *SagaOrchestrator) runCompensation(ctx context.Context, step SagaStep, execCtx SagaContext) error {
	if step.CompService != "" {
		opts := []CallOption{WithMaxRetries(0)}
		if step.Timeout > 0 {
			opts = append(opts, WithTimeout(step.Timeout))
		}
		if _, err := o.dispatcher.Call(ctx, step.CompService, step.CompEndpoint, map[string]any(execCtx), opts...); err != nil {
			return &errspkg.CompensationError{StepID: step.StepID, Cause: err}
		}
		return nil
	}
	if _, err := runAction(ctx, step.Compensation, execCtx, step.Timeout); err != nil {
		return &errspkg.CompensationError{StepID: step.StepID, Cause: err}
	}
	return nil
}

// runAction invokes an in-process action with a copy of the execution
// context. Panics become ordinary errors.
func runAction(ctx context.Context, action StepAction, execCtx SagaContext, timeout time.Duration) (partial SagaContext, err error) {
	actionCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			partial = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action(actionCtx, execCtx.Clone())
}

func (o *SagaOrchestrator) publishLifecycle(ctx context.Context, topic string, exec *SagaExecution) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"execution_id": exec.ExecutionID,
		"saga_id":      exec.SagaID,
		"saga_name":    exec.SagaName,
		"status":       string(exec.Status),
	}
	if exec.FailedStepID != "" {
		payload["failed_step_id"] = exec.FailedStepID
	}
	evt := events.New(topic, topic, o.serviceName).WithPayload(payload)
	if err := o.bus.Publish(ctx, evt); err != nil {
		o.logger.Error("lifecycle event publish failed", err, logging.LogFields{
			"topic":        topic,
			"execution_id": exec.ExecutionID,
		})
	}
}

// Execution returns a copy of the execution with the given id.
func (o *SagaOrchestrator) Execution(executionID string) (*SagaExecution, bool) {
	return o.store.Get(executionID)
}

// ExecutionTrace returns the per-step records of an execution.
func (o *SagaOrchestrator) ExecutionTrace(executionID string) ([]StepExecution, bool) {
	return o.store.Trace(executionID)
}

// ListExecutions returns executions in start order, optionally filtered by
// status.
func (o *SagaOrchestrator) ListExecutions(statuses ...SagaStatus) []*SagaExecution {
	return o.store.List(statuses...)
}

// Metrics returns execution and step totals.
func (o *SagaOrchestrator) Metrics() SagaMetrics {
	counts := o.store.CountByStatus()
	return SagaMetrics{
		Running:          counts[SagaStatusRunning] + counts[SagaStatusCompensating],
		Completed:        counts[SagaStatusCompleted],
		Failed:           counts[SagaStatusFailed],
		Compensated:      counts[SagaStatusCompensated],
		StepsExecuted:    int(o.stepsExecuted.Load()),
		StepsCompensated: int(o.stepsCompensated.Load()),
	}
}

// HealthStatus reports the rolling success rate of recent executions.
func (o *SagaOrchestrator) HealthStatus() SagaHealth {
	rate, window := o.health.Rate()
	return SagaHealth{
		SuccessRate: rate,
		Healthy:     window == 0 || rate >= o.healthThreshold,
		Window:      window,
	}
}
