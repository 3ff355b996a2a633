package errors

import (
	sterrors "errors"
	"fmt"
)

// CircuitOpenError is returned when a protected call is denied by its circuit
// breaker. No network attempt was made.
type CircuitOpenError struct {
	Service string
	State   string
	Cause   error
}

func (e *CircuitOpenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("baton: circuit %s for service %q: %v", e.State, e.Service, e.Cause)
	}
	return fmt.Sprintf("baton: circuit %s for service %q", e.State, e.Service)
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is so callers can match on the type without a concrete
// instance.
func (e *CircuitOpenError) Is(target error) bool {
	_, ok := target.(*CircuitOpenError)
	return ok
}

// ConnectivityError is returned when a downstream service stayed unreachable
// (connection error, timeout, or non-2xx) after all retries were spent.
type ConnectivityError struct {
	Service  string
	Endpoint string
	Attempts int
	Cause    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("baton: service %q unreachable at %s after %d attempt(s): %v",
		e.Service, e.Endpoint, e.Attempts, e.Cause)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

func (e *ConnectivityError) Is(target error) bool {
	_, ok := target.(*ConnectivityError)
	return ok
}

// StepExecutionError wraps a failure raised by an in-process saga step action.
type StepExecutionError struct {
	StepID   string
	StepName string
	Attempts int
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("baton: step %q (%s) failed after %d attempt(s): %v",
		e.StepName, e.StepID, e.Attempts, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

func (e *StepExecutionError) Is(target error) bool {
	_, ok := target.(*StepExecutionError)
	return ok
}

// CompensationError wraps a failure raised by a compensation action. It is
// logged and swallowed by the saga unwind, never propagated to callers.
type CompensationError struct {
	StepID string
	Cause  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("baton: compensation for step %s failed: %v", e.StepID, e.Cause)
}

func (e *CompensationError) Unwrap() error {
	return e.Cause
}

func (e *CompensationError) Is(target error) bool {
	_, ok := target.(*CompensationError)
	return ok
}

// ValidationError reports a malformed saga or event definition.
type ValidationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("baton: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("baton: validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// IntegrationError is the single error surfaced to execute-saga callers when
// an execution could not complete. It carries the execution and failing step
// identifiers so the failure can be diagnosed via the execution trace.
type IntegrationError struct {
	ExecutionID string
	StepID      string
	Cause       error
}

func (e *IntegrationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("baton: saga execution %s failed at step %s: %v", e.ExecutionID, e.StepID, e.Cause)
	}
	return fmt.Sprintf("baton: saga execution %s failed: %v", e.ExecutionID, e.Cause)
}

func (e *IntegrationError) Unwrap() error {
	return e.Cause
}

func (e *IntegrationError) Is(target error) bool {
	_, ok := target.(*IntegrationError)
	return ok
}

// AsCircuitOpen reports whether err has a CircuitOpenError in its chain and
// returns it.
func AsCircuitOpen(err error) (*CircuitOpenError, bool) {
	var coe *CircuitOpenError
	ok := sterrors.As(err, &coe)
	return coe, ok
}

// AsConnectivity reports whether err has a ConnectivityError in its chain and
// returns it.
func AsConnectivity(err error) (*ConnectivityError, bool) {
	var ce *ConnectivityError
	ok := sterrors.As(err, &ce)
	return ce, ok
}
