package events

import (
	"errors"
	"fmt"
	"time"
)

// Handler outcome errors. A subscription handler returns one of these to
// steer what happens to the event after the handler gives up.

var (
	// ErrRetry asks the retry middleware to redeliver with backoff.
	ErrRetry = errors.New("baton: retry event")

	// ErrDeadLetter sends the event to the dead letter queue without
	// further retries.
	ErrDeadLetter = errors.New("baton: dead letter event")

	// ErrSkip acknowledges the event without processing it, for example
	// a duplicate the handler recognized.
	ErrSkip = errors.New("baton: skip event")

	// ErrUnprocessable marks the event permanently invalid. It is routed
	// to the dead letter queue like ErrDeadLetter.
	ErrUnprocessable = errors.New("baton: unprocessable event")
)

// RetryAfterError asks for redelivery after a specific delay instead of
// the default backoff schedule.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// ErrRetryAfter builds a RetryAfterError.
func ErrRetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("baton: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("baton: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Cause
}

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// DeadLetterError sends the event to the dead letter queue with a reason
// recorded on the entry.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// ErrDeadLetterWithReason builds a DeadLetterError.
func ErrDeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("baton: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("baton: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// HandlerResult is the classified outcome of a handler invocation.
type HandlerResult int

const (
	// ResultAck means the event was processed and should be acknowledged.
	ResultAck HandlerResult = iota

	// ResultRetry means the event should be redelivered.
	ResultRetry

	// ResultRetryAfter means the event should be redelivered after a delay.
	ResultRetryAfter

	// ResultDeadLetter means the event should go to the dead letter queue.
	ResultDeadLetter

	// ResultSkip means the event should be acknowledged without processing.
	ResultSkip
)

// ClassifyError maps a handler error onto a HandlerResult and, for
// RetryAfterError, the requested delay. Unknown errors default to retry.
func ClassifyError(err error) (HandlerResult, time.Duration) {
	if err == nil {
		return ResultAck, 0
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return ResultRetryAfter, retryAfter.Delay
	}
	if errors.Is(err, ErrDeadLetter) || errors.Is(err, ErrUnprocessable) {
		return ResultDeadLetter, 0
	}
	if errors.Is(err, ErrSkip) {
		return ResultSkip, 0
	}

	return ResultRetry, 0
}

// IsRetryable reports whether the error calls for redelivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	result, _ := ClassifyError(err)
	return result == ResultRetry || result == ResultRetryAfter
}

// ShouldDeadLetter reports whether the error calls for dead lettering.
func ShouldDeadLetter(err error) bool {
	if err == nil {
		return false
	}
	result, _ := ClassifyError(err)
	return result == ResultDeadLetter
}
