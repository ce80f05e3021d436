package scheduler

import (
	"github.com/cockroachdb/errors"
)

// Failure taxonomy delivered through ToolResult.Err; callers classify
// with errors.Is.
var (
	// ErrValidation marks a malformed call. Never retried, never queued.
	ErrValidation = errors.New("invalid tool call")
	// ErrCancelled marks a call declined by the user. Never retried.
	ErrCancelled = errors.New("cancelled by user")
	// ErrNoHandler marks a call whose name no built-in tool or connected
	// provider owns. Never retried.
	ErrNoHandler = errors.New("no handler available")
	// ErrTimeout marks a call that was still pending when its timer fired.
	ErrTimeout = errors.New("execution timed out")
	// ErrRetryExhausted is terminal and wraps the last underlying failure.
	ErrRetryExhausted = errors.New("retry limit exceeded")
	// ErrShuttingDown marks entries drained during shutdown.
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// retryable reports whether a failure is eligible for another attempt.
// Misconfiguration and user decisions are terminal; execution, provider,
// and connection failures are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrNoHandler),
		errors.Is(err, ErrShuttingDown):
		return false
	}
	return true
}
