package lmstudio

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConnectionError signals that the inference endpoint is unreachable. It is
// produced by the connectivity probe that runs before the first model call of
// a request.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("endpoint unreachable: %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EndpointError signals a non-200 response from the inference endpoint.
type EndpointError struct {
	Status int
	Body   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.Status, e.Body)
}

// CancelledError is raised when the per-client cancellation flag is observed
// at a suspension point. Partial carries any assistant text accumulated before
// the flag was seen; callers may present it as the final answer.
type CancelledError struct {
	Partial string
}

func (e *CancelledError) Error() string { return "cancelled" }

// RoundLimitError signals that the orchestrator exhausted its round budget
// without the model producing a final answer.
type RoundLimitError struct {
	Rounds int
}

func (e *RoundLimitError) Error() string {
	return fmt.Sprintf("tool round limit exceeded after %d rounds", e.Rounds)
}

// Error is the catch-all wrapper for failures that do not fit the taxonomy
// above. No other error types leak out of the orchestration boundary.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("lmstudio: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err represents a request deadline expiry, which is
// the trigger for endpoint recovery.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
