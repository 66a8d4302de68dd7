package hub

import (
	"fmt"
	"time"
)

// RateLimitedError is returned when the hub answers with HTTP 429. RetryAfter
// carries the server-supplied wait hint when the response included one.
type RateLimitedError struct {
	Operation  string        // The operation that was throttled (e.g. "list_files")
	RetryAfter time.Duration // Server wait hint, 0 when the hub sent none
	Err        error         // Underlying error, if any
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited during %s (retry after %s)", e.Operation, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited during %s", e.Operation)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// TransientError represents failures worth retrying: connection resets,
// timeouts and 5xx responses from the hub.
type TransientError struct {
	Operation  string // The operation that failed (e.g. "fetch_file")
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	Err        error  // Underlying error, if any
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents failures that no amount of retrying will fix:
// missing datasets, revoked tokens, malformed hub responses.
type PermanentError struct {
	Operation  string // The operation that failed
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	Reason     string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("permanent error during %s: %s", e.Operation, e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
