package downloader

import (
	"fmt"
	"time"
)

// Status is the terminal state of one config's download task.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusSkipped         Status = "skipped_already_cached"
	StatusFailedPermanent Status = "failed_permanent"
	StatusFailedExhausted Status = "failed_retries_exhausted"
)

// IsFailure reports whether the status is a terminal failure.
func (s Status) IsFailure() bool {
	return s == StatusFailedPermanent || s == StatusFailedExhausted
}

// Outcome is the immutable result of one config's task. Attempts counts
// network attempts made; it is zero for skips and tasks never dispatched.
type Outcome struct {
	Config   string
	Status   Status
	Attempts int
	Bytes    int64 // bytes newly fetched into the blob store
	Duration time.Duration
	Err      error // final error of the last attempt, nil on success/skip
}

// DisplayConfig renders a config name for humans; the default config has no
// name of its own.
func DisplayConfig(config string) string {
	if config == "" {
		return "<default>"
	}

	return config
}

// PrepareError marks a failure while materializing the prepared form of a
// config from already-fetched blobs. It carries no hub error type on purpose:
// the retry policy classifies it as transient, since disk pressure and racy
// filesystems cause spurious prepare failures.
type PrepareError struct {
	Config string
	Err    error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare failed for config %s: %v", DisplayConfig(e.Config), e.Err)
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}
