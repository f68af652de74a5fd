package custom_errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrUnsupported     = errors.New("operation not supported by backend")
	ErrDuplicateJob    = errors.New("duplicate unique job")
	ErrHandlerNotFound = errors.New("job handler not found")
)

// QueueError wraps every failure crossing the queue facade with the queue and operation it came from.
type QueueError struct {
	Queue string
	Op    string
	JobID string
	Err   error
}

func (e *QueueError) Error() string {
	msg := fmt.Sprintf("queue %q: %s", e.Queue, e.Op)
	if e.JobID != "" {
		msg += fmt.Sprintf(" job %s", e.JobID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// JobError means a payload could not be loaded or its handler failed.
type JobError struct {
	JobID string
	Kind  string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

type JobTimeoutError struct {
	JobID   string
	Timeout time.Duration
	Err     error
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("job %s exceeded execution time of %s", e.JobID, e.Timeout)
}

func (e *JobTimeoutError) Unwrap() error {
	return e.Err
}

// MaxRetriesExceededError is the cause recorded when a job reaches terminal failure.
type MaxRetriesExceededError struct {
	JobID      string
	Attempts   int
	MaxRetries int
	Err        error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts (max retries %d): %v", e.JobID, e.Attempts, e.MaxRetries, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Err
}

type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
