package types

import "time"

type OutcomeStatus int

const (
	OutcomeCompleted OutcomeStatus = iota + 1
	OutcomeRetrying
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what processing a job produced. Err carries the failure cause for
// Retrying and Failed, and a bookkeeping error when Completed could not be persisted.
type Outcome struct {
	JobID      string
	Queue      string
	Status     OutcomeStatus
	Attempts   int
	RetryDelay time.Duration
	Err        error
	RanAt      time.Time
}

func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeCompleted
}
