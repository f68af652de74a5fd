package types

import (
	"context"
	"time"
)

// Connection is the backend serving a single named queue.
//
// Pop must reserve atomically: concurrent callers, in this or other processes, never
// receive the same job. It returns (nil, nil) when nothing is executable. The job it
// returns is already reserved with its attempt count incremented.
type Connection interface {
	Push(ctx context.Context, job *Job, executeAt *time.Time, priority int) (string, error)
	Pop(ctx context.Context) (*Job, error)
	Schedule(ctx context.Context, job *Job, at time.Time, priority int) (string, error)
	// RegisterRecurringJob is only valid when SupportsRecurring is true.
	RegisterRecurringJob(ctx context.Context, job *Job, expression string, priority int) (string, error)

	// Complete persists a completed job.
	Complete(ctx context.Context, job *Job) error
	// Release persists a job already marked for retry so it can be popped at its new execute time.
	Release(ctx context.Context, job *Job) error

	Remove(ctx context.Context, jobID string) (bool, error)
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
	Clear(ctx context.Context) (int, error)

	// RetryFailedJob and GetFailedJobs are only valid when HasFailedJobStorage is true.
	RetryFailedJob(ctx context.Context, jobID string) (bool, error)
	StoreFailedJob(ctx context.Context, job *Job, cause error) error
	GetFailedJobs(ctx context.Context, limit, offset int) ([]*Job, error)

	GetStats(ctx context.Context) (Stats, error)
	SupportsRecurring() bool
	HasFailedJobStorage() bool
	Close() error
}

// RecurringCanceller is implemented by backends that can drop a recurring registration.
type RecurringCanceller interface {
	CancelRecurringJob(ctx context.Context, id string) (bool, error)
}

// UniqueLocker is implemented by backends that can hold unique-job keys.
type UniqueLocker interface {
	AcquireUnique(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseUnique(ctx context.Context, key string) error
}

type Stats struct {
	Pending  int `json:"pending"`
	Reserved int `json:"reserved"`
	Failed   int `json:"failed"`
	Delayed  int `json:"delayed"`
	Done     int `json:"done"`
}
