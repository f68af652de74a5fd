package mocks

import (
	"context"
	"time"

	"github.com/RezaEskandarii/firequeue/types"
)

// MockConnection is a mock implementation of types.Connection for testing.
// Unset funcs return zero values; SupportsRecurring and HasFailedJobStorage default to true.
type MockConnection struct {
	PushFunc                 func(ctx context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error)
	PopFunc                  func(ctx context.Context) (*types.Job, error)
	ScheduleFunc             func(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error)
	RegisterRecurringJobFunc func(ctx context.Context, job *types.Job, expression string, priority int) (string, error)
	CompleteFunc             func(ctx context.Context, job *types.Job) error
	ReleaseFunc              func(ctx context.Context, job *types.Job) error
	RemoveFunc               func(ctx context.Context, jobID string) (bool, error)
	PruneFunc                func(ctx context.Context, maxAge time.Duration) (int, error)
	ClearFunc                func(ctx context.Context) (int, error)
	RetryFailedJobFunc       func(ctx context.Context, jobID string) (bool, error)
	StoreFailedJobFunc       func(ctx context.Context, job *types.Job, cause error) error
	GetFailedJobsFunc        func(ctx context.Context, limit, offset int) ([]*types.Job, error)
	GetStatsFunc             func(ctx context.Context) (types.Stats, error)
	CloseFunc                func() error

	NoRecurring     bool
	NoFailedStorage bool
}

func (m *MockConnection) Push(ctx context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error) {
	if m.PushFunc != nil {
		return m.PushFunc(ctx, job, executeAt, priority)
	}
	return job.ID, nil
}

func (m *MockConnection) Pop(ctx context.Context) (*types.Job, error) {
	if m.PopFunc != nil {
		return m.PopFunc(ctx)
	}
	return nil, nil
}

func (m *MockConnection) Schedule(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error) {
	if m.ScheduleFunc != nil {
		return m.ScheduleFunc(ctx, job, at, priority)
	}
	return job.ID, nil
}

func (m *MockConnection) RegisterRecurringJob(ctx context.Context, job *types.Job, expression string, priority int) (string, error) {
	if m.RegisterRecurringJobFunc != nil {
		return m.RegisterRecurringJobFunc(ctx, job, expression, priority)
	}
	return job.ID, nil
}

func (m *MockConnection) Complete(ctx context.Context, job *types.Job) error {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, job)
	}
	return nil
}

func (m *MockConnection) Release(ctx context.Context, job *types.Job) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, job)
	}
	return nil
}

func (m *MockConnection) Remove(ctx context.Context, jobID string) (bool, error) {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, jobID)
	}
	return false, nil
}

func (m *MockConnection) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if m.PruneFunc != nil {
		return m.PruneFunc(ctx, maxAge)
	}
	return 0, nil
}

func (m *MockConnection) Clear(ctx context.Context) (int, error) {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	return 0, nil
}

func (m *MockConnection) RetryFailedJob(ctx context.Context, jobID string) (bool, error) {
	if m.RetryFailedJobFunc != nil {
		return m.RetryFailedJobFunc(ctx, jobID)
	}
	return false, nil
}

func (m *MockConnection) StoreFailedJob(ctx context.Context, job *types.Job, cause error) error {
	if m.StoreFailedJobFunc != nil {
		return m.StoreFailedJobFunc(ctx, job, cause)
	}
	return nil
}

func (m *MockConnection) GetFailedJobs(ctx context.Context, limit, offset int) ([]*types.Job, error) {
	if m.GetFailedJobsFunc != nil {
		return m.GetFailedJobsFunc(ctx, limit, offset)
	}
	return nil, nil
}

func (m *MockConnection) GetStats(ctx context.Context) (types.Stats, error) {
	if m.GetStatsFunc != nil {
		return m.GetStatsFunc(ctx)
	}
	return types.Stats{}, nil
}

func (m *MockConnection) SupportsRecurring() bool {
	return !m.NoRecurring
}

func (m *MockConnection) HasFailedJobStorage() bool {
	return !m.NoFailedStorage
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
