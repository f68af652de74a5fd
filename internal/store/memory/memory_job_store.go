package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/types"
)

type entry struct {
	job *types.Job
	seq uint64
}

type recurring struct {
	job        *types.Job
	expression string
	priority   int
}

// MemoryJobStore keeps one queue in process memory. Jobs are copied on the
// way in and out so callers never alias stored state.
type MemoryJobStore struct {
	queue string
	now   func() time.Time

	mu        sync.Mutex
	seq       uint64
	jobs      map[string]*entry
	failed    map[string]*types.Job
	recurring map[string]recurring
	unique    map[string]time.Time
	done      int
}

type Option func(*MemoryJobStore)

// WithClock overrides the time source used for due and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryJobStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryJobStore(queue string, opts ...Option) *MemoryJobStore {
	s := &MemoryJobStore{
		queue:     queue,
		now:       time.Now,
		jobs:      make(map[string]*entry),
		failed:    make(map[string]*types.Job),
		recurring: make(map[string]recurring),
		unique:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ types.Connection         = (*MemoryJobStore)(nil)
	_ types.RecurringCanceller = (*MemoryJobStore)(nil)
	_ types.UniqueLocker       = (*MemoryJobStore)(nil)
)

func copyJob(job *types.Job) *types.Job {
	cp := *job
	return &cp
}

func (s *MemoryJobStore) Push(_ context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error) {
	cp := copyJob(job)
	cp.Queue = s.queue
	cp.Priority = priority
	if executeAt != nil {
		at := executeAt.UTC()
		cp.ExecuteAt = &at
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[cp.ID] = &entry{job: cp, seq: s.seq}
	return cp.ID, nil
}

func (s *MemoryJobStore) Schedule(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error) {
	return s.Push(ctx, job, &at, priority)
}

// Pop reserves the best executable job: highest priority, then earliest
// execute time, then insertion order.
func (s *MemoryJobStore) Pop(_ context.Context) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *entry
	for _, e := range s.jobs {
		if !e.job.Status().IsPoppable() || !e.job.IsExecutableAt(now) {
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	if err := best.job.MarkAsReserved(); err != nil {
		return nil, err
	}
	return copyJob(best.job), nil
}

func before(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	at, bt := readyAt(a.job), readyAt(b.job)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.seq < b.seq
}

func readyAt(job *types.Job) time.Time {
	if job.ExecuteAt != nil {
		return *job.ExecuteAt
	}
	return job.CreatedAt
}

func (s *MemoryJobStore) Complete(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[job.ID]
	if !ok {
		return nil
	}
	if !e.job.IsCompleted() {
		s.done++
	}
	e.job = copyJob(job)
	if !e.job.IsCompleted() {
		e.job.MarkAsComplete()
	}
	return nil
}

func (s *MemoryJobStore) Release(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[job.ID]
	if !ok {
		s.seq++
		e = &entry{seq: s.seq}
		s.jobs[job.ID] = e
	}
	e.job = copyJob(job)
	e.job.Queue = s.queue
	return nil
}

func (s *MemoryJobStore) RegisterRecurringJob(_ context.Context, job *types.Job, expression string, priority int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := types.RecurringID(s.queue, job.Payload.Name)
	s.recurring[id] = recurring{job: copyJob(job), expression: expression, priority: priority}
	return id, nil
}

func (s *MemoryJobStore) CancelRecurringJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recurring[id]; !ok {
		return false, nil
	}
	delete(s.recurring, id)
	return true, nil
}

func (s *MemoryJobStore) Remove(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		delete(s.jobs, jobID)
		return true, nil
	}
	if _, ok := s.failed[jobID]; ok {
		delete(s.failed, jobID)
		return true, nil
	}
	return false, nil
}

// Prune drops completed and failed jobs older than maxAge.
func (s *MemoryJobStore) Prune(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	pruned := 0
	for id, e := range s.jobs {
		if e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		}
	}
	for id, job := range s.failed {
		if job.FailedAt != nil && job.FailedAt.Before(cutoff) {
			delete(s.failed, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryJobStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := len(s.jobs) + len(s.failed)
	s.jobs = make(map[string]*entry)
	s.failed = make(map[string]*types.Job)
	return cleared, nil
}

func (s *MemoryJobStore) StoreFailedJob(_ context.Context, job *types.Job, cause error) error {
	cp := copyJob(job)
	if cp.FailedAt == nil {
		now := s.now().UTC()
		cp.FailedAt = &now
		cp.ReservedAt = nil
	}
	if cause != nil && cp.ErrorMessage == "" {
		cp.ErrorMessage = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, cp.ID)
	s.failed[cp.ID] = cp
	return nil
}

func (s *MemoryJobStore) RetryFailedJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.failed[jobID]
	if !ok {
		return false, nil
	}
	if err := job.ResetForRetry(); err != nil {
		return false, err
	}
	delete(s.failed, jobID)
	s.seq++
	s.jobs[jobID] = &entry{job: job, seq: s.seq}
	return true, nil
}

// GetFailedJobs pages failed jobs, most recent failure first.
func (s *MemoryJobStore) GetFailedJobs(_ context.Context, limit, offset int) ([]*types.Job, error) {
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*types.Job, 0, len(s.failed))
	for _, job := range s.failed {
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].FailedAt.After(*jobs[j].FailedAt)
	})

	if offset >= len(jobs) {
		return []*types.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryJobStore) GetStats(_ context.Context) (types.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := types.Stats{Failed: len(s.failed), Done: s.done}
	for _, e := range s.jobs {
		switch e.job.Status() {
		case state.StatusReserved:
			stats.Reserved++
		case state.StatusPending, state.StatusRetrying:
			if e.job.IsExecutableAt(now) {
				stats.Pending++
			} else {
				stats.Delayed++
			}
		}
	}
	return stats, nil
}

// AcquireUnique takes key for ttl unless an unexpired holder exists.
func (s *MemoryJobStore) AcquireUnique(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expires, ok := s.unique[key]; ok && expires.After(now) {
		return false, nil
	}
	s.unique[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryJobStore) ReleaseUnique(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unique, key)
	return nil
}

func (s *MemoryJobStore) SupportsRecurring() bool   { return true }
func (s *MemoryJobStore) HasFailedJobStorage() bool { return true }
func (s *MemoryJobStore) Close() error              { return nil }
