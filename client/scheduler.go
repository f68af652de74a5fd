package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/pgk/parser"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/robfig/cron/v3"
)

// tickSpec is how often Start evaluates the recurring definitions.
const tickSpec = "* * * * *"

// Scheduler keeps named recurring definitions and enqueues them when their cron is due.
type Scheduler struct {
	queue  *Queue
	lock   lock.DistributedLockManager
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []*types.RecurringJob
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerLock makes RunDueJobs a no-op on instances that do not hold the scheduler lock.
func WithSchedulerLock(l lock.DistributedLockManager) SchedulerOption {
	return func(s *Scheduler) { s.lock = l }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(q *Queue, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:  q,
		logger: logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("scheduler"))
	return s
}

// ScheduleRecurring registers job under name. A definition with the same name is
// replaced in place and keeps its position.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, name, queue string, job *types.Job, expression string, opts ...PushOption) (string, error) {
	if name == "" {
		return "", &custom_errors.ConfigurationError{Field: "recurring.name", Err: errors.New("is required")}
	}
	if job == nil {
		return "", &custom_errors.ConfigurationError{Field: "recurring.job", Err: errors.New("is required")}
	}
	if !parser.IsValid(expression) {
		return "", &custom_errors.ConfigurationError{
			Field: "recurring.cron",
			Err:   fmt.Errorf("%w: %q", parser.ErrInvalidExpression, expression),
		}
	}
	if !s.queue.HasQueue(queue) {
		return "", &custom_errors.QueueError{Queue: queue, Op: "schedule_recurring", Err: custom_errors.ErrQueueNotFound}
	}

	// the backend keys its registration by payload name, so restarts replace rather than add
	job.Payload.Name = name
	id, err := s.queue.Recurring(ctx, queue, job, expression, opts...)
	if err != nil {
		return "", err
	}

	o := resolvePushOptions(opts)
	entry := &types.RecurringJob{
		ID:         id,
		Name:       name,
		Queue:      queue,
		Expression: expression,
		Priority:   o.priority,
		Job:        job,
		CreatedAt:  s.now().UTC(),
	}

	s.mu.Lock()
	var replaced *types.RecurringJob
	for i, e := range s.entries {
		if e.Name == name {
			replaced = e
			s.entries[i] = entry
			break
		}
	}
	if replaced == nil {
		s.entries = append(s.entries, entry)
	}
	s.mu.Unlock()

	if replaced != nil && replaced.ID != id {
		s.cancel(ctx, replaced)
	}
	s.logger.Info("recurring job registered", slog.String("name", name), logger.Queue(queue), slog.String("cron", expression))
	return id, nil
}

// ScheduleAt enqueues a one-off job for at.
func (s *Scheduler) ScheduleAt(ctx context.Context, queue string, job *types.Job, at time.Time, opts ...PushOption) (string, error) {
	return s.queue.Schedule(ctx, queue, job, at, opts...)
}

// ScheduleIn enqueues a one-off job delay from now.
func (s *Scheduler) ScheduleIn(ctx context.Context, queue string, job *types.Job, delay time.Duration, opts ...PushOption) (string, error) {
	return s.queue.Schedule(ctx, queue, job, s.now().Add(delay), opts...)
}

// RemoveRecurringJob drops the named definition locally and on the backend.
func (s *Scheduler) RemoveRecurringJob(ctx context.Context, name string) bool {
	s.mu.Lock()
	var removed *types.RecurringJob
	for i, e := range s.entries {
		if e.Name == name {
			removed = e
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if removed == nil {
		return false
	}
	s.cancel(ctx, removed)
	return true
}

func (s *Scheduler) cancel(ctx context.Context, entry *types.RecurringJob) {
	_, err := s.queue.CancelRecurring(ctx, entry.Queue, entry.ID)
	if err != nil && !errors.Is(err, custom_errors.ErrUnsupported) {
		s.logger.Warn("failed to cancel recurring registration",
			slog.String("name", entry.Name), logger.Queue(entry.Queue), logger.Error(err))
	}
}

// RecurringJobs returns a snapshot of the definitions in registration order.
func (s *Scheduler) RecurringJobs() []types.RecurringJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.RecurringJob, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		if e.LastRun != nil {
			t := *e.LastRun
			cp.LastRun = &t
		}
		out = append(out, cp)
	}
	return out
}

// RunDueJobs pushes a fresh copy of every due definition and returns how many were pushed.
// A definition that never ran is due immediately. Push failures are logged and retried on
// the next run; cron evaluation errors are returned joined.
func (s *Scheduler) RunDueJobs(ctx context.Context) (int, error) {
	if s.lock != nil {
		held, err := s.lock.TryAcquire(constants.SchedulerLock)
		if err != nil {
			return 0, fmt.Errorf("scheduler lock: %w", err)
		}
		if !held {
			return 0, nil
		}
		defer func() {
			if err := s.lock.Release(constants.SchedulerLock); err != nil {
				s.logger.Warn("failed to release scheduler lock", logger.Error(err))
			}
		}()
	}

	s.mu.Lock()
	entries := append([]*types.RecurringJob(nil), s.entries...)
	s.mu.Unlock()

	now := s.now()
	pushed := 0
	var cronErrs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}

		s.mu.Lock()
		lastRun := entry.LastRun
		s.mu.Unlock()

		due := lastRun == nil
		if !due {
			var err error
			due, err = parser.IsDue(entry.Expression, *lastRun, now)
			if err != nil {
				s.logger.Error("failed to evaluate cron", slog.String("name", entry.Name), logger.Error(err))
				cronErrs = append(cronErrs, fmt.Errorf("recurring job %s: %w", entry.Name, err))
				continue
			}
		}
		if !due {
			continue
		}

		var opts []PushOption
		if entry.Priority != nil {
			opts = append(opts, WithPriority(*entry.Priority))
		}
		id, err := s.queue.Push(ctx, entry.Queue, entry.Job.Clone(), opts...)
		if err != nil {
			s.logger.Error("failed to enqueue recurring job", slog.String("name", entry.Name), logger.Error(err))
			continue
		}

		ran := now
		s.mu.Lock()
		entry.LastRun = &ran
		s.mu.Unlock()
		pushed++
		s.logger.Debug("recurring job enqueued", slog.String("name", entry.Name), logger.JobID(id))
	}
	return pushed, errors.Join(cronErrs...)
}

// Start runs RunDueJobs once and then every minute until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	tick := func() {
		if n, err := s.RunDueJobs(ctx); err != nil {
			s.logger.Error("scheduler run failed", logger.Error(err))
		} else if n > 0 {
			s.logger.Info("recurring jobs enqueued", slog.Int("count", n))
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(tickSpec, tick); err != nil {
		return fmt.Errorf("register scheduler tick: %w", err)
	}

	tick()
	c.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}
