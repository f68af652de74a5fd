package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/pgk/parser"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/RezaEskandarii/firequeue/types/config"
)

// QueueStats is the backend view of a queue plus what this process did with it.
type QueueStats struct {
	types.Stats
	Pushed    int64 `json:"pushed"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

type counters struct {
	pushed    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// Queue is the facade over every registered named queue. Connections are opened
// lazily through each queue's ConnectionFactory and cached until CloseAll.
type Queue struct {
	registry types.Resolver
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	order    []string
	configs  map[string]*config.QueueConfig
	conns    map[string]types.Connection
	counters map[string]*counters
}

type QueueOption func(*Queue)

func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewQueue(registry types.Resolver, opts ...QueueOption) *Queue {
	q := &Queue{
		registry: registry,
		logger:   logger.Discard(),
		now:      time.Now,
		configs:  make(map[string]*config.QueueConfig),
		conns:    make(map[string]types.Connection),
		counters: make(map[string]*counters),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logger.Component("queue"))
	return q
}

// RegisterQueue adds or replaces a named queue. Replacing closes the cached connection.
func (q *Queue) RegisterQueue(name string, cfg *config.QueueConfig) error {
	if name == "" {
		return &custom_errors.ConfigurationError{Field: "queue", Err: errors.New("name is required")}
	}
	if cfg == nil || cfg.ConnectionFactory == nil {
		return &custom_errors.ConfigurationError{Field: "queue." + name, Err: errors.New("connection factory is required")}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.configs[name]; !exists {
		q.order = append(q.order, name)
		q.counters[name] = &counters{}
	}
	q.configs[name] = cfg
	if conn, ok := q.conns[name]; ok {
		delete(q.conns, name)
		if err := conn.Close(); err != nil {
			q.logger.Warn("failed to close replaced connection", logger.Queue(name), logger.Error(err))
		}
	}
	return nil
}

func (q *Queue) HasQueue(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.configs[name]
	return ok
}

// Queues lists the registered queue names in registration order.
func (q *Queue) Queues() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]string(nil), q.order...)
}

func (q *Queue) Config(name string) (*config.QueueConfig, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	cfg, ok := q.configs[name]
	if !ok {
		return nil, &custom_errors.QueueError{Queue: name, Op: "config", Err: custom_errors.ErrQueueNotFound}
	}
	return cfg, nil
}

// Connection returns the cached connection of name, opening it on first use.
func (q *Queue) Connection(name string) (types.Connection, error) {
	conn, _, err := q.connection(name)
	if err != nil {
		return nil, q.wrap(name, "connect", "", err)
	}
	return conn, nil
}

func (q *Queue) connection(name string) (types.Connection, *config.QueueConfig, error) {
	q.mu.RLock()
	cfg, ok := q.configs[name]
	conn := q.conns[name]
	q.mu.RUnlock()

	if !ok {
		return nil, nil, custom_errors.ErrQueueNotFound
	}
	if conn != nil {
		return conn, cfg, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if conn := q.conns[name]; conn != nil {
		return conn, cfg, nil
	}
	conn, err := cfg.ConnectionFactory(name)
	if err != nil {
		return nil, nil, fmt.Errorf("open connection: %w", err)
	}
	if conn == nil {
		return nil, nil, errors.New("connection factory returned nil")
	}
	q.conns[name] = conn
	return conn, cfg, nil
}

func (q *Queue) stats(name string) *counters {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if c, ok := q.counters[name]; ok {
		return c
	}
	return &counters{}
}

// wrap converts err into a QueueError unless it already is one, and logs it.
func (q *Queue) wrap(queue, op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var qe *custom_errors.QueueError
	if !errors.As(err, &qe) {
		qe = &custom_errors.QueueError{Queue: queue, Op: op, JobID: jobID, Err: err}
	}
	q.logger.Error("queue operation failed",
		logger.Queue(queue), slog.String("op", op), logger.JobID(jobID), logger.Error(err))
	return qe
}

type pushOptions struct {
	delay     *time.Duration
	priority  *int
	executeAt *time.Time
}

type PushOption func(*pushOptions)

// WithDelay overrides the queue's default delay.
func WithDelay(d time.Duration) PushOption {
	return func(o *pushOptions) { o.delay = &d }
}

// WithPriority overrides the queue's default priority. Higher runs first.
func WithPriority(p int) PushOption {
	return func(o *pushOptions) { o.priority = &p }
}

// WithExecuteAt pins the execute time, taking precedence over any delay.
func WithExecuteAt(t time.Time) PushOption {
	return func(o *pushOptions) { o.executeAt = &t }
}

func resolvePushOptions(opts []PushOption) pushOptions {
	var o pushOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o pushOptions) priorityOr(def int) int {
	if o.priority != nil {
		return *o.priority
	}
	return def
}

// Push enqueues job on queue and returns the backend id.
func (q *Queue) Push(ctx context.Context, queue string, job *types.Job, opts ...PushOption) (string, error) {
	if job == nil {
		return "", q.wrap(queue, "push", "", errors.New("job is nil"))
	}
	conn, cfg, err := q.connection(queue)
	if err != nil {
		return "", q.wrap(queue, "push", job.ID, err)
	}

	o := resolvePushOptions(opts)
	job.Queue = queue

	var executeAt *time.Time
	switch {
	case o.executeAt != nil:
		at := o.executeAt.UTC()
		executeAt = &at
	default:
		delay := cfg.DefaultDelay
		if o.delay != nil {
			delay = *o.delay
		}
		if delay > 0 {
			at := q.now().UTC().Add(delay)
			executeAt = &at
		}
	}

	key, err := q.acquireUnique(ctx, conn, cfg, job)
	if err != nil {
		return "", q.wrap(queue, "push", job.ID, err)
	}

	id, err := conn.Push(ctx, job, executeAt, o.priorityOr(cfg.DefaultPriority))
	if err != nil {
		q.releaseUnique(ctx, conn, queue, key)
		return "", q.wrap(queue, "push", job.ID, err)
	}
	q.stats(queue).pushed.Add(1)
	q.logger.Debug("job pushed", logger.Queue(queue), logger.JobID(id), logger.Kind(job.Kind()))
	return id, nil
}

// Pop reserves the next executable job of queue, or returns nil when there is none.
func (q *Queue) Pop(ctx context.Context, queue string) (*types.Job, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return nil, q.wrap(queue, "pop", "", err)
	}
	job, err := conn.Pop(ctx)
	if err != nil {
		return nil, q.wrap(queue, "pop", "", err)
	}
	if job != nil && job.Queue == "" {
		job.Queue = queue
	}
	return job, nil
}

func (q *Queue) Schedule(ctx context.Context, queue string, job *types.Job, at time.Time, opts ...PushOption) (string, error) {
	if job == nil {
		return "", q.wrap(queue, "schedule", "", errors.New("job is nil"))
	}
	conn, cfg, err := q.connection(queue)
	if err != nil {
		return "", q.wrap(queue, "schedule", job.ID, err)
	}
	job.Queue = queue

	key, err := q.acquireUnique(ctx, conn, cfg, job)
	if err != nil {
		return "", q.wrap(queue, "schedule", job.ID, err)
	}
	o := resolvePushOptions(opts)
	id, err := conn.Schedule(ctx, job, at.UTC(), o.priorityOr(cfg.DefaultPriority))
	if err != nil {
		q.releaseUnique(ctx, conn, queue, key)
		return "", q.wrap(queue, "schedule", job.ID, err)
	}
	q.stats(queue).pushed.Add(1)
	return id, nil
}

// Recurring registers job with the backend under a cron expression. Registrations are
// keyed by queue and payload name; registering the same name again replaces it.
func (q *Queue) Recurring(ctx context.Context, queue string, job *types.Job, expression string, opts ...PushOption) (string, error) {
	if job == nil {
		return "", q.wrap(queue, "recurring", "", errors.New("job is nil"))
	}
	if !parser.IsValid(expression) {
		return "", q.wrap(queue, "recurring", job.ID, &custom_errors.ConfigurationError{
			Field: "cron",
			Err:   fmt.Errorf("%w: %q", parser.ErrInvalidExpression, expression),
		})
	}
	conn, cfg, err := q.connection(queue)
	if err != nil {
		return "", q.wrap(queue, "recurring", job.ID, err)
	}
	if !conn.SupportsRecurring() {
		return "", q.wrap(queue, "recurring", job.ID, custom_errors.ErrUnsupported)
	}
	job.Queue = queue
	o := resolvePushOptions(opts)
	id, err := conn.RegisterRecurringJob(ctx, job, expression, o.priorityOr(cfg.DefaultPriority))
	if err != nil {
		return "", q.wrap(queue, "recurring", job.ID, err)
	}
	return id, nil
}

func (q *Queue) CancelRecurring(ctx context.Context, queue, id string) (bool, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return false, q.wrap(queue, "cancel_recurring", id, err)
	}
	canceller, ok := conn.(types.RecurringCanceller)
	if !ok {
		return false, q.wrap(queue, "cancel_recurring", id, custom_errors.ErrUnsupported)
	}
	removed, err := canceller.CancelRecurringJob(ctx, id)
	return removed, q.wrap(queue, "cancel_recurring", id, err)
}

func (q *Queue) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return false, q.wrap(queue, "remove", jobID, err)
	}
	removed, err := conn.Remove(ctx, jobID)
	return removed, q.wrap(queue, "remove", jobID, err)
}

// Prune deletes finished jobs older than maxAge; zero uses the queue's PruneMaxAge.
func (q *Queue) Prune(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	conn, cfg, err := q.connection(queue)
	if err != nil {
		return 0, q.wrap(queue, "prune", "", err)
	}
	if maxAge <= 0 {
		maxAge = cfg.PruneMaxAge
	}
	n, err := conn.Prune(ctx, maxAge)
	if err != nil {
		return 0, q.wrap(queue, "prune", "", err)
	}
	if n > 0 {
		q.logger.Info("pruned jobs", logger.Queue(queue), slog.Int("count", n))
	}
	return n, nil
}

func (q *Queue) Clear(ctx context.Context, queue string) (int, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return 0, q.wrap(queue, "clear", "", err)
	}
	n, err := conn.Clear(ctx)
	if err != nil {
		return 0, q.wrap(queue, "clear", "", err)
	}
	return n, nil
}

// Retry moves a stored failed job back to pending.
func (q *Queue) Retry(ctx context.Context, queue, jobID string) (bool, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return false, q.wrap(queue, "retry", jobID, err)
	}
	if !conn.HasFailedJobStorage() {
		return false, q.wrap(queue, "retry", jobID, custom_errors.ErrUnsupported)
	}
	ok, err := conn.RetryFailedJob(ctx, jobID)
	if err != nil {
		return false, q.wrap(queue, "retry", jobID, err)
	}
	return ok, nil
}

func (q *Queue) GetFailedJobs(ctx context.Context, queue string, limit, offset int) ([]*types.Job, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return nil, q.wrap(queue, "failed_jobs", "", err)
	}
	if !conn.HasFailedJobStorage() {
		return nil, q.wrap(queue, "failed_jobs", "", custom_errors.ErrUnsupported)
	}
	jobs, err := conn.GetFailedJobs(ctx, limit, offset)
	if err != nil {
		return nil, q.wrap(queue, "failed_jobs", "", err)
	}
	return jobs, nil
}

// FailedJobsPage lists stored failures newest first, page by page.
func (q *Queue) FailedJobsPage(ctx context.Context, queue string, page, pageSize int) (types.PaginationResult[*types.Job], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	jobs, err := q.GetFailedJobs(ctx, queue, pageSize, types.Offset(page, pageSize))
	if err != nil {
		return types.PaginationResult[*types.Job]{}, err
	}
	st, err := q.GetStats(ctx, queue)
	if err != nil {
		return types.PaginationResult[*types.Job]{}, err
	}
	return types.NewPaginationResult(jobs, st.Stats.Failed, page, pageSize), nil
}

func (q *Queue) GetStats(ctx context.Context, queue string) (QueueStats, error) {
	conn, _, err := q.connection(queue)
	if err != nil {
		return QueueStats{}, q.wrap(queue, "stats", "", err)
	}
	st, err := conn.GetStats(ctx)
	if err != nil {
		return QueueStats{}, q.wrap(queue, "stats", "", err)
	}
	c := q.stats(queue)
	return QueueStats{
		Stats:     st,
		Pushed:    c.pushed.Load(),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
	}, nil
}

// GetAllStats collects stats of every registered queue; per-queue failures are joined.
func (q *Queue) GetAllStats(ctx context.Context) (map[string]QueueStats, error) {
	names := q.Queues()
	all := make(map[string]QueueStats, len(names))
	var errs []error
	for _, name := range names {
		st, err := q.GetStats(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all[name] = st
	}
	return all, errors.Join(errs...)
}

// CloseAll closes every open connection. Connections reopen on next use.
func (q *Queue) CloseAll() error {
	q.mu.Lock()
	conns := q.conns
	q.conns = make(map[string]types.Connection)
	q.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, &custom_errors.QueueError{Queue: name, Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

type processOptions struct {
	timeout time.Duration
}

type ProcessOption func(*processOptions)

// WithTimeout sets the base execution limit; the job's own timeout still wins when smaller.
func WithTimeout(d time.Duration) ProcessOption {
	return func(o *processOptions) { o.timeout = d }
}

// Process runs job and settles it: completed, released for retry, or failed.
// Errors never escape; they are reported on the Outcome.
func (q *Queue) Process(ctx context.Context, job *types.Job, opts ...ProcessOption) types.Outcome {
	outcome := types.Outcome{JobID: job.ID, Queue: job.Queue, RanAt: q.now().UTC()}

	conn, cfg, err := q.connection(job.Queue)
	if err != nil {
		outcome.Status = types.OutcomeFailed
		outcome.Err = q.wrap(job.Queue, "process", job.ID, err)
		return outcome
	}

	o := processOptions{timeout: cfg.MaxExecutionTime}
	for _, opt := range opts {
		opt(&o)
	}

	if !job.IsReserved() {
		if err := job.MarkAsReserved(); err != nil {
			outcome.Status = types.OutcomeFailed
			outcome.Err = q.wrap(job.Queue, "process", job.ID, err)
			return outcome
		}
	}
	outcome.Attempts = job.Attempts
	counts := q.stats(job.Queue)
	log := q.logger.With(logger.Queue(job.Queue), logger.JobID(job.ID), logger.Kind(job.Kind()))

	started := time.Now()
	cause := q.execute(ctx, job, o.timeout)
	if cause == nil {
		job.MarkAsComplete()
		outcome.Status = types.OutcomeCompleted
		if err := conn.Complete(ctx, job); err != nil {
			outcome.Err = q.wrap(job.Queue, "complete", job.ID, err)
		}
		q.releaseJobUnique(ctx, conn, job)
		counts.processed.Add(1)
		log.Info("job processed", logger.Attempts(job.Attempts), logger.Duration(time.Since(started)))
		return outcome
	}

	counts.failed.Add(1)
	log.Warn("job attempt failed", logger.Attempts(job.Attempts), logger.Error(cause))

	var final error
	if job.Attempts <= cfg.MaxRetries {
		delay := cfg.RetryDelayFor(job.Attempts)
		bookErr := job.MarkForRetry(delay)
		if bookErr == nil {
			bookErr = conn.Release(ctx, job)
		}
		if bookErr == nil {
			counts.retried.Add(1)
			outcome.Status = types.OutcomeRetrying
			outcome.RetryDelay = delay
			outcome.Err = cause
			return outcome
		}
		final = q.wrap(job.Queue, "retry", job.ID, errors.Join(cause, bookErr))
	} else {
		final = &custom_errors.MaxRetriesExceededError{
			JobID:      job.ID,
			Attempts:   job.Attempts,
			MaxRetries: cfg.MaxRetries,
			Err:        cause,
		}
	}

	outcome.Status = types.OutcomeFailed
	outcome.Err = final
	if err := job.MarkAsFailed(ctx, final); err != nil {
		log.Warn("failed hook returned an error", logger.Error(err))
	}

	if cfg.PersistFailed && conn.HasFailedJobStorage() {
		if err := conn.StoreFailedJob(ctx, job, final); err != nil {
			q.wrap(job.Queue, "store_failed", job.ID, err)
		}
	} else if _, err := conn.Remove(ctx, job.ID); err != nil {
		q.wrap(job.Queue, "remove", job.ID, err)
	}
	q.releaseJobUnique(ctx, conn, job)
	log.Error("job failed", logger.Attempts(job.Attempts), logger.Error(final))
	return outcome
}

// execute runs the handler under the effective timeout. Panics become JobErrors and
// a run that outlives its deadline is a JobTimeoutError whatever the handler returned.
func (q *Queue) execute(ctx context.Context, job *types.Job, base time.Duration) error {
	item, err := job.Item(q.registry)
	if err != nil {
		return err
	}

	runCtx := ctx
	timeout := job.EffectiveTimeout(base)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err = handle(runCtx, item)
	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		if err == nil {
			err = runCtx.Err()
		}
		return &custom_errors.JobTimeoutError{JobID: job.ID, Timeout: timeout, Err: err}
	}
	if err == nil {
		return nil
	}

	var jobErr *custom_errors.JobError
	if errors.As(err, &jobErr) {
		return err
	}
	return &custom_errors.JobError{JobID: job.ID, Kind: job.Kind(), Err: err}
}

func handle(ctx context.Context, item types.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return item.Handle(ctx)
}

// uniqueKey is the item's own key, or the kind plus a digest of its data.
func uniqueKey(job *types.Job) string {
	if job.Payload.UniqueKey != "" {
		return job.Payload.UniqueKey
	}
	sum := sha256.Sum256(job.Payload.Data)
	return job.Kind() + ":" + hex.EncodeToString(sum[:])
}

// acquireUnique takes the unique key of job when the queue or the job asks for it.
// It returns the key taken, or "" when the job is not unique or the backend cannot lock.
func (q *Queue) acquireUnique(ctx context.Context, conn types.Connection, cfg *config.QueueConfig, job *types.Job) (string, error) {
	if !cfg.Unique && !job.Payload.Unique {
		return "", nil
	}
	locker, ok := conn.(types.UniqueLocker)
	if !ok {
		return "", nil
	}

	key := uniqueKey(job)
	job.Payload.Unique = true
	job.Payload.UniqueKey = key

	acquired, err := locker.AcquireUnique(ctx, key, cfg.UniqueTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", fmt.Errorf("%w: %s", custom_errors.ErrDuplicateJob, key)
	}
	return key, nil
}

func (q *Queue) releaseUnique(ctx context.Context, conn types.Connection, queue, key string) {
	if key == "" {
		return
	}
	locker, ok := conn.(types.UniqueLocker)
	if !ok {
		return
	}
	if err := locker.ReleaseUnique(ctx, key); err != nil {
		q.logger.Warn("failed to release unique key", logger.Queue(queue), slog.String("key", key), logger.Error(err))
	}
}

func (q *Queue) releaseJobUnique(ctx context.Context, conn types.Connection, job *types.Job) {
	if job.Payload.Unique && job.Payload.UniqueKey != "" {
		q.releaseUnique(ctx, conn, job.Queue, job.Payload.UniqueKey)
	}
}
