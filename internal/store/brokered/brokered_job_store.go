package brokered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/types"
	"golang.org/x/sync/semaphore"
)

// envelope is the message published for every buffered push.
type envelope struct {
	Job       *types.Job `json:"job"`
	ExecuteAt *time.Time `json:"execute_at"`
	Priority  int        `json:"priority"`
}

// BrokeredJobStore buffers pushes through a message broker and writes them
// into the inner store in batches. Everything except Push and Schedule goes
// straight to the inner store.
type BrokeredJobStore struct {
	types.Connection

	broker        message_broaker.MessageBroker
	queue         string
	batchSize     int
	flushInterval time.Duration
	writers       int64
	logger        *slog.Logger
}

type Option func(*BrokeredJobStore)

func WithBatchSize(n int) Option {
	return func(s *BrokeredJobStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *BrokeredJobStore) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithWriters bounds how many inner pushes a flush runs at once.
func WithWriters(n int) Option {
	return func(s *BrokeredJobStore) {
		if n > 0 {
			s.writers = int64(n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *BrokeredJobStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewBrokeredJobStore(inner types.Connection, broker message_broaker.MessageBroker, queue string, opts ...Option) *BrokeredJobStore {
	s := &BrokeredJobStore{
		Connection:    inner,
		broker:        broker,
		queue:         queue,
		batchSize:     1000,
		flushInterval: 20 * time.Second,
		writers:       8,
		logger:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("queue_writer"), logger.Queue(queue))
	return s
}

var (
	_ types.Connection         = (*BrokeredJobStore)(nil)
	_ types.RecurringCanceller = (*BrokeredJobStore)(nil)
	_ types.UniqueLocker       = (*BrokeredJobStore)(nil)
)

func (s *BrokeredJobStore) BatchSize() int { return s.batchSize }

// Push publishes the job and returns its id before it reaches storage.
func (s *BrokeredJobStore) Push(ctx context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error) {
	job.Queue = s.queue
	job.Priority = priority

	data, err := json.Marshal(envelope{Job: job, ExecuteAt: executeAt, Priority: priority})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.broker.Publish(ctx, s.queue, data); err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

func (s *BrokeredJobStore) Schedule(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error) {
	return s.Push(ctx, job, &at, priority)
}

// Sync drains published jobs into the inner store until ctx is done or the
// broker closes the stream. A batch is flushed when full or on every tick.
func (s *BrokeredJobStore) Sync(ctx context.Context) error {
	msgCh, err := s.broker.Consume(ctx, s.queue)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []envelope
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		written, err := s.writeBatch(ctx, batch)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to write batch", logger.Error(err), slog.Int("written", written), slog.Int("size", len(batch)))
		} else {
			s.logger.DebugContext(ctx, "batch written", slog.Int("size", written))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				flush(ctx)
				return nil
			}

			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil || env.Job == nil {
				s.logger.WarnContext(ctx, "dropping malformed message", logger.Error(err))
				continue
			}
			batch = append(batch, env)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// writeBatch pushes a batch into the inner store and reports how many jobs landed.
func (s *BrokeredJobStore) writeBatch(ctx context.Context, batch []envelope) (int, error) {
	sem := semaphore.NewWeighted(s.writers)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		written int
	)

	for _, env := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		go func(env envelope) {
			defer func() {
				sem.Release(1)
				wg.Done()
			}()

			_, err := s.Connection.Push(ctx, env.Job, env.ExecuteAt, env.Priority)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", env.Job.ID, err))
				return
			}
			written++
		}(env)
	}
	wg.Wait()

	return written, errors.Join(errs...)
}

func (s *BrokeredJobStore) CancelRecurringJob(ctx context.Context, id string) (bool, error) {
	if c, ok := s.Connection.(types.RecurringCanceller); ok {
		return c.CancelRecurringJob(ctx, id)
	}
	return false, nil
}

// AcquireUnique delegates to the inner store; without one every key is free.
func (s *BrokeredJobStore) AcquireUnique(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if u, ok := s.Connection.(types.UniqueLocker); ok {
		return u.AcquireUnique(ctx, key, ttl)
	}
	return true, nil
}

func (s *BrokeredJobStore) ReleaseUnique(ctx context.Context, key string) error {
	if u, ok := s.Connection.(types.UniqueLocker); ok {
		return u.ReleaseUnique(ctx, key)
	}
	return nil
}
