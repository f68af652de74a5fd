package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/RezaEskandarii/firequeue/types/config"
)

const gcEvery = 100

// Stop reasons reported on worker.stopped.
const (
	StopReasonStopped = "stopped"
	StopReasonMaxJobs = "max_jobs"
	StopReasonMaxTime = "max_time"
	StopReasonMemory  = "memory"
	StopReasonContext = "context"
)

var ErrWorkerRunning = errors.New("worker is already running")

// Worker polls its queues in order and processes one job per non-empty queue per pass.
type Worker struct {
	queue  *Queue
	queues []string
	cfg    config.WorkerConfig
	logger *slog.Logger
	lock   lock.DistributedLockManager
	now    func() time.Time
	memory func() uint64

	listenersMu sync.RWMutex
	listeners   map[EventName][]Listener

	running   atomic.Bool
	stopping  atomic.Bool
	notifying atomic.Bool // set while listeners run on the loop goroutine
	processed atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	done      chan struct{}
	wake      chan struct{}
	startedAt time.Time
	lastPrune time.Time
}

type WorkerOption func(*Worker)

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMemoryReader replaces the process memory probe, in bytes.
func WithMemoryReader(read func() uint64) WorkerOption {
	return func(w *Worker) {
		if read != nil {
			w.memory = read
		}
	}
}

// WithWorkerLock lets only the instance holding the prune lock prune on a given tick.
func WithWorkerLock(l lock.DistributedLockManager) WorkerOption {
	return func(w *Worker) { w.lock = l }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorker(q *Queue, queues []string, cfg config.WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if q == nil {
		return nil, &custom_errors.ConfigurationError{Field: "worker.queue", Err: errors.New("queue is required")}
	}
	if len(queues) == 0 {
		return nil, &custom_errors.ConfigurationError{Field: "worker.queues", Err: errors.New("at least one queue is required")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, name := range queues {
		if !q.HasQueue(name) {
			return nil, &custom_errors.QueueError{Queue: name, Op: "worker", Err: custom_errors.ErrQueueNotFound}
		}
	}

	w := &Worker{
		queue:     q,
		queues:    append([]string(nil), queues...),
		cfg:       cfg,
		logger:    logger.Discard(),
		now:       time.Now,
		memory:    systemMemory,
		listeners: make(map[EventName][]Listener),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(logger.Component("worker"))
	return w, nil
}

// systemMemory reports runtime Sys bytes, the measure MaxMemory is compared with.
func systemMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

// On registers a listener for name.
func (w *Worker) On(name EventName, l Listener) {
	if l == nil {
		return
	}
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.listeners[name] = append(w.listeners[name], l)
}

func (w *Worker) ProcessedJobs() int64 { return w.processed.Load() }
func (w *Worker) FailedJobs() int64    { return w.failed.Load() }

func (w *Worker) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startedAt
}

func (w *Worker) IsRunning() bool { return w.running.Load() }

// Run blocks until a stop condition is met or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.done = done
	w.startedAt = w.now()
	w.lastPrune = w.startedAt
	w.mu.Unlock()

	w.processed.Store(0)
	w.failed.Store(0)

	defer func() {
		w.stopping.Store(false)
		w.running.Store(false)
		close(done)
	}()

	w.logger.Info("worker started", slog.Any("queues", w.queues))
	w.emit(ctx, Event{Name: EventWorkerStarted})

	reason := ""
	for reason == "" {
		if reason = w.stopReason(ctx); reason != "" {
			break
		}

		worked := false
		for _, name := range w.queues {
			if reason = w.stopReason(ctx); reason != "" {
				break
			}
			job, err := w.queue.Pop(ctx, name)
			if err != nil {
				w.emit(ctx, Event{Name: EventQueueError, Queue: name, Err: err})
				if w.cfg.StopOnException {
					w.stopping.Store(true)
				}
				continue
			}
			if job == nil {
				continue
			}
			worked = true
			w.process(ctx, name, job)
		}
		if reason != "" {
			break
		}

		w.maybePrune(ctx)

		if !worked {
			w.emit(ctx, Event{Name: EventWorkerSleep})
			w.sleep(ctx)
		}
	}

	w.logger.Info("worker stopped", slog.String("reason", reason),
		slog.Int64("processed", w.processed.Load()), slog.Int64("failed", w.failed.Load()))
	w.emit(context.WithoutCancel(ctx), Event{Name: EventWorkerStopped, Reason: reason})
	return nil
}

// Stop asks the loop to exit after the current job. With wait it blocks until Run returns,
// except when called from a listener: the loop cannot exit while it waits on that listener,
// so Stop only signals and the loop exits once the listener returns.
func (w *Worker) Stop(wait bool) {
	w.stopping.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}

	if !wait || !w.running.Load() || w.notifying.Load() {
		return
	}
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Worker) stopReason(ctx context.Context) string {
	switch {
	case w.stopping.Load():
		return StopReasonStopped
	case ctx.Err() != nil:
		return StopReasonContext
	case w.cfg.MaxJobs > 0 && w.processed.Load() >= int64(w.cfg.MaxJobs):
		return StopReasonMaxJobs
	case w.cfg.MaxTime > 0 && w.now().Sub(w.StartedAt()) >= w.cfg.MaxTime:
		return StopReasonMaxTime
	case w.cfg.MaxMemory > 0 && w.memory() >= uint64(w.cfg.MaxMemory)*1024*1024:
		return StopReasonMemory
	}
	return ""
}

func (w *Worker) process(ctx context.Context, queue string, job *types.Job) {
	w.emit(ctx, Event{Name: EventJobProcessing, Queue: queue, Job: job})

	outcome := w.queue.Process(ctx, job, WithTimeout(w.cfg.Timeout))

	n := w.processed.Add(1)
	if n%gcEvery == 0 {
		runtime.GC()
	}

	if outcome.Succeeded() {
		w.emit(ctx, Event{Name: EventJobProcessed, Queue: queue, Job: job, Outcome: &outcome})
	} else {
		w.failed.Add(1)
		w.emit(ctx, Event{Name: EventJobFailed, Queue: queue, Job: job, Outcome: &outcome, Err: outcome.Err})
	}

	var qe *custom_errors.QueueError
	if outcome.Err != nil && errors.As(outcome.Err, &qe) {
		w.emit(ctx, Event{Name: EventJobException, Queue: queue, Job: job, Outcome: &outcome, Err: outcome.Err})
		if w.cfg.StopOnException {
			w.stopping.Store(true)
		}
	}
}

func (w *Worker) maybePrune(ctx context.Context) {
	if w.cfg.PruneInterval <= 0 {
		return
	}
	now := w.now()
	w.mu.Lock()
	due := now.Sub(w.lastPrune) >= w.cfg.PruneInterval
	if due {
		w.lastPrune = now
	}
	w.mu.Unlock()
	if !due {
		return
	}

	if w.lock != nil {
		held, err := w.lock.TryAcquire(constants.PruneLock)
		if err != nil || !held {
			if err != nil {
				w.logger.Warn("prune lock unavailable", logger.Error(err))
			}
			return
		}
		defer func() {
			if err := w.lock.Release(constants.PruneLock); err != nil {
				w.logger.Warn("failed to release prune lock", logger.Error(err))
			}
		}()
	}

	for _, name := range w.queues {
		cfg, err := w.queue.Config(name)
		if err != nil || !cfg.AutoPrune {
			continue
		}
		if _, err := w.queue.Prune(ctx, name, 0); err != nil {
			w.emit(ctx, Event{Name: EventQueueError, Queue: name, Err: err})
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	if w.cfg.Sleep <= 0 {
		return
	}
	timer := time.NewTimer(w.cfg.Sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-timer.C:
	}
}

func (w *Worker) emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = w.now()
	}

	w.listenersMu.RLock()
	listeners := append([]Listener(nil), w.listeners[event.Name]...)
	w.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	w.notifying.Store(true)
	defer w.notifying.Store(false)
	for _, l := range listeners {
		if err := callListener(ctx, l, event); err != nil {
			w.logger.Warn("event listener failed", logger.Event(string(event.Name)), logger.Error(err))
		}
	}
}

func callListener(ctx context.Context, l Listener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l(ctx, event)
}
