package client

import (
	"context"
	"time"

	"github.com/RezaEskandarii/firequeue/types"
)

type EventName string

const (
	EventWorkerStarted EventName = "worker.started"
	EventJobProcessing EventName = "job.processing"
	EventJobProcessed  EventName = "job.processed"
	EventJobFailed     EventName = "job.failed"
	EventJobException  EventName = "job.exception"
	EventQueueError    EventName = "queue.error"
	EventWorkerSleep   EventName = "worker.sleep"
	EventWorkerStopped EventName = "worker.stopped"
)

// Event is passed to listeners. Job and Outcome are set for job events only;
// Reason is set on worker.stopped.
type Event struct {
	Name    EventName
	Queue   string
	Job     *types.Job
	Outcome *types.Outcome
	Err     error
	Reason  string
	At      time.Time
}

// Listener observes worker events. A returned error or a panic is logged and
// never interrupts the worker.
type Listener func(ctx context.Context, event Event) error
