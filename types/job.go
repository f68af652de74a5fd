package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

// Payload is the serialized form of a work item. Class is the kind discriminator the
// registry resolves; Data is the item's own JSON.
type Payload struct {
	Class     string          `json:"class"`
	Name      string          `json:"name"`
	Timeout   int             `json:"timeout"` // seconds, 0 means no job-specific limit
	Unique    bool            `json:"unique"`
	UniqueKey string          `json:"uniqueKey"`
	Data      json.RawMessage `json:"data"`
}

// Job is one unit of deferred work. Timing fields are nil until the lifecycle
// transition that owns them runs.
type Job struct {
	ID       string
	Queue    string
	Payload  Payload
	Attempts int
	Priority int

	CreatedAt      time.Time
	ExecuteAt      *time.Time
	LastExecutedAt *time.Time
	ReservedAt     *time.Time
	FailedAt       *time.Time
	CompletedAt    *time.Time

	ErrorMessage string
	ErrorTrace   string

	item WorkItem
}

// NewJob wraps a live work item; the item is serialized immediately so the job can be persisted.
func NewJob(item WorkItem) (*Job, error) {
	if item == nil {
		return nil, errors.New("work item cannot be nil")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item %s: %w", item.Kind(), err)
	}

	job := newJob(item.Kind(), data)
	job.item = item

	if tp, ok := item.(TimeoutProvider); ok {
		job.Payload.Timeout = int(tp.Timeout() / time.Second)
	}
	if up, ok := item.(UniqueProvider); ok {
		if key := up.UniqueKey(); key != "" {
			job.Payload.Unique = true
			job.Payload.UniqueKey = key
		}
	}
	return job, nil
}

// NewJobFromPayload builds a job for a kind registered with a plain function handler.
func NewJobFromPayload(kind string, data any) (*Job, error) {
	if kind == "" {
		return nil, errors.New("job kind is required")
	}

	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = json.RawMessage("null")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", kind, err)
		}
		raw = b
	}
	return newJob(kind, raw), nil
}

func newJob(kind string, data json.RawMessage) *Job {
	return &Job{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Payload: Payload{
			Class: kind,
			Name:  kind,
			Data:  data,
		},
	}
}

// Kind returns the payload discriminator.
func (j *Job) Kind() string {
	return j.Payload.Class
}

// Item returns the live work item, materializing it through resolver on first use.
// A failed materialization leaves the job serialized-only.
func (j *Job) Item(resolver Resolver) (WorkItem, error) {
	if j.item != nil {
		return j.item, nil
	}
	if resolver == nil {
		return nil, &custom_errors.JobError{JobID: j.ID, Kind: j.Kind(), Err: errors.New("no resolver configured")}
	}
	item, err := resolver.Resolve(j.Kind(), j.Payload.Data)
	if err != nil {
		var jobErr *custom_errors.JobError
		if errors.As(err, &jobErr) {
			if jobErr.JobID == "" {
				jobErr.JobID = j.ID
			}
			return nil, jobErr
		}
		return nil, &custom_errors.JobError{JobID: j.ID, Kind: j.Kind(), Err: err}
	}
	j.item = item
	return item, nil
}

// HasItem reports whether a live work item is attached.
func (j *Job) HasItem() bool {
	return j.item != nil
}

// Status derives the lifecycle state from the timing fields.
func (j *Job) Status() state.JobStatus {
	switch {
	case j.CompletedAt != nil:
		return state.StatusCompleted
	case j.FailedAt != nil:
		return state.StatusFailed
	case j.ReservedAt != nil:
		return state.StatusReserved
	case j.Attempts > 0:
		return state.StatusRetrying
	default:
		return state.StatusPending
	}
}

func (j *Job) IsExecutable() bool {
	return j.IsExecutableAt(time.Now())
}

// IsExecutableAt reports whether the job is unreserved and its execute time has passed at now.
func (j *Job) IsExecutableAt(now time.Time) bool {
	if j.IsReserved() {
		return false
	}
	return j.ExecuteAt == nil || !j.ExecuteAt.After(now)
}

func (j *Job) IsReserved() bool {
	return j.ReservedAt != nil
}

func (j *Job) HasFailed() bool {
	return j.FailedAt != nil
}

func (j *Job) IsCompleted() bool {
	return j.CompletedAt != nil
}

// HasTimedOut reports whether the current reservation has been held longer than limit.
func (j *Job) HasTimedOut(limit time.Duration, now time.Time) bool {
	if j.ReservedAt == nil || limit <= 0 {
		return false
	}
	return now.Sub(*j.ReservedAt) > limit
}

// EffectiveTimeout is the smaller of base and the job's own timeout, when it has one.
func (j *Job) EffectiveTimeout(base time.Duration) time.Duration {
	own := time.Duration(j.Payload.Timeout) * time.Second
	switch {
	case own <= 0:
		return base
	case base <= 0:
		return own
	default:
		return min(base, own)
	}
}

func (j *Job) MarkAsReserved() error {
	if err := j.transition(state.StatusReserved); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Attempts++
	j.ReservedAt = &now
	j.LastExecutedAt = &now
	j.FailedAt = nil
	return nil
}

// MarkAsComplete is idempotent; a second call leaves the job untouched.
func (j *Job) MarkAsComplete() {
	if j.IsCompleted() {
		return
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.ReservedAt = nil
	j.FailedAt = nil
	j.ErrorMessage = ""
	j.ErrorTrace = ""
}

// MarkForRetry hands the job back for another attempt after delay.
func (j *Job) MarkForRetry(delay time.Duration) error {
	if err := j.transition(state.StatusRetrying); err != nil {
		return err
	}
	at := time.Now().UTC().Add(delay)
	j.ExecuteAt = &at
	j.ReservedAt = nil
	j.FailedAt = nil
	j.ErrorMessage = ""
	j.ErrorTrace = ""
	return nil
}

// MarkAsFailed moves the job to its terminal failed state and runs the item's Failed
// hook when the item is loaded. The returned error is the hook's; the state change
// happens regardless.
func (j *Job) MarkAsFailed(ctx context.Context, cause error) error {
	now := time.Now().UTC()
	j.FailedAt = &now
	j.ReservedAt = nil
	j.CompletedAt = nil
	if cause != nil {
		j.ErrorMessage = cause.Error()
		j.ErrorTrace = traceOf(cause)
	}
	return j.callFailedHook(ctx, cause)
}

// ResetForRetry returns a failed job to pending with a fresh retry budget.
func (j *Job) ResetForRetry() error {
	if err := j.transition(state.StatusPending); err != nil {
		return err
	}
	j.Attempts = 0
	j.FailedAt = nil
	j.ReservedAt = nil
	j.ExecuteAt = nil
	j.ErrorMessage = ""
	j.ErrorTrace = ""
	return nil
}

// Clone copies the template under a new id with empty bookkeeping.
func (j *Job) Clone() *Job {
	data := make(json.RawMessage, len(j.Payload.Data))
	copy(data, j.Payload.Data)

	clone := &Job{
		ID:        uuid.NewString(),
		Queue:     j.Queue,
		Payload:   j.Payload,
		Priority:  j.Priority,
		CreatedAt: time.Now().UTC(),
		item:      j.item,
	}
	clone.Payload.Data = data
	return clone
}

func (j *Job) transition(to state.JobStatus) error {
	from := j.Status()
	if !state.IsValidTransition(from, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, from, to)
	}
	return nil
}

func (j *Job) callFailedHook(ctx context.Context, cause error) (err error) {
	failer, ok := j.item.(Failer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed hook panicked: %v", r)
		}
	}()
	return failer.Failed(ctx, cause)
}

// traceOf prefers a captured stack and otherwise lists the wrap chain.
func traceOf(err error) string {
	var traced interface{ Trace() string }
	if errors.As(err, &traced) {
		return traced.Trace()
	}

	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
