package types

import (
	"encoding/json"
	"time"
)

// wireJob is the persisted representation. Timestamps are RFC 3339 with nanoseconds;
// absent values are null.
type wireJob struct {
	ID             string     `json:"id"`
	Queue          string     `json:"queue"`
	Payload        Payload    `json:"payload"`
	Attempts       int        `json:"attempts"`
	LastExecutedAt *time.Time `json:"last_executed_at"`
	ReservedAt     *time.Time `json:"reserved_at"`
	FailedAt       *time.Time `json:"failed_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	ErrorMessage   *string    `json:"error_message"`
	ErrorTrace     *string    `json:"error_trace"`
	CreatedAt      time.Time  `json:"created_at"`
	ExecuteAt      *time.Time `json:"execute_at"`
	Priority       int        `json:"priority"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireJob{
		ID:             j.ID,
		Queue:          j.Queue,
		Payload:        j.Payload,
		Attempts:       j.Attempts,
		LastExecutedAt: j.LastExecutedAt,
		ReservedAt:     j.ReservedAt,
		FailedAt:       j.FailedAt,
		CompletedAt:    j.CompletedAt,
		ErrorMessage:   nullable(j.ErrorMessage),
		ErrorTrace:     nullable(j.ErrorTrace),
		CreatedAt:      j.CreatedAt,
		ExecuteAt:      j.ExecuteAt,
		Priority:       j.Priority,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*j = Job{
		ID:             w.ID,
		Queue:          w.Queue,
		Payload:        w.Payload,
		Attempts:       w.Attempts,
		Priority:       w.Priority,
		CreatedAt:      w.CreatedAt,
		ExecuteAt:      w.ExecuteAt,
		LastExecutedAt: w.LastExecutedAt,
		ReservedAt:     w.ReservedAt,
		FailedAt:       w.FailedAt,
		CompletedAt:    w.CompletedAt,
	}
	if w.ErrorMessage != nil {
		j.ErrorMessage = *w.ErrorMessage
	}
	if w.ErrorTrace != nil {
		j.ErrorTrace = *w.ErrorTrace
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
