package state

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusReserved  JobStatus = "reserved"
	StatusRetrying  JobStatus = "retrying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition leaves s without an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsPoppable reports whether a job in s may be handed to a worker once its execute time passes.
func (s JobStatus) IsPoppable() bool {
	return s == StatusPending || s == StatusRetrying
}

var AllStatuses = []JobStatus{
	StatusPending,
	StatusReserved,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusReserved},
	{From: StatusRetrying, To: StatusReserved},
	{From: StatusReserved, To: StatusCompleted},
	{From: StatusReserved, To: StatusRetrying},
	{From: StatusReserved, To: StatusFailed},
	// stale reservation handed back
	{From: StatusReserved, To: StatusPending},
	// manual retry from failed-job storage
	{From: StatusFailed, To: StatusPending},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
