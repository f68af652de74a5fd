package types

import (
	"time"

	"github.com/google/uuid"
)

// RecurringJob is a job template re-enqueued whenever Expression becomes due.
type RecurringJob struct {
	ID         string
	Name       string
	Queue      string
	Expression string
	Priority   *int
	Job        *Job
	LastRun    *time.Time
	CreatedAt  time.Time
}

// RecurringID is the backend key of the recurring registration called name on queue.
// It is stable across restarts so registering a name again replaces the old entry.
func RecurringID(queue, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("firequeue:recurring:"+queue+":"+name)).String()
}
