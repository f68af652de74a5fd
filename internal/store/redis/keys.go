package redis

import "fmt"

// keys names every redis key of one queue.
type keys struct {
	jobs        string // hash id -> job json
	priority    string // hash id -> priority
	ready       string // zset scored by priority, then push order
	delayed     string // zset scored by execute_at (unix ms)
	reserved    string // zset scored by reserved_at (unix ms)
	seq         string // counter feeding ready scores
	done        string // counter of completed jobs
	failed      string // hash id -> failed job json
	failedIndex string // zset scored by failed_at (unix ms)
	recurring   string // hash id -> recurring registration
}

func newKeys(prefix, queue string) keys {
	base := fmt.Sprintf("%s:%s:", prefix, queue)
	return keys{
		jobs:        base + "jobs",
		priority:    base + "priority",
		ready:       base + "ready",
		delayed:     base + "delayed",
		reserved:    base + "reserved",
		seq:         base + "seq",
		done:        base + "done",
		failed:      base + "failed",
		failedIndex: base + "failed:index",
		recurring:   base + "recurring",
	}
}

func uniqueKey(prefix, key string) string {
	return fmt.Sprintf("%s:unique:%s", prefix, key)
}
