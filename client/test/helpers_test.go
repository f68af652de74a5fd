package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/client"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/RezaEskandarii/firequeue/types/config"
	"github.com/stretchr/testify/require"
)

const testQueue = "default"

func newRegistry(t *testing.T, handlers map[string]config.HandlerFunc) *config.JobHandler {
	t.Helper()
	registry := config.NewJobHandler()
	for kind, fn := range handlers {
		require.NoError(t, registry.RegisterFunc(kind, fn))
	}
	return registry
}

func okHandler(context.Context, json.RawMessage) error { return nil }

// newQueueWith registers testQueue backed by conn.
func newQueueWith(t *testing.T, registry types.Resolver, conn types.Connection, opts ...config.QueueOption) *client.Queue {
	t.Helper()
	q := client.NewQueue(registry)
	cfg, err := config.NewQueueConfig(func(string) (types.Connection, error) { return conn, nil }, opts...)
	require.NoError(t, err)
	require.NoError(t, q.RegisterQueue(testQueue, cfg))
	return q
}

// newMemoryQueue backs testQueue with a memory store whose clock runs an hour ahead,
// so retried jobs are poppable immediately.
func newMemoryQueue(t *testing.T, registry types.Resolver, opts ...config.QueueOption) (*client.Queue, *memory.MemoryJobStore) {
	t.Helper()
	store := memory.NewMemoryJobStore(testQueue, memory.WithClock(func() time.Time {
		return time.Now().Add(time.Hour)
	}))
	return newQueueWith(t, registry, store, opts...), store
}

func newJob(t *testing.T, kind string, data any) *types.Job {
	t.Helper()
	job, err := types.NewJobFromPayload(kind, data)
	require.NoError(t, err)
	return job
}
