package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, kind string) *types.Job {
	t.Helper()
	job, err := types.NewJobFromPayload(kind, map[string]string{"to": "+100"})
	require.NoError(t, err)
	return job
}

func TestMemoryJobStore_PopOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("emails")

	low := newJob(t, "low")
	high := newJob(t, "high")
	firstNormal := newJob(t, "normal-1")
	secondNormal := newJob(t, "normal-2")

	for _, push := range []struct {
		job      *types.Job
		priority int
	}{{low, -1}, {firstNormal, 0}, {high, 10}, {secondNormal, 0}} {
		_, err := store.Push(ctx, push.job, nil, push.priority)
		require.NoError(t, err)
	}

	var order []string
	for {
		job, err := store.Pop(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.True(t, job.IsReserved())
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, "emails", job.Queue)
		order = append(order, job.Kind())
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

func TestMemoryJobStore_PopSkipsDelayed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryJobStore("emails", WithClock(func() time.Time { return now }))

	at := now.Add(time.Minute)
	_, err := store.Schedule(ctx, newJob(t, "later"), at, 0)
	require.NoError(t, err)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Delayed: 1}, stats)

	now = now.Add(2 * time.Minute)
	job, err = store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.Kind())
}

func TestMemoryJobStore_PopIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("emails")
	_, err := store.Push(ctx, newJob(t, "once"), nil, 0)
	require.NoError(t, err)

	results := make(chan *types.Job, 10)
	for i := 0; i < 10; i++ {
		go func() {
			job, _ := store.Pop(ctx)
			results <- job
		}()
	}

	got := 0
	for i := 0; i < 10; i++ {
		if <-results != nil {
			got++
		}
	}
	assert.Equal(t, 1, got)
}

func TestMemoryJobStore_CompleteAndRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("emails")

	_, err := store.Push(ctx, newJob(t, "a"), nil, 0)
	require.NoError(t, err)
	_, err = store.Push(ctx, newJob(t, "b"), nil, 0)
	require.NoError(t, err)

	first, err := store.Pop(ctx)
	require.NoError(t, err)
	first.MarkAsComplete()
	require.NoError(t, store.Complete(ctx, first))
	require.NoError(t, store.Complete(ctx, first))

	second, err := store.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, second.MarkForRetry(time.Hour))
	require.NoError(t, store.Release(ctx, second))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.Delayed)
	assert.Zero(t, stats.Reserved)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "retrying job is not due yet")
}

func TestMemoryJobStore_FailedStorage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("emails")

	_, err := store.Push(ctx, newJob(t, "flaky"), nil, 0)
	require.NoError(t, err)
	job, err := store.Pop(ctx)
	require.NoError(t, err)

	cause := errors.New("smtp timeout")
	require.NoError(t, job.MarkAsFailed(ctx, cause))
	require.NoError(t, store.StoreFailedJob(ctx, job, cause))

	failed, err := store.GetFailedJobs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "smtp timeout", failed[0].ErrorMessage)
	assert.Equal(t, state.StatusFailed, failed[0].Status())

	ok, err := store.RetryFailedJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RetryFailedJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestMemoryJobStore_GetFailedJobsPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("emails")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		job := newJob(t, "failing")
		failedAt := base.Add(time.Duration(i) * time.Minute)
		job.FailedAt = &failedAt
		require.NoError(t, store.StoreFailedJob(ctx, job, nil))
		ids = append(ids, job.ID)
	}

	page, err := store.GetFailedJobs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = store.GetFailedJobs(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	page, err = store.GetFailedJobs(ctx, 2, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = store.GetFailedJobs(ctx, 2, -1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
}

func TestMemoryJobStore_PruneRemoveClear(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryJobStore("emails", WithClock(func() time.Time { return now }))

	old := newJob(t, "old")
	_, err := store.Push(ctx, old, nil, 0)
	require.NoError(t, err)
	popped, err := store.Pop(ctx)
	require.NoError(t, err)
	popped.MarkAsComplete()
	require.NoError(t, store.Complete(ctx, popped))

	keep := newJob(t, "keep")
	_, err = store.Push(ctx, keep, nil, 0)
	require.NoError(t, err)

	pruned, err := store.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	now = now.Add(2 * time.Hour)
	pruned, err = store.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	removed, err := store.Remove(ctx, keep.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Remove(ctx, keep.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	for i := 0; i < 3; i++ {
		_, err = store.Push(ctx, newJob(t, "bulk"), nil, 0)
		require.NoError(t, err)
	}
	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
}

func TestMemoryJobStore_Recurring(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore("reports")

	id, err := store.RegisterRecurringJob(ctx, newJob(t, "daily"), "@daily", 0)
	require.NoError(t, err)
	assert.Equal(t, types.RecurringID("reports", "daily"), id)

	again, err := store.RegisterRecurringJob(ctx, newJob(t, "daily"), "@hourly", 0)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.Len(t, store.recurring, 1)
	assert.Equal(t, "@hourly", store.recurring[id].expression)

	ok, err := store.CancelRecurringJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CancelRecurringJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryJobStore_Unique(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryJobStore("reports", WithClock(func() time.Time { return now }))

	ok, err := store.AcquireUnique(ctx, "report:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireUnique(ctx, "report:42", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.AcquireUnique(ctx, "report:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseUnique(ctx, "report:42"))
	ok, err = store.AcquireUnique(ctx, "report:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
