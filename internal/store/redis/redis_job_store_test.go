package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*RedisJobStore, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewRedisJobStore(client, "emails")
	store.now = func() time.Time { return now }
	return store, mr, &now
}

func newJob(t *testing.T, kind string) *types.Job {
	t.Helper()
	job, err := types.NewJobFromPayload(kind, map[string]int{"n": 1})
	require.NoError(t, err)
	return job
}

func popKinds(t *testing.T, store *RedisJobStore) []string {
	t.Helper()
	var kinds []string
	for {
		job, err := store.Pop(context.Background())
		require.NoError(t, err)
		if job == nil {
			return kinds
		}
		kinds = append(kinds, job.Kind())
	}
}

func TestRedisJobStore_PopOrder(t *testing.T) {
	store, mr, _ := newStore(t)
	ctx := context.Background()

	for _, push := range []struct {
		kind     string
		priority int
	}{{"low", -5}, {"first", 0}, {"urgent", 10}, {"second", 0}} {
		_, err := store.Push(ctx, newJob(t, push.kind), nil, push.priority)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"urgent", "first", "second", "low"}, popKinds(t, store))

	reserved, err := mr.ZMembers("firequeue:emails:reserved")
	require.NoError(t, err)
	assert.Len(t, reserved, 4)
}

func TestRedisJobStore_PopReserves(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	id, err := store.Push(ctx, newJob(t, "send_sms"), nil, 0)
	require.NoError(t, err)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "emails", job.Queue)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, state.StatusReserved, job.Status())

	again, err := store.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Reserved: 1}, stats)
}

func TestRedisJobStore_DelayedPromotion(t *testing.T) {
	store, _, now := newStore(t)
	ctx := context.Background()

	_, err := store.Schedule(ctx, newJob(t, "later"), now.Add(time.Minute), 0)
	require.NoError(t, err)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)
	assert.Zero(t, stats.Pending)

	*now = now.Add(2 * time.Minute)

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Delayed)

	job, err = store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.Kind())
}

func TestRedisJobStore_CompleteAndRelease(t *testing.T) {
	store, mr, now := newStore(t)
	ctx := context.Background()

	_, err := store.Push(ctx, newJob(t, "a"), nil, 0)
	require.NoError(t, err)
	_, err = store.Push(ctx, newJob(t, "b"), nil, 0)
	require.NoError(t, err)

	first, err := store.Pop(ctx)
	require.NoError(t, err)
	first.MarkAsComplete()
	require.NoError(t, store.Complete(ctx, first))
	assert.Empty(t, mr.HGet("firequeue:emails:jobs", first.ID))

	second, err := store.Pop(ctx)
	require.NoError(t, err)
	// MarkForRetry reads the wall clock; the store runs on a fixed one
	retryAt := now.Add(30 * time.Second)
	second.ExecuteAt = &retryAt
	second.ReservedAt = nil
	require.NoError(t, store.Release(ctx, second))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Delayed: 1, Done: 1}, stats)

	*now = now.Add(time.Minute)
	retried, err := store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, second.ID, retried.ID)
	assert.Equal(t, 2, retried.Attempts)
}

func TestRedisJobStore_FailedStorage(t *testing.T) {
	store, _, now := newStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		_, err := store.Push(ctx, newJob(t, "flaky"), nil, 0)
		require.NoError(t, err)
		job, err := store.Pop(ctx)
		require.NoError(t, err)

		require.NoError(t, job.MarkAsFailed(ctx, errors.New("boom")))
		failedAt := now.Add(time.Duration(i) * time.Minute)
		job.FailedAt = &failedAt
		require.NoError(t, store.StoreFailedJob(ctx, job, errors.New("boom")))
		ids = append(ids, job.ID)
	}

	page, err := store.GetFailedJobs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	assert.Equal(t, "boom", page[0].ErrorMessage)

	all, err := store.GetFailedJobs(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ok, err := store.RetryFailedJob(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RetryFailedJob(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
	assert.Equal(t, 1, job.Attempts)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
}

func TestRedisJobStore_PruneRemoveClear(t *testing.T) {
	store, _, now := newStore(t)
	ctx := context.Background()

	old := newJob(t, "old")
	failedAt := now.Add(-48 * time.Hour)
	old.FailedAt = &failedAt
	require.NoError(t, store.StoreFailedJob(ctx, old, nil))

	recent := newJob(t, "recent")
	require.NoError(t, store.StoreFailedJob(ctx, recent, errors.New("boom")))

	pruned, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	removed, err := store.Remove(ctx, recent.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(ctx, recent.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	for i := 0; i < 3; i++ {
		_, err := store.Push(ctx, newJob(t, "bulk"), nil, 0)
		require.NoError(t, err)
	}
	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	job, err := store.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisJobStore_Recurring(t *testing.T) {
	store, mr, _ := newStore(t)
	ctx := context.Background()

	id, err := store.RegisterRecurringJob(ctx, newJob(t, "digest"), "@daily", 1)
	require.NoError(t, err)
	assert.Contains(t, mr.HGet("firequeue:emails:recurring", id), `"expression":"@daily"`)

	again, err := store.RegisterRecurringJob(ctx, newJob(t, "digest"), "@hourly", 1)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	fields, err := mr.HKeys("firequeue:emails:recurring")
	require.NoError(t, err)
	assert.Len(t, fields, 1)
	assert.Contains(t, mr.HGet("firequeue:emails:recurring", id), `"expression":"@hourly"`)

	ok, err := store.CancelRecurringJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisJobStore_Unique(t *testing.T) {
	store, mr, _ := newStore(t)
	ctx := context.Background()

	ok, err := store.AcquireUnique(ctx, "digest:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireUnique(ctx, "digest:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = store.AcquireUnique(ctx, "digest:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseUnique(ctx, "digest:1"))
	assert.False(t, mr.Exists("firequeue:unique:digest:1"))
}
