package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/redis/go-redis/v9"
)

// priorityWeight separates priority bands in the ready zset score.
const priorityWeight = 1e12

// popScript promotes due delayed jobs into ready, then moves the best ready job
// into reserved. Running it as one script makes the reservation atomic.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local p = tonumber(redis.call('HGET', KEYS[5], id) or '0')
	local seq = redis.call('INCR', KEYS[4])
	redis.call('ZADD', KEYS[1], -p * ARGV[2] + seq, id)
	redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[3], ARGV[1], popped[1])
return popped[1]
`)

type recurringEntry struct {
	Expression string     `json:"expression"`
	Priority   int        `json:"priority"`
	Job        *types.Job `json:"job"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RedisJobStore serves one queue from redis. The client is shared and not closed by the store.
type RedisJobStore struct {
	client redis.UniversalClient
	queue  string
	prefix string
	keys   keys
	now    func() time.Time
}

func NewRedisJobStore(client redis.UniversalClient, queue string) *RedisJobStore {
	return &RedisJobStore{
		client: client,
		queue:  queue,
		prefix: constants.KeyPrefix,
		keys:   newKeys(constants.KeyPrefix, queue),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ types.Connection         = (*RedisJobStore)(nil)
	_ types.RecurringCanceller = (*RedisJobStore)(nil)
	_ types.UniqueLocker       = (*RedisJobStore)(nil)
)

func (s *RedisJobStore) Push(ctx context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error) {
	if executeAt != nil {
		at := executeAt.UTC()
		job.ExecuteAt = &at
	}
	job.Queue = s.queue
	job.Priority = priority

	if err := s.enqueue(ctx, job, nil); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *RedisJobStore) Schedule(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error) {
	return s.Push(ctx, job, &at, priority)
}

// enqueue writes the job and indexes it in ready or delayed. extra runs inside the same transaction.
func (s *RedisJobStore) enqueue(ctx context.Context, job *types.Job, extra func(redis.Pipeliner)) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	index := s.keys.ready
	var score float64
	if job.ExecuteAt != nil && job.ExecuteAt.After(s.now()) {
		index = s.keys.delayed
		score = float64(job.ExecuteAt.UnixMilli())
	} else {
		seq, err := s.client.Incr(ctx, s.keys.seq).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		score = readyScore(job.Priority, seq)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.jobs, job.ID, data)
		pipe.HSet(ctx, s.keys.priority, job.ID, job.Priority)
		pipe.ZAdd(ctx, index, redis.Z{Score: score, Member: job.ID})
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func readyScore(priority int, seq int64) float64 {
	return -float64(priority)*priorityWeight + float64(seq)
}

// Pop reserves the next job. Ties within a priority are served in the order
// jobs became ready.
func (s *RedisJobStore) Pop(ctx context.Context) (*types.Job, error) {
	now := s.now()
	id, err := popScript.Run(ctx, s.client,
		[]string{s.keys.ready, s.keys.delayed, s.keys.reserved, s.keys.seq, s.keys.priority},
		now.UnixMilli(), priorityWeight,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	job, err := s.load(ctx, s.keys.jobs, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// removed between indexing and reservation
		s.client.ZRem(ctx, s.keys.reserved, id)
		return nil, nil
	}

	if err := job.MarkAsReserved(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisJobStore) Complete(ctx context.Context, job *types.Job) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.jobs, job.ID)
		pipe.HDel(ctx, s.keys.priority, job.ID)
		pipe.ZRem(ctx, s.keys.reserved, job.ID)
		pipe.Incr(ctx, s.keys.done)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Release(ctx context.Context, job *types.Job) error {
	return s.enqueue(ctx, job, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, s.keys.reserved, job.ID)
	})
}

func (s *RedisJobStore) RegisterRecurringJob(ctx context.Context, job *types.Job, expression string, priority int) (string, error) {
	data, err := json.Marshal(recurringEntry{
		Expression: expression,
		Priority:   priority,
		Job:        job,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal recurring job: %w", err)
	}

	id := types.RecurringID(s.queue, job.Payload.Name)
	if err := s.client.HSet(ctx, s.keys.recurring, id, data).Err(); err != nil {
		return "", fmt.Errorf("failed to register recurring job: %w", err)
	}
	return id, nil
}

func (s *RedisJobStore) CancelRecurringJob(ctx context.Context, id string) (bool, error) {
	n, err := s.client.HDel(ctx, s.keys.recurring, id).Result()
	return n > 0, err
}

func (s *RedisJobStore) Remove(ctx context.Context, jobID string) (bool, error) {
	var fromJobs, fromFailed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fromJobs = pipe.HDel(ctx, s.keys.jobs, jobID)
		pipe.HDel(ctx, s.keys.priority, jobID)
		pipe.ZRem(ctx, s.keys.ready, jobID)
		pipe.ZRem(ctx, s.keys.delayed, jobID)
		pipe.ZRem(ctx, s.keys.reserved, jobID)
		fromFailed = pipe.HDel(ctx, s.keys.failed, jobID)
		pipe.ZRem(ctx, s.keys.failedIndex, jobID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return fromJobs.Val()+fromFailed.Val() > 0, nil
}

// Prune drops failed jobs older than maxAge. Completed jobs are deleted on completion.
func (s *RedisJobStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, s.keys.failedIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find expired failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.failed, ids...)
		pipe.ZRem(ctx, s.keys.failedIndex, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed jobs: %w", err)
	}
	return len(ids), nil
}

func (s *RedisJobStore) Clear(ctx context.Context) (int, error) {
	var jobs, failed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		jobs = pipe.HLen(ctx, s.keys.jobs)
		failed = pipe.HLen(ctx, s.keys.failed)
		pipe.Del(ctx,
			s.keys.jobs, s.keys.priority, s.keys.ready, s.keys.delayed,
			s.keys.reserved, s.keys.failed, s.keys.failedIndex,
		)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return int(jobs.Val() + failed.Val()), nil
}

func (s *RedisJobStore) StoreFailedJob(ctx context.Context, job *types.Job, cause error) error {
	if job.FailedAt == nil {
		failedAt := s.now()
		job.FailedAt = &failedAt
		job.ReservedAt = nil
	}
	if cause != nil && job.ErrorMessage == "" {
		job.ErrorMessage = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.jobs, job.ID)
		pipe.HDel(ctx, s.keys.priority, job.ID)
		pipe.ZRem(ctx, s.keys.ready, job.ID)
		pipe.ZRem(ctx, s.keys.delayed, job.ID)
		pipe.ZRem(ctx, s.keys.reserved, job.ID)
		pipe.HSet(ctx, s.keys.failed, job.ID, data)
		pipe.ZAdd(ctx, s.keys.failedIndex, redis.Z{Score: float64(job.FailedAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store failed job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) RetryFailedJob(ctx context.Context, jobID string) (bool, error) {
	job, err := s.load(ctx, s.keys.failed, jobID)
	if err != nil || job == nil {
		return false, err
	}
	if err := job.ResetForRetry(); err != nil {
		return false, err
	}

	err = s.enqueue(ctx, job, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, s.keys.failed, jobID)
		pipe.ZRem(ctx, s.keys.failedIndex, jobID)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetFailedJobs pages failed jobs, most recent failure first.
func (s *RedisJobStore) GetFailedJobs(ctx context.Context, limit, offset int) ([]*types.Job, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, s.keys.failedIndex, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := []*types.Job{}
	if len(ids) == 0 {
		return jobs, nil
	}

	values, err := s.client.HMGet(ctx, s.keys.failed, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load failed jobs: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to decode failed job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *RedisJobStore) GetStats(ctx context.Context) (types.Stats, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	var ready, due, delayed, reserved, failed *redis.IntCmd
	var done *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCard(ctx, s.keys.ready)
		due = pipe.ZCount(ctx, s.keys.delayed, "-inf", now)
		delayed = pipe.ZCount(ctx, s.keys.delayed, "("+now, "+inf")
		reserved = pipe.ZCard(ctx, s.keys.reserved)
		failed = pipe.HLen(ctx, s.keys.failed)
		done = pipe.Get(ctx, s.keys.done)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	completed, _ := done.Int()
	return types.Stats{
		Pending:  int(ready.Val() + due.Val()),
		Delayed:  int(delayed.Val()),
		Reserved: int(reserved.Val()),
		Failed:   int(failed.Val()),
		Done:     completed,
	}, nil
}

func (s *RedisJobStore) AcquireUnique(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, uniqueKey(s.prefix, key), s.queue, ttl).Result()
}

func (s *RedisJobStore) ReleaseUnique(ctx context.Context, key string) error {
	return s.client.Del(ctx, uniqueKey(s.prefix, key)).Err()
}

func (s *RedisJobStore) SupportsRecurring() bool   { return true }
func (s *RedisJobStore) HasFailedJobStorage() bool { return true }
func (s *RedisJobStore) Close() error              { return nil }

func (s *RedisJobStore) load(ctx context.Context, hash, id string) (*types.Job, error) {
	raw, err := s.client.HGet(ctx, hash, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisJobStore) save(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.HSet(ctx, s.keys.jobs, job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}
