package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDistributedLockManager holds locks as expiring keys owned by a random token.
type RedisDistributedLockManager struct {
	client       redis.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	tokens map[int]string
}

func NewRedisDistributedLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDistributedLockManager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisDistributedLockManager{
		client:       client,
		prefix:       prefix,
		ttl:          ttl,
		pollInterval: 100 * time.Millisecond,
		tokens:       make(map[int]string),
	}
}

func (l *RedisDistributedLockManager) Acquire(lockID int) error {
	for {
		ok, err := l.TryAcquire(lockID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(l.pollInterval)
	}
}

func (l *RedisDistributedLockManager) TryAcquire(lockID int) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(context.Background(), l.key(lockID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[lockID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisDistributedLockManager) Release(lockID int) error {
	l.mu.Lock()
	token, ok := l.tokens[lockID]
	delete(l.tokens, lockID)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrNotHeld)
	}

	deleted, err := releaseScript.Run(context.Background(), l.client, []string{l.key(lockID)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if deleted == 0 {
		// expired and possibly taken by someone else
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrNotHeld)
	}
	return nil
}

func (l *RedisDistributedLockManager) key(lockID int) string {
	return fmt.Sprintf("%s:lock:%d", l.prefix, lockID)
}
