package lock

import "errors"

// ErrNotHeld is returned by Release when this manager does not hold the lock.
var ErrNotHeld = errors.New("lock is not held")

type DistributedLockManager interface {
	// Acquire blocks until the lock is held.
	Acquire(lockID int) error
	// TryAcquire takes the lock only if it is free.
	TryAcquire(lockID int) (bool, error)
	Release(lockID int) error
}
