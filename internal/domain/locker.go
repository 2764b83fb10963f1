// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired, for example,
// if the script is already being executed.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker serializes execution of a script by name.
type Locker interface {
	// Lock must not block: if the lock is already held it returns ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
