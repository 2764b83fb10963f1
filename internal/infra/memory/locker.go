package memory

import (
	"context"
	"sync"

	"easy-content-upgrade/internal/domain"
)

type locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates a process-local locker.
func NewLocker() domain.Locker {
	return &locker{held: make(map[string]struct{})}
}

func (l *locker) Lock(_ context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &lock{locker: l, name: name}, nil
}

type lock struct {
	locker *locker
	name   string
	once   sync.Once
}

func (k *lock) Unlock(_ context.Context) error {
	k.once.Do(func() {
		k.locker.mu.Lock()
		delete(k.locker.held, k.name)
		k.locker.mu.Unlock()
	})
	return nil
}
