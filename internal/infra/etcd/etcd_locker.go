// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"easy-content-upgrade/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix is the etcd root of script execution locks.
	LockPrefix = "/aecu/locks"
	// LockSessionTTL is the lease TTL of a lock session, in seconds.
	LockSessionTTL = 10

	tryLockTimeout = 100 * time.Millisecond
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session, revoking the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		_ = l.session.Close()
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client *clientv3.Client
}

// NewEtcdLocker creates a locker that serializes script executions across nodes.
func NewEtcdLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock tries to take the named lock without waiting for its holder.
// Each attempt uses its own session; if the node dies the lease expires and
// the lock is released.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	// script paths start with a slash, which joins cleanly onto the prefix
	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, tryLockTimeout)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
