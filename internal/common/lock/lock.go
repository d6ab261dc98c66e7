// Package lock provides the distributed locks guarding scheduling and deployment
// cycles. One lock is held per scaling group (sessions) or per deployment
// (rollouts); acquisition is try-once so a contended cycle is skipped, not queued.
package lock

import (
	"context"
	"time"
)

// DistributedLock is a non-reentrant, auto-expiring mutual exclusion lock.
type DistributedLock interface {
	// TryLock attempts to acquire the lock without blocking. The lock expires on
	// its own after lifetime if not released, so a crashed holder cannot wedge
	// the cycle forever.
	TryLock(ctx context.Context, lifetime time.Duration) (bool, error)
	// Unlock releases the lock. Releasing a lock that has already expired is not
	// an error.
	Unlock(ctx context.Context) error
}

// DistributedLockFactory creates locks by id. Handlers receive a factory rather
// than locks so that lock scoping stays with the handler that owns the cycle.
type DistributedLockFactory interface {
	NewLock(id string) DistributedLock
}
