// Package lock provides the distributed critical section used for
// multi-document operations over the issue/span keyspace. The lock is
// advisory and lease-based: holders release on completion or failure and a
// crashed holder's lease simply expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/metrics"
)

// ErrNotAcquired is returned by a single acquisition attempt when the lock is
// currently held elsewhere.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lock is a held lease.
type Lock interface {
	// Release gives the lease back. Releasing an expired lease is a no-op.
	Release(ctx context.Context) error
}

// Service grants exclusive leases on named keys.
type Service interface {
	// Acquire attempts to take the lease once, returning ErrNotAcquired when
	// the key is held by someone else.
	Acquire(ctx context.Context, key string, lease time.Duration) (Lock, error)
}

// slowAcquireWarning is how long AcquireWithRetry waits before logging that
// the lock is contended. Operational visibility only; the lease expiry is
// what guarantees progress.
const slowAcquireWarning = 5 * time.Second

// AcquireWithRetry takes the lease, retrying with backoff until ctx is
// cancelled. Long waits are logged.
func AcquireWithRetry(ctx context.Context, svc Service, key string, lease time.Duration, logger *logging.Logger) (Lock, error) {
	start := time.Now()
	delay := 50 * time.Millisecond
	warned := false

	for {
		held, err := svc.Acquire(ctx, key, lease)
		if err == nil {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return held, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}

		if !warned && time.Since(start) > slowAcquireWarning && logger != nil {
			logger.Warn("lock %q contended for %s", key, time.Since(start).Round(time.Millisecond))
			warned = true
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up acquiring lock %q: %w", key, ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > time.Second {
			delay = time.Second
		}
	}
}

// MemoryLocker is the in-process lock service used by tests and single-node
// runs. Leases expire like their distributed counterpart.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	now   func() time.Time
	seqNo uint64
}

// NewMemoryLocker creates an empty in-process lock service.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes the lease if the key is free or its previous lease expired.
func (m *MemoryLocker) Acquire(_ context.Context, key string, lease time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.held[key]; ok && m.now().Before(expiry) {
		return nil, ErrNotAcquired
	}
	expiry := m.now().Add(lease)
	m.held[key] = expiry
	return &memoryLock{locker: m, key: key, expiry: expiry}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	expiry time.Time
}

func (l *memoryLock) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	// Only release our own lease: if it expired and was re-acquired, the
	// new holder's entry must survive.
	if expiry, ok := l.locker.held[l.key]; ok && expiry.Equal(l.expiry) {
		delete(l.locker.held, l.key)
	}
	return nil
}
