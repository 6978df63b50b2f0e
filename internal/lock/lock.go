// Package lock guards batch runs against overlapping invocations.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrLocked = errors.New("lock is held by another run")

// Release frees a lock obtained from Acquire.
type Release func(ctx context.Context) error

// Locker hands out non-blocking locks that expire after ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type memoryLocker struct {
	mu   sync.Mutex
	now  func() time.Time
	held map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker returns a process-local Locker. now may be nil.
func NewMemoryLocker(now func() time.Time) Locker {
	if now == nil {
		now = time.Now
	}
	return &memoryLocker{now: now, held: map[string]memoryLease{}}
}

func (l *memoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expiresAt) {
		return nil, ErrLocked
	}

	token := uuid.NewString()
	l.held[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// чужую (перехваченную после истечения) блокировку не снимаем
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
