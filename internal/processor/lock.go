package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	leasePrefix = "processor:lease:"
	leaseTTL    = 30 * time.Second
)

// ErrUserBusy is returned when another process holds the user's processing
// lease. It is transient; the queue retries the event.
var ErrUserBusy = errors.New("events for this user are being processed")

// userLocks serializes work per user inside one process. Entries are
// reference counted and dropped when the last holder unlocks.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (m *userLocks) lock(key string) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*userLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &userLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

func (m *userLocks) unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}

// withUser runs fn while holding the user's in-process lock and, when a
// lease store is configured, the user's lease. The lease keeps processors in
// other instances out of the same span.
func (p *Processor) withUser(ctx context.Context, userID string, fn func() error) error {
	p.locks.lock(userID)
	defer p.locks.unlock(userID)

	if p.leases == nil {
		return fn()
	}
	owner := uuid.NewString()
	ok, err := p.leases.Acquire(ctx, leasePrefix+userID, owner, leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire processing lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserBusy, userID)
	}
	defer func() {
		if err := p.leases.Release(context.WithoutCancel(ctx), leasePrefix+userID, owner); err != nil {
			p.logger.Warn("Failed to release processing lease", "user_id", userID, "error", err)
		}
	}()
	return fn()
}
