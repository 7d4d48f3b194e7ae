// Package lock provides leased mutual exclusion shared by every process that
// talks to the same store. Leases expire after their TTL so a crashed holder
// never blocks the key forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/domain"
)

// Locker acquires leases. Acquire does not wait: a held key fails fast with
// domain.ErrLockUnavailable.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Guard, error)
}

// Guard is a held lease. Release is idempotent and only removes the lease
// while this guard still owns it.
type Guard interface {
	Key() string
	Release(ctx context.Context) error
}

const releaseTimeout = 5 * time.Second

// With runs fn while holding key and releases the lease on every exit path,
// including a panic in fn.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	g, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := g.Release(rctx); rerr != nil && err == nil {
			err = fmt.Errorf("release %s: %w", key, rerr)
		}
	}()
	return fn(ctx)
}

// EventKey is the lock key guarding read-modify-write of one event.
func EventKey(eventID int64) string { return fmt.Sprintf("event:%d", eventID) }

func unavailable(key string) error {
	return fmt.Errorf("%w: %s", domain.ErrLockUnavailable, key)
}

var errEmptyKey = errors.New("lock key required")
