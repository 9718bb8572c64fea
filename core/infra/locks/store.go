package locks

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by WithLock when another owner holds the resource.
var ErrHeld = errors.New("lock held by another owner")

// Lock captures the current lock ownership state.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive resource locks.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}

// WithLock runs fn while holding resource. The lock is released afterwards
// regardless of fn's outcome.
func WithLock(ctx context.Context, store Store, resource, owner string, ttl time.Duration, fn func(context.Context) error) error {
	_, ok, err := store.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = store.Release(releaseCtx, resource, owner)
	}()
	return fn(ctx)
}
