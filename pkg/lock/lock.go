// Package lock provides named, lease-based distributed locks with bounded acquisition.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
)

var (
	// ErrNotAcquired is returned when the wait budget elapses before the lock is granted,
	// and by Extend once the lease has been lost.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost reports that a renewed lease expired while its holder was still working.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Lease is a held lock. Release is idempotent and never removes a lock owned by someone else.
// Extend pushes the expiry to ttl from now.
type Lease interface {
	Name() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker grants named leases. wait bounds how long TryAcquire blocks; ttl bounds how
// long the lease survives if the holder dies without releasing it.
type Locker interface {
	TryAcquire(ctx context.Context, name string, wait, ttl time.Duration) (Lease, error)
}

// IsTimeout reports whether err came from an acquisition that ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrNotAcquired)
}

// NewTimeoutError builds the LOCK_TIMEOUT error returned by every Locker.
func NewTimeoutError(name string, wait time.Duration) error {
	return pkgerrors.Wrap(pkgerrors.CodeLockTimeout, ErrNotAcquired, fmt.Sprintf("lock %s not acquired within %s", name, wait))
}

// WithLock runs fn while holding name. A release failure is only reported when fn
// itself failed; a successful fn stays successful and the lease expires on its own.
func WithLock(ctx context.Context, locker Locker, name string, wait, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	lease, err := locker.TryAcquire(ctx, name, wait, ttl)
	if err != nil {
		return err
	}
	defer func() { err = release(ctx, lease, err) }()
	return fn(ctx)
}

// WithRenewedLock is WithLock for work that may outlive ttl. The lease is
// renewed in the background until fn returns; if a renewal finds it lost, the
// context handed to fn is canceled and ErrLeaseLost is returned.
func WithRenewedLock(ctx context.Context, locker Locker, name string, wait, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	lease, err := locker.TryAcquire(ctx, name, wait, ttl)
	if err != nil {
		return err
	}
	held, stop := KeepAlive(ctx, lease, ttl)
	defer func() {
		if lost := context.Cause(held); errors.Is(lost, ErrLeaseLost) {
			err = multierr.Append(err, lost)
		}
		stop()
		err = release(ctx, lease, err)
	}()
	return fn(held)
}

// KeepAlive extends lease every third of ttl until stop is called. The returned
// context is canceled with ErrLeaseLost when an extension finds the lease gone.
// Transient extension errors are retried on the next tick.
func KeepAlive(ctx context.Context, lease Lease, ttl time.Duration) (context.Context, func()) {
	held, cancel := context.WithCancelCause(ctx)
	if ttl <= 0 {
		return held, func() { cancel(nil) }
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(held, ttl); errors.Is(err, ErrNotAcquired) {
					cancel(fmt.Errorf("%w: %s", ErrLeaseLost, lease.Name()))
					return
				}
			}
		}
	}()
	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(done)
			<-exited
			cancel(nil)
		})
	}
}

func release(ctx context.Context, lease Lease, err error) error {
	releaseErr := lease.Release(context.WithoutCancel(ctx))
	if err != nil && releaseErr != nil {
		err = multierr.Append(err, fmt.Errorf("release %s: %w", lease.Name(), releaseErr))
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
