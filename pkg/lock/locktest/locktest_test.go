package locktest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/keymart-backend/pkg/lock"
)

func TestLockerExclusiveAndFailOn(t *testing.T) {
	l := New()
	ctx := context.Background()

	lease, err := l.TryAcquire(ctx, "a", 0, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.TryAcquire(ctx, "a", 5*time.Millisecond, time.Second); !lock.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	_ = lease.Release(ctx)
	if l.Held("a") {
		t.Fatalf("expected released")
	}

	l.FailOn("wallet:")
	if _, err := l.TryAcquire(ctx, "wallet:user:1", time.Second, time.Second); !lock.IsTimeout(err) {
		t.Fatalf("expected forced timeout, got %v", err)
	}
	if got := l.Acquired(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestLeaseExtendFailsAfterExpire(t *testing.T) {
	l := New()
	ctx := context.Background()

	lease, err := l.TryAcquire(ctx, "poll", 0, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Extend(ctx, time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	l.Expire("poll")
	if err := lease.Extend(ctx, time.Second); !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected lost lease, got %v", err)
	}
	if got := l.Extensions("poll"); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
}
