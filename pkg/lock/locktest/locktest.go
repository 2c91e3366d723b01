// Package locktest provides an in-memory lock.Locker for tests.
package locktest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/keymart-backend/pkg/lock"
)

// Locker grants leases from a process-local table and records every acquisition.
type Locker struct {
	mu       sync.Mutex
	held     map[string]int
	failing  map[string]bool
	acquired []string
	extended map[string]int
	seq      int
}

func New() *Locker {
	return &Locker{held: map[string]int{}, failing: map[string]bool{}, extended: map[string]int{}}
}

// Expire drops the current lease on name as if its ttl elapsed.
func (l *Locker) Expire(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

// Extensions returns how many times leases on name were successfully extended.
func (l *Locker) Extensions(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extended[name]
}

// FailOn makes every acquisition of names with the given prefix time out.
func (l *Locker) FailOn(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing[prefix] = true
}

// Acquired returns the names acquired so far, in order.
func (l *Locker) Acquired() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.acquired...)
}

// Held reports whether name is currently leased.
func (l *Locker) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}

func (l *Locker) TryAcquire(ctx context.Context, name string, wait, _ time.Duration) (lock.Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if l.isFailing(name) {
			l.mu.Unlock()
			return nil, lock.NewTimeoutError(name, wait)
		}
		if _, busy := l.held[name]; !busy {
			l.seq++
			token := l.seq
			l.held[name] = token
			l.acquired = append(l.acquired, name)
			l.mu.Unlock()
			return &lease{owner: l, name: name, token: token}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, lock.NewTimeoutError(name, wait)
		}
		select {
		case <-ctx.Done():
			return nil, lock.NewTimeoutError(name, wait)
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *Locker) isFailing(name string) bool {
	for prefix := range l.failing {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

type lease struct {
	owner *Locker
	name  string
	token int
}

func (l *lease) Name() string { return l.name }

func (l *lease) Extend(context.Context, time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.name] != l.token {
		return lock.ErrNotAcquired
	}
	l.owner.extended[l.name]++
	return nil
}

func (l *lease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.name] == l.token {
		delete(l.owner.held, l.name)
	}
	return nil
}
