package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryLease is a process-local lease, used without Redis and as the failover target.
type MemoryLease struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{expires: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, id string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.expires[id]; ok && now.Before(exp) {
		return false, nil
	}
	l.expires[id] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.expires, id)
	l.mu.Unlock()
	return nil
}
