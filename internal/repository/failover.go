package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"biblio/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverLease uses the primary lease until it errors, then the fallback.
// The primary is retried once a minute.
type FailoverLease struct {
	primary  domain.Lease
	fallback domain.Lease
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	// ids acquired through the fallback, released there too
	local sync.Map
}

func NewFailoverLease(primary, fallback domain.Lease, logger *zerolog.Logger) *FailoverLease {
	return &FailoverLease{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (l *FailoverLease) markDown(err error) {
	if !l.isDown.Swap(true) {
		l.logger.Error().Err(err).Msg("Primary lease failed, falling back to memory")
	}
	l.mu.Lock()
	l.lastCheck = time.Now()
	l.mu.Unlock()
}

func (l *FailoverLease) shouldProbe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastCheck) > recoveryInterval
}

func (l *FailoverLease) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if !l.isDown.Load() || l.shouldProbe() {
		ok, err := l.primary.Acquire(ctx, id, ttl)
		if err == nil {
			if l.isDown.Swap(false) {
				l.logger.Info().Msg("Primary lease recovered")
			}
			return ok, nil
		}
		l.markDown(err)
	}

	ok, err := l.fallback.Acquire(ctx, id, ttl)
	if ok {
		l.local.Store(id, struct{}{})
	}
	return ok, err
}

func (l *FailoverLease) Release(ctx context.Context, id string) error {
	if _, ok := l.local.LoadAndDelete(id); ok {
		return l.fallback.Release(ctx, id)
	}
	if err := l.primary.Release(ctx, id); err != nil {
		l.markDown(err)
		return err
	}
	return nil
}

// Down reports whether the fallback is in use.
func (l *FailoverLease) Down() bool {
	return l.isDown.Load()
}
