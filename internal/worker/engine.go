package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"biblio/internal/config"
	"biblio/internal/domain"
	"biblio/internal/events"
	"biblio/internal/metrics"
	"biblio/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Processor runs a single pass over a claimed reservation.
type Processor interface {
	Process(ctx context.Context, r *models.Reservation) (Outcome, error)
}

type EngineConfig struct {
	Concurrency int
	ClaimLimit  int
	LeaseTTL    time.Duration
	StaleAfter  time.Duration
	Grace       time.Duration
}

func NewEngineConfig(engine config.EngineConfig, sweep config.SweepConfig) EngineConfig {
	return EngineConfig{
		Concurrency: engine.Concurrency,
		ClaimLimit:  engine.ClaimLimit,
		LeaseTTL:    engine.LeaseTTL,
		StaleAfter:  sweep.StaleAfter,
		Grace:       sweep.Grace,
	}
}

// Summary counts what happened during one tick.
type Summary struct {
	Claimed   int
	Processed int
	Skipped   int
	Failed    int
}

// Engine claims reservations and fans them out to the pipeline behind a weighted semaphore.
type Engine struct {
	store    domain.Store
	pipeline Processor
	lease    domain.Lease
	notifier domain.Notifier
	events   domain.EventPublisher
	cfg      EngineConfig
	logger   zerolog.Logger
	now      func() time.Time

	lastTick atomic.Int64
}

func NewEngine(store domain.Store, pipeline Processor, lease domain.Lease, cfg EngineConfig, logger *zerolog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = models.DefaultConcurrency
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = models.DefaultClaimLimit
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Minute
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "engine").Logger()
	}
	return &Engine{
		store:    store,
		pipeline: pipeline,
		lease:    lease,
		cfg:      cfg,
		logger:   l,
		now:      time.Now,
	}
}

// UseNotifier lets the sweep tell owners about records it resolved.
func (e *Engine) UseNotifier(n domain.Notifier) {
	e.notifier = n
}

func (e *Engine) UseEvents(pub domain.EventPublisher) {
	e.events = pub
}

// LastTick is the start time of the most recent RunOnce, zero before the first one.
func (e *Engine) LastTick() time.Time {
	ns := e.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RunOnce claims eligible reservations and processes them. It returns after every
// started pass has finished.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	now := e.now()
	e.lastTick.Store(now.UnixNano())

	claimed, err := e.store.Claim(ctx, now, e.cfg.ClaimLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("claim: %w", err)
	}
	metrics.AddClaims(len(claimed))

	sum := Summary{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return sum, nil
	}
	e.logger.Info().Int("claimed", len(claimed)).Msg("tick")

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(e.cfg.Concurrency))
	)
	record := func(f func(s *Summary)) {
		mu.Lock()
		f(&sum)
		mu.Unlock()
	}

	for _, r := range claimed {
		if !e.acquire(ctx, r.ID) {
			record(func(s *Summary) { s.Skipped++ })
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			e.release(r.ID)
			break
		}

		wg.Add(1)
		go func(r *models.Reservation) {
			defer wg.Done()
			defer sem.Release(1)
			defer e.release(r.ID)

			if _, err := e.pipeline.Process(ctx, r); err != nil {
				e.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("pass failed")
				record(func(s *Summary) { s.Failed++ })
				return
			}
			record(func(s *Summary) { s.Processed++ })
		}(r)
	}

	wg.Wait()
	return sum, ctx.Err()
}

func (e *Engine) acquire(ctx context.Context, id string) bool {
	if e.lease == nil {
		return true
	}
	ok, err := e.lease.Acquire(ctx, id, e.cfg.LeaseTTL)
	if err != nil {
		// claim already moved the record to processing, the lease only guards other processes
		e.logger.Warn().Err(err).Str("reservation_id", id).Msg("lease unavailable, processing anyway")
		return true
	}
	if !ok {
		e.logger.Warn().Str("reservation_id", id).Msg("lease held elsewhere, skipping")
	}
	return ok
}

func (e *Engine) release(id string) {
	if e.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.lease.Release(ctx, id); err != nil {
		e.logger.Warn().Err(err).Str("reservation_id", id).Msg("lease release")
	}
}

// Sweep resolves records left in processing or awaiting by an interrupted pass.
func (e *Engine) Sweep(ctx context.Context) ([]*models.Reservation, error) {
	swept, err := e.store.Sweep(ctx, e.now(), e.cfg.StaleAfter, e.cfg.Grace)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	for _, r := range swept {
		metrics.IncSweep(r.Status.String())
		e.logger.Info().
			Str("reservation_id", r.ID).
			Str("status", r.Status.String()).
			Int("retries", r.Retries).
			Msg("stuck reservation resolved")

		if e.notifier != nil {
			// the store already added the sweep's retry
			e.notifier.Notify(ctx, r, r.Retries-1)
		}
		if e.events != nil {
			if err := e.events.PublishJSON(events.EventStatusChanged, events.NewReservationPayload(r, r.OriginalStatus)); err != nil {
				e.logger.Warn().Err(err).Msg("publish sweep result")
			}
		}
	}
	return swept, nil
}
