package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work. It owns its own error reporting.
type Job func(ctx context.Context)

// Scheduler fires the reservation job on its cadence and the sweep on a fixed period.
// A tick that overruns the next one is not canceled; ticks may overlap.
type Scheduler struct {
	ticks  Schedule
	sweeps Schedule
	logger zerolog.Logger
	now    func() time.Time

	running  atomic.Bool
	inFlight atomic.Int32
}

func New(ticks, sweeps Schedule, logger *zerolog.Logger) *Scheduler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "scheduler").Logger()
	}
	return &Scheduler{ticks: ticks, sweeps: sweeps, logger: l, now: time.Now}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks until ctx is done and every started job has returned.
// The sweep runs once right away to recover from a previous crash.
func (s *Scheduler) Run(ctx context.Context, tick, sweep Job) {
	s.running.Store(true)
	defer s.running.Store(false)

	var wg sync.WaitGroup
	defer wg.Wait()

	if sweep != nil && s.sweeps != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweep(ctx)
			s.loop(ctx, s.sweeps, "sweep", func() { sweep(ctx) })
		}()
	}

	if tick != nil && s.ticks != nil {
		s.loop(ctx, s.ticks, "tick", func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if n := s.inFlight.Add(1); n > 1 {
					s.logger.Debug().Int32("in_flight", n).Msg("tick overlaps previous one")
				}
				defer s.inFlight.Add(-1)
				tick(ctx)
			}()
		})
	}
}

func (s *Scheduler) loop(ctx context.Context, sched Schedule, name string, fire func()) {
	for {
		now := s.now()
		next := sched.Next(now)
		if next.IsZero() {
			s.logger.Warn().Str("job", name).Msg("schedule has no future fire time")
			<-ctx.Done()
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		fire()
	}
}
