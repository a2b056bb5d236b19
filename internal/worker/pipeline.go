package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"biblio/internal/config"
	"biblio/internal/domain"
	"biblio/internal/events"
	"biblio/internal/metrics"
	"biblio/internal/models"
	"biblio/internal/reservation"

	"github.com/rs/zerolog"
)

// PipelineConfig holds the outer retry rules of a pass.
type PipelineConfig struct {
	RetryCeiling int
	Grace        time.Duration
	Pacing       time.Duration
}

func NewPipelineConfig(cfg config.EngineConfig) PipelineConfig {
	return PipelineConfig{
		RetryCeiling: cfg.RetryCeiling,
		Grace:        cfg.StalenessGrace,
		Pacing:       cfg.Pacing,
	}
}

// Outcome is the result of one pass over a reservation.
type Outcome struct {
	Status      models.Status
	BookingCode string
	Retries     int
}

// Pipeline drives a claimed reservation through reserve, set and confirm.
type Pipeline struct {
	store    domain.Store
	client   domain.EntryClient
	slots    domain.SlotResolver
	notifier domain.Notifier
	events   domain.EventPublisher
	timeouts reservation.TimeoutPolicy
	cfg      PipelineConfig
	loc      *time.Location
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(
	store domain.Store,
	client domain.EntryClient,
	slots domain.SlotResolver,
	notifier domain.Notifier,
	timeouts reservation.TimeoutPolicy,
	cfg PipelineConfig,
	loc *time.Location,
	logger *zerolog.Logger,
) *Pipeline {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = models.RetryCeiling
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "pipeline").Logger()
	}
	return &Pipeline{
		store:    store,
		client:   client,
		slots:    slots,
		notifier: notifier,
		timeouts: timeouts,
		cfg:      cfg,
		loc:      loc,
		logger:   l,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// UseEvents publishes status changes to the bus after every persisted pass.
func (p *Pipeline) UseEvents(pub domain.EventPublisher) {
	p.events = pub
}

// Process runs one pass and persists its outcome. Terminal records are left untouched.
// A canceled ctx aborts the pass without writing; the sweep picks the record up later.
func (p *Pipeline) Process(ctx context.Context, r *models.Reservation) (Outcome, error) {
	old := r.PreviousStatus()
	if old.Terminal() {
		return Outcome{Status: old, BookingCode: r.BookingCode, Retries: r.Retries}, nil
	}

	log := p.logger.With().Str("reservation_id", r.ID).Str("status", old.String()).Int("retries", r.Retries).Logger()

	out, err := p.run(ctx, r, old, log)
	if err != nil {
		log.Warn().Err(err).Msg("pass interrupted")
		return Outcome{}, err
	}

	changed := out.Status != old
	upd := models.ReservationUpdate{
		Status:       out.Status,
		BookingCode:  out.BookingCode,
		Retries:      out.Retries,
		StatusChange: changed,
		UpdatedAt:    p.now(),
	}
	if err := p.store.Update(ctx, r.ID, upd); err != nil {
		return out, fmt.Errorf("persist outcome of %s: %w", r.ID, err)
	}

	metrics.IncOutcome(out.Status.String())
	log.Info().
		Str("new_status", out.Status.String()).
		Int("new_retries", out.Retries).
		Str("booking_code", out.BookingCode).
		Bool("status_change", changed).
		Msg("pass finished")

	prevRetries := r.Retries
	r.Status = out.Status
	r.BookingCode = out.BookingCode
	r.Retries = out.Retries
	r.StatusChange = changed
	r.UpdatedAt = upd.UpdatedAt

	if p.notifier != nil {
		p.notifier.Notify(ctx, r, prevRetries)
	}

	if changed && p.events != nil {
		if err := p.events.PublishJSON(events.EventStatusChanged, events.NewReservationPayload(r, old)); err != nil {
			log.Warn().Err(err).Msg("publish status change")
		}
	}

	return out, nil
}

func (p *Pipeline) run(ctx context.Context, r *models.Reservation, old models.Status, log zerolog.Logger) (Outcome, error) {
	now := p.now()

	// staleness
	if old == models.StatusFail || old.InFlight() {
		if start, err := r.SlotStart(p.loc); err == nil && start.Add(p.cfg.Grace).Before(now) {
			log.Info().Str("phase", "stale").Time("slot_start", start).Msg("slot is past, giving up")
			return Outcome{Status: models.StatusTerminated, BookingCode: models.CodeClosed, Retries: r.Retries}, nil
		}
	}

	// reserve
	started := time.Now()
	slot, err := p.slots.IdentifySlot(r.SelectedDate, r.StartTime, r.Duration)
	metrics.ObservePhase("reserve", started)
	if err != nil {
		log.Warn().Str("phase", "reserve").Err(err).Msg("slot rejected")
		return p.failed(r), nil
	}

	// set
	started = time.Now()
	entry, err := p.client.CreateEntry(ctx, slot, r.Owner, p.timeouts.For(r.Retries))
	metrics.ObservePhase("set", started)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		switch {
		case errors.Is(err, reservation.ErrAlreadyConfirmed):
			log.Info().Str("phase", "set").Msg("slot already held upstream")
			return Outcome{Status: models.StatusExisting, BookingCode: models.CodeUnknown, Retries: r.Retries}, nil
		case errors.Is(err, reservation.ErrTimeout):
			log.Warn().Str("phase", "set").Err(err).Msg("create entry timed out")
			return Outcome{Status: models.StatusFail, BookingCode: models.CodeNA, Retries: r.Retries}, nil
		default:
			log.Warn().Str("phase", "set").Int("http_status", reservation.StatusCode(err)).Err(err).Msg("create entry failed")
			return p.failed(r), nil
		}
	}

	if err := p.sleep(ctx, p.cfg.Pacing); err != nil {
		return Outcome{}, err
	}

	// confirm
	started = time.Now()
	_, err = p.client.ConfirmEntry(ctx, entry.Token, r.Retries)
	metrics.ObservePhase("confirm", started)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if errors.Is(err, reservation.ErrAlreadyConfirmed) {
			log.Info().Str("phase", "confirm").Msg("entry already confirmed")
			return Outcome{Status: models.StatusExisting, BookingCode: models.CodeUnknown, Retries: r.Retries}, nil
		}
		// неизвестно, подтвердилась ли запись: не создаём дубликат, ждём следующего прохода
		log.Warn().Str("phase", "confirm").Err(err).Msg("confirm outcome unknown")
		return Outcome{Status: models.StatusAwaiting, BookingCode: entry.BookingCode, Retries: r.Retries}, nil
	}

	return Outcome{Status: models.StatusSuccess, BookingCode: entry.BookingCode, Retries: r.Retries}, nil
}

// failed consumes one retry and applies the ceiling.
func (p *Pipeline) failed(r *models.Reservation) Outcome {
	retries := r.Retries + 1
	if retries > p.cfg.RetryCeiling {
		return Outcome{Status: models.StatusTerminated, BookingCode: models.CodeClosed, Retries: retries}
	}
	return Outcome{Status: models.StatusFail, BookingCode: models.CodeNA, Retries: retries}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
