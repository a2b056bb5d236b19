package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"biblio/internal/domain"
	"biblio/internal/metrics"
	"biblio/internal/models"

	"github.com/rs/zerolog"
)

// ShouldNotify: terminal outcomes always, nothing without a chat. A failure is reported
// only when the pass consumed a retry and the new count is a multiple of every;
// a timeout that left retries untouched stays silent.
func ShouldNotify(r *models.Reservation, prevRetries, every int) bool {
	if r == nil || r.ChatID == 0 {
		return false
	}
	switch r.Status {
	case models.StatusSuccess, models.StatusExisting, models.StatusTerminated:
		return true
	case models.StatusFail:
		if every <= 0 {
			every = models.NotifyEvery
		}
		return r.Retries > prevRetries && r.Retries > 0 && r.Retries%every == 0
	default:
		return false
	}
}

// Notifier formats pass outcomes and hands them to a Sender.
type Notifier struct {
	sender domain.Sender
	every  int
	logger zerolog.Logger
}

func New(sender domain.Sender, every int, logger *zerolog.Logger) *Notifier {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notifier").Logger()
	}
	if every <= 0 {
		every = models.NotifyEvery
	}
	return &Notifier{sender: sender, every: every, logger: l}
}

// Notify never returns an error: a lost message must not touch reservation state.
func (n *Notifier) Notify(ctx context.Context, r *models.Reservation, prevRetries int) {
	if !ShouldNotify(r, prevRetries, n.every) {
		return
	}

	err := n.sender.Send(ctx, r.ChatID, Message(r))
	if err != nil {
		metrics.IncNotification("error")
		n.logger.Error().Err(err).
			Str("reservation_id", r.ID).
			Int64("chat_id", r.ChatID).
			Str("status", r.Status.String()).
			Msg("notification not delivered")
		return
	}
	metrics.IncNotification("queued")
	n.logger.Debug().Str("reservation_id", r.ID).Str("status", r.Status.String()).Msg("notification handed over")
}

func headline(s models.Status) (string, string) {
	switch s {
	case models.StatusSuccess:
		return "✅ Reservation *Successful*!", "*🤞 Enjoy your stay 🤞*"
	case models.StatusExisting:
		return "ℹ️ Reservation *Already exists*!", "*The slot is already booked for you*"
	case models.StatusTerminated:
		return "⛔️ Reservation *Terminated*!", "*‼️ No more Retries ‼️*"
	default:
		return "⚠️ Reservation *Failed*!", "*❗ Retrying. Be patient... ❗*"
	}
}

// Message renders the Markdown text for r's current status.
func Message(r *models.Reservation) string {
	title, sub := headline(r.Status)

	day := r.SelectedDate
	if d, err := time.Parse(models.DateLayout, r.SelectedDate); err == nil {
		day = d.Format("Monday, 2006-01-02")
	}

	end := r.EndTime
	if end == "" {
		if e, err := models.EndTimeFor(r.StartTime, r.Duration); err == nil {
			end = e
		}
	}

	var b strings.Builder
	b.WriteString(title + "\n")
	b.WriteString(sub + "\n")
	fmt.Fprintf(&b, "On: *%s*\n", day)
	fmt.Fprintf(&b, "From: *%s* - *%s* (*%d* hours)\n", r.StartTime, end, r.Duration)
	fmt.Fprintf(&b, "Booking Code: *%s*", strings.ToUpper(r.BookingCode))
	return b.String()
}
