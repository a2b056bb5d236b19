package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"biblio/internal/metrics"
	"biblio/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventStatusChanged       = "reservation.status_changed"
	EventReservationCreated  = "reservation.created"
	EventReservationCanceled = "reservation.canceled"
)

// ReservationEventPayload is the snapshot consumers get after a transition.
type ReservationEventPayload struct {
	ReservationID string    `json:"reservation_id"`
	CodiceFiscale string    `json:"codice_fiscale"`
	SelectedDate  string    `json:"selected_date"`
	StartTime     string    `json:"start_time"`
	Duration      int       `json:"duration"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Retries       int       `json:"retries"`
	BookingCode   string    `json:"booking_code"`
	ChatID        int64     `json:"chat_id,omitempty"`
	At            time.Time `json:"at"`
}

// NewReservationPayload captures r after a pass that started in status from.
func NewReservationPayload(r *models.Reservation, from models.Status) ReservationEventPayload {
	at := r.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return ReservationEventPayload{
		ReservationID: r.ID,
		CodiceFiscale: r.Owner.CodiceFiscale,
		SelectedDate:  r.SelectedDate,
		StartTime:     r.StartTime,
		Duration:      r.Duration,
		From:          from.String(),
		To:            r.Status.String(),
		Retries:       r.Retries,
		BookingCode:   r.BookingCode,
		ChatID:        r.ChatID,
		At:            at.UTC(),
	}
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals a reservation payload.
func (e *Event) Decode() (ReservationEventPayload, error) {
	var p ReservationEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	seq         int64
	logger      zerolog.Logger
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: zerolog.Nop()}
}

// WithLogger makes handler errors visible.
func (b *EventBus) WithLogger(logger *zerolog.Logger) *EventBus {
	if logger != nil {
		b.logger = logger.With().Str("component", "events").Logger()
	}
	return b
}

func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish calls subscribers of the event type synchronously, in subscription order.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	event.ID = b.seq
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("type", event.Type).Int64("event_id", event.ID).Msg("handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}

// MetricsHandler counts transitions.
func MetricsHandler() EventHandler {
	return func(event *Event) error {
		p, err := event.Decode()
		if err != nil {
			return err
		}
		metrics.IncTransition(p.From, p.To)
		return nil
	}
}

// AuditHandler writes every transition to the log.
func AuditHandler(logger *zerolog.Logger) EventHandler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "audit").Logger()
	}
	return func(event *Event) error {
		p, err := event.Decode()
		if err != nil {
			return err
		}
		l.Info().
			Str("reservation_id", p.ReservationID).
			Str("from", p.From).
			Str("to", p.To).
			Int("retries", p.Retries).
			Str("booking_code", p.BookingCode).
			Str("slot", p.SelectedDate+" "+p.StartTime).
			Msg(event.Type)
		return nil
	}
}

// SubscribeDefaults wires the metrics handler for status changes and the audit log for every event.
func SubscribeDefaults(bus *EventBus, logger *zerolog.Logger) {
	bus.Subscribe(EventStatusChanged, MetricsHandler())
	audit := AuditHandler(logger)
	for _, t := range []string{EventStatusChanged, EventReservationCreated, EventReservationCanceled} {
		bus.Subscribe(t, audit)
	}
}
