package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"biblio/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	err := bus.PublishJSON("test_event", payload)
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}
	if received.ID != 1 {
		t.Errorf("expected first event id 1, got %d", received.ID)
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %s", decoded["foo"])
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var order []int

	bus.Subscribe("event", func(_ *Event) error { order = append(order, 1); return errors.New("ignored") })
	bus.Subscribe("event", func(_ *Event) error { order = append(order, 2); return nil })

	bus.Publish(&Event{Type: "event"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected both handlers in order, got %v", order)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	assert.NoError(t, nilBus.PublishJSON(EventStatusChanged, nil))
}

func TestNewReservationPayload(t *testing.T) {
	r := &models.Reservation{
		ID:           "r-1",
		Owner:        models.Owner{CodiceFiscale: "RSSMRA85T10A562S"},
		SelectedDate: "2025-04-07",
		StartTime:    "10:00",
		Duration:     2,
		Status:       models.StatusSuccess,
		Retries:      3,
		BookingCode:  "123456",
		ChatID:       42,
		UpdatedAt:    time.Date(2025, 4, 7, 8, 0, 0, 0, time.UTC),
	}

	event, err := NewJSONEvent(EventStatusChanged, NewReservationPayload(r, models.StatusFail))
	require.NoError(t, err)
	assert.False(t, event.CreatedAt.IsZero())

	p, err := event.Decode()
	require.NoError(t, err)
	assert.Equal(t, "r-1", p.ReservationID)
	assert.Equal(t, "fail", p.From)
	assert.Equal(t, "success", p.To)
	assert.Equal(t, "123456", p.BookingCode)
	assert.Equal(t, int64(42), p.ChatID)
	assert.Equal(t, r.UpdatedAt, p.At)

	_, err = (&Event{Type: "x", Payload: []byte("{")}).Decode()
	assert.Error(t, err)
}

func TestDefaultSubscribers(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	bus := NewEventBus().WithLogger(&logger)
	SubscribeDefaults(bus, &logger)

	r := &models.Reservation{ID: "r-2", Status: models.StatusTerminated, Retries: 21, BookingCode: models.CodeClosed}
	require.NoError(t, bus.PublishJSON(EventStatusChanged, NewReservationPayload(r, models.StatusProcessing)))

	assert.Contains(t, buf.String(), `"reservation_id":"r-2"`)
	assert.Contains(t, buf.String(), `"to":"terminated"`)
	assert.Contains(t, buf.String(), EventStatusChanged)

	buf.Reset()
	bus.Publish(&Event{Type: EventStatusChanged, Payload: []byte("not json")})
	assert.Contains(t, buf.String(), "handler failed")

	buf.Reset()
	created := &models.Reservation{ID: "r-3", Status: models.StatusPending, BookingCode: models.CodeTBD}
	require.NoError(t, bus.PublishJSON(EventReservationCreated, NewReservationPayload(created, "")))
	assert.Contains(t, buf.String(), EventReservationCreated)
	assert.Contains(t, buf.String(), `"reservation_id":"r-3"`)
}
