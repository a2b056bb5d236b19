package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusAwaiting   Status = "awaiting"
	StatusFail       Status = "fail"
	StatusSuccess    Status = "success"
	StatusExisting   Status = "existing"
	StatusTerminated Status = "terminated"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the pipeline must leave the record alone.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusExisting, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

// Claimable reports whether a tick may pick the record up.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFail
}

// InFlight covers the states a crashed worker can leave behind.
func (s Status) InFlight() bool {
	return s == StatusProcessing || s == StatusAwaiting
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaiting, StatusFail,
		StatusSuccess, StatusExisting, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Booking code sentinels.
const (
	CodeTBD     = "TBD"
	CodeNA      = "NA"
	CodeClosed  = "CLOSED"
	CodeUnknown = "UNKNOWN"
)

// Owner identifies the person the slot is booked for.
type Owner struct {
	CodiceFiscale string `json:"codice_fiscale"`
	Name          string `json:"cognome_nome"`
	Email         string `json:"email"`
}

// Reservation is a single request to book a slot at the library.
type Reservation struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Owner        Owner     `json:"owner"`
	SelectedDate string    `json:"selected_date"`
	StartTime    string    `json:"start_time"`
	EndTime      string    `json:"end_time"`
	Duration     int       `json:"duration"`
	Status       Status    `json:"status"`
	Retries      int       `json:"retries"`
	BookingCode  string    `json:"booking_code"`
	StatusChange bool      `json:"status_change"`
	Priority     int       `json:"priority"`
	ChatID       int64     `json:"chat_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// OriginalStatus is the status the record had before the claim moved it to processing.
	OriginalStatus Status `json:"-"`
}

// PreviousStatus returns the status the current pass started from.
func (r *Reservation) PreviousStatus() Status {
	if r.OriginalStatus != "" {
		return r.OriginalStatus
	}
	return r.Status
}

// SlotStart returns the scheduled start in loc.
func (r *Reservation) SlotStart(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.SelectedDate+" "+r.StartTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot start %q %q: %w", r.SelectedDate, r.StartTime, err)
	}
	return t, nil
}

// ReservationUpdate carries the fields a pipeline pass is allowed to write.
type ReservationUpdate struct {
	Status       Status
	BookingCode  string
	Retries      int
	StatusChange bool
	UpdatedAt    time.Time
}

// EndTimeFor returns the wall-clock end of a slot starting at start and lasting duration hours.
func EndTimeFor(start string, duration int) (string, error) {
	t, err := time.Parse(TimeLayout, start)
	if err != nil {
		return "", fmt.Errorf("parse start time %q: %w", start, err)
	}
	return t.Add(time.Duration(duration) * time.Hour).Format(TimeLayout), nil
}
