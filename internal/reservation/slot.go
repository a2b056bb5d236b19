package reservation

import (
	"fmt"
	"strings"
	"time"

	"biblio/internal/config"
	"biblio/internal/models"
)

// Hours is the venue opening window for one weekday.
type Hours struct {
	Open  int
	Close int
}

// Venue holds what IdentifySlot needs to validate a slot.
type Venue struct {
	Location    *time.Location
	OpeningHour int
	Hours       map[time.Weekday]Hours
}

// NewVenue builds a Venue from config. Days without configured hours are closed.
func NewVenue(cfg config.VenueConfig) (*Venue, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	v := &Venue{Location: loc, OpeningHour: cfg.OpeningHour, Hours: make(map[time.Weekday]Hours, 7)}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if h, ok := cfg.HoursFor(d); ok {
			v.Hours[d] = Hours{Open: h.Open, Close: h.Close}
		}
	}
	if v.OpeningHour == 0 {
		v.OpeningHour = 9
	}
	return v, nil
}

// Slot is the upstream representation of a requested window.
type Slot struct {
	Start    int64
	End      int64
	Duration int
}

// RoundToHalfHour truncates minutes to :00 or :30.
func RoundToHalfHour(t time.Time) time.Time {
	m := 0
	if t.Minute() >= 30 {
		m = 30
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), m, 0, 0, t.Location())
}

// IdentifySlot converts a date, start time and duration in hours into Unix timestamps.
func (v *Venue) IdentifySlot(date, start string, duration int) (Slot, error) {
	const op = "identify slot"

	day, err := time.ParseInLocation(models.DateLayout, strings.TrimSpace(date), v.Location)
	if err != nil {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("date %q: use YYYY-MM-DD", date))
	}
	clock, err := time.Parse(models.TimeLayout, strings.TrimSpace(start))
	if err != nil {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("time %q: use HH:MM", start))
	}

	hours, ok := v.Hours[day.Weekday()]
	if !ok {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("venue closed on %s", day.Weekday()))
	}
	closingHour := hours.Close + 1
	maxDuration := closingHour - hours.Open

	if duration < 1 || duration > maxDuration {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("duration must be between 1 and %d hours", maxDuration))
	}

	startAt := RoundToHalfHour(time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, v.Location))

	opening := time.Date(day.Year(), day.Month(), day.Day(), v.OpeningHour, 0, 0, 0, v.Location)
	if startAt.Before(opening) {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("start time cannot be before %02d:00", v.OpeningHour))
	}

	endAt := startAt.Add(time.Duration(duration) * time.Hour)
	closing := time.Date(day.Year(), day.Month(), day.Day(), closingHour, 0, 0, 0, v.Location)
	if endAt.After(closing) {
		return Slot{}, newError(op, ErrInvalidInput, 0, fmt.Errorf("end time cannot be after %d:00", closingHour))
	}

	return Slot{Start: startAt.Unix(), End: endAt.Unix(), Duration: duration * 3600}, nil
}
