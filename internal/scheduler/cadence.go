package scheduler

import (
	"fmt"
	"time"

	"biblio/internal/config"
)

// Schedule yields fire times.
type Schedule interface {
	// Next returns the first fire time strictly after t, or zero if there is none.
	Next(t time.Time) time.Time
}

// Cadence fires around the upstream slot-reset boundaries in the venue timezone.
//
// Working days fire every Interval inside the configured minutes of each active hour.
// BurstHour (the venue opening, or the first active hour when unset) fires every
// BurstInterval during BurstMinutes. Sunday fires once at second 0 of each OffdayMinutes minute.
type Cadence struct {
	loc      *time.Location
	weekday  config.HourWindow
	saturday config.HourWindow
	sunday   config.HourWindow
	minutes  map[int]bool
	burst    map[int]bool
	burstAt  int // -1: first hour of the window
	offday   map[int]bool
	interval time.Duration
	burstInt time.Duration
}

func NewCadence(cfg config.SchedulerConfig) (*Cadence, error) {
	name := cfg.Timezone
	if name == "" {
		name = "Europe/Rome"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", name, err)
	}
	if cfg.Interval <= 0 || cfg.Interval > time.Minute {
		return nil, fmt.Errorf("scheduler interval must be within (0, 1m], got %s", cfg.Interval)
	}
	if cfg.BurstInterval <= 0 || cfg.BurstInterval > cfg.Interval {
		return nil, fmt.Errorf("scheduler burst interval must be within (0, %s], got %s", cfg.Interval, cfg.BurstInterval)
	}

	shift := 0
	if cfg.DaylightSaving {
		shift = 1
	}
	c := &Cadence{
		loc:      loc,
		weekday:  shifted(cfg.WeekdayHours, shift),
		saturday: shifted(cfg.SaturdayHours, shift),
		sunday:   shifted(cfg.SundayHours, shift),
		minutes:  set(cfg.Minutes),
		burst:    set(cfg.BurstMinutes),
		offday:   set(cfg.OffdayMinutes),
		interval: cfg.Interval,
		burstInt: cfg.BurstInterval,
		burstAt:  -1,
	}
	if cfg.BurstHour > 0 {
		c.burstAt = cfg.BurstHour + shift
	}
	if c.burstAt > 23 {
		return nil, fmt.Errorf("invalid scheduler burst hour %d", cfg.BurstHour)
	}
	for _, w := range []config.HourWindow{c.weekday, c.saturday, c.sunday} {
		if w.From < 0 || w.To > 23 || w.From > w.To {
			return nil, fmt.Errorf("invalid scheduler hours %d-%d", w.From, w.To)
		}
	}
	return c, nil
}

func shifted(w config.HourWindow, by int) config.HourWindow {
	w.From += by
	w.To += by
	if w.To > 23 {
		w.To = 23
	}
	return w
}

func set(values []int) map[int]bool {
	m := make(map[int]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func (c *Cadence) Location() *time.Location {
	return c.loc
}

// step returns the firing period inside the minute starting at m.
func (c *Cadence) step(m time.Time) (time.Duration, bool) {
	h, mm := m.Hour(), m.Minute()

	if m.Weekday() == time.Sunday {
		if h >= c.sunday.From && h <= c.sunday.To && c.offday[mm] {
			return time.Minute, true
		}
		return 0, false
	}

	w := c.weekday
	if m.Weekday() == time.Saturday {
		w = c.saturday
	}
	if h < w.From || h > w.To || !c.minutes[mm] {
		return 0, false
	}
	burstHour := c.burstAt
	if burstHour < 0 {
		burstHour = w.From
	}
	if h == burstHour && c.burst[mm] {
		return c.burstInt, true
	}
	return c.interval, true
}

// Next scans minute by minute, at most a week ahead.
func (c *Cadence) Next(after time.Time) time.Time {
	after = after.In(c.loc)
	minute := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), after.Minute(), 0, 0, c.loc)

	for i := 0; i <= 8*24*60; i++ {
		if step, ok := c.step(minute); ok {
			cand := minute
			if !cand.After(after) {
				n := after.Sub(minute)/step + 1
				cand = minute.Add(n * step)
			}
			if cand.Before(minute.Add(time.Minute)) {
				return cand
			}
		}
		minute = minute.Add(time.Minute)
	}
	return time.Time{}
}

// Every is a fixed-period schedule, used for the sweep.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}
