package reservation

import (
	"time"

	"biblio/internal/config"
)

// Timeout is the per-call budget handed to the HTTP transport.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// Total is the overall deadline for one request.
func (t Timeout) Total() time.Duration {
	return t.Connect + t.Write + t.Read
}

// CalculateTimeout grows the read budget linearly with retries and caps it at max.
func CalculateTimeout(retries int, base, step, max time.Duration) Timeout {
	if retries < 0 {
		retries = 0
	}
	read := base + time.Duration(retries)*step
	if read > max || read < base {
		read = max
	}
	return Timeout{Connect: 10 * time.Second, Read: read, Write: 10 * time.Second}
}

// TimeoutPolicy binds CalculateTimeout to configured values.
type TimeoutPolicy struct {
	Base    time.Duration
	Step    time.Duration
	Max     time.Duration
	Connect time.Duration
	Write   time.Duration
}

func NewTimeoutPolicy(cfg config.TimeoutConfig) TimeoutPolicy {
	return TimeoutPolicy{Base: cfg.Base, Step: cfg.Step, Max: cfg.Max, Connect: cfg.Connect, Write: cfg.Write}
}

func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base:    10 * time.Second,
		Step:    15 * time.Second,
		Max:     150 * time.Second,
		Connect: 10 * time.Second,
		Write:   10 * time.Second,
	}
}

func (p TimeoutPolicy) For(retries int) Timeout {
	t := CalculateTimeout(retries, p.Base, p.Step, p.Max)
	if p.Connect > 0 {
		t.Connect = p.Connect
	}
	if p.Write > 0 {
		t.Write = p.Write
	}
	return t
}
