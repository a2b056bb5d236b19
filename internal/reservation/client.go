package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"biblio/internal/config"
	"biblio/internal/models"

	"github.com/rs/zerolog"
)

const maxResponseBytes = 1 << 20

// Entry is what the upstream returns for a freshly stored booking.
type Entry struct {
	Token       string
	BookingCode string
}

// Solver produces a CAPTCHA token for the store call.
type Solver interface {
	Solve(ctx context.Context) (string, error)
}

// ConfirmPolicy bounds the confirm retry loop, independent of the outer retries counter.
type ConfirmPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Step      time.Duration
}

func NewConfirmPolicy(cfg config.ConfirmConfig) ConfirmPolicy {
	return ConfirmPolicy{Attempts: cfg.Attempts, BaseDelay: cfg.BaseDelay, Step: cfg.Step}
}

// Delay is the wait after a 404 on the given zero-based attempt.
func (p ConfirmPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay + time.Duration(attempt)*p.Step
}

// Client talks to the library planning API.
type Client struct {
	baseURL  string
	cfg      config.UpstreamConfig
	http     *http.Client
	solver   Solver
	timeouts TimeoutPolicy
	confirm  ConfirmPolicy
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client with a shared transport. The transport is safe for concurrent workers.
func NewClient(cfg config.UpstreamConfig, timeouts TimeoutPolicy, confirm ConfirmPolicy, logger *zerolog.Logger) *Client {
	if confirm.Attempts <= 0 {
		confirm.Attempts = 3
	}
	connect := timeouts.Connect
	if connect <= 0 {
		connect = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: connect,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "upstream").Logger()
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cfg:      cfg,
		http:     &http.Client{Transport: transport},
		timeouts: timeouts,
		confirm:  confirm,
		logger:   l,
		sleep:    sleepContext,
	}
}

// UseSolver enables CAPTCHA tokens on CreateEntry.
func (c *Client) UseSolver(s Solver) {
	c.solver = s
}

// UseHTTPClient replaces the underlying HTTP client.
func (c *Client) UseHTTPClient(h *http.Client) {
	if h != nil {
		c.http = h
	}
}

// Timeouts exposes the policy used to scale budgets with retries.
func (c *Client) Timeouts() TimeoutPolicy {
	return c.timeouts
}

type entryPayload struct {
	Cliente        string       `json:"cliente"`
	StartTime      int64        `json:"start_time"`
	EndTime        int64        `json:"end_time"`
	Durata         int          `json:"durata"`
	EntryType      int          `json:"entry_type"`
	Area           int          `json:"area"`
	PublicPrimary  string       `json:"public_primary"`
	Utente         models.Owner `json:"utente"`
	Servizio       struct{}     `json:"servizio"`
	Risorsa        *string      `json:"risorsa"`
	RecaptchaToken *string      `json:"recaptchaToken"`
	Timezone       string       `json:"timezone"`
}

// CreateEntry stores a booking for slot on behalf of owner.
func (c *Client) CreateEntry(ctx context.Context, slot Slot, owner models.Owner, timeout Timeout) (Entry, error) {
	const op = "create entry"

	if err := ValidateOwner(owner); err != nil {
		return Entry{}, err
	}

	payload := entryPayload{
		Cliente:       c.cfg.Cliente,
		StartTime:     slot.Start,
		EndTime:       slot.End,
		Durata:        slot.Duration,
		EntryType:     c.cfg.EntryType,
		Area:          c.cfg.Area,
		PublicPrimary: owner.CodiceFiscale,
		Utente:        owner,
		Timezone:      c.cfg.Timezone,
	}

	if c.solver != nil {
		token, err := c.solver.Solve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Entry{}, ctx.Err()
			}
			if !errors.Is(err, ErrCaptcha) {
				err = newError(op, ErrCaptcha, 0, err)
			}
			return Entry{}, err
		}
		payload.RecaptchaToken = &token
	}

	status, body, err := c.post(ctx, op, c.baseURL+"/entry/store", payload, timeout)
	if err != nil {
		return Entry{}, err
	}

	switch {
	case status == http.StatusUnauthorized:
		return Entry{}, newError(op, ErrAlreadyConfirmed, status, nil)
	case status < 200 || status >= 300:
		return Entry{}, newError(op, ErrProtocol, status, errors.New(snippet(body)))
	}

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return Entry{}, newError(op, ErrProtocol, status, fmt.Errorf("decode response: %w", err))
	}

	token, ok := scalarString(resp["entry"])
	if !ok {
		return Entry{}, newError(op, ErrProtocol, status, errors.New(`response has no "entry"`))
	}
	code, ok := scalarString(resp["codice_prenotazione"])
	if !ok {
		return Entry{}, newError(op, ErrProtocol, status, errors.New(`response has no "codice_prenotazione"`))
	}

	c.logger.Info().Str("booking_code", code).Msg("entry stored")
	return Entry{Token: token, BookingCode: code}, nil
}

// ConfirmEntry confirms a stored entry. A 404 means the entry is not visible yet and is retried
// with a growing delay; read timeouts are retried within the same bound.
func (c *Client) ConfirmEntry(ctx context.Context, token string, retriesSoFar int) (map[string]any, error) {
	const op = "confirm entry"

	endpoint := c.baseURL + "/entry/confirm/" + url.PathEscape(token)
	timeout := c.timeouts.For(retriesSoFar)

	var lastErr error
	for attempt := 0; attempt < c.confirm.Attempts; attempt++ {
		status, body, err := c.post(ctx, op, endpoint, nil, timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				c.logger.Warn().Int("attempt", attempt+1).Int("max", c.confirm.Attempts).Msg("confirm timed out")
				lastErr = err
				continue
			}
			return nil, err
		}

		switch {
		case status >= 200 && status < 300:
			out := map[string]any{}
			if len(bytes.TrimSpace(body)) > 0 {
				if err := json.Unmarshal(body, &out); err != nil {
					return nil, newError(op, ErrProtocol, status, fmt.Errorf("decode response: %w", err))
				}
			}
			c.logger.Info().Msg("entry confirmed")
			return out, nil
		case status == http.StatusNotFound:
			c.logger.Warn().Int("attempt", attempt+1).Int("max", c.confirm.Attempts).Msg("confirm 404, entry not visible yet")
			lastErr = newError(op, ErrProtocol, status, fmt.Errorf("%w after %d attempts", ErrNotFound, attempt+1))
			if attempt < c.confirm.Attempts-1 {
				if err := c.sleep(ctx, c.confirm.Delay(attempt)); err != nil {
					return nil, err
				}
			}
		case status == http.StatusUnauthorized:
			return nil, newError(op, ErrAlreadyConfirmed, status, nil)
		default:
			return nil, newError(op, ErrProtocol, status, errors.New(snippet(body)))
		}
	}

	if lastErr == nil {
		lastErr = newError(op, ErrProtocol, 0, errors.New("no attempts made"))
	}
	return nil, lastErr
}

// CancelEntry frees a confirmed booking. Mode is "delete" or "update".
func (c *Client) CancelEntry(ctx context.Context, codiceFiscale, bookingCode, mode string) error {
	const op = "cancel entry"

	if mode == "" {
		mode = "delete"
	}
	if mode != "delete" && mode != "update" {
		return newError(op, ErrInvalidInput, 0, fmt.Errorf("unknown cancel mode %q", mode))
	}

	endpoint := fmt.Sprintf("%s/entry/%s/%s?chiave=%s",
		c.baseURL, mode, url.PathEscape(bookingCode), url.QueryEscape(codiceFiscale))

	var body any
	if mode == "update" {
		body = map[string]string{"type": "libera_posto"}
	}

	status, raw, err := c.post(ctx, op, endpoint, body, c.timeouts.For(0))
	if err != nil {
		return err
	}

	switch {
	case status >= 200 && status < 300:
		c.logger.Info().Str("mode", mode).Str("booking_code", bookingCode).Msg("entry canceled")
		return nil
	case status == http.StatusNotFound:
		return newError(op, ErrNotFound, status, nil)
	case status == http.StatusConflict:
		return newError(op, ErrProtocol, status, errors.New("conflict during cancellation"))
	case status == http.StatusBadRequest:
		return newError(op, ErrProtocol, status, errors.New("invalid booking code or expired reservation"))
	default:
		return newError(op, ErrProtocol, status, errors.New(snippet(raw)))
	}
}

func (c *Client) post(ctx context.Context, op, endpoint string, body any, timeout Timeout) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, newError(op, ErrInvalidInput, 0, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	reqCtx := ctx
	if total := timeout.Total(); total > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, reader)
	if err != nil {
		return 0, nil, newError(op, ErrInvalidInput, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, classifyTransport(ctx, op, err)
	}
	return resp.StatusCode, raw, nil
}

// classifyTransport maps a failed round trip onto the error taxonomy.
// Cancellation of the caller's context is returned as is.
func classifyTransport(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(op, ErrNetwork, 0, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return newError(op, ErrTimeout, 0, err)
	}
	return newError(op, ErrNetwork, 0, err)
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
