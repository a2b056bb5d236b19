package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"biblio/internal/config"
)

// CaptchaSolver obtains reCAPTCHA tokens from a task-based solving service.
type CaptchaSolver struct {
	cfg    config.CaptchaConfig
	http   *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	submit time.Duration
}

func NewCaptchaSolver(cfg config.CaptchaConfig, httpClient *http.Client) *CaptchaSolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &CaptchaSolver{cfg: cfg, http: httpClient, sleep: sleepContext, submit: 30 * time.Second}
}

type captchaTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type captchaResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

// Solve submits a task and polls for its result a bounded number of times.
func (s *CaptchaSolver) Solve(ctx context.Context) (string, error) {
	const op = "solve captcha"

	var created captchaResponse
	err := s.call(ctx, "/createTask", map[string]any{
		"clientKey": s.cfg.APIKey,
		"task": captchaTask{
			Type:       s.cfg.TaskType,
			WebsiteURL: s.cfg.PageURL,
			WebsiteKey: s.cfg.SiteKey,
		},
	}, &created)
	if err != nil {
		return "", s.wrap(ctx, op, err)
	}
	if created.ErrorID != 0 {
		return "", newError(op, ErrCaptcha, 0, fmt.Errorf("create task: %s %s", created.ErrorCode, created.ErrorDescription))
	}
	if len(created.TaskID) == 0 || string(created.TaskID) == "null" {
		return "", newError(op, ErrCaptcha, 0, errors.New("create task: no task id"))
	}

	for poll := 0; poll < s.cfg.MaxPolls; poll++ {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return "", err
		}

		var result captchaResponse
		err := s.call(ctx, "/getTaskResult", map[string]any{
			"clientKey": s.cfg.APIKey,
			"taskId":    created.TaskID,
		}, &result)
		if err != nil {
			return "", s.wrap(ctx, op, err)
		}
		if result.ErrorID != 0 {
			return "", newError(op, ErrCaptcha, 0, fmt.Errorf("task result: %s %s", result.ErrorCode, result.ErrorDescription))
		}
		if result.Status != "ready" {
			continue
		}

		token := result.Solution.GRecaptchaResponse
		if token == "" {
			token = result.Solution.Token
		}
		if token == "" {
			return "", newError(op, ErrCaptcha, 0, errors.New("ready task without token"))
		}
		return token, nil
	}

	return "", newError(op, ErrCaptcha, 0, fmt.Errorf("not solved after %d polls", s.cfg.MaxPolls))
}

func (s *CaptchaSolver) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return newError(op, ErrCaptcha, 0, err)
}

func (s *CaptchaSolver) call(ctx context.Context, path string, body any, out *captchaResponse) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.submit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
