package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"biblio/internal/config"
	"biblio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOwner = models.Owner{
	CodiceFiscale: "RSSMRA85T10A562S",
	Name:          "Rossi Mario",
	Email:         "mario.rossi@studenti.unimi.it",
}

var testSlot = Slot{Start: 1744043400, End: 1744054200, Duration: 3 * 3600}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, baseURL string) (*Client, *sleepRecorder) {
	t.Helper()
	c := NewClient(config.UpstreamConfig{
		BaseURL:   baseURL,
		Cliente:   "biblio",
		EntryType: 50,
		Area:      25,
		Timezone:  "Europe/Rome",
	}, TimeoutPolicy{
		Base:    100 * time.Millisecond,
		Max:     100 * time.Millisecond,
		Connect: 50 * time.Millisecond,
		Write:   time.Millisecond,
	}, ConfirmPolicy{Attempts: 3, BaseDelay: 1500 * time.Millisecond, Step: 500 * time.Millisecond}, nil)

	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func shortTimeout() Timeout {
	return Timeout{Read: 100 * time.Millisecond}
}

type stubSolver struct {
	token string
	err   error
}

func (s stubSolver) Solve(context.Context) (string, error) { return s.token, s.err }

func TestCreateEntry_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/entry/store", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entry": 987654, "codice_prenotazione": "abc123"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	entry, err := c.CreateEntry(context.Background(), testSlot, testOwner, shortTimeout())
	require.NoError(t, err)
	assert.Equal(t, "987654", entry.Token)
	assert.Equal(t, "abc123", entry.BookingCode)

	assert.Equal(t, "biblio", got["cliente"])
	assert.EqualValues(t, testSlot.Start, got["start_time"])
	assert.EqualValues(t, testSlot.End, got["end_time"])
	assert.EqualValues(t, 10800, got["durata"])
	assert.EqualValues(t, 50, got["entry_type"])
	assert.EqualValues(t, 25, got["area"])
	assert.Equal(t, testOwner.CodiceFiscale, got["public_primary"])
	assert.Equal(t, "Europe/Rome", got["timezone"])
	assert.Nil(t, got["risorsa"])
	assert.Nil(t, got["recaptchaToken"])
	assert.Equal(t, map[string]any{}, got["servizio"])

	utente, ok := got["utente"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, testOwner.CodiceFiscale, utente["codice_fiscale"])
	assert.Equal(t, testOwner.Name, utente["cognome_nome"])
	assert.Equal(t, testOwner.Email, utente["email"])
}

func TestCreateEntry_InvalidOwnerSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	owner := testOwner
	owner.Email = "not-an-email"

	_, err := c.CreateEntry(context.Background(), testSlot, owner, shortTimeout())
	assert.ErrorIs(t, err, ErrInvalidOwnerData)
	assert.Zero(t, hits.Load())
}

func TestCreateEntry_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   error
		wantStatus int
	}{
		{name: "Unauthorized", status: http.StatusUnauthorized, wantKind: ErrAlreadyConfirmed, wantStatus: 401},
		{name: "ServerError", status: http.StatusInternalServerError, body: "boom", wantKind: ErrProtocol, wantStatus: 500},
		{name: "Forbidden", status: http.StatusForbidden, wantKind: ErrProtocol, wantStatus: 403},
		{name: "MissingEntry", status: http.StatusOK, body: `{"codice_prenotazione": "X"}`, wantKind: ErrProtocol, wantStatus: 200},
		{name: "MissingCode", status: http.StatusOK, body: `{"entry": 1}`, wantKind: ErrProtocol, wantStatus: 200},
		{name: "NotJSON", status: http.StatusOK, body: `<html>`, wantKind: ErrProtocol, wantStatus: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL)
			_, err := c.CreateEntry(context.Background(), testSlot, testOwner, shortTimeout())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantStatus, StatusCode(err))
		})
	}
}

func TestCreateEntry_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newTestClient(t, srv.URL)
	_, err := c.CreateEntry(context.Background(), testSlot, testOwner, Timeout{Read: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCreateEntry_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url)
	_, err := c.CreateEntry(context.Background(), testSlot, testOwner, Timeout{Read: time.Second})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestCreateEntry_CanceledContextIsNotClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.CreateEntry(ctx, testSlot, testOwner, Timeout{Read: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrNetwork))
}

func TestCreateEntry_Captcha(t *testing.T) {
	t.Run("TokenIsSent", func(t *testing.T) {
		var token any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			token = body["recaptchaToken"]
			_, _ = w.Write([]byte(`{"entry": "tok-1", "codice_prenotazione": "c0de"}`))
		}))
		defer srv.Close()

		c, _ := newTestClient(t, srv.URL)
		c.UseSolver(stubSolver{token: "solved"})

		entry, err := c.CreateEntry(context.Background(), testSlot, testOwner, shortTimeout())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", entry.Token)
		assert.Equal(t, "solved", token)
	})

	t.Run("SolverFailure", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		c, _ := newTestClient(t, srv.URL)
		c.UseSolver(stubSolver{err: errors.New("balance is zero")})

		_, err := c.CreateEntry(context.Background(), testSlot, testOwner, shortTimeout())
		assert.ErrorIs(t, err, ErrCaptcha)
		assert.Zero(t, hits.Load())
	})
}

func TestConfirmEntry_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entry/confirm/tok-42", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "confirmed"}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL)
	out, err := c.ConfirmEntry(context.Background(), "tok-42", 0)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", out["status"])
	assert.Empty(t, rec.delays)
}

func TestConfirmEntry_NotFoundThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL)
	out, err := c.ConfirmEntry(context.Background(), "tok", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2000 * time.Millisecond}, rec.delays)
}

func TestConfirmEntry_NotFoundExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL)
	_, err := c.ConfirmEntry(context.Background(), "tok", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.EqualValues(t, 3, calls.Load())
	// no sleep after the final attempt
	assert.Len(t, rec.delays, 2)
}

func TestConfirmEntry_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.ConfirmEntry(context.Background(), "tok", 0)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestConfirmEntry_OtherStatusIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.ConfirmEntry(context.Background(), "tok", 0)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestConfirmEntry_TimeoutsAreRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newTestClient(t, srv.URL)
	_, err := c.ConfirmEntry(context.Background(), "tok", 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCancelEntry(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		status   int
		wantPath string
		wantBody bool
		wantKind error
	}{
		{name: "Delete", mode: "delete", status: 200, wantPath: "/entry/delete/ABC"},
		{name: "DefaultMode", mode: "", status: 204, wantPath: "/entry/delete/ABC"},
		{name: "Update", mode: "update", status: 200, wantPath: "/entry/update/ABC", wantBody: true},
		{name: "NotFound", mode: "delete", status: 404, wantPath: "/entry/delete/ABC", wantKind: ErrNotFound},
		{name: "Conflict", mode: "delete", status: 409, wantPath: "/entry/delete/ABC", wantKind: ErrProtocol},
		{name: "BadRequest", mode: "delete", status: 400, wantPath: "/entry/delete/ABC", wantKind: ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.Path)
				assert.Equal(t, testOwner.CodiceFiscale, r.URL.Query().Get("chiave"))
				if tt.wantBody {
					var body map[string]string
					assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
					assert.Equal(t, "libera_posto", body["type"])
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL)
			err := c.CancelEntry(context.Background(), testOwner.CodiceFiscale, "ABC", tt.mode)
			if tt.wantKind == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantKind)
		})
	}
}

func TestCancelEntry_UnknownMode(t *testing.T) {
	c, _ := newTestClient(t, "http://127.0.0.1:1")
	err := c.CancelEntry(context.Background(), "X", "ABC", "purge")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
