package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"biblio/internal/config"
	"biblio/internal/database"
	"biblio/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db")
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(path, time.UTC, &logger)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestReservation(t *testing.T, db *database.DB, id, date, start string) *models.Reservation {
	t.Helper()
	r := &models.Reservation{
		ID:           id,
		Owner:        models.Owner{CodiceFiscale: "RSSMRA85T10A562S", Name: "Rossi Mario", Email: "mario@example.com"},
		SelectedDate: date,
		StartTime:    start,
		Duration:     2,
	}
	if err := db.Create(context.Background(), r); err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return r
}

func newTestHTTPServer(repo Reader, cfg config.APIConfig, status StatusFunc) *httptest.Server {
	logger := zerolog.New(io.Discard)
	srv := NewHTTPServer(cfg, repo, status, &logger)
	return httptest.NewServer(srv.Handler())
}

func openAPIConfig() config.APIConfig {
	return config.APIConfig{Enabled: true, HTTP: config.APIHTTPConfig{Enabled: true}}
}

func getJSON(t *testing.T, url string, header map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode body: %v", err)
		}
	}
	return resp.StatusCode
}

func TestGetReservation(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")

	ts := newTestHTTPServer(db, openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	var body map[string]any
	code := getJSON(t, ts.URL+"/api/v1/reservations/r-1", nil, &body)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "r-1", body["id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "12:00", body["end_time"])
	assert.Equal(t, "TBD", body["booking_code"])
	assert.Equal(t, float64(2), body["duration"])
	assert.NotContains(t, body, "email")
}

func TestGetReservation_NotFound(t *testing.T) {
	db := newTestDB(t)
	ts := newTestHTTPServer(db, openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	var body map[string]string
	code := getJSON(t, ts.URL+"/api/v1/reservations/missing", nil, &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "reservation not found", body["error"])
}

func TestListReservations(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")
	createTestReservation(t, db, "r-2", "2025-04-08", "14:00")
	createTestReservation(t, db, "r-3", "2025-04-09", "10:00")

	ts := newTestHTTPServer(db, openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	var body struct {
		Date         string           `json:"date"`
		Reservations []map[string]any `json:"reservations"`
	}
	code := getJSON(t, ts.URL+"/api/v1/reservations?date=2025-04-08", nil, &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2025-04-08", body.Date)
	require.Len(t, body.Reservations, 2)
	assert.Equal(t, "r-1", body.Reservations[0]["id"])
}

func TestListReservations_BadDate(t *testing.T) {
	ts := newTestHTTPServer(newTestDB(t), openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	tests := []struct {
		name  string
		query string
	}{
		{"missing", ""},
		{"wrong layout", "?date=08/04/2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := getJSON(t, ts.URL+"/api/v1/reservations"+tt.query, nil, nil)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestHTTPServer(newTestDB(t), openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/v1/reservations", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDailyReport(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")

	ts := newTestHTTPServer(db, openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/reports/daily?date=2025-04-08")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "reservations_2025-04-08.xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Reservations")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

type failingReader struct{}

func (failingReader) Get(context.Context, string) (*models.Reservation, error) {
	return nil, errors.New("disk I/O error")
}

func (failingReader) ListByDate(context.Context, string) ([]*models.Reservation, error) {
	return nil, errors.New("disk I/O error")
}

func (failingReader) PingContext(context.Context) error {
	return errors.New("database is locked")
}

func TestStorageErrors(t *testing.T) {
	ts := newTestHTTPServer(failingReader{}, openAPIConfig(), nil)
	t.Cleanup(ts.Close)

	paths := []string{
		"/api/v1/reservations/r-1",
		"/api/v1/reservations?date=2025-04-08",
		"/api/v1/reports/daily?date=2025-04-08",
	}
	for _, p := range paths {
		var body map[string]string
		code := getJSON(t, ts.URL+p, nil, &body)
		assert.Equal(t, http.StatusInternalServerError, code, p)
		assert.NotContains(t, body["error"], "disk", p)
	}

	var health map[string]any
	code := getJSON(t, ts.URL+"/healthz", nil, &health)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", health["status"])
}

func TestHealthz(t *testing.T) {
	tick := time.Date(2025, 4, 7, 7, 0, 0, 0, time.UTC)
	status := func() EngineStatus { return EngineStatus{Running: true, LastTick: tick} }

	ts := newTestHTTPServer(newTestDB(t), openAPIConfig(), status)
	t.Cleanup(ts.Close)

	var body struct {
		Status string `json:"status"`
		Engine struct {
			Running  bool   `json:"running"`
			LastTick string `json:"last_tick"`
		} `json:"engine"`
	}
	code := getJSON(t, ts.URL+"/healthz", nil, &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Engine.Running)
	assert.Equal(t, "2025-04-07T07:00:00Z", body.Engine.LastTick)
}

func TestHTTPAuth(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")

	cfg := openAPIConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled:      true,
		HeaderAPIKey: "x-api-key",
		APIKeys: []config.APIClientKey{
			{Key: "ops-key", Name: "ops"},
			{Key: "report-key", Name: "reports", Permissions: []string{permReadReports}},
		},
	}
	ts := newTestHTTPServer(db, cfg, nil)
	t.Cleanup(ts.Close)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"missing key", "/api/v1/reservations/r-1", "", http.StatusUnauthorized},
		{"unknown key", "/api/v1/reservations/r-1", "nope", http.StatusUnauthorized},
		{"allow-all key", "/api/v1/reservations/r-1", "ops-key", http.StatusOK},
		{"missing permission", "/api/v1/reservations/r-1", "report-key", http.StatusForbidden},
		{"granted permission", "/api/v1/reports/daily?date=2025-04-08", "report-key", http.StatusOK},
		{"healthz is open", "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.key != "" {
				header["X-Api-Key"] = tt.key
			}
			req, err := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
			require.NoError(t, err)
			for k, v := range header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHTTPRateLimit(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")

	cfg := openAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	ts := newTestHTTPServer(db, cfg, nil)
	t.Cleanup(ts.Close)

	header := map[string]string{"x-api-key": "client-a"}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/reservations/r-1", header, nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/reservations/r-1", header, nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/v1/reservations/r-1", header, nil))

	// buckets are per key
	other := map[string]string{"x-api-key": "client-b"}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/reservations/r-1", other, nil))
}
