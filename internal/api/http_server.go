package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"biblio/internal/config"
	"biblio/internal/database"
	"biblio/internal/metrics"
	"biblio/internal/models"
	"biblio/internal/report"

	"github.com/rs/zerolog"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// HTTPServer exposes a lightweight HTTP API alongside the gRPC service.
type HTTPServer struct {
	cfg    config.APIConfig
	repo   Reader
	status StatusFunc
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, repo Reader, status StatusFunc, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, repo: repo, status: status, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.Handle("GET /api/v1/reservations/{id}", srv.auth.Wrap(permReadReservations, http.HandlerFunc(srv.handleReservation)))
	mux.Handle("GET /api/v1/reservations", srv.auth.Wrap(permReadReservations, http.HandlerFunc(srv.handleReservations)))
	mux.Handle("GET /api/v1/reports/daily", srv.auth.Wrap(permReadReports, http.HandlerFunc(srv.handleDailyReport)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler returns the full middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("healthz")

	resp := map[string]any{"status": "ok"}
	code := http.StatusOK

	if p, ok := s.repo.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	if s.status != nil {
		st := s.status()
		engine := map[string]any{"running": st.Running}
		if !st.LastTick.IsZero() {
			engine["last_tick"] = st.LastTick.UTC().Format(time.RFC3339)
		}
		resp["engine"] = engine
	}

	writeJSON(w, code, resp)
}

func (s *HTTPServer) handleReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reservation")

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	res, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("reservation_id", id).Msg("get reservation")
		writeError(w, http.StatusInternalServerError, "failed to get reservation")
		return
	}

	writeJSON(w, http.StatusOK, reservationView(res))
}

func (s *HTTPServer) handleReservations(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reservations")

	date, ok := requireDate(w, r)
	if !ok {
		return
	}

	records, err := s.repo.ListByDate(r.Context(), date)
	if err != nil {
		s.log.Error().Err(err).Str("date", date).Msg("list reservations")
		writeError(w, http.StatusInternalServerError, "failed to list reservations")
		return
	}

	items := make([]map[string]any, 0, len(records))
	for _, res := range records {
		items = append(items, reservationView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "reservations": items})
}

func (s *HTTPServer) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("report_daily")

	date, ok := requireDate(w, r)
	if !ok {
		return
	}

	// буферизуем, чтобы ошибка не ушла после заголовков
	var buf bytes.Buffer
	if err := report.Write(r.Context(), s.repo, date, &buf); err != nil {
		s.log.Error().Err(err).Str("date", date).Msg("build daily report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="reservations_%s.xlsx"`, date))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func requireDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		writeError(w, http.StatusBadRequest, "date is required")
		return "", false
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return "", false
	}
	return date, true
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, limiter: newRateLimiter(cfg.RateLimit)}
}

// Wrap guards next with the key check for the required permission and the rate limit.
func (a *HTTPAuth) Wrap(required string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			if code, err := a.checkAuth(r, required); err != nil {
				writeError(w, code, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request, required string) (int, error) {
	apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth)))
	if apiKey == "" {
		return http.StatusUnauthorized, errors.New("missing api key header")
	}

	client, ok := lookupClient(a.cfg.Auth.APIKeys, apiKey)
	if !ok {
		return http.StatusUnauthorized, errors.New("invalid api key")
	}
	if !hasPermission(client, required) {
		return http.StatusForbidden, errPermissionDenied
	}
	return 0, nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth))); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		ev := s.log.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
